package subscription_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coopkit/coopkit/message"
	"github.com/coopkit/coopkit/subscription"
)

type tick struct{}

func TestLookupWalksActivePathLeafToRoot(t *testing.T) {
	s := subscription.NewStore()
	mt := message.TypeOf[tick]()

	s.SubscribeWithState("mb", mt, "root", subscription.Handler{Fn: func(any) error { return nil }})

	h, ok := s.Lookup("mb", mt, []subscription.StateID{"leaf", "mid", "root"})
	assert.True(t, ok)
	assert.NotNil(t, h.Fn)
}

func TestLookupPrefersLeafOverAncestor(t *testing.T) {
	s := subscription.NewStore()
	mt := message.TypeOf[tick]()

	rootCalled, leafCalled := false, false
	s.SubscribeWithState("mb", mt, "root", subscription.Handler{Fn: func(any) error { rootCalled = true; return nil }})
	s.SubscribeWithState("mb", mt, "leaf", subscription.Handler{Fn: func(any) error { leafCalled = true; return nil }})

	h, ok := s.Lookup("mb", mt, []subscription.StateID{"leaf", "root"})
	assert.True(t, ok)
	_ = h.Fn(nil)
	assert.True(t, leafCalled)
	assert.False(t, rootCalled)
}

func TestLookupFallsBackToDeadLetter(t *testing.T) {
	s := subscription.NewStore()
	mt := message.TypeOf[tick]()

	s.SetDeadLetter("mb", mt, subscription.Handler{Fn: func(any) error { return nil }})

	h, ok := s.Lookup("mb", mt, []subscription.StateID{"leaf", "root"})
	assert.True(t, ok)
	assert.NotNil(t, h.Fn)
}

func TestLookupFailsWithNoHandlerAndNoDeadLetter(t *testing.T) {
	s := subscription.NewStore()
	mt := message.TypeOf[tick]()

	_, ok := s.Lookup("mb", mt, []subscription.StateID{"leaf", "root"})
	assert.False(t, ok)
}

func TestResubscribeReplacesRatherThanStacks(t *testing.T) {
	s := subscription.NewStore()
	mt := message.TypeOf[tick]()

	calls := 0
	s.SubscribeWithState("mb", mt, "root", subscription.Handler{Fn: func(any) error { calls++; return nil }})
	s.SubscribeWithState("mb", mt, "root", subscription.Handler{Fn: func(any) error { calls += 10; return nil }})

	h, ok := s.Lookup("mb", mt, []subscription.StateID{"root"})
	assert.True(t, ok)
	_ = h.Fn(nil)
	assert.Equal(t, 10, calls)
}

func TestDropSubscriptionRemovesOnlyThatState(t *testing.T) {
	s := subscription.NewStore()
	mt := message.TypeOf[tick]()
	s.SubscribeWithState("mb", mt, "root", subscription.Handler{Fn: func(any) error { return nil }})
	s.SubscribeWithState("mb", mt, "leaf", subscription.Handler{Fn: func(any) error { return nil }})

	s.DropSubscription("mb", mt, "leaf")
	assert.True(t, s.HasSubscriptionInState("mb", mt, "root"))
	assert.False(t, s.HasSubscriptionInState("mb", mt, "leaf"))
	assert.True(t, s.HasSubscription("mb", mt))
}

func TestDropAllForStateClearsAcrossKeys(t *testing.T) {
	s := subscription.NewStore()
	mt := message.TypeOf[tick]()
	s.SubscribeWithState("mb1", mt, "root", subscription.Handler{Fn: func(any) error { return nil }})
	s.SubscribeWithState("mb2", mt, "root", subscription.Handler{Fn: func(any) error { return nil }})

	s.DropAllForState("root")
	assert.False(t, s.HasSubscription("mb1", mt))
	assert.False(t, s.HasSubscription("mb2", mt))
}

func TestDropAllForMailboxOnlyAffectsThatMailbox(t *testing.T) {
	s := subscription.NewStore()
	mt := message.TypeOf[tick]()
	s.SubscribeWithState("mb1", mt, "root", subscription.Handler{Fn: func(any) error { return nil }})
	s.SubscribeWithState("mb2", mt, "root", subscription.Handler{Fn: func(any) error { return nil }})

	s.DropAllForMailbox("mb1")
	assert.False(t, s.HasSubscription("mb1", mt))
	assert.True(t, s.HasSubscription("mb2", mt))
}

func TestDropAllClearsEverything(t *testing.T) {
	s := subscription.NewStore()
	mt := message.TypeOf[tick]()
	s.SubscribeWithState("mb", mt, "root", subscription.Handler{Fn: func(any) error { return nil }})
	s.DropAll()
	assert.False(t, s.HasSubscription("mb", mt))
}
