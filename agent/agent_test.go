package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopkit/coopkit/limiter"
	"github.com/coopkit/coopkit/mbox"
	"github.com/coopkit/coopkit/message"
)

type greeting struct{ Name string }

func TestDeliverInvokesSubscribedHandler(t *testing.T) {
	repo := mbox.NewRepository("", 16)
	mb := mbox.NewMPMC("greetings", repo, nil)

	a := New()
	got := make(chan string, 1)
	require.NoError(t, a.Subscribe(mb, a.State().Current(), message.TypeOf[greeting](), false, func(payload any) error {
		got <- payload.(greeting).Name
		return nil
	}))

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{Name: "ada"}), 0))

	d, ok := a.Queue().Pop()
	require.True(t, ok)
	require.NoError(t, d.Invoke())
	assert.Equal(t, "ada", <-got)
}

func TestSubscribeFailsWithoutLimitWhenTableHasOtherEntries(t *testing.T) {
	repo := mbox.NewRepository("", 16)
	mb := mbox.NewMPMC("greetings", repo, nil)

	tbl := limiter.NewTable()
	type other struct{}
	require.NoError(t, limiter.Define[other](tbl, 10, limiter.Drop()))

	a := New(WithLimiter(tbl))
	err := a.Subscribe(mb, a.State().Current(), message.TypeOf[greeting](), false, func(any) error { return nil })
	require.Error(t, err)
}

func TestDeactivateClosesQueueAndDropsSubscriptions(t *testing.T) {
	repo := mbox.NewRepository("", 16)
	mb := mbox.NewMPMC("greetings", repo, nil)
	a := New()
	require.NoError(t, a.Subscribe(mb, a.State().Current(), message.TypeOf[greeting](), false, func(any) error { return nil }))

	a.Deactivate()
	assert.True(t, a.IsDeactivated())
	assert.False(t, a.HasSubscription(mb, message.TypeOf[greeting]()))

	_, ok := a.Queue().Pop()
	assert.False(t, ok)
}

func TestDeliverQueuedBeforeDeactivateIsANoOp(t *testing.T) {
	repo := mbox.NewRepository("", 16)
	mb := mbox.NewMPMC("greetings", repo, nil)
	a := New()
	handlerRan := false
	require.NoError(t, a.Subscribe(mb, a.State().Current(), message.TypeOf[greeting](), false, func(any) error {
		handlerRan = true
		return nil
	}))

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{Name: "ada"}), 0))
	d, ok := a.Queue().TryPop()
	require.True(t, ok)

	a.Deactivate()

	require.NoError(t, d.Invoke())
	assert.False(t, handlerRan, "a demand already enqueued before Deactivate must not run its original handler")
}

func TestMutationGuardRejectsDuringThreadSafeHandler(t *testing.T) {
	repo := mbox.NewRepository("", 16)
	mb := mbox.NewMPMC("greetings", repo, nil)
	a := New()
	a.threadSafeInFlight.Add(1)
	err := a.Subscribe(mb, a.State().Current(), message.TypeOf[greeting](), false, func(any) error { return nil })
	require.Error(t, err)
}
