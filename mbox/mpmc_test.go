package mbox_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopkit/coopkit/agent"
	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/mbox"
	"github.com/coopkit/coopkit/message"
)

type greeting struct{ text string }

func drainOne(t *testing.T, a *agent.Agent) {
	t.Helper()
	d, ok := a.Queue().TryPop()
	require.True(t, ok, "expected a demand to have been enqueued")
	require.NoError(t, d.Invoke())
}

func TestMPMCDeliversToSubscribedState(t *testing.T) {
	mb := mbox.NewMPMC("greetings", nil, nil)
	a := agent.New()
	var got string
	require.NoError(t, a.Subscribe(mb, a.State().Current(), message.TypeOf[greeting](), false, func(payload any) error {
		got = payload.(greeting).text
		return nil
	}))

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{text: "hi"}), 0))
	drainOne(t, a)
	assert.Equal(t, "hi", got)
}

func TestMPMCDeadLettersWithNoSubscribers(t *testing.T) {
	mb := mbox.NewMPMC("orphaned", nil, nil)
	var deadType message.Type
	mb.SetDeadLetterHandler(func(box message.Box, id mbox.ID, msgType message.Type) {
		deadType = msgType
	})

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{text: "hi"}), 0))
	assert.Equal(t, message.TypeOf[greeting](), deadType)
}

func TestMPMCDeliveryFilterSuppressesNonMatching(t *testing.T) {
	mb := mbox.NewMPMC("filtered", nil, nil)
	a := agent.New()
	var received []string
	require.NoError(t, a.Subscribe(mb, a.State().Current(), message.TypeOf[greeting](), false, func(payload any) error {
		received = append(received, payload.(greeting).text)
		return nil
	}))
	require.NoError(t, mb.SetDeliveryFilter(message.TypeOf[greeting](), a, func(payload any) bool {
		return payload.(greeting).text == "keep"
	}))

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{text: "drop"}), 0))
	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{text: "keep"}), 0))

	assert.Equal(t, 1, a.Queue().Len()) // only the "keep" demand is queued
	drainOne(t, a)
	assert.Equal(t, []string{"keep"}, received)
}

func TestMPMCFilteredOutMessageIsNotDeadLettered(t *testing.T) {
	mb := mbox.NewMPMC("filtered-no-dlq", nil, nil)
	a := agent.New()
	require.NoError(t, a.Subscribe(mb, a.State().Current(), message.TypeOf[greeting](), false, func(payload any) error { return nil }))
	require.NoError(t, mb.SetDeliveryFilter(message.TypeOf[greeting](), a, func(payload any) bool { return false }))

	deadLettered := false
	mb.SetDeadLetterHandler(func(box message.Box, id mbox.ID, msgType message.Type) { deadLettered = true })

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{text: "anything"}), 0))
	assert.False(t, deadLettered, "a rejected-by-filter send must not be treated as having no subscribers")
	assert.Equal(t, 0, a.Queue().Len())
}

func TestMPMCRejectsExclusiveOwnedPayload(t *testing.T) {
	mb := mbox.NewMPMC("greetings", nil, nil)
	err := mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewMutable(&greeting{text: "hi"}), 0)
	require.Error(t, err)
	rc, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.RcMutableMsgCannotBeDeliveredViaMpmcMbox, rc)
}

func TestMPMCSubscribeIsIdempotent(t *testing.T) {
	mb := mbox.NewMPMC("greetings", nil, nil)
	a := agent.New()
	handlerCalls := 0
	fn := func(payload any) error { handlerCalls++; return nil }
	require.NoError(t, a.Subscribe(mb, a.State().Current(), message.TypeOf[greeting](), false, fn))
	// A second raw mailbox-level subscribe for the same subscriber must not
	// duplicate delivery.
	require.NoError(t, mb.SubscribeEventHandler(message.TypeOf[greeting](), a))

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{text: "hi"}), 0))
	assert.Equal(t, 1, a.Queue().Len())
}
