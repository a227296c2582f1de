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

func TestMPSCDeliversOnlyToOwner(t *testing.T) {
	owner := agent.New()
	mb := mbox.NewMPSC("direct", owner, nil, nil)

	var got string
	require.NoError(t, owner.Subscribe(mb, owner.State().Current(), message.TypeOf[greeting](), false, func(payload any) error {
		got = payload.(greeting).text
		return nil
	}))

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{text: "hi"}), 0))
	drainOne(t, owner)
	assert.Equal(t, "hi", got)
}

func TestMPSCRejectsForeignSubscriber(t *testing.T) {
	owner := agent.New()
	foreign := agent.New()
	mb := mbox.NewMPSC("direct", owner, nil, nil)

	err := mb.SubscribeEventHandler(message.TypeOf[greeting](), foreign)
	require.Error(t, err)
	rc, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.RcIllegalSubscriberForMpscMbox, rc)
}

func TestMPSCRejectsDeliveryFilter(t *testing.T) {
	owner := agent.New()
	mb := mbox.NewMPSC("direct", owner, nil, nil)
	err := mb.SetDeliveryFilter(message.TypeOf[greeting](), owner, func(any) bool { return true })
	require.Error(t, err)
	rc, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.RcDeliveryFilterCannotBeUsedOnMpscMbox, rc)
}

func TestMPSCDeadLettersWithoutSubscription(t *testing.T) {
	owner := agent.New()
	mb := mbox.NewMPSC("direct", owner, nil, nil)
	var deadLettered bool
	mb.SetDeadLetterHandler(func(box message.Box, id mbox.ID, msgType message.Type) { deadLettered = true })

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(greeting{text: "hi"}), 0))
	assert.True(t, deadLettered)
}

func TestMPSCAcceptsExclusiveOwnedPayload(t *testing.T) {
	owner := agent.New()
	mb := mbox.NewMPSC("direct", owner, nil, nil)
	var got string
	require.NoError(t, owner.Subscribe(mb, owner.State().Current(), message.TypeOf[message.Mutable[greeting]](), false, func(payload any) error {
		got = payload.(message.Mutable[greeting]).Payload.text
		return nil
	}))

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewMutable(&greeting{text: "owned"}), 0))
	drainOne(t, owner)
	assert.Equal(t, "owned", got)
}
