package mbox

import (
	"sync"

	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/limiter"
	"github.com/coopkit/coopkit/message"
)

// MPSC is a multi-producer/single-consumer ("direct") mailbox: bound to
// exactly one owning agent; delivery filters are illegal on it (spec §4.2).
type MPSC struct {
	base

	mu      sync.RWMutex
	owner   Subscriber
	subbed  map[message.Type]bool
}

var _ Mailbox = (*MPSC)(nil)

// NewMPSC constructs an MPSC mailbox bound to owner.
func NewMPSC(name string, owner Subscriber, resolver Resolver, abort AbortFunc) *MPSC {
	return &MPSC{
		base:   newBase(name, resolver, abort),
		owner:  owner,
		subbed: make(map[message.Type]bool),
	}
}

func (m *MPSC) Type() Kind { return KindMPSC }

func (m *MPSC) SubscribeEventHandler(msgType message.Type, sub Subscriber) error {
	if sub.ID() != m.owner.ID() {
		return rcIllegalSubscriber(m.name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subbed[msgType] = true
	return nil
}

func (m *MPSC) UnsubscribeEventHandler(msgType message.Type, sub Subscriber) {
	if sub.ID() != m.owner.ID() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subbed, msgType)
}

func (m *MPSC) SetDeliveryFilter(msgType message.Type, sub Subscriber, pred Filter) error {
	return errs.New(errs.RcDeliveryFilterCannotBeUsedOnMpscMbox, m.name)
}

func (m *MPSC) DropDeliveryFilter(msgType message.Type, sub Subscriber) {}

func (m *MPSC) DoDeliverMessage(mode DeliveryMode, box message.Box, redirectionDepth int) error {
	if redirectionDepth > MaxRedirectionDepth {
		return nil
	}

	m.mu.RLock()
	owner := m.owner
	subscribed := m.subbed[box.Type]
	m.mu.RUnlock()

	if owner == nil || !subscribed {
		m.runDeadLetter(box, box.Type)
		return nil
	}

	dec := owner.Admit(box.Type)
	if dec.Action == limiter.ActionPass {
		return owner.Deliver(m.id, box.Type, box)
	}
	react(&m.base, mode, dec, box, box.Type, redirectionDepth)
	return nil
}
