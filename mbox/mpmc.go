package mbox

import (
	"sort"
	"sync"

	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/limiter"
	"github.com/coopkit/coopkit/message"
)

// MPMC is a multi-producer/multi-consumer mailbox: any number of
// subscribers, no exclusive-owned payloads (spec §4.2).
type MPMC struct {
	base

	subMu sync.RWMutex
	subs  map[message.Type][]subEntry
}

var _ Mailbox = (*MPMC)(nil)

// NewMPMC constructs an MPMC mailbox. resolver is consulted for
// redirect/transform destinations; abort backs the ActionAbort reaction.
func NewMPMC(name string, resolver Resolver, abort AbortFunc) *MPMC {
	return &MPMC{
		base: newBase(name, resolver, abort),
		subs: make(map[message.Type][]subEntry),
	}
}

func (m *MPMC) Type() Kind { return KindMPMC }

func (m *MPMC) SubscribeEventHandler(msgType message.Type, sub Subscriber) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	list := m.subs[msgType]
	for _, e := range list {
		if e.sub.ID() == sub.ID() {
			return nil // idempotent
		}
	}
	m.seq++
	list = append(list, subEntry{sub: sub, seq: m.seq})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].sub.Priority() != list[j].sub.Priority() {
			return list[i].sub.Priority() > list[j].sub.Priority()
		}
		return list[i].seq < list[j].seq
	})
	m.subs[msgType] = list
	return nil
}

func (m *MPMC) UnsubscribeEventHandler(msgType message.Type, sub Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	list := m.subs[msgType]
	for i, e := range list {
		if e.sub.ID() == sub.ID() {
			m.subs[msgType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (m *MPMC) SetDeliveryFilter(msgType message.Type, sub Subscriber, pred Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[filterKey{msgType, sub.ID()}] = pred
	return nil
}

func (m *MPMC) DropDeliveryFilter(msgType message.Type, sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.filters, filterKey{msgType, sub.ID()})
}

func (m *MPMC) DoDeliverMessage(mode DeliveryMode, box message.Box, redirectionDepth int) error {
	if redirectionDepth > MaxRedirectionDepth {
		return nil
	}
	if box.Mutability == message.ExclusiveOwned {
		return errs.New(errs.RcMutableMsgCannotBeDeliveredViaMpmcMbox, m.name)
	}

	m.subMu.RLock()
	list := append([]subEntry(nil), m.subs[box.Type]...)
	m.subMu.RUnlock()

	if len(list) == 0 {
		m.runDeadLetter(box, box.Type)
		return nil
	}

	delivered := false
	for _, e := range list {
		if pred, ok := m.filterFor(box.Type, e.sub.ID()); ok && !pred(box.Payload) {
			continue
		}
		dec := e.sub.Admit(box.Type)
		if dec.Action == limiter.ActionPass {
			if err := e.sub.Deliver(m.id, box.Type, box); err == nil {
				delivered = true
			}
			continue
		}
		react(&m.base, mode, dec, box, box.Type, redirectionDepth)
	}
	_ = delivered // filtered-out/reacted-away candidates are not dead-lettered: a subscription existed.
	return nil
}
