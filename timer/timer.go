// Package timer implements the timer service of spec §4.9: send_delayed and
// send_periodic deliver a message to a mailbox after a delay (and, for
// periodic sends, again every period thereafter) with mode_from_timer, by
// driving a pluggable Engine (package timer/wheel, timer/heap, timer/list).
package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/mbox"
	"github.com/coopkit/coopkit/message"
)

// ID identifies one armed timer, returned by SendDelayed/SendPeriodic so
// the caller can Cancel it.
type ID uint64

// Engine is the pluggable scheduling strategy a Service is built on.
// Implementations live in timer/wheel (hashed wheel, fixed tick
// resolution), timer/heap (container/heap, exact), and timer/list (linear
// scan, simplest and least scalable — matches so_5's timer_list).
type Engine interface {
	// Start begins calling onFire(id) for every armed id whose fireAt has
	// passed, from its own goroutine, until Stop.
	Start(onFire func(id uint64))
	Stop()
	Add(id uint64, fireAt time.Time)
	Remove(id uint64)
}

type entry struct {
	mb     mbox.Mailbox
	box    message.Box
	period time.Duration
}

// Service is the running timer: it owns an Engine and the mapping from
// armed timer id back to what should be delivered where.
type Service struct {
	engine Engine

	mu      sync.Mutex
	entries map[uint64]*entry
	nextID  atomic.Uint64

	closed bool
}

// NewService starts a Service driven by engine. Callers own engine's
// lifecycle only indirectly: Service.Close stops it.
func NewService(engine Engine) *Service {
	s := &Service{engine: engine, entries: make(map[uint64]*entry)}
	engine.Start(s.onFire)
	return s
}

// SendDelayed arms a one-shot delivery of box to mb after delay. Returns
// RcNegativeValueForPause for a negative delay (spec §4.9).
func (s *Service) SendDelayed(mb mbox.Mailbox, box message.Box, delay time.Duration) (ID, error) {
	if delay < 0 {
		return 0, errs.New(errs.RcNegativeValueForPause, delay.String())
	}
	return s.arm(mb, box, delay, 0)
}

// SendPeriodic arms a repeating delivery of box to mb, first after delay
// and then every period thereafter. Returns RcNegativeValueForPause for a
// negative delay, or RcNegativeValueForPeriod for a negative period; a
// period of exactly zero degenerates to a one-shot send, same as
// SendDelayed (spec §4.9).
func (s *Service) SendPeriodic(mb mbox.Mailbox, box message.Box, delay, period time.Duration) (ID, error) {
	if delay < 0 {
		return 0, errs.New(errs.RcNegativeValueForPause, delay.String())
	}
	if period < 0 {
		return 0, errs.New(errs.RcNegativeValueForPeriod, period.String())
	}
	return s.arm(mb, box, delay, period)
}

func (s *Service) arm(mb mbox.Mailbox, box message.Box, delay, period time.Duration) (ID, error) {
	id := s.nextID.Add(1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errs.New(errs.RcUnknown, "timer service closed")
	}
	s.entries[id] = &entry{mb: mb, box: box, period: period}
	s.mu.Unlock()
	s.engine.Add(id, time.Now().Add(delay))
	return ID(id), nil
}

// Cancel disarms a timer. Canceling an already-fired one-shot, or an
// unknown id, is a no-op.
func (s *Service) Cancel(id ID) {
	s.mu.Lock()
	delete(s.entries, uint64(id))
	s.mu.Unlock()
	s.engine.Remove(uint64(id))
}

// Close stops the underlying engine; no further timers fire afterward.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.engine.Stop()
}

func (s *Service) onFire(id uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.period <= 0 {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	_ = e.mb.DoDeliverMessage(mbox.ModeFromTimer, e.box, 0)

	if e.period > 0 {
		s.engine.Add(id, time.Now().Add(e.period))
	}
}
