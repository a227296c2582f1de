// Package demand defines the execution-demand record that flows from a
// mailbox into a per-agent event queue (spec §4.4), and the FIFO queue
// itself. The dispatcher family in package disp pops Demand values only —
// it never inspects Invoke's closure.
package demand

import (
	"sync"

	"github.com/coopkit/coopkit/message"
)

// Kind distinguishes the handful of demand shapes the kernel schedules,
// mirroring the "raw function pointer" so_5 uses to encode how a demand
// should invoke its handler.
type Kind int

const (
	KindOrdinary Kind = iota
	KindEvtStart
	KindEvtFinish
	KindStateEnter
	KindStateExit
	KindTimerResend
)

func (k Kind) String() string {
	switch k {
	case KindEvtStart:
		return "evt_start"
	case KindEvtFinish:
		return "evt_finish"
	case KindStateEnter:
		return "state_enter"
	case KindStateExit:
		return "state_exit"
	case KindTimerResend:
		return "timer_resend"
	default:
		return "ordinary"
	}
}

// Demand is one queued "invoke this handler on this agent with this
// message" record.
type Demand struct {
	AgentID    string
	Kind       Kind
	MailboxID  string
	MsgType    message.Type
	MessageRef message.Box
	// ThreadSafe marks a demand as eligible to run concurrently with other
	// thread-safe demands of the same agent under adv_thread_pool (spec
	// §4.4, §5).
	ThreadSafe bool
	// Invoke performs the actual handler call. Opaque to the dispatcher.
	Invoke func() error
}

// Queue is a strictly FIFO, per-agent queue of pending Demand values. It is
// the Go expression of so_5's per-agent event_queue: dispatchers only Pop
// from it, never peek inside a Demand.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Demand
	closed bool
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a demand and wakes one blocked popper, if any.
func (q *Queue) Push(d Demand) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, d)
	q.cond.Signal()
	return true
}

// Pop blocks until a demand is available or the queue is closed and
// drained, returning ok=false in the latter case.
func (q *Queue) Pop() (Demand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Demand{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true
}

// TryPop is the non-blocking variant used by batch-draining workers
// (thread_pool's max_demands_at_once, active cell-style drain loops).
func (q *Queue) TryPop() (Demand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Demand{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true
}

// Len reports the current number of pending demands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes all blocked poppers; pending
// items already enqueued remain poppable via TryPop until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
