// Package activeobj implements the active_obj dispatcher (spec §4.7): one
// dedicated goroutine per bound agent, blocking on that agent's own demand
// queue. The simplest dispatcher to reason about — an agent never shares
// its worker with anything else — at the cost of one goroutine per agent.
package activeobj

import (
	"sync"

	"github.com/coopkit/coopkit/demand"
	"github.com/coopkit/coopkit/disp"
)

type worker struct {
	q    *demand.Queue
	done chan struct{}
}

// Dispatcher is an active_obj binder.
type Dispatcher struct {
	name string

	mu      sync.Mutex
	workers map[string]*worker
}

// New constructs an empty active_obj dispatcher named name.
func New(name string) *Dispatcher {
	return &Dispatcher{name: name, workers: make(map[string]*worker)}
}

func (d *Dispatcher) Name() string { return d.name }

// PreallocateResources is a no-op: active_obj needs nothing but the queue
// itself, which isn't known until BindAgent.
func (d *Dispatcher) PreallocateResources(agentID string) error { return nil }

func (d *Dispatcher) UndoPreallocation(agentID string) {}

// BindAgent spins up the dedicated goroutine for agentID.
func (d *Dispatcher) BindAgent(agentID string, q *demand.Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.workers[agentID]; exists {
		return nil
	}
	br := disp.NewBreaker(d.name+":"+agentID, 8, 0)
	w := &worker{q: q, done: make(chan struct{})}
	d.workers[agentID] = w
	go func() {
		defer close(w.done)
		for {
			dmd, ok := q.Pop()
			if !ok {
				return
			}
			_ = br.Guard(dmd)
		}
	}()
	return nil
}

// UnbindAgent closes the agent's queue, letting its goroutine drain and
// exit.
func (d *Dispatcher) UnbindAgent(agentID string) {
	d.mu.Lock()
	w, ok := d.workers[agentID]
	delete(d.workers, agentID)
	d.mu.Unlock()
	if !ok {
		return
	}
	w.q.Close()
	<-w.done
}

// Shutdown closes every bound agent's queue and waits for its goroutine.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.workers = make(map[string]*worker)
	d.mu.Unlock()
	for _, w := range workers {
		w.q.Close()
		<-w.done
	}
}

var _ disp.Binder = (*Dispatcher)(nil)
