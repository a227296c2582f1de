// Package advthreadpool implements adv_thread_pool (spec §4.4, §4.7): like
// active_obj, each agent gets its own feeder goroutine pulling its demands
// in order, but a demand marked ThreadSafe is launched on a separate
// goroutine instead of running inline, so it can overlap with the agent's
// other thread-safe demands — bounded pool-wide by a semaphore sized
// maxConcurrency. A non-thread-safe demand still waits for every one of its
// own agent's in-flight thread-safe demands to finish first, preserving the
// invariant that a non-thread-safe handler never runs concurrently with
// anything else belonging to the same agent.
package advthreadpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/coopkit/coopkit/demand"
	"github.com/coopkit/coopkit/disp"
)

type perAgent struct {
	q          *demand.Queue
	inFlight   sync.WaitGroup
	stop       chan struct{}
	stopped    chan struct{}
}

// Dispatcher is an adv_thread_pool binder.
type Dispatcher struct {
	name string
	sem  *semaphore.Weighted

	mu     sync.Mutex
	agents map[string]*perAgent
}

// New constructs an adv_thread_pool dispatcher allowing up to maxConcurrency
// thread-safe demands in flight at once, pool-wide.
func New(name string, maxConcurrency int) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Dispatcher{name: name, sem: semaphore.NewWeighted(int64(maxConcurrency)), agents: make(map[string]*perAgent)}
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) PreallocateResources(agentID string) error { return nil }
func (d *Dispatcher) UndoPreallocation(agentID string)          {}

func (d *Dispatcher) BindAgent(agentID string, q *demand.Queue) error {
	d.mu.Lock()
	if _, exists := d.agents[agentID]; exists {
		d.mu.Unlock()
		return nil
	}
	a := &perAgent{q: q, stop: make(chan struct{}), stopped: make(chan struct{})}
	d.agents[agentID] = a
	d.mu.Unlock()

	go d.feedLoop(agentID, a)
	return nil
}

func (d *Dispatcher) feedLoop(agentID string, a *perAgent) {
	defer close(a.stopped)
	br := disp.NewBreaker(d.name+":"+agentID, 8, 0)
	for {
		dmd, ok := a.q.Pop()
		if !ok {
			a.inFlight.Wait()
			return
		}
		if dmd.ThreadSafe {
			if err := d.sem.Acquire(context.Background(), 1); err != nil {
				continue
			}
			a.inFlight.Add(1)
			go func(dmd demand.Demand) {
				defer d.sem.Release(1)
				defer a.inFlight.Done()
				_ = br.Guard(dmd)
			}(dmd)
			continue
		}
		a.inFlight.Wait()
		_ = br.Guard(dmd)
	}
}

func (d *Dispatcher) UnbindAgent(agentID string) {
	d.mu.Lock()
	a, ok := d.agents[agentID]
	delete(d.agents, agentID)
	d.mu.Unlock()
	if !ok {
		return
	}
	a.q.Close()
	<-a.stopped
}

func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	agents := make([]*perAgent, 0, len(d.agents))
	for _, a := range d.agents {
		agents = append(agents, a)
	}
	d.agents = make(map[string]*perAgent)
	d.mu.Unlock()
	for _, a := range agents {
		a.q.Close()
		<-a.stopped
	}
}

var _ disp.Binder = (*Dispatcher)(nil)
