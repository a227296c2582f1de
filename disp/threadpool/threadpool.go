// Package threadpool implements the thread_pool dispatcher (spec §4.7): a
// fixed pool of N worker goroutines draining agents' demand queues, with
// max_demands_at_once capping how many demands run concurrently pool-wide,
// and a FIFO mode choosing whether that serialization is enforced per
// agent (Individual, the default — each agent's own handlers never run
// concurrently with each other) or per cooperation (Cooperation — every
// agent sharing a group key is additionally serialized against its
// groupmates, trading throughput for strict cross-agent ordering).
package threadpool

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"context"

	"github.com/coopkit/coopkit/demand"
	"github.com/coopkit/coopkit/disp"
)

// FifoMode selects thread_pool's serialization granularity.
type FifoMode int

const (
	FifoIndividual FifoMode = iota
	FifoCooperation
)

type feeder struct {
	q    *demand.Queue
	stop chan struct{}
	done chan struct{}
}

// Dispatcher is a thread_pool binder.
type Dispatcher struct {
	name string
	mode FifoMode
	sem  *semaphore.Weighted

	work chan demand.Demand

	mu       sync.Mutex
	groups   map[string]map[string]*demand.Queue // serialization key -> agentID -> queue
	agentGrp map[string]string
	feeders  map[string]*feeder // keyed by group/agent serialization key

	workers  int
	stopOnce sync.Once
	stopAll  chan struct{}
	wg       sync.WaitGroup
}

// New constructs a thread_pool dispatcher with workers worker goroutines
// and maxDemandsAtOnce concurrently in-flight demands pool-wide.
func New(name string, workers, maxDemandsAtOnce int, mode FifoMode) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if maxDemandsAtOnce <= 0 {
		maxDemandsAtOnce = workers
	}
	d := &Dispatcher{
		name:     name,
		mode:     mode,
		sem:      semaphore.NewWeighted(int64(maxDemandsAtOnce)),
		work:     make(chan demand.Demand),
		groups:   make(map[string]map[string]*demand.Queue),
		agentGrp: make(map[string]string),
		feeders:  make(map[string]*feeder),
		workers:  workers,
		stopAll:  make(chan struct{}),
	}
	breaker := disp.NewBreaker(name, 8, 0)
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for dmd := range d.work {
				_ = breaker.Guard(dmd)
			}
		}()
	}
	return d
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) PreallocateResources(agentID string) error { return nil }
func (d *Dispatcher) UndoPreallocation(agentID string)          {}

// BindAgent assigns agentID its own serialization key (FifoIndividual
// behavior) unless the dispatcher itself was constructed with FifoCooperation,
// in which case use BindAgentToCooperation instead.
func (d *Dispatcher) BindAgent(agentID string, q *demand.Queue) error {
	return d.bind(agentID, agentID, q)
}

// BindAgentToCooperation assigns agentID into coopID's serialization group:
// under FifoCooperation, no two agents sharing coopID ever run concurrently.
func (d *Dispatcher) BindAgentToCooperation(coopID, agentID string, q *demand.Queue) error {
	key := agentID
	if d.mode == FifoCooperation {
		key = coopID
	}
	return d.bind(key, agentID, q)
}

func (d *Dispatcher) bind(key, agentID string, q *demand.Queue) error {
	d.mu.Lock()
	agents, ok := d.groups[key]
	if !ok {
		agents = make(map[string]*demand.Queue)
		d.groups[key] = agents
	}
	agents[agentID] = q
	d.agentGrp[agentID] = key
	f, exists := d.feeders[key]
	if !exists {
		f = &feeder{stop: make(chan struct{}), done: make(chan struct{})}
		d.feeders[key] = f
	}
	d.mu.Unlock()

	if !exists {
		go d.feedLoop(key, f)
	}
	return nil
}

func (d *Dispatcher) feedLoop(key string, f *feeder) {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		d.mu.Lock()
		queues := make([]*demand.Queue, 0, len(d.groups[key]))
		for _, q := range d.groups[key] {
			queues = append(queues, q)
		}
		d.mu.Unlock()

		progressed := false
		for _, q := range queues {
			dmd, ok := q.TryPop()
			if !ok {
				continue
			}
			progressed = true
			if err := d.sem.Acquire(context.Background(), 1); err != nil {
				continue
			}
			done := make(chan struct{})
			wrapped := dmd
			original := wrapped.Invoke
			wrapped.Invoke = func() error {
				defer func() { d.sem.Release(1); close(done) }()
				return original()
			}
			select {
			case d.work <- wrapped:
				<-done
			case <-f.stop:
				d.sem.Release(1)
				return
			}
		}
		if !progressed {
			select {
			case <-f.stop:
				return
			default:
			}
		}
	}
}

// UnbindAgent removes agentID's queue from its serialization group; the
// group's feeder goroutine exits once its last queue is removed.
func (d *Dispatcher) UnbindAgent(agentID string) {
	d.mu.Lock()
	key, ok := d.agentGrp[agentID]
	delete(d.agentGrp, agentID)
	var f *feeder
	if ok {
		delete(d.groups[key], agentID)
		if len(d.groups[key]) == 0 {
			f = d.feeders[key]
			delete(d.feeders, key)
			delete(d.groups, key)
		}
	}
	d.mu.Unlock()
	if f != nil {
		close(f.stop)
		<-f.done
	}
}

// Shutdown stops every feeder goroutine and the worker pool.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		feeders := make([]*feeder, 0, len(d.feeders))
		for _, f := range d.feeders {
			feeders = append(feeders, f)
		}
		d.mu.Unlock()
		for _, f := range feeders {
			close(f.stop)
			<-f.done
		}
		close(d.work)
		d.wg.Wait()
	})
}

var _ disp.Binder = (*Dispatcher)(nil)
