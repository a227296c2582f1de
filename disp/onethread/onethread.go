// Package onethread implements one_thread and its nef_one_thread variant
// (spec §4.7): a single dispatcher goroutine round-robins every bound
// agent's demand queue with TryPop. one_thread backs off with a short sleep
// between empty rounds; nef_one_thread ("no event facility") instead spins
// with runtime.Gosched() for the lowest possible latency at the cost of a
// fully busy core, matching original_source/dev/so_5's distinction between
// the default and the CPU-bound-workload dispatcher variant.
package onethread

import (
	"runtime"
	"sync"
	"time"

	"github.com/coopkit/coopkit/demand"
	"github.com/coopkit/coopkit/disp"
)

// Dispatcher is a one_thread (or, with Spin, nef_one_thread) binder.
type Dispatcher struct {
	name string
	spin bool
	idle time.Duration

	mu      sync.Mutex
	queues  map[string]*demand.Queue
	stop    chan struct{}
	stopped chan struct{}
	started bool
}

// New constructs a one_thread dispatcher. idle is the backoff sleep between
// empty polling rounds (ignored when spin is true).
func New(name string, idle time.Duration) *Dispatcher {
	if idle <= 0 {
		idle = time.Millisecond
	}
	return &Dispatcher{name: name, idle: idle, queues: make(map[string]*demand.Queue), stop: make(chan struct{}), stopped: make(chan struct{})}
}

// NewNef constructs the nef_one_thread spin-wait variant.
func NewNef(name string) *Dispatcher {
	d := New(name, 0)
	d.spin = true
	return d
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) PreallocateResources(agentID string) error { return nil }
func (d *Dispatcher) UndoPreallocation(agentID string)          {}

func (d *Dispatcher) BindAgent(agentID string, q *demand.Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues[agentID] = q
	if !d.started {
		d.started = true
		go d.loop()
	}
	return nil
}

func (d *Dispatcher) UnbindAgent(agentID string) {
	d.mu.Lock()
	delete(d.queues, agentID)
	d.mu.Unlock()
}

func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	close(d.stop)
	if started {
		<-d.stopped
	} else {
		close(d.stopped)
	}
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)
	br := disp.NewBreaker(d.name, 8, 0)
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		progressed := false
		d.mu.Lock()
		queues := make([]*demand.Queue, 0, len(d.queues))
		for _, q := range d.queues {
			queues = append(queues, q)
		}
		d.mu.Unlock()

		for _, q := range queues {
			dmd, ok := q.TryPop()
			if !ok {
				continue
			}
			progressed = true
			_ = br.Guard(dmd)
		}

		if !progressed {
			if d.spin {
				runtime.Gosched()
			} else {
				time.Sleep(d.idle)
			}
		}
	}
}

var _ disp.Binder = (*Dispatcher)(nil)
