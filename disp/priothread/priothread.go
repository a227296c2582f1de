// Package priothread implements the priority-aware single-consumer
// dispatcher variants of spec §4.7: strictly_ordered (a higher-priority
// agent's demand always runs before any lower-priority one, re-scanning
// from the top after every demand), quoted_round_robin (each priority
// level gets a fixed quota of consecutive demands before control moves to
// the next level, bounding how long lower priorities can be starved), and
// the dedicated-threads one_per_prio variant, which instead gives every
// priority level its own goroutine for genuine cross-priority parallelism.
package priothread

import (
	"sync"
	"time"

	"github.com/coopkit/coopkit/demand"
	"github.com/coopkit/coopkit/disp"
	"github.com/coopkit/coopkit/message"
)

// Strategy selects how priorities are arbitrated.
type Strategy int

const (
	StrictlyOrdered Strategy = iota
	QuotedRoundRobin
	OnePerPriority
)

// Dispatcher is a priothread binder. Use BindAgentWithPriority to register
// an agent at other than the default P3; plain BindAgent (required to
// satisfy disp.Binder) always uses P3.
type Dispatcher struct {
	name     string
	strategy Strategy
	quota    [message.NumPriorities]int // demands serviced per visit, QuotedRoundRobin only
	idle     time.Duration

	mu      sync.Mutex
	buckets [message.NumPriorities]map[string]*demand.Queue
	agentPr map[string]message.Priority

	stop    chan struct{}
	started bool

	wg sync.WaitGroup
}

// New constructs a priothread dispatcher. quotaPerLevel is only consulted
// under QuotedRoundRobin (2 if <= 0).
func New(name string, strategy Strategy, quotaPerLevel int) *Dispatcher {
	if quotaPerLevel <= 0 {
		quotaPerLevel = 2
	}
	d := &Dispatcher{name: name, strategy: strategy, idle: time.Millisecond, agentPr: make(map[string]message.Priority), stop: make(chan struct{})}
	for i := range d.buckets {
		d.buckets[i] = make(map[string]*demand.Queue)
		d.quota[i] = quotaPerLevel
	}
	return d
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) PreallocateResources(agentID string) error { return nil }
func (d *Dispatcher) UndoPreallocation(agentID string)          {}

// BindAgent registers agentID at the default priority P3.
func (d *Dispatcher) BindAgent(agentID string, q *demand.Queue) error {
	return d.BindAgentWithPriority(agentID, message.P3, q)
}

// BindAgentWithPriority registers agentID at the given priority.
func (d *Dispatcher) BindAgentWithPriority(agentID string, p message.Priority, q *demand.Queue) error {
	d.mu.Lock()
	d.buckets[p][agentID] = q
	d.agentPr[agentID] = p
	started := d.started
	d.started = true
	d.mu.Unlock()

	if !started {
		if d.strategy == OnePerPriority {
			for lvl := 0; lvl < message.NumPriorities; lvl++ {
				d.wg.Add(1)
				go d.runLevel(message.Priority(lvl))
			}
		} else {
			d.wg.Add(1)
			go d.runArbitrated()
		}
	}
	return nil
}

func (d *Dispatcher) snapshot(p message.Priority) []*demand.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	qs := make([]*demand.Queue, 0, len(d.buckets[p]))
	for _, q := range d.buckets[p] {
		qs = append(qs, q)
	}
	return qs
}

// runLevel services exactly one priority level, for OnePerPriority.
func (d *Dispatcher) runLevel(p message.Priority) {
	defer d.wg.Done()
	br := disp.NewBreaker(d.name, 8, 0)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		progressed := false
		for _, q := range d.snapshot(p) {
			if dmd, ok := q.TryPop(); ok {
				progressed = true
				_ = br.Guard(dmd)
			}
		}
		if !progressed {
			time.Sleep(d.idle)
		}
	}
}

// runArbitrated drives both StrictlyOrdered and QuotedRoundRobin with a
// single goroutine scanning priority levels top-down.
func (d *Dispatcher) runArbitrated() {
	defer d.wg.Done()
	br := disp.NewBreaker(d.name, 8, 0)
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		progressed := false
		for lvl := message.NumPriorities - 1; lvl >= 0; lvl-- {
			p := message.Priority(lvl)
			served := 0
			limit := 1
			if d.strategy == QuotedRoundRobin {
				limit = d.quota[lvl]
			}
			for served < limit {
				found := false
				for _, q := range d.snapshot(p) {
					if dmd, ok := q.TryPop(); ok {
						_ = br.Guard(dmd)
						found = true
						progressed = true
						served++
						break
					}
				}
				if !found {
					break
				}
				if d.strategy == StrictlyOrdered {
					// re-scan from the top after every single demand.
					break
				}
			}
			if d.strategy == StrictlyOrdered && served > 0 {
				break
			}
		}

		if !progressed {
			time.Sleep(d.idle)
		}
	}
}

func (d *Dispatcher) UnbindAgent(agentID string) {
	d.mu.Lock()
	p, ok := d.agentPr[agentID]
	if ok {
		delete(d.buckets[p], agentID)
		delete(d.agentPr, agentID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) Shutdown() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.wg.Wait()
}

var _ disp.Binder = (*Dispatcher)(nil)
