// Package activegroup implements the active_group dispatcher (spec §4.7):
// agents are assigned to named groups, and each group gets exactly one
// dedicated goroutine shared by every agent bound into it — a middle
// ground between active_obj's one-goroutine-per-agent and one_thread's
// single goroutine for everything.
package activegroup

import (
	"sync"
	"time"

	"github.com/coopkit/coopkit/demand"
	"github.com/coopkit/coopkit/disp"
)

type group struct {
	mu      sync.Mutex
	queues  map[string]*demand.Queue
	stop    chan struct{}
	stopped chan struct{}
}

// Dispatcher is an active_group binder. Unlike the other dispatcher
// constructors, BindAgent here takes the group name via BindAgentToGroup;
// plain BindAgent assigns the agent to the dispatcher-wide "default" group
// so Dispatcher still satisfies disp.Binder.
type Dispatcher struct {
	name string
	idle time.Duration

	mu          sync.Mutex
	groups      map[string]*group
	agentGroup  map[string]string
}

// New constructs an empty active_group dispatcher.
func New(name string, idle time.Duration) *Dispatcher {
	if idle <= 0 {
		idle = time.Millisecond
	}
	return &Dispatcher{name: name, idle: idle, groups: make(map[string]*group), agentGroup: make(map[string]string)}
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) PreallocateResources(agentID string) error { return nil }
func (d *Dispatcher) UndoPreallocation(agentID string)          {}

// BindAgent assigns agentID to the "default" group.
func (d *Dispatcher) BindAgent(agentID string, q *demand.Queue) error {
	return d.BindAgentToGroup("default", agentID, q)
}

// BindAgentToGroup assigns agentID to groupName, creating the group's
// worker goroutine on first use.
func (d *Dispatcher) BindAgentToGroup(groupName, agentID string, q *demand.Queue) error {
	d.mu.Lock()
	g, ok := d.groups[groupName]
	if !ok {
		g = &group{queues: make(map[string]*demand.Queue), stop: make(chan struct{}), stopped: make(chan struct{})}
		d.groups[groupName] = g
	}
	d.agentGroup[agentID] = groupName
	d.mu.Unlock()

	g.mu.Lock()
	firstAgent := len(g.queues) == 0
	g.queues[agentID] = q
	g.mu.Unlock()

	if firstAgent {
		go d.runGroup(groupName, g)
	}
	return nil
}

func (d *Dispatcher) runGroup(name string, g *group) {
	defer close(g.stopped)
	br := disp.NewBreaker(d.name+":"+name, 8, 0)
	for {
		select {
		case <-g.stop:
			return
		default:
		}

		progressed := false
		g.mu.Lock()
		queues := make([]*demand.Queue, 0, len(g.queues))
		for _, q := range g.queues {
			queues = append(queues, q)
		}
		g.mu.Unlock()

		for _, q := range queues {
			dmd, ok := q.TryPop()
			if !ok {
				continue
			}
			progressed = true
			_ = br.Guard(dmd)
		}

		if !progressed {
			time.Sleep(d.idle)
		}
	}
}

func (d *Dispatcher) UnbindAgent(agentID string) {
	d.mu.Lock()
	groupName, ok := d.agentGroup[agentID]
	delete(d.agentGroup, agentID)
	var g *group
	if ok {
		g = d.groups[groupName]
	}
	d.mu.Unlock()
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.queues, agentID)
	empty := len(g.queues) == 0
	g.mu.Unlock()
	if empty {
		close(g.stop)
		<-g.stopped
		d.mu.Lock()
		delete(d.groups, groupName)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	groups := make([]*group, 0, len(d.groups))
	for _, g := range d.groups {
		groups = append(groups, g)
	}
	d.groups = make(map[string]*group)
	d.agentGroup = make(map[string]string)
	d.mu.Unlock()
	for _, g := range groups {
		select {
		case <-g.stop:
		default:
			close(g.stop)
		}
		<-g.stopped
	}
}

var _ disp.Binder = (*Dispatcher)(nil)
