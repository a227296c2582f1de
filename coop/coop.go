// Package coop implements the cooperation tree of spec §4.11: a named
// group of agents registered and deregistered atomically, parent/child
// nesting, a usage_count that defers destruction while external code still
// references a cooperation's mailboxes, and registration/deregistration
// notificators.
package coop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/coopkit/coopkit/agent"
	"github.com/coopkit/coopkit/disp"
	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/guard"
)

// Notificator observes a cooperation crossing a lifecycle boundary.
type Notificator func(coopName string)

// StoppingChecker reports whether the owning environment has begun
// shutdown; implemented by env.Environment. A Coop with no checker (one
// built without an owning environment, e.g. directly in tests) never
// blocks registration.
type StoppingChecker interface {
	Stopping() bool
}

type boundAgent struct {
	a      *agent.Agent
	binder disp.Binder
}

// Coop is a named, atomically registered/deregistered group of agents.
type Coop struct {
	name   string
	parent *Coop

	mu       sync.Mutex
	children map[string]*Coop
	agents   []boundAgent

	stopping StoppingChecker

	usage atomic.Int64

	regNotificators   []Notificator
	deregNotificators []Notificator

	registered    bool
	deregistering bool
}

// New constructs an unregistered cooperation named name, optionally nested
// under parent (nil for a root cooperation).
func New(name string, parent *Coop) *Coop {
	c := &Coop{name: name, parent: parent, children: make(map[string]*Coop)}
	if parent != nil {
		c.stopping = parent.stopping
		parent.mu.Lock()
		parent.children[name] = c
		parent.mu.Unlock()
	}
	return c
}

func (c *Coop) Name() string { return c.name }

// SetStoppingChecker attaches the owning environment's shutdown check to
// this cooperation; every child created under it afterward inherits the
// same checker (spec §4.11: "new coop registrations after stop has begun
// fail"). Only the root cooperation of an Environment needs this called
// directly.
func (c *Coop) SetStoppingChecker(checker StoppingChecker) { c.stopping = checker }

// AddAgent stages a to be bound to binder once Register runs. Staging after
// Register has already completed is rejected.
func (c *Coop) AddAgent(a *agent.Agent, binder disp.Binder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return errs.New(errs.RcUnknown, "coop already registered: "+c.name)
	}
	c.agents = append(c.agents, boundAgent{a: a, binder: binder})
	return nil
}

// OnRegister / OnDeregister install lifecycle notificators (spec §4.11).
func (c *Coop) OnRegister(fn Notificator)   { c.regNotificators = append(c.regNotificators, fn) }
func (c *Coop) OnDeregister(fn Notificator) { c.deregNotificators = append(c.deregNotificators, fn) }

// IncRef/DecRef track references that must resolve before Deregister is
// allowed to actually tear the cooperation down (spec §4.11's
// usage_count): external references (subscriptions on this cooperation's
// mailboxes held by other cooperations) call these directly; Register/
// Deregister call them automatically on a child's parent for the "≥1 live
// child coop" leg.
func (c *Coop) IncRef() { c.usage.Add(1) }
func (c *Coop) DecRef() { c.usage.Add(-1) }

// Register binds every staged agent to its dispatcher, all-or-nothing: if
// any agent's PreallocateResources fails, every other preallocation is
// undone and the first error is returned (spec §4.11: "either every agent
// binds successfully ... or the whole registration unwinds"). Preallocation
// itself fans out across an errgroup.Group since each agent's dispatcher
// reservation is independent of the others.
func (c *Coop) Register() error {
	if c.stopping != nil && c.stopping.Stopping() {
		return errs.New(errs.RcDispCreateFailed, c.name)
	}

	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		return errs.New(errs.RcUnknown, "coop already registered: "+c.name)
	}
	agents := append([]boundAgent(nil), c.agents...)
	c.mu.Unlock()

	var g errgroup.Group
	for _, ba := range agents {
		ba := ba
		g.Go(func() error { return ba.binder.PreallocateResources(ba.a.ID()) })
	}
	if err := g.Wait(); err != nil {
		for _, u := range agents {
			u.binder.UndoPreallocation(u.a.ID())
		}
		return err
	}

	bound := make([]boundAgent, 0, len(agents))
	for _, ba := range agents {
		if err := ba.binder.BindAgent(ba.a.ID(), ba.a.Queue()); err != nil {
			for _, u := range bound {
				u.binder.UnbindAgent(u.a.ID())
			}
			for _, u := range agents {
				u.binder.UndoPreallocation(u.a.ID())
			}
			return err
		}
		bound = append(bound, ba)
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	// A registered child pins its parent's usage_count for as long as it
	// stays registered (spec §4.11's "≥1 live child coop" leg); Deregister
	// gives this back once the child has fully torn down.
	if c.parent != nil {
		c.parent.IncRef()
	}

	for _, ba := range agents {
		ba.a.EvtStart(nil)
	}
	for _, n := range c.regNotificators {
		n(c.name)
	}
	return nil
}

// Deregister runs evt_finish for every agent, unbinds them from their
// dispatchers, deactivates them, and fires the deregistration
// notificators. Refuses with RcUnknown while usage_count is still positive
// or any child cooperation remains registered, unless force is true.
func (c *Coop) Deregister(force bool) error {
	c.mu.Lock()
	if !c.registered || c.deregistering {
		c.mu.Unlock()
		return nil
	}
	if !force {
		if c.usage.Load() > 0 {
			c.mu.Unlock()
			return errs.New(errs.RcUnknown, "coop still referenced: "+c.name)
		}
		for _, child := range c.children {
			if child.IsRegistered() {
				c.mu.Unlock()
				return errs.New(errs.RcUnknown, "coop has registered children: "+c.name)
			}
		}
	}
	c.deregistering = true
	agents := append([]boundAgent(nil), c.agents...)
	c.mu.Unlock()

	return guard.RunStage(
		func() error { return nil },
		func() {},
		func() error {
			finished := make([]chan struct{}, len(agents))
			for i, ba := range agents {
				ch := make(chan struct{})
				finished[i] = ch
				ba.a.EvtFinish(func() error { close(ch); return nil })
			}
			for _, ch := range finished {
				<-ch
			}
			for _, ba := range agents {
				ba.binder.UnbindAgent(ba.a.ID())
				ba.a.Deactivate()
			}
			c.mu.Lock()
			c.registered = false
			c.mu.Unlock()
			if c.parent != nil {
				c.parent.DecRef()
			}
			for _, n := range c.deregNotificators {
				n(c.name)
			}
			return nil
		},
	)
}

func (c *Coop) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Children returns the currently nested child cooperations.
func (c *Coop) Children() []*Coop {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Coop, 0, len(c.children))
	for _, ch := range c.children {
		out = append(out, ch)
	}
	return out
}

// Agents returns the agents staged/bound into this cooperation.
func (c *Coop) Agents() []*agent.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*agent.Agent, 0, len(c.agents))
	for _, ba := range c.agents {
		out = append(out, ba.a)
	}
	return out
}
