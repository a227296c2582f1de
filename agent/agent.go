// Package agent implements the agent lifecycle of spec §4.4 and §4.8: an
// Agent ties a per-agent subscription store, rate-limit table, FIFO demand
// queue, and hierarchical state machine together behind the mbox.Subscriber
// contract, so a mailbox can deliver to it without knowing anything about
// handler resolution or state.
package agent

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coopkit/coopkit/agent/state"
	"github.com/coopkit/coopkit/demand"
	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/guard"
	"github.com/coopkit/coopkit/limiter"
	"github.com/coopkit/coopkit/mbox"
	"github.com/coopkit/coopkit/message"
	"github.com/coopkit/coopkit/subscription"
)

// ExceptionReaction selects what happens when a handler returns a non-nil
// error (spec §4.4: "an agent's exception reaction governs what the
// runtime does with a handler's error return").
type ExceptionReaction int

const (
	// ReactionAbort terminates the process, mirroring so_5's default
	// abort_on_exception.
	ReactionAbort ExceptionReaction = iota
	// ReactionDeregisterCoop asks the owning cooperation to deregister
	// (wired by package coop via WithOnException).
	ReactionDeregisterCoop
	// ReactionShutdownEnvironment asks the owning environment to stop.
	ReactionShutdownEnvironment
	// ReactionIgnore logs nothing and lets the agent keep running.
	ReactionIgnore
)

// ExceptionHook is invoked once per handler error, after the agent's own
// ExceptionReaction has been applied locally (Abort terminates before this
// hook would run). It lets package coop/env react to DeregisterCoop /
// ShutdownEnvironment without agent importing either.
type ExceptionHook func(a *Agent, reaction ExceptionReaction, err error)

// Agent is the Go expression of so_5's agent_t: identity, priority, its own
// FIFO demand queue, subscription store, rate-limit table and state
// machine.
type Agent struct {
	id       string
	priority message.Priority

	subs    *subscription.Store
	limiter *limiter.Table
	queue   *demand.Queue
	machine *state.Machine

	exceptionReaction ExceptionReaction
	onException       ExceptionHook

	deactivated        atomic.Bool
	threadSafeInFlight atomic.Int32

	directMbox mbox.Mailbox
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithPriority sets the agent's dispatch priority (spec §4.7). Default P3,
// matching so_5's "normal" priority being the mid-point of an 8-level scale.
func WithPriority(p message.Priority) Option { return func(a *Agent) { a.priority = p } }

// WithLimiter installs a rate-limit table (spec §4.5). Nil (the default)
// means no limits are configured and every Admit call passes.
func WithLimiter(t *limiter.Table) Option { return func(a *Agent) { a.limiter = t } }

// WithExceptionReaction sets what happens to a handler error (default
// ReactionAbort).
func WithExceptionReaction(r ExceptionReaction) Option {
	return func(a *Agent) { a.exceptionReaction = r }
}

// WithExceptionHook installs the callback consulted for every
// non-ReactionIgnore, non-ReactionAbort reaction.
func WithExceptionHook(h ExceptionHook) Option { return func(a *Agent) { a.onException = h } }

// WithStateMachine installs a pre-built hierarchical state machine rooted at
// root. Without this option the agent gets a single anonymous root state
// and never switches. A default time.AfterFunc-based Scheduler is attached
// automatically unless WithScheduler supplies one.
func WithStateMachine(root *state.State) Option {
	return func(a *Agent) { a.machine = state.NewMachine(root, nil) }
}

// WithScheduler overrides the Scheduler an agent's state machine uses to
// arm time-limited states, typically a timer.Service-backed one supplied by
// package env once the owning environment's timer is running.
func WithScheduler(s state.Scheduler) Option {
	return func(a *Agent) {
		if a.machine == nil {
			a.machine = state.NewMachine(state.NewRoot("default"), s)
			return
		}
		a.machine.SetScheduler(s)
	}
}

// New constructs an Agent with its own demand queue and subscription store.
func New(opts ...Option) *Agent {
	a := &Agent{
		id:       uuid.NewString(),
		priority: message.P3,
		subs:     subscription.NewStore(),
		queue:    demand.NewQueue(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.machine == nil {
		a.machine = state.NewMachine(state.NewRoot("default"), nil)
	}
	if !a.machine.HasScheduler() {
		a.machine.SetScheduler(NewSelfScheduler(a))
	}
	return a
}

func (a *Agent) ID() string               { return a.id }
func (a *Agent) Priority() message.Priority { return a.priority }
func (a *Agent) Queue() *demand.Queue      { return a.queue }
func (a *Agent) State() *state.Machine     { return a.machine }
func (a *Agent) IsDeactivated() bool       { return a.deactivated.Load() }

// BindDirectMbox records the MPSC mailbox created for this agent by the
// owning cooperation/environment, so timer self-sends and so_direct_mbox()
// style lookups have somewhere to resolve to.
func (a *Agent) BindDirectMbox(mb mbox.Mailbox) { a.directMbox = mb }

// DirectMbox returns the agent's own MPSC mailbox, or nil if none was bound.
func (a *Agent) DirectMbox() mbox.Mailbox { return a.directMbox }

// Admit implements mbox.Subscriber by consulting the rate-limit table.
func (a *Agent) Admit(msgType message.Type) limiter.Decision {
	return a.limiter.Admit(msgType)
}

// Deliver implements mbox.Subscriber: it resolves the handler active for
// msgType along the agent's current state path, then — honoring an
// envelope's access hook if the box carries one — enqueues a Demand that
// will actually invoke it once popped by a dispatcher.
func (a *Agent) Deliver(mboxID mbox.ID, msgType message.Type, box message.Box) error {
	if a.deactivated.Load() {
		return nil
	}

	handler, ok := a.subs.Lookup(mboxID.String(), msgType, a.machine.ActivePath())
	if !ok {
		// Admit already reserved a quota slot in the mailbox before Deliver
		// was ever called; with no handler to enqueue for, nothing will ever
		// reach runHandler's Release, so it must happen here instead.
		a.limiter.Release(msgType)
		return nil
	}

	enqueued := false
	enqueue := func(payload any) error {
		d := demand.Demand{
			AgentID:    a.id,
			Kind:       demand.KindOrdinary,
			MailboxID:  mboxID.String(),
			MsgType:    msgType,
			MessageRef: box,
			ThreadSafe: handler.ThreadSafe,
			Invoke: func() error {
				// Deactivate only closes the queue; demands already pushed
				// before it ran stay poppable (spec §3's drain-after-close
				// contract), so a deactivated check here is what actually
				// makes them a no-op (spec §4.8).
				if a.deactivated.Load() {
					return nil
				}
				if handler.ThreadSafe {
					a.threadSafeInFlight.Add(1)
					defer a.threadSafeInFlight.Add(-1)
				}
				return a.runHandler(msgType, handler.Fn, payload)
			},
		}
		if !a.queue.Push(d) {
			return errs.New(errs.RcAgentDeactivated, a.id)
		}
		enqueued = true
		return nil
	}

	var err error
	if box.Envelope != nil {
		invoker := message.NewInvoker(enqueue)
		err = guard.NoThrow("envelope.access_hook", func() error {
			return box.Envelope.AccessHook(message.HandlerFound, invoker)
		})
	} else {
		err = enqueue(box.Payload)
	}
	// Whatever happened — envelope declined to invoke, Push failed because
	// the queue closed underneath us, or AccessHook errored before calling
	// the invoker — a demand that never made it onto the queue will never
	// run runHandler's own Release, so the slot Admit reserved must be
	// freed here.
	if !enqueued {
		a.limiter.Release(msgType)
	}
	return err
}

// runHandler calls fn, releases the rate-limit slot admitted for msgType,
// and applies the agent's configured exception reaction on error.
func (a *Agent) runHandler(msgType message.Type, fn func(payload any) error, payload any) error {
	defer a.limiter.Release(msgType)
	err := fn(payload)
	if err != nil {
		a.handleException(err)
	}
	return err
}

func (a *Agent) handleException(err error) {
	switch a.exceptionReaction {
	case ReactionAbort:
		guard.NoThrow("agent.exception_reaction_abort", func() error { panic(err) })
	case ReactionIgnore:
		return
	default:
		if a.onException != nil {
			a.onException(a, a.exceptionReaction, err)
		}
	}
}
