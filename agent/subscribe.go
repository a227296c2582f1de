package agent

import (
	"github.com/coopkit/coopkit/agent/state"
	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/mbox"
	"github.com/coopkit/coopkit/message"
	"github.com/coopkit/coopkit/subscription"
)

// mutationGuard rejects structural mutation attempted while any thread-safe
// handler is concurrently in flight (spec §4.4's RcMutationFromThreadSafeHandler),
// and while the agent has already deactivated (spec §4.8).
func (a *Agent) mutationGuard() error {
	if a.deactivated.Load() {
		return errs.New(errs.RcAgentDeactivated, a.id)
	}
	if a.threadSafeInFlight.Load() > 0 {
		return errs.New(errs.RcMutationFromThreadSafeHandler, a.id)
	}
	return nil
}

// Subscribe installs fn as the handler for msgType delivered via mb while
// the agent is in st, registering with the mailbox itself so it starts
// routing msgType to this agent. threadSafe marks the handler eligible to
// run concurrently with the agent's other thread-safe handlers under
// adv_thread_pool (spec §4.4, §5).
//
// If the agent's rate-limit table defines any quota at all, msgType must
// have an explicit or any_unspecified entry, or Subscribe fails with
// RcMessageHasNoLimitDefined (spec §4.5) before ever touching the mailbox.
func (a *Agent) Subscribe(mb mbox.Mailbox, st *state.State, msgType message.Type, threadSafe bool, fn func(payload any) error) error {
	if err := a.mutationGuard(); err != nil {
		return err
	}
	if a.limiter.AnyDefined() && !a.limiter.HasLimitFor(msgType) {
		return errs.New(errs.RcMessageHasNoLimitDefined, msgType.String())
	}
	if err := mb.SubscribeEventHandler(msgType, a); err != nil {
		return err
	}
	a.subs.SubscribeWithState(mb.ID().String(), msgType, st.ID(), subscription.Handler{Fn: fn, ThreadSafe: threadSafe})
	return nil
}

// Unsubscribe drops the handler for (mb, msgType, st) and, if no state
// retains a handler for (mb, msgType) afterward, tells the mailbox to stop
// routing it to this agent.
func (a *Agent) Unsubscribe(mb mbox.Mailbox, st *state.State, msgType message.Type) error {
	if err := a.mutationGuard(); err != nil {
		return err
	}
	a.subs.DropSubscription(mb.ID().String(), msgType, st.ID())
	if !a.subs.HasSubscription(mb.ID().String(), msgType) {
		mb.UnsubscribeEventHandler(msgType, a)
	}
	return nil
}

// SetDeadLetter installs the fallback handler used when no active state has
// a subscription for (mb, msgType).
func (a *Agent) SetDeadLetter(mb mbox.Mailbox, msgType message.Type, threadSafe bool, fn func(payload any) error) error {
	if err := a.mutationGuard(); err != nil {
		return err
	}
	a.subs.SetDeadLetter(mb.ID().String(), msgType, subscription.Handler{Fn: fn, ThreadSafe: threadSafe})
	return nil
}

// SwitchState transitions the agent's state machine to target, subject to
// the same mutation guard as subscription changes (a thread-safe handler
// may not drive a state switch either).
func (a *Agent) SwitchState(target *state.State) error {
	if err := a.mutationGuard(); err != nil {
		return err
	}
	return a.machine.SwitchTo(target)
}

// HasSubscription reports whether (mb, msgType) has a handler in any state,
// backing the introspect package's so_has_subscription equivalent.
func (a *Agent) HasSubscription(mb mbox.Mailbox, msgType message.Type) bool {
	return a.subs.HasSubscription(mb.ID().String(), msgType)
}
