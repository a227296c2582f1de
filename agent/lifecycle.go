package agent

import (
	"time"

	"github.com/coopkit/coopkit/agent/state"
	"github.com/coopkit/coopkit/demand"
)

// EvtStart enqueues the agent's so_evt_start demand: it runs before any
// ordinary message demand because it is pushed the moment the agent joins
// its dispatcher's queue, and because the queue is strictly FIFO this is
// simply "push it first" (spec §4.4, §6: "a cooperation's agents each
// receive evt_start once, in registration order, before any message they
// were already subscribed to can be delivered").
func (a *Agent) EvtStart(fn func() error) {
	if fn == nil || a.deactivated.Load() {
		return
	}
	a.queue.Push(demand.Demand{
		AgentID: a.id,
		Kind:    demand.KindEvtStart,
		Invoke: func() error {
			if a.deactivated.Load() {
				return nil
			}
			if err := fn(); err != nil {
				a.handleException(err)
				return err
			}
			return nil
		},
	})
}

// EvtFinish enqueues the agent's so_evt_finish demand, run once as the
// agent leaves its dispatcher for the last time during cooperation
// deregistration.
func (a *Agent) EvtFinish(fn func() error) {
	if fn == nil {
		return
	}
	a.queue.Push(demand.Demand{
		AgentID: a.id,
		Kind:    demand.KindEvtFinish,
		Invoke: func() error {
			if err := fn(); err != nil {
				a.handleException(err)
				return err
			}
			return nil
		},
	})
}

// Deactivate implements so_deactivate_agent (spec §4.8): the agent's state
// machine moves to a permanent terminal state, every subscription is
// dropped, and the demand queue is closed so no dispatcher keeps a worker
// parked waiting on it.
func (a *Agent) Deactivate() {
	if !a.deactivated.CompareAndSwap(false, true) {
		return
	}
	a.machine.Deactivate()
	a.subs.DropAll()
	a.queue.Close()
}

// selfScheduler adapts an Agent into a state.Scheduler by self-delivering
// the eventual switch as an ordinary demand on the agent's own queue, so a
// time-limited state's expiry still runs with the same single-writer
// discipline as any other handler (spec §4.8: "time-limited state expiry is
// delivered the same way a timer-originated message would be"). It is the
// default scheduler every Agent gets unless another one is supplied via
// WithScheduler or installed by package env's NewAgent (backed by package
// timer).
type selfScheduler struct{ a *Agent }

// NewSelfScheduler returns the default Scheduler used by an Agent's state
// machine: time.AfterFunc gated by the demand queue, good enough for
// single-node use before a real timer.Service is wired in (package env
// replaces it once an environment's timer is available).
func NewSelfScheduler(a *Agent) state.Scheduler { return selfScheduler{a: a} }

func (s selfScheduler) Arm(st *state.State, d time.Duration, fire func()) (cancel func()) {
	t := time.AfterFunc(d, func() {
		s.a.queue.Push(demand.Demand{
			AgentID: s.a.id,
			Kind:    demand.KindTimerResend,
			Invoke: func() error {
				if s.a.deactivated.Load() {
					return nil
				}
				fire()
				return nil
			},
		})
	})
	return func() { t.Stop() }
}
