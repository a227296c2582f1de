package env

import (
	"time"

	"github.com/coopkit/coopkit/agent"
	"github.com/coopkit/coopkit/agent/state"
	"github.com/coopkit/coopkit/mbox"
	"github.com/coopkit/coopkit/message"
)

// fireSignal carries a closure destined for an agent's own direct mailbox,
// the payload a timer-backed state.Scheduler uses to arm a time-limited
// state transition (spec §4.8: "time-limited state expiry is delivered the
// same way a timer-originated message would be").
type fireSignal struct{ fn func() }

// NewAgent builds an Agent whose state machine (if root is non-nil) is
// scheduled through this Environment's timer service rather than the
// package-level time.AfterFunc default, and binds it a direct (MPSC)
// mailbox reachable as agentID under the environment's mailbox repository.
func (e *Environment) NewAgent(agentID string, root *state.State, opts ...agent.Option) *agent.Agent {
	var a *agent.Agent
	allOpts := append([]agent.Option(nil), opts...)
	if root != nil {
		allOpts = append(allOpts, agent.WithStateMachine(root))
	}
	a = agent.New(allOpts...)

	direct := e.CreateMPSC(agentID, a, true)
	a.BindDirectMbox(direct)

	if root != nil {
		a.State().SetScheduler(timerScheduler{env: e, a: a, mb: direct})
	}
	return a
}

type timerScheduler struct {
	env *Environment
	a   *agent.Agent
	mb  mbox.Mailbox
}

func (s timerScheduler) Arm(st *state.State, d time.Duration, fire func()) (cancel func()) {
	fn := fire
	box := message.NewMutable(&fireSignal{fn: fn})
	// st, not the machine's current state, is the key: SwitchTo only
	// assigns its new current state after every Arm call in the enter path
	// has already run, so looking it up here would register under the
	// state being left, not the one being entered.
	if err := s.a.Subscribe(s.mb, st, message.TypeOf[message.Mutable[fireSignal]](), false, func(payload any) error {
		payload.(message.Mutable[fireSignal]).Payload.fn()
		return nil
	}); err != nil {
		s.env.Logger().Warn("timer scheduler: subscribe failed", "agent", s.a.ID(), "err", err)
	}
	id, err := s.env.Timer().SendDelayed(s.mb, box, d)
	if err != nil {
		s.env.Logger().Error("timer scheduler: arm failed", "agent", s.a.ID(), "err", err)
		return func() {}
	}
	return func() { s.env.Timer().Cancel(id) }
}
