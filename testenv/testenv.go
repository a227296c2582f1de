// Package testenv implements the scenario-testing DSL of spec §7: chained
// steps (define_step(name).impact(...).when_all(reacts_to<T>, ignores<T>,
// store_state_name(...))) terminated by run_for(Δ), returning a completed
// verdict or a diagnostic naming the first unmet expectation. A Scenario is
// only a trace recorder fed by Observe; it holds no environment and never
// replaces the runtime, it only observes it.
package testenv

import (
	"fmt"
	"sync"
	"time"

	"github.com/coopkit/coopkit/agent"
	"github.com/coopkit/coopkit/message"
)

// Scenario is one run of the testing harness: a sequence of steps executed
// in order, each contributing expectations checked once the clock given to
// RunFor elapses.
type Scenario struct {
	steps []*Step

	mu      sync.Mutex
	reacted map[message.Type]int
}

// New starts an empty Scenario.
func New() *Scenario {
	return &Scenario{reacted: make(map[message.Type]int)}
}

// Step is one named stage of a Scenario: an impact (the action that drives
// the system under test) plus a set of expectations checked against the
// trace recorded for its message types.
type Step struct {
	s      *Scenario
	name   string
	impact func() error

	reacts        []message.Type
	reactsAtLeast map[message.Type]int
	ignores       []message.Type
	captureState  func() string
	captured      *string
}

// DefineStep opens a new named step (spec §7's define_step(name)).
func (s *Scenario) DefineStep(name string) *Step {
	st := &Step{s: s, name: name, reactsAtLeast: make(map[message.Type]int)}
	s.steps = append(s.steps, st)
	return st
}

// Impact installs the action this step drives into the system under test.
func (st *Step) Impact(fn func() error) *Step {
	st.impact = fn
	return st
}

// ReactsTo declares that, by the time RunFor's clock elapses, at least one
// message of type T must have been observed in the trace (spec §7's
// reacts_to<T>(...)).
func ReactsTo[T any](st *Step) *Step {
	st.reacts = append(st.reacts, message.TypeOf[T]())
	return st
}

// ReactsToAtLeast is ReactsTo with an explicit minimum occurrence count.
func ReactsToAtLeast[T any](st *Step, n int) *Step {
	st.reactsAtLeast[message.TypeOf[T]()] = n
	return st
}

// Ignores declares that T must NOT appear in the trace by the time RunFor's
// clock elapses (spec §7's ignores<T>(...)).
func Ignores[T any](st *Step) *Step {
	st.ignores = append(st.ignores, message.TypeOf[T]())
	return st
}

// StoreStateName arranges for capture() — typically
// introspect.CurrentState(a) for some agent a — to be called once RunFor's
// clock elapses, its result written to *dest (spec §7's store_state_name(...)).
func (st *Step) StoreStateName(dest *string, capture func() string) *Step {
	st.captured = dest
	st.captureState = capture
	return st
}

// Observe records that a message of msgType was seen; a scenario's message
// handlers call this directly so RunFor can check reacts_to/ignores
// expectations against the accumulated trace.
func (s *Scenario) Observe(msgType message.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reacted[msgType]++
}

// Count returns how many times msgType has been Observe'd so far, for
// scenarios that assert on the trace directly rather than through a Step's
// ReactsTo/Ignores expectations.
func (s *Scenario) Count(msgType message.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reacted[msgType]
}

// Result is RunFor's verdict.
type Result struct {
	Completed  bool
	Diagnostic string
}

// RunFor executes every defined step's Impact in order, sleeps for d, then
// checks every step's expectations against the trace accumulated via
// Observe. The first unmet expectation becomes the diagnostic.
func (s *Scenario) RunFor(d time.Duration) Result {
	for _, st := range s.steps {
		if st.impact == nil {
			continue
		}
		if err := st.impact(); err != nil {
			return Result{Completed: false, Diagnostic: fmt.Sprintf("step %q: impact failed: %v", st.name, err)}
		}
	}

	time.Sleep(d)

	s.mu.Lock()
	trace := make(map[message.Type]int, len(s.reacted))
	for k, v := range s.reacted {
		trace[k] = v
	}
	s.mu.Unlock()

	for _, st := range s.steps {
		for _, t := range st.reacts {
			if trace[t] == 0 {
				return Result{Completed: false, Diagnostic: fmt.Sprintf("step %q: expected reaction to %s, saw none", st.name, t)}
			}
		}
		for t, n := range st.reactsAtLeast {
			if trace[t] < n {
				return Result{Completed: false, Diagnostic: fmt.Sprintf("step %q: expected at least %d of %s, saw %d", st.name, n, t, trace[t])}
			}
		}
		for _, t := range st.ignores {
			if trace[t] != 0 {
				return Result{Completed: false, Diagnostic: fmt.Sprintf("step %q: expected no reaction to %s, saw %d", st.name, t, trace[t])}
			}
		}
		if st.captureState != nil {
			*st.captured = st.captureState()
		}
	}

	return Result{Completed: true}
}

// AwaitDeactivated blocks (bounded by timeout) until a reports deactivated,
// a small helper scenarios use after driving a cooperation's deregistration.
func AwaitDeactivated(a *agent.Agent, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.IsDeactivated() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return a.IsDeactivated()
}
