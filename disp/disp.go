// Package disp defines the dispatcher family's common binder contract
// (spec §4.7): preallocate_resources/undo_preallocation/bind/unbind, plus a
// gobreaker-protected Invoke helper every concrete dispatcher
// (disp/onethread, disp/activeobj, disp/activegroup, disp/threadpool,
// disp/advthreadpool, disp/priothread) uses to run a popped demand without
// a single panicking handler taking the whole worker down with it.
package disp

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coopkit/coopkit/demand"
)

// Binder is the contract every dispatcher implementation exposes to
// package coop/env when an agent joins or leaves a cooperation bound to it.
type Binder interface {
	Name() string
	// PreallocateResources reserves whatever a bound agent will need (a
	// worker goroutine, a pool slot) without yet running anything. A
	// failure here must leave the dispatcher exactly as it was.
	PreallocateResources(agentID string) error
	// UndoPreallocation releases what PreallocateResources reserved,
	// called when a later binder in the same registration fails.
	UndoPreallocation(agentID string)
	// BindAgent starts actually servicing q for agentID.
	BindAgent(agentID string, q *demand.Queue) error
	// UnbindAgent stops servicing agentID's queue and releases its slot.
	UnbindAgent(agentID string)
	// Shutdown stops every worker the dispatcher owns.
	Shutdown()
}

// breaker wraps a demand's Invoke so a handler panic trips a circuit
// instead of crashing the dispatcher's worker goroutine; this repurposes
// gobreaker's failure-counting state machine for in-process panic
// containment rather than its usual remote-call-protection role.
type breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreaker builds a breaker named for logging, tripping after
// consecutiveFailures handler panics/errors in a row and resetting after
// cooldown.
func NewBreaker(name string, consecutiveFailures uint32, cooldown time.Duration) *breaker {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    name,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("dispatcher circuit breaker state change", "dispatcher", name, "from", from, "to", to)
		},
	})
	return &breaker{cb: cb}
}

// Guard runs d.Invoke through the breaker, recovering a panic into an error
// so ReadyToTrip still sees it as a failure.
func (b *breaker) Guard(d demand.Demand) error {
	_, err := b.cb.Execute(func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("dispatcher demand panicked", "agent", d.AgentID, "kind", d.Kind.String(), "recovered", r)
				err = panicError{recovered: r}
			}
		}()
		return nil, d.Invoke()
	})
	if _, ok := err.(gobreaker.ErrOpenState); ok {
		slog.Warn("dispatcher circuit open, demand skipped", "agent", d.AgentID)
		return nil
	}
	return err
}

type panicError struct{ recovered any }

func (p panicError) Error() string { return "recovered panic in demand handler" }
