// Package limiter implements the message-rate limiter and overflow
// reactions of spec §4.5: per-agent, per-message-type quotas with
// drop/abort/redirect/transform reactions and an any_unspecified_message
// fallback.
package limiter

import (
	"sync/atomic"

	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/message"
)

// Action is the overflow reaction taken when a type's quota is exceeded.
type Action int

const (
	// ActionPass is not a configured reaction; it is what Admit returns
	// when the demand is within quota.
	ActionPass Action = iota
	ActionDrop
	ActionAbort
	ActionRedirect
	ActionTransform
)

// TransformFunc implements the "transform" overflow reaction (spec §4.5):
// given the original payload, it returns the destination mailbox name, the
// new message type, and the new payload to deliver there.
type TransformFunc func(payload any) (destMailbox string, newType message.Type, newPayload any)

// Reaction describes what to do when a message type's quota is exceeded.
type Reaction struct {
	Action Action
	// RedirectTarget names the destination mailbox for ActionRedirect.
	RedirectTarget string
	// Transform is consulted for ActionTransform.
	Transform TransformFunc
}

func Drop() Reaction   { return Reaction{Action: ActionDrop} }
func Abort() Reaction  { return Reaction{Action: ActionAbort} }
func Redirect(target string) Reaction {
	return Reaction{Action: ActionRedirect, RedirectTarget: target}
}
func Transform(fn TransformFunc) Reaction {
	return Reaction{Action: ActionTransform, Transform: fn}
}

// Quota is a non-negative admission ceiling paired with the reaction to
// take once it is exceeded.
type Quota struct {
	Limit    uint64
	Reaction Reaction
}

// Decision is the outcome of Admit: either ActionPass (enqueue normally) or
// one of the configured overflow reactions.
type Decision struct {
	Action    Action
	Reaction  Reaction
}

type counter struct {
	inFlight atomic.Uint64
}

// Table is a per-agent rate-limit table. A Table with at least one entry
// makes every OTHER subscribed type without an entry (and without an
// AnyUnspecified fallback) fail subscription with RcMessageHasNoLimitDefined.
type Table struct {
	quotas  map[message.Type]Quota
	counts  map[message.Type]*counter
	anyUnspecified *Quota
	anyCounter     *counter
}

func NewTable() *Table {
	return &Table{
		quotas: make(map[message.Type]Quota),
		counts: make(map[message.Type]*counter),
	}
}

// Define installs a quota for T. A duplicate definition for the same type
// fails with RcSeveralLimitsForOneMessageType.
func Define[T any](t *Table, limit uint64, reaction Reaction) error {
	mt := message.TypeOf[T]()
	if _, exists := t.quotas[mt]; exists {
		return errs.New(errs.RcSeveralLimitsForOneMessageType, mt.String())
	}
	t.quotas[mt] = Quota{Limit: limit, Reaction: reaction}
	t.counts[mt] = &counter{}
	return nil
}

// DefineAnyUnspecified installs the fallback quota applied to any
// subscribed type lacking its own entry.
func (t *Table) DefineAnyUnspecified(limit uint64, reaction Reaction) {
	q := Quota{Limit: limit, Reaction: reaction}
	t.anyUnspecified = &q
	t.anyCounter = &counter{}
}

// HasLimitFor reports whether msgType has an explicit or fallback quota.
func (t *Table) HasLimitFor(msgType message.Type) bool {
	if _, ok := t.quotas[msgType]; ok {
		return true
	}
	return t.anyUnspecified != nil
}

// AnyDefined reports whether the table carries any quota at all. A table
// with at least one explicit quota and no any_unspecified fallback makes
// every other subscribed type fail subscription with
// RcMessageHasNoLimitDefined (spec §4.5); package agent consults this at
// subscribe time.
func (t *Table) AnyDefined() bool {
	return t != nil && (len(t.quotas) > 0 || t.anyUnspecified != nil)
}

// Admit increments the in-flight counter for msgType and returns whether
// the demand should be admitted (ActionPass) or reacted to. When msgType
// has no dedicated entry, the any_unspecified fallback (if any) applies;
// with no table at all, Admit always passes (no limits configured).
func (t *Table) Admit(msgType message.Type) Decision {
	if t == nil {
		return Decision{Action: ActionPass}
	}

	q, c, ok := t.lookup(msgType)
	if !ok {
		return Decision{Action: ActionPass}
	}

	n := c.inFlight.Add(1)
	if n <= q.Limit {
		return Decision{Action: ActionPass}
	}
	// An over-quota demand is reacted to, not admitted, so it holds no slot.
	c.inFlight.Add(^uint64(0))
	return Decision{Action: q.Reaction.Action, Reaction: q.Reaction}
}

// Release decrements the in-flight counter for msgType after a demand
// admitted for that type has finished executing (or been reacted to in a
// way that no longer holds the slot).
func (t *Table) Release(msgType message.Type) {
	if t == nil {
		return
	}
	if _, c, ok := t.lookup(msgType); ok {
		if v := c.inFlight.Load(); v > 0 {
			c.inFlight.Add(^uint64(0)) // atomic decrement
		}
	}
}

func (t *Table) lookup(msgType message.Type) (Quota, *counter, bool) {
	if q, ok := t.quotas[msgType]; ok {
		return q, t.counts[msgType], true
	}
	if t.anyUnspecified != nil {
		return *t.anyUnspecified, t.anyCounter, true
	}
	return Quota{}, nil, false
}
