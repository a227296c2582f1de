// Package mbox implements the mailbox model of spec §4.2: MPMC (multi-
// producer/multi-consumer) and MPSC (multi-producer/single-consumer,
// "direct") mailboxes, delivery filters, and the do_deliver_message
// routing algorithm including redirection-depth protection and the
// overflow reactions driven by package limiter.
package mbox

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/limiter"
	"github.com/coopkit/coopkit/message"
)

// MaxRedirectionDepth bounds the redirect/transform chain a single send
// can traverse before the runtime drops the message to break cycles
// (spec §4.2 step 1).
const MaxRedirectionDepth = 32

// ID is a mailbox's stable identity.
type ID struct{ v uuid.UUID }

func newID() ID { return ID{v: uuid.New()} }

func (id ID) String() string { return id.v.String() }

// Kind distinguishes MPMC from MPSC mailboxes.
type Kind int

const (
	KindMPMC Kind = iota
	KindMPSC
)

func (k Kind) String() string {
	if k == KindMPSC {
		return "mpsc"
	}
	return "mpmc"
}

// DeliveryMode distinguishes an ordinary send from one originating in the
// timer service (spec §4.9: "firing a timer calls do_deliver_message(from_timer, ...)").
type DeliveryMode int

const (
	ModeOrdinary DeliveryMode = iota
	ModeFromTimer
)

// Filter is a pure predicate consulted before rate limiting (spec §4.6).
type Filter func(payload any) bool

// DeadLetterFunc handles a message that could not be routed to any live
// subscription.
type DeadLetterFunc func(box message.Box, mboxID ID, msgType message.Type)

// AbortFunc carries out the ActionAbort overflow reaction with a diagnostic
// reason. A mailbox built with a nil AbortFunc drops the message instead;
// env.Environment's implementation logs the reason and force-stops the
// environment without exiting the process.
type AbortFunc func(reason string)

// Subscriber is the interface a dispatchable entity (an agent) exposes to
// mailboxes. Package agent implements it. Deliver is responsible for
// resolving the current-state handler and pushing the fully-formed
// execution demand (handler included, spec §3's demand record) onto the
// subscriber's own event queue — the mailbox itself never looks inside a
// handler.
type Subscriber interface {
	ID() string
	Priority() message.Priority
	// Admit consults the subscriber's rate-limit table for msgType.
	Admit(msgType message.Type) limiter.Decision
	// Deliver routes box (received via mboxID, addressed as msgType) into
	// the subscriber's event queue, or reports rc_*-style errors.
	Deliver(mboxID ID, msgType message.Type, box message.Box) error
}

// Resolver looks up a mailbox by name for redirect/transform destinations.
// *Repository implements it.
type Resolver interface {
	Resolve(name string) (Mailbox, bool)
}

// Mailbox is the public contract shared by MPMC and MPSC mailboxes
// (spec §4.2).
type Mailbox interface {
	ID() ID
	QueryName() string
	Type() Kind

	SubscribeEventHandler(msgType message.Type, sub Subscriber) error
	UnsubscribeEventHandler(msgType message.Type, sub Subscriber)

	SetDeliveryFilter(msgType message.Type, sub Subscriber, pred Filter) error
	DropDeliveryFilter(msgType message.Type, sub Subscriber)

	DoDeliverMessage(mode DeliveryMode, box message.Box, redirectionDepth int) error

	SetDeadLetterHandler(fn DeadLetterFunc)
}

type subEntry struct {
	sub    Subscriber
	seq    uint64 // stable insertion order, the "stable pointer identity" tiebreak
}

type filterKey struct {
	msgType message.Type
	subID   string
}

// base carries the bookkeeping common to both mailbox kinds.
type base struct {
	mu         sync.RWMutex
	id         ID
	name       string
	resolver   Resolver
	abort      AbortFunc
	deadLetter DeadLetterFunc
	filters    map[filterKey]Filter
	seq        uint64
}

func newBase(name string, resolver Resolver, abort AbortFunc) base {
	return base{
		id:       newID(),
		name:     name,
		resolver: resolver,
		abort:    abort,
		filters:  make(map[filterKey]Filter),
	}
}

func (b *base) ID() ID              { return b.id }
func (b *base) QueryName() string   { return b.name }
func (b *base) SetDeadLetterHandler(fn DeadLetterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetter = fn
}

func (b *base) filterFor(msgType message.Type, subID string) (Filter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.filters[filterKey{msgType, subID}]
	return f, ok
}

func (b *base) runDeadLetter(box message.Box, msgType message.Type) {
	b.mu.RLock()
	fn := b.deadLetter
	b.mu.RUnlock()
	if fn != nil {
		fn(box, b.id, msgType)
	}
}

// react executes the overflow reaction described by dec for box, addressed
// originally to msgType on this mailbox, at the given redirection depth.
// Per the "transform-on-overflow" open question (SPEC_FULL.md), transform
// resets the depth counter to zero while redirect increments it.
func react(b *base, mode DeliveryMode, dec limiter.Decision, box message.Box, msgType message.Type, depth int) {
	switch dec.Action {
	case limiter.ActionDrop:
		return
	case limiter.ActionAbort:
		if b.abort != nil {
			b.abort(fmt.Sprintf("message-rate limit exceeded for %s on mailbox %s", msgType, b.name))
		}
	case limiter.ActionRedirect:
		if depth+1 > MaxRedirectionDepth {
			return
		}
		if b.resolver == nil {
			return
		}
		target, ok := b.resolver.Resolve(dec.Reaction.RedirectTarget)
		if !ok {
			return
		}
		_ = target.DoDeliverMessage(mode, box, depth+1)
	case limiter.ActionTransform:
		if b.resolver == nil || dec.Reaction.Transform == nil {
			return
		}
		destName, newType, newPayload := dec.Reaction.Transform(box.Payload)
		target, ok := b.resolver.Resolve(destName)
		if !ok {
			return
		}
		newBox := message.Box{Type: newType, Mutability: box.Mutability, Payload: newPayload}
		_ = target.DoDeliverMessage(mode, newBox, 0)
	}
}

// rcIllegalSubscriber is a convenience constructor used by both mailbox kinds.
func rcIllegalSubscriber(name string) error {
	return errs.New(errs.RcIllegalSubscriberForMpscMbox, name)
}
