// Package message implements the message & envelope model (spec §4.1): a
// compile-time type identity per payload, the immutable/exclusive-owned
// mutability contract, signals (zero-payload messages), and envelopes that
// can intercept delivery through a no-throw access hook.
package message

import (
	"fmt"
	"reflect"
)

// Type is the runtime handle for a message's compile-time type identity T.
// It is comparable and safe to use as a map key, which is how the
// subscription store and rate limiter index handlers and quotas.
type Type struct {
	rt reflect.Type
}

// TypeOf returns the Type handle for T. Call sites never construct Type
// values directly; they obtain them from TypeOf or from a Box built by
// NewImmutable, NewSignal or NewMutable.
func TypeOf[T any]() Type {
	return Type{rt: reflect.TypeFor[T]()}
}

func (t Type) String() string {
	if t.rt == nil {
		return "<invalid>"
	}
	return t.rt.String()
}

// IsSignal reports whether T carries no payload bytes: a signal is any
// struct type with no fields, matching spec §4.1's "T with no payload
// bytes" definition without requiring a marker interface.
func (t Type) IsSignal() bool {
	return t.rt != nil && t.rt.Kind() == reflect.Struct && t.rt.NumField() == 0
}

func (t Type) Valid() bool { return t.rt != nil }

// Mutability distinguishes immutable (shareable, read-only) payloads from
// exclusive-owned (single-subscriber, mutable) payloads.
type Mutability int

const (
	Immutable Mutability = iota
	ExclusiveOwned
)

func (m Mutability) String() string {
	if m == ExclusiveOwned {
		return "exclusive-owned"
	}
	return "immutable"
}

// Mutable[T] wraps a payload to request exclusive-owned delivery semantics,
// the Go expression of so_5's mutable_msg<T>. Only MPSC mailboxes accept
// it; sending it through an MPMC mailbox is rc_mutable_msg_cannot_be_delivered_via_mpmc_mbox.
type Mutable[T any] struct {
	Payload *T
}

// HookContext identifies which phase of delivery invoked an envelope's
// access hook.
type HookContext int

const (
	// DeliveryAttempt names the pre-filter delivery phase. The mailboxes
	// and agents in this module never pass it; AccessHook is only called
	// with HandlerFound.
	DeliveryAttempt HookContext = iota
	// HandlerFound fires once a concrete handler has been resolved for the
	// current state; the envelope decides whether, and with what payload,
	// to invoke it.
	HandlerFound
)

// Invoker is handed to an envelope's AccessHook so it can (optionally)
// trigger the actual handler call, substituting the payload if it wants.
type Invoker interface {
	Invoke(payload any) error
}

// Envelope wraps a payload and may intercept delivery. AccessHook MUST NOT
// panic: the runtime invokes it under a no-throw guarantee (spec §4.1) and
// treats any panic as a fatal process error (see guard.NoThrow).
type Envelope interface {
	AccessHook(ctx HookContext, invoker Invoker) error
}

// Box is the internal, type-erased carrier for a payload as it flows
// through mailboxes, filters, limiters and the event queue. It is the Go
// analogue of so_5's internal message holder.
type Box struct {
	Type       Type
	Mutability Mutability
	Payload    any
	Envelope   Envelope // nil for ordinary (non-enveloped) sends
	OccurredAtUnixNano int64
}

// NewImmutable boxes an immutable payload of type T.
func NewImmutable[T any](payload T) Box {
	return Box{Type: TypeOf[T](), Mutability: Immutable, Payload: payload}
}

// NewSignal boxes a zero-field signal type T.
func NewSignal[T any]() Box {
	var zero T
	t := TypeOf[T]()
	if !t.IsSignal() {
		panic(fmt.Sprintf("message: %s is not a signal type (has payload fields)", t))
	}
	return Box{Type: t, Mutability: Immutable, Payload: zero}
}

// NewMutable boxes an exclusive-owned payload of type T behind Mutable[T].
func NewMutable[T any](payload *T) Box {
	return Box{Type: TypeOf[Mutable[T]](), Mutability: ExclusiveOwned, Payload: Mutable[T]{Payload: payload}}
}

// WithEnvelope attaches an envelope to a box, returning a copy.
func (b Box) WithEnvelope(e Envelope) Box {
	b.Envelope = e
	return b
}

// Freeze returns a copy of an exclusive-owned box downgraded to immutable,
// implementing the "modify_resend_as_immutable" pattern from
// original_source/dev/sample/so_5/modify_resend_as_immutable: a handler
// that received a mutable message may resend a frozen box to a second MPMC
// destination instead of moving the original. Only the Mutability tag
// changes: Type stays Mutable[T] and the payload still points at the same T.
func (b Box) Freeze() Box {
	b.Mutability = Immutable
	return b
}

// Priority is one of eight scheduling priorities (p0..p7), used by the
// priority-aware dispatcher variants (spec §4.7) and to order MPMC
// subscriber fan-out (spec §4.2 step 3: "ordered by descending priority,
// then by stable pointer identity").
type Priority int8

const (
	P0 Priority = iota
	P1
	P2
	P3
	P4
	P5
	P6
	P7
)

const NumPriorities = 8

// funcInvoker adapts a plain function to the Invoker interface.
type funcInvoker func(payload any) error

func (f funcInvoker) Invoke(payload any) error { return f(payload) }

// NewInvoker builds an Invoker from a plain function, for call sites that
// resolve a handler and want to hand it to an envelope's AccessHook.
func NewInvoker(fn func(payload any) error) Invoker { return funcInvoker(fn) }
