// Package trace implements the pluggable delivery tracer of spec §4.12: a
// thin wrapper over an OpenTelemetry tracer that emits one span per
// message-delivery event (admitted, dead-lettered, reacted-to, handled),
// so a request flowing through several agents and mailboxes shows up as a
// single connected trace.
package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Event names the phase of delivery a span documents.
type Event string

const (
	EventAdmitted     Event = "admitted"
	EventDeadLettered Event = "dead_lettered"
	EventReacted      Event = "reacted"
	EventHandled      Event = "handled"
)

// Tracer emits delivery spans. A nil *Tracer is valid and turns every call
// into a no-op, so wiring it through mailboxes/agents costs nothing when
// tracing isn't configured.
type Tracer struct {
	tr trace.Tracer
}

// New wraps an OpenTelemetry Tracer (nil tr is accepted and produces a
// no-op Tracer).
func New(tr trace.Tracer) *Tracer { return &Tracer{tr: tr} }

// Delivery starts (and immediately ends) a span describing one delivery
// event for msgType on mailbox mboxName, tagging it with agentID when
// known. Returns the possibly-updated context so callers chaining multiple
// delivery events (redirect, transform) keep them nested under one trace.
func (t *Tracer) Delivery(ctx context.Context, ev Event, mboxName, msgType, agentID string, err error) context.Context {
	if t == nil || t.tr == nil {
		return ctx
	}
	ctx, span := t.tr.Start(ctx, "mbox.deliver",
		trace.WithAttributes(
			attribute.String("coopkit.event", string(ev)),
			attribute.String("coopkit.mailbox", mboxName),
			attribute.String("coopkit.message_type", msgType),
			attribute.String("coopkit.agent", agentID),
		),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	return ctx
}
