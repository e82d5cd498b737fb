package realtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "itfits/backend/internal/realtime"

// instruments groups the OTel instruments of the realtime core. Instrument creation errors fall back to
// the no-op instruments the API returns alongside them.
type instruments struct {
	tracer trace.Tracer

	opened    metric.Int64Counter
	closed    metric.Int64Counter
	active    metric.Int64UpDownCounter
	messages  metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

func newInstruments() *instruments {
	m := otel.Meter(instrumentationName)
	in := &instruments{tracer: otel.Tracer(instrumentationName)}
	in.opened, _ = m.Int64Counter("realtime.connections.opened",
		metric.WithDescription("Connections that completed the handshake."))
	in.closed, _ = m.Int64Counter("realtime.connections.closed",
		metric.WithDescription("Connections terminated, by reason."))
	in.active, _ = m.Int64UpDownCounter("realtime.connections.active",
		metric.WithDescription("Connections currently between handshake and termination."))
	in.messages, _ = m.Int64Counter("realtime.messages.received",
		metric.WithDescription("Inbound protocol messages, by type."))
	in.delivered, _ = m.Int64Counter("realtime.broadcast.delivered",
		metric.WithDescription("Broadcast payloads queued to a live connection."))
	in.failed, _ = m.Int64Counter("realtime.broadcast.failed",
		metric.WithDescription("Broadcast payloads that could not be queued."))
	return in
}

func (in *instruments) connectionOpened(ctx context.Context) {
	in.opened.Add(ctx, 1)
	in.active.Add(ctx, 1)
}

func (in *instruments) connectionClosed(ctx context.Context, reason string) {
	in.closed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	in.active.Add(ctx, -1)
}

func (in *instruments) messageReceived(ctx context.Context, t MessageType) {
	in.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
}

func (in *instruments) broadcastResult(ctx context.Context, event string, r Report) {
	attrs := metric.WithAttributes(attribute.String("event", event))
	in.delivered.Add(ctx, int64(r.Delivered), attrs)
	in.failed.Add(ctx, int64(r.Failed), attrs)
}
