package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// natsPropagator carries trace context across the NATS message boundary,
// adapted from the teacher's libs/go/core/natsctx helpers: inject on
// publish, extract on consume, so a span started by a remote subscriber is a
// child of whatever span was active when the event was published.
var natsPropagator = propagation.TraceContext{}

// NatsSink is the "cross-process event fan-out" §4.3 alludes to: every
// event published locally is also published to a NATS subject, so another
// process (e.g. a second coordinator worker, or an external observability
// pipeline) can subscribe to Tasker's event stream without sharing this
// process's in-memory Bus. Implements Sink.
type NatsSink struct {
	nc      *nats.Conn
	subject string
	tracer  trace.Tracer
}

// NewNatsSink wires a Sink that publishes every event it's given to subject
// on nc.
func NewNatsSink(nc *nats.Conn, subject string) *NatsSink {
	return &NatsSink{nc: nc, subject: subject, tracer: otel.Tracer("tasker-eventbus-nats")}
}

// natsEnvelope is the wire shape published to NATS: the event name plus its
// payload, since a NATS subject as configured here is shared across event
// names rather than one subject per name.
type natsEnvelope struct {
	Name    string  `json:"name"`
	Payload Payload `json:"payload"`
}

// Emit implements Sink. A publish failure is logged, not propagated: losing
// the cross-process copy of an event must never block or fail the
// in-process fan-out every other subscriber/sink already received.
func (s *NatsSink) Emit(name string, payload Payload) {
	ctx, span := s.tracer.Start(context.Background(), "eventbus.nats_publish",
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	data, err := json.Marshal(natsEnvelope{Name: name, Payload: payload})
	if err != nil {
		slog.Error("nats sink marshal failed", "event", name, "error", err)
		return
	}

	hdr := nats.Header{}
	natsPropagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: s.subject, Data: data, Header: hdr}
	if err := s.nc.PublishMsg(msg); err != nil {
		slog.Error("nats sink publish failed", "event", name, "subject", s.subject, "error", err)
	}
}

// SubscribeRemote subscribes to subject and invokes handler for every event
// received, extracting the publisher's trace context and starting a child
// consumer span the way the teacher's natsctx.Subscribe does — used by a
// second process that wants to observe this engine's event stream.
func SubscribeRemote(nc *nats.Conn, subject string, handler func(ctx context.Context, name string, payload Payload)) (*nats.Subscription, error) {
	tracer := otel.Tracer("tasker-eventbus-nats")
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := natsPropagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := tracer.Start(ctx, "eventbus.nats_consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var env natsEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			slog.Error("nats sink unmarshal failed", "subject", subject, "error", err)
			return
		}
		handler(ctx, env.Name, env.Payload)
	})
}
