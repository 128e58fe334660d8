package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/geodispatch/internal/dispatch/domain"
)

const defaultSubjectPrefix = "dispatch"

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes lifecycle events straight to NATS, one subject per event
// type: <prefix>.order.matched and so on.
type Publisher struct {
	conn   msgPublisher
	prefix string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	p := &Publisher{prefix: prefix}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Subject returns the subject an event type is published on.
func Subject(prefix string, typ domain.EventType) string {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return prefix + "." + string(typ)
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if p == nil || p.conn == nil {
		return nil
	}
	msg, err := NewMsg(ctx, p.prefix, event)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// NewMsg encodes event as a NATS message. The event id doubles as the
// JetStream de-duplication id.
func NewMsg(ctx context.Context, prefix string, event domain.Event) (*nats.Msg, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(Subject(prefix, event.Type))
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set("x-event-type", string(event.Type))
	if traceID := traceIDFromContext(ctx); traceID != "" {
		msg.Header.Set("x-trace-id", traceID)
	}
	return msg, nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// Fanout delivers every event to all publishers and joins their errors.
type Fanout []domain.EventPublisher

// Publish satisfies domain.EventPublisher.
func (f Fanout) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes every event to a zap logger at debug level, giving
// operators an event trail without a broker.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

// Publish satisfies domain.EventPublisher.
func (p *LogPublisher) Publish(_ context.Context, event domain.Event) error {
	p.logger.Debug("order event",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("order_id", event.OrderID.String()),
		zap.String("agent_id", event.AgentID),
		zap.Int64("version", event.Version))
	return nil
}
