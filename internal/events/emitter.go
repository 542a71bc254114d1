// Package events publishes audit events to Kafka for downstream
// compliance consumers. Publishing is best-effort: a broker outage is
// logged and never fails the pipeline, since every event is also written
// to the audit_events table.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/complaint-orchestrator/internal/model"
)

// Writer is the subset of kafka.Writer the emitter needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Emitter publishes audit events keyed by tenant so all events for one
// tenant land on the same partition in order.
type Emitter struct {
	writer Writer
}

// NewEmitter connects a Kafka writer for the given brokers and topic.
// Returns a nil-safe disabled emitter when no brokers are configured.
func NewEmitter(brokers []string, topic string) *Emitter {
	if len(brokers) == 0 {
		return &Emitter{}
	}
	return &Emitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// NewEmitterWithWriter injects a writer, used by tests.
func NewEmitterWithWriter(w Writer) *Emitter {
	return &Emitter{writer: w}
}

// Enabled reports whether a broker connection is configured.
func (e *Emitter) Enabled() bool {
	return e != nil && e.writer != nil
}

// Emit publishes one audit event. Errors are logged, not returned: the
// durable copy lives in the store and the pipeline must not stall on the
// broker.
func (e *Emitter) Emit(ctx context.Context, event model.AuditEvent) {
	if !e.Enabled() {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		zap.L().Error("events: marshal audit event", zap.Error(err))
		return
	}

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TenantID),
		Value: data,
	})
	if err != nil {
		zap.L().Warn("events: publish audit event",
			zap.String("tenant_id", event.TenantID),
			zap.String("action", event.Action),
			zap.Error(err),
		)
		return
	}

	zap.L().Debug("events: published audit event",
		zap.String("tenant_id", event.TenantID),
		zap.String("action", event.Action),
	)
}

// Close flushes and closes the underlying writer.
func (e *Emitter) Close() error {
	if !e.Enabled() {
		return nil
	}
	return eris.Wrap(e.writer.Close(), "events: close writer")
}
