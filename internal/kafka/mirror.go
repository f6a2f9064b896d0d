package kafka

import (
	"context"
	"time"

	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/relay"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Config struct {
	Brokers      []string
	Topic        string        // default incidents.events
	BatchTimeout time.Duration // default 50ms
	WriteTimeout time.Duration // default 5s
}

// MessageWriter is the subset of *kafka.Writer used by the mirror.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a kafka-go writer keyed by incident id, so all events of
// one incident land on the same partition.
func NewWriter(c Config) *kafka.Writer {
	topic := c.Topic
	if topic == "" {
		topic = "incidents.events"
	}
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 50 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: bt,
		WriteTimeout: wt,
		RequiredAcks: kafka.RequireOne,
	}
}

// Mirror wraps the broker publisher and copies every successfully published
// envelope to a Kafka topic. Mirror failures are logged and counted only; the
// result of the primary publish is returned unchanged.
type Mirror struct {
	next relay.Publisher
	w    MessageWriter
	log  *zap.Logger
	now  func() time.Time
}

func NewMirror(next relay.Publisher, w MessageWriter, log *zap.Logger) *Mirror {
	return &Mirror{next: next, w: w, log: log, now: time.Now}
}

func (m *Mirror) PublishEvent(ctx context.Context, routingKey string, env model.Envelope) bool {
	if !m.next.PublishEvent(ctx, routingKey, env) {
		return false
	}

	if env.EventTimestamp == nil {
		ts := m.now().UTC()
		env.EventTimestamp = &ts
	}
	body, err := env.Encode()
	if err != nil {
		metrics.MirrorFailures.Inc()
		m.log.Error("mirror encode failed", zap.String("event_id", env.EventID), zap.Error(err))
		return true
	}

	msg := kafka.Message{
		Key:   []byte(env.IncidentID),
		Value: body,
		Time:  *env.EventTimestamp,
		Headers: []kafka.Header{
			{Key: "routing_key", Value: []byte(routingKey)},
			{Key: "event_type", Value: []byte(env.EventType.String())},
			{Key: "event_id", Value: []byte(env.EventID)},
		},
	}
	if err := m.w.WriteMessages(ctx, msg); err != nil {
		metrics.MirrorFailures.Inc()
		m.log.Warn("mirror write failed",
			zap.String("event_id", env.EventID),
			zap.String("routing_key", routingKey),
			zap.Error(err))
	}
	return true
}

func (m *Mirror) Close() error { return m.w.Close() }
