package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/latacunga/incident-bus/internal/breaker"
	"github.com/latacunga/incident-bus/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap/zaptest"
)

const testExchange = "city.cleaning.incidents"

func newTestPublisher(t *testing.T, b *fakeBroker, br *breaker.Breaker) *Publisher {
	t.Helper()
	p := newPublisher(PublisherConfig{
		URL:            "amqp://test",
		Exchange:       testExchange,
		PublishTimeout: time.Second,
		Breaker:        br,
	}, zaptest.NewLogger(t), b.dial)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func testEnvelope(id string) model.Envelope {
	return model.Envelope{
		EventID:    "evt-" + id,
		EventType:  model.KindSubmitted,
		IncidentID: id,
		Type:       "basura",
		Location:   &model.Location{Lat: -0.93, Lon: -78.61},
		Status:     model.StatusPending,
	}
}

func TestPublisher_ConnectsLazily(t *testing.T) {
	b := newFakeBroker()
	_ = newTestPublisher(t, b, nil)
	if b.dialCount() != 0 {
		t.Fatalf("expected no connection before first publish, got %d dials", b.dialCount())
	}
}

func TestPublisher_PublishesPersistentJSON(t *testing.T) {
	b := newFakeBroker()
	p := newTestPublisher(t, b, nil)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	if !p.PublishEvent(context.Background(), model.RoutingKeySubmitted, testEnvelope("I-1")) {
		t.Fatal("expected publish to succeed")
	}

	if kind := b.exchanges[testExchange]; kind != "topic" {
		t.Fatalf("expected topic exchange to be declared, got %q", kind)
	}
	msgs := b.publishedMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.exchange != testExchange || m.key != model.RoutingKeySubmitted {
		t.Fatalf("unexpected destination %s/%s", m.exchange, m.key)
	}
	if m.msg.DeliveryMode != amqp.Persistent || m.msg.ContentType != "application/json" {
		t.Fatalf("expected persistent JSON, got mode=%d type=%q", m.msg.DeliveryMode, m.msg.ContentType)
	}
	if m.msg.MessageId != "evt-I-1" || !m.msg.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected properties id=%q ts=%v", m.msg.MessageId, m.msg.Timestamp)
	}

	env, err := model.DecodeEnvelope(m.msg.Body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.EventTimestamp == nil || !env.EventTimestamp.Equal(fixed) {
		t.Fatalf("expected event_timestamp %v, got %v", fixed, env.EventTimestamp)
	}
	if env.IncidentID != "I-1" || env.EventType != model.KindSubmitted {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestPublisher_ReconnectsWhenChannelClosed(t *testing.T) {
	b := newFakeBroker()
	p := newTestPublisher(t, b, nil)
	ctx := context.Background()

	if !p.PublishEvent(ctx, model.RoutingKeySubmitted, testEnvelope("I-1")) {
		t.Fatal("first publish failed")
	}
	b.lastChannel().drop()

	if !p.PublishEvent(ctx, model.RoutingKeySubmitted, testEnvelope("I-2")) {
		t.Fatal("expected publish after reconnect to succeed")
	}
	if b.dialCount() != 2 {
		t.Fatalf("expected 2 dials, got %d", b.dialCount())
	}
	if got := len(b.publishedMessages()); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
}

func TestPublisher_FailureReturnsFalse(t *testing.T) {
	b := newFakeBroker()
	p := newTestPublisher(t, b, nil)
	ctx := context.Background()

	b.setPublishErr(errors.New("channel/connection is not open"))
	if p.PublishEvent(ctx, model.RoutingKeySubmitted, testEnvelope("I-1")) {
		t.Fatal("expected publish to fail")
	}

	b.setPublishErr(nil)
	if !p.PublishEvent(ctx, model.RoutingKeySubmitted, testEnvelope("I-1")) {
		t.Fatal("expected next publish to reconnect and succeed")
	}
	if b.dialCount() != 2 {
		t.Fatalf("expected a fresh connection after a failed publish, got %d dials", b.dialCount())
	}
}

func TestPublisher_BreakerLimitsReconnects(t *testing.T) {
	b := newFakeBroker()
	b.setDialErr(errors.New("connection refused"))
	p := newTestPublisher(t, b, breaker.New(2, time.Hour))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if p.PublishEvent(ctx, model.RoutingKeySubmitted, testEnvelope("I-1")) {
			t.Fatalf("publish %d: expected failure while broker is down", i)
		}
	}
	if b.dialCount() != 2 {
		t.Fatalf("expected breaker to stop dialing after 2 failures, got %d dials", b.dialCount())
	}
}

func TestPublisher_ConcurrentCallers(t *testing.T) {
	b := newFakeBroker()
	p := newTestPublisher(t, b, nil)

	const n = 50
	var wg sync.WaitGroup
	failed := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if !p.PublishEvent(context.Background(), model.RoutingKeySubmitted, testEnvelope("I-1")) {
				failed <- i
			}
		}(i)
	}
	wg.Wait()
	close(failed)

	for i := range failed {
		t.Errorf("publish %d failed", i)
	}
	if got := len(b.publishedMessages()); got != n {
		t.Fatalf("expected %d messages, got %d", n, got)
	}
	if b.dialCount() != 1 {
		t.Fatalf("expected a single shared connection, got %d dials", b.dialCount())
	}
}

func TestPublisher_ClosedPublisherRejects(t *testing.T) {
	b := newFakeBroker()
	p := newTestPublisher(t, b, nil)
	if !p.PublishEvent(context.Background(), model.RoutingKeySubmitted, testEnvelope("I-1")) {
		t.Fatal("publish failed")
	}
	_ = p.Close()
	if p.PublishEvent(context.Background(), model.RoutingKeySubmitted, testEnvelope("I-2")) {
		t.Fatal("expected publish after Close to fail")
	}
	if !b.lastChannel().IsClosed() {
		t.Fatal("expected Close to close the channel")
	}
}
