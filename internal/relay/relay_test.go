package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository/inmem"
	"go.uber.org/zap/zaptest"
)

type scriptedPublisher struct {
	mu      sync.Mutex
	results []bool // consumed in order; true once exhausted
	sent    []sent
}

type sent struct {
	routingKey string
	env        model.Envelope
}

func (p *scriptedPublisher) PublishEvent(ctx context.Context, routingKey string, env model.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := true
	if len(p.results) > 0 {
		ok, p.results = p.results[0], p.results[1:]
	}
	if ok {
		p.sent = append(p.sent, sent{routingKey: routingKey, env: env})
	}
	return ok
}

func insertRow(t *testing.T, repo *inmem.Outbox, id string, created time.Time, maxAttempts int, payload []byte) {
	t.Helper()
	insertRowFor(t, repo, "I-"+id, id, created, maxAttempts, payload)
}

func insertRowFor(t *testing.T, repo *inmem.Outbox, aggregateID, id string, created time.Time, maxAttempts int, payload []byte) {
	t.Helper()
	err := repo.Insert(context.Background(), nil, model.OutboxEvent{
		ID:            id,
		AggregateType: model.AggregateTypeIncident,
		AggregateID:   aggregateID,
		EventType:     model.KindSubmitted.String(),
		RoutingKey:    model.RoutingKeySubmitted,
		Payload:       payload,
		MaxAttempts:   maxAttempts,
		CreatedAt:     created,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func validPayload(t *testing.T, incidentID string) []byte {
	t.Helper()
	raw, err := model.Envelope{EventType: model.KindSubmitted, IncidentID: incidentID}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func TestRelayOnce_RetryAccounting(t *testing.T) {
	ctx := context.Background()
	repo := inmem.NewOutbox()
	pub := &scriptedPublisher{results: []bool{false, false, true}}
	r := New(repo, pub, zaptest.NewLogger(t))
	published := time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return published }

	created := published.Add(-time.Minute)
	insertRow(t, repo, "E1", created, 10, validPayload(t, "I-1"))

	want := []struct {
		status   model.OutboxStatus
		attempts int
	}{
		{model.OutboxPending, 1},
		{model.OutboxPending, 2},
		{model.OutboxPublished, 3},
	}
	for i, w := range want {
		if _, err := r.RelayOnce(ctx); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
		ev, err := repo.Get(ctx, "E1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ev.Status != w.status || ev.Attempts != w.attempts {
			t.Fatalf("pass %d: expected %s(%d), got %s(%d)", i+1, w.status, w.attempts, ev.Status, ev.Attempts)
		}
		if w.status == model.OutboxPending && (ev.PublishedAt.Valid || !ev.LastError.Valid) {
			t.Fatalf("pass %d: pending row must have last_error and no published_at: %+v", i+1, ev)
		}
	}

	ev, _ := repo.Get(ctx, "E1")
	if !ev.PublishedAt.Valid || !ev.PublishedAt.Time.Equal(published) || ev.PublishedAt.Time.Before(ev.CreatedAt) {
		t.Fatalf("unexpected published_at %+v", ev.PublishedAt)
	}
	if ev.LastError.Valid {
		t.Fatalf("expected last_error cleared, got %q", ev.LastError.String)
	}
	if len(pub.sent) != 1 || pub.sent[0].env.EventID != "E1" {
		t.Fatalf("expected envelope stamped with event id, got %+v", pub.sent)
	}

	// published rows are not picked up again
	st, err := r.RelayOnce(ctx)
	if err != nil || st.Claimed != 0 {
		t.Fatalf("expected nothing to relay, got %+v err=%v", st, err)
	}
}

func TestRelayOnce_ExhaustedRowBecomesFailed(t *testing.T) {
	ctx := context.Background()
	repo := inmem.NewOutbox()
	pub := &scriptedPublisher{results: []bool{false, false, false, false}}
	r := New(repo, pub, zaptest.NewLogger(t))

	insertRow(t, repo, "E1", time.Now().UTC(), 2, validPayload(t, "I-1"))

	for i := 0; i < 3; i++ {
		if _, err := r.RelayOnce(ctx); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}
	ev, _ := repo.Get(ctx, "E1")
	if ev.Status != model.OutboxFailed || ev.Attempts != 2 {
		t.Fatalf("expected FAILED after 2 attempts, got %s(%d)", ev.Status, ev.Attempts)
	}

	// operator retry grants more attempts without resetting the counter
	if err := repo.Retry(ctx, "E1", 3); err != nil {
		t.Fatalf("retry: %v", err)
	}
	pub.results = nil
	st, err := r.RelayOnce(ctx)
	if err != nil || st.Published != 1 {
		t.Fatalf("expected retried row to publish, got %+v err=%v", st, err)
	}
	ev, _ = repo.Get(ctx, "E1")
	if ev.Status != model.OutboxPublished || ev.Attempts != 3 {
		t.Fatalf("expected PUBLISHED(3), got %s(%d)", ev.Status, ev.Attempts)
	}
}

func TestRelayOnce_PoisonPayloadFailsImmediately(t *testing.T) {
	ctx := context.Background()
	repo := inmem.NewOutbox()
	pub := &scriptedPublisher{}
	r := New(repo, pub, zaptest.NewLogger(t))

	now := time.Now().UTC()
	insertRow(t, repo, "E1", now, 10, []byte("{broken"))
	insertRow(t, repo, "E2", now.Add(time.Second), 10, validPayload(t, "I-2"))

	st, err := r.RelayOnce(ctx)
	if err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}
	if st.Failed != 1 || st.Published != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	ev, _ := repo.Get(ctx, "E1")
	if ev.Status != model.OutboxFailed || !ev.LastError.Valid {
		t.Fatalf("expected poison row FAILED with last_error, got %+v", ev)
	}
}

func TestRelayOnce_PublishesInCreationOrder(t *testing.T) {
	ctx := context.Background()
	repo := inmem.NewOutbox()
	pub := &scriptedPublisher{}
	r := New(repo, pub, zaptest.NewLogger(t))
	r.BatchSize = 2

	base := time.Now().UTC()
	insertRow(t, repo, "C", base.Add(2*time.Second), 10, validPayload(t, "I-3"))
	insertRow(t, repo, "A", base, 10, validPayload(t, "I-1"))
	insertRow(t, repo, "B", base.Add(time.Second), 10, validPayload(t, "I-2"))

	for i := 0; i < 2; i++ {
		if _, err := r.RelayOnce(ctx); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}
	var got []string
	for _, s := range pub.sent {
		got = append(got, s.env.IncidentID)
	}
	want := []string{"I-1", "I-2", "I-3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRelayOnce_FailedRowHoldsBackLaterRowsOfSameIncident(t *testing.T) {
	ctx := context.Background()
	repo := inmem.NewOutbox()
	pub := &scriptedPublisher{results: []bool{false}}
	r := New(repo, pub, zaptest.NewLogger(t))

	base := time.Now().UTC()
	insertRowFor(t, repo, "I-1", "E1", base, 10, validPayload(t, "I-1"))
	insertRowFor(t, repo, "I-1", "E2", base.Add(time.Second), 10, validPayload(t, "I-1"))
	insertRowFor(t, repo, "I-2", "E3", base.Add(2*time.Second), 10, validPayload(t, "I-2"))

	st, err := r.RelayOnce(ctx)
	if err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}
	if st.Retrying != 1 || st.Deferred != 1 || st.Published != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if len(pub.sent) != 1 || pub.sent[0].env.EventID != "E3" {
		t.Fatalf("expected only the other incident's event to be sent, got %+v", pub.sent)
	}
	e2, _ := repo.Get(ctx, "E2")
	if e2.Status != model.OutboxPending || e2.Attempts != 0 {
		t.Fatalf("held-back row must stay untouched, got %s(%d)", e2.Status, e2.Attempts)
	}

	if _, err := r.RelayOnce(ctx); err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}
	var got []string
	for _, s := range pub.sent {
		got = append(got, s.env.EventID)
	}
	if len(got) != 3 || got[1] != "E1" || got[2] != "E2" {
		t.Fatalf("expected E1 before E2 on the next pass, got %v", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	repo := inmem.NewOutbox()
	pub := &scriptedPublisher{}
	r := New(repo, pub, zaptest.NewLogger(t))
	r.PollInterval = 5 * time.Millisecond
	insertRow(t, repo, "E1", time.Now().UTC(), 10, validPayload(t, "I-1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ev, _ := repo.Get(context.Background(), "E1")
		if ev.Status == model.OutboxPublished {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("row was never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}
