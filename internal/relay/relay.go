package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository"
	"go.uber.org/zap"
)

// Publisher is the broker side of the relay. It reports success and never
// returns an error.
type Publisher interface {
	PublishEvent(ctx context.Context, routingKey string, env model.Envelope) bool
}

// Stats counts what one relay pass did with the rows it claimed.
type Stats struct {
	Claimed   int `json:"claimed"`
	Published int `json:"published"`
	Retrying  int `json:"retrying"` // still PENDING
	Failed    int `json:"failed"`   // attempts exhausted or undecodable payload
	Deferred  int `json:"deferred"` // held back behind a failed row of the same aggregate
}

// Relay moves PENDING outbox rows to the broker, oldest first.
//
// Rows are claimed with FOR UPDATE SKIP LOCKED inside one transaction per
// pass, so several relays can run against the same table. A crash between the
// broker send and the commit re-sends the row on the next pass; consumers
// must be idempotent.
type Relay struct {
	Outbox       repository.OutboxRepository
	Publisher    Publisher
	Log          *zap.Logger
	BatchSize    int           // default 100
	PollInterval time.Duration // default 1s

	now func() time.Time
	mu  sync.Mutex
}

// New builds a relay with default batch size and poll interval.
func New(outbox repository.OutboxRepository, pub Publisher, log *zap.Logger) *Relay {
	return &Relay{
		Outbox:       outbox,
		Publisher:    pub,
		Log:          log,
		BatchSize:    100,
		PollInterval: time.Second,
		now:          time.Now,
	}
}

// RelayOnce runs a single pass. Concurrent calls on the same Relay (the
// ticker and a manual trigger) are serialized.
func (r *Relay) RelayOnce(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st Stats
	err := r.Outbox.RunInTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := r.Outbox.ClaimPending(ctx, tx, r.BatchSize)
		if err != nil {
			return fmt.Errorf("claim pending: %w", err)
		}
		st.Claimed = len(rows)
		// aggregates whose earlier row did not go out this pass; their later
		// rows stay PENDING untouched so the broker never sees them out of order
		blocked := make(map[string]bool)
		for _, ev := range rows {
			key := ev.AggregateType + "/" + ev.AggregateID
			if blocked[key] {
				st.Deferred++
				continue
			}
			published, err := r.relayOne(ctx, tx, ev, &st)
			if err != nil {
				return err
			}
			if !published {
				blocked[key] = true
			}
		}
		return nil
	})
	return st, err
}

// relayOne reports whether ev reached the broker.
func (r *Relay) relayOne(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent, st *Stats) (bool, error) {
	attempts := ev.Attempts + 1
	log := r.Log.With(
		zap.String("event_id", ev.ID),
		zap.String("routing_key", ev.RoutingKey),
		zap.String("aggregate_id", ev.AggregateID),
		zap.Int("attempts", attempts),
	)

	env, err := model.DecodeEnvelope(ev.Payload)
	if err != nil {
		log.Error("undecodable outbox payload, marking FAILED", zap.Error(err))
		if merr := r.Outbox.MarkAttempt(ctx, tx, ev.ID, attempts, model.OutboxFailed, err.Error()); merr != nil {
			return false, fmt.Errorf("mark %s failed: %w", ev.ID, merr)
		}
		metrics.OutboxTransitions.WithLabelValues("poison", ev.RoutingKey).Inc()
		st.Failed++
		return false, nil
	}
	if env.EventID == "" {
		env.EventID = ev.ID
	}

	if r.Publisher.PublishEvent(ctx, ev.RoutingKey, env) {
		if err := r.Outbox.MarkPublished(ctx, tx, ev.ID, attempts, r.now().UTC()); err != nil {
			return false, fmt.Errorf("mark %s published: %w", ev.ID, err)
		}
		metrics.OutboxTransitions.WithLabelValues("published", ev.RoutingKey).Inc()
		log.Debug("outbox event published")
		st.Published++
		return true, nil
	}

	status := model.OutboxPending
	if ev.MaxAttempts > 0 && attempts >= ev.MaxAttempts {
		status = model.OutboxFailed
	}
	if err := r.Outbox.MarkAttempt(ctx, tx, ev.ID, attempts, status, "publish failed"); err != nil {
		return false, fmt.Errorf("mark %s attempt: %w", ev.ID, err)
	}
	if status == model.OutboxFailed {
		metrics.OutboxTransitions.WithLabelValues("failed", ev.RoutingKey).Inc()
		log.Error("outbox event exhausted its attempts, marking FAILED", zap.Int("max_attempts", ev.MaxAttempts))
		st.Failed++
		return false, nil
	}
	metrics.OutboxTransitions.WithLabelValues("retry", ev.RoutingKey).Inc()
	log.Warn("publish failed, will retry")
	st.Retrying++
	return false, nil
}

// Run polls the outbox every PollInterval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Log.Info("outbox relay started", zap.Duration("poll_interval", interval), zap.Int("batch_size", r.BatchSize))
	for {
		st, err := r.RelayOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled):
		case err != nil:
			r.Log.Error("relay pass failed", zap.Error(err))
		case st.Claimed > 0:
			r.Log.Info("relay pass",
				zap.Int("claimed", st.Claimed),
				zap.Int("published", st.Published),
				zap.Int("retrying", st.Retrying),
				zap.Int("failed", st.Failed),
				zap.Int("deferred", st.Deferred))
		}

		select {
		case <-ctx.Done():
			r.Log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}
