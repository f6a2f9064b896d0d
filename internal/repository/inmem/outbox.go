// Package inmem holds map-backed repositories used by tests and local runs
// without MySQL, ClickHouse or Redis.
package inmem

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository"
)

type Outbox struct {
	mu   sync.Mutex
	rows map[string]*model.OutboxEvent
}

func NewOutbox() *Outbox {
	return &Outbox{rows: make(map[string]*model.OutboxEvent)}
}

var _ repository.OutboxRepository = (*Outbox)(nil)

func (o *Outbox) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (o *Outbox) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ev.Status = model.OutboxPending
	ev.Attempts = 0
	ev.UpdatedAt = ev.CreatedAt
	ev.Payload = append([]byte(nil), ev.Payload...)
	o.rows[ev.ID] = &ev
	return nil
}

func (o *Outbox) ClaimPending(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []model.OutboxEvent
	for _, ev := range o.rows {
		if ev.Status == model.OutboxPending {
			out = append(out, *ev)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *Outbox) MarkPublished(ctx context.Context, tx *sqlx.Tx, id string, attempts int, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ev, ok := o.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	ev.Status = model.OutboxPublished
	ev.Attempts = attempts
	ev.PublishedAt = sql.NullTime{Time: at, Valid: true}
	ev.LastError = sql.NullString{}
	ev.UpdatedAt = at
	return nil
}

func (o *Outbox) MarkAttempt(ctx context.Context, tx *sqlx.Tx, id string, attempts int, status model.OutboxStatus, lastErr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ev, ok := o.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if ev.Status != model.OutboxPending {
		return nil
	}
	ev.Status = status
	ev.Attempts = attempts
	ev.LastError = sql.NullString{String: lastErr, Valid: true}
	ev.UpdatedAt = time.Now().UTC()
	return nil
}

func (o *Outbox) Get(ctx context.Context, id string) (*model.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ev, ok := o.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (o *Outbox) ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []model.OutboxEvent
	for _, ev := range o.rows {
		if ev.Status == status {
			out = append(out, *ev)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *Outbox) Retry(ctx context.Context, id string, extra int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ev, ok := o.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if ev.Status != model.OutboxFailed {
		return repository.ErrNotFailed
	}
	if extra < 1 {
		extra = 1
	}
	ev.Status = model.OutboxPending
	ev.MaxAttempts = ev.Attempts + extra
	ev.UpdatedAt = time.Now().UTC()
	return nil
}

func (o *Outbox) ListUnarchived(ctx context.Context, publishedBefore time.Time, limit int) ([]model.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []model.OutboxEvent
	for _, ev := range o.rows {
		if ev.Status == model.OutboxPublished && !ev.ArchivedAt.Valid && ev.PublishedAt.Time.Before(publishedBefore) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt.Time.Equal(out[j].PublishedAt.Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].PublishedAt.Time.Before(out[j].PublishedAt.Time)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *Outbox) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range ids {
		if ev, ok := o.rows[id]; ok {
			ev.ArchivedAt = sql.NullTime{Time: at, Valid: true}
		}
	}
	return nil
}

func sortByCreated(rows []model.OutboxEvent) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}
