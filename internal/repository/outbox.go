package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNotFailed = errors.New("outbox event is not FAILED")
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// RunInTx runs fn inside a single transaction.
	RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error

	// Insert writes a single outbox event. It must be given the transaction of
	// the aggregate write that produced the event; a nil tx opens its own.
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error

	// ClaimPending locks up to limit PENDING rows, oldest first. Rows locked by
	// another relay are skipped.
	ClaimPending(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, tx *sqlx.Tx, id string, attempts int, at time.Time) error
	MarkAttempt(ctx context.Context, tx *sqlx.Tx, id string, attempts int, status model.OutboxStatus, lastErr string) error

	Get(ctx context.Context, id string) (*model.OutboxEvent, error)
	ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxEvent, error)
	// Retry moves a FAILED row back to PENDING and grants it extra attempts.
	// Attempts are never reset.
	Retry(ctx context.Context, id string, extra int) error

	ListUnarchived(ctx context.Context, publishedBefore time.Time, limit int) ([]model.OutboxEvent, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, routing_key, payload, status,
	attempts, max_attempts, last_error, created_at, updated_at, published_at, archived_at`

func (r *OutboxRepositoryImpl) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return withTx(ctx, r.db, nil, fn)
}

// Insert adds an event row to outbox. The relay picks it up by status.
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	const q = `
		INSERT INTO outbox_events
		    (id, aggregate_type, aggregate_id, event_type, routing_key, payload, status,
		     attempts, max_attempts, created_at, updated_at)
		VALUES
		    (?,  ?,              ?,            ?,          ?,           ?,       'PENDING',
		     0,        ?,            ?,          ?)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.RoutingKey, ev.Payload,
			ev.MaxAttempts, ev.CreatedAt, ev.CreatedAt,
		)
		return err
	})
}

func (r *OutboxRepositoryImpl) ClaimPending(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT ` + outboxColumns + `
		  FROM outbox_events
		 WHERE status = 'PENDING'
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`
	var rows []model.OutboxEvent
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, q, limit)
	})
	return rows, err
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, tx *sqlx.Tx, id string, attempts int, at time.Time) error {
	const q = `
		UPDATE outbox_events
		   SET status = 'PUBLISHED', attempts = ?, published_at = ?, last_error = NULL, updated_at = ?
		 WHERE id = ?
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, attempts, at, at, id)
		return err
	})
}

func (r *OutboxRepositoryImpl) MarkAttempt(ctx context.Context, tx *sqlx.Tx, id string, attempts int, status model.OutboxStatus, lastErr string) error {
	const q = `
		UPDATE outbox_events
		   SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, status.String(), attempts, lastErr, time.Now().UTC(), id)
		return err
	})
}

func (r *OutboxRepositoryImpl) Get(ctx context.Context, id string) (*model.OutboxEvent, error) {
	var ev model.OutboxEvent
	err := r.db.GetContext(ctx, &ev, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *OutboxRepositoryImpl) ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	q := `
		SELECT ` + outboxColumns + `
		  FROM outbox_events
		 WHERE status = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
	`
	var rows []model.OutboxEvent
	if err := r.db.SelectContext(ctx, &rows, q, status.String(), limit); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) Retry(ctx context.Context, id string, extra int) error {
	if extra < 1 {
		extra = 1
	}
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		var st model.OutboxStatus
		err := tx.GetContext(ctx, &st, `SELECT status FROM outbox_events WHERE id = ? FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if st != model.OutboxFailed {
			return ErrNotFailed
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE outbox_events
			   SET status = 'PENDING', max_attempts = attempts + ?, updated_at = ?
			 WHERE id = ?
		`, extra, time.Now().UTC(), id)
		return err
	})
}

func (r *OutboxRepositoryImpl) ListUnarchived(ctx context.Context, publishedBefore time.Time, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `
		SELECT ` + outboxColumns + `
		  FROM outbox_events
		 WHERE status = 'PUBLISHED' AND archived_at IS NULL AND published_at < ?
		 ORDER BY published_at ASC, id ASC
		 LIMIT ?
	`
	var rows []model.OutboxEvent
	if err := r.db.SelectContext(ctx, &rows, q, publishedBefore, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE outbox_events SET archived_at = ? WHERE id IN (?)`, at, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}
