package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/internal/model"
)

// CHOutboxArchive appends published outbox rows to ClickHouse for long-term audit.
type CHOutboxArchive interface {
	InsertBatch(ctx context.Context, rows []model.OutboxEvent) error
}

type chOutboxArchive struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHOutboxArchive(ch *sqlx.DB) CHOutboxArchive {
	return &chOutboxArchive{ch: ch}
}

// InsertBatch uses a single prepared batch; clickhouse-go sends it on Commit.
func (r *chOutboxArchive) InsertBatch(ctx context.Context, rows []model.OutboxEvent) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO incident_bus.outbox_archive
		    (id, aggregate_type, aggregate_id, event_type, routing_key, payload,
		     attempts, created_at, published_at, archived_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, ev := range rows {
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.RoutingKey, string(ev.Payload),
			uint32(ev.Attempts), ev.CreatedAt, ev.PublishedAt.Time, now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}
