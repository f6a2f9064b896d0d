package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/repository"
	"go.uber.org/zap"
)

// Archiver copies PUBLISHED outbox rows to ClickHouse and stamps archived_at.
// Outbox rows are never deleted. A row copied but not stamped (crash between
// the two writes) is copied again; the archive table deduplicates on id.
type Archiver struct {
	Outbox    repository.OutboxRepository
	Store     repository.CHOutboxArchive
	Log       *zap.Logger
	BatchSize int           // default 500
	MinAge    time.Duration // rows published more recently stay in place
	Interval  time.Duration // default 1m

	now func() time.Time
}

func New(outbox repository.OutboxRepository, store repository.CHOutboxArchive, log *zap.Logger) *Archiver {
	return &Archiver{
		Outbox:    outbox,
		Store:     store,
		Log:       log,
		BatchSize: 500,
		Interval:  time.Minute,
		now:       time.Now,
	}
}

// ArchiveOnce drains eligible rows batch by batch and returns how many were
// archived.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		now := a.now().UTC()
		rows, err := a.Outbox.ListUnarchived(ctx, now.Add(-a.MinAge), a.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list unarchived: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		if err := a.Store.InsertBatch(ctx, rows); err != nil {
			return total, fmt.Errorf("insert archive batch: %w", err)
		}
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		if err := a.Outbox.MarkArchived(ctx, ids, now); err != nil {
			return total, fmt.Errorf("mark archived: %w", err)
		}

		total += len(rows)
		metrics.ArchivedTotal.Add(float64(len(rows)))
		if len(rows) < a.BatchSize {
			return total, nil
		}
	}
}

func (a *Archiver) Run(ctx context.Context) error {
	interval := a.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.Log.Info("outbox archiver started", zap.Duration("interval", interval), zap.Duration("min_age", a.MinAge))
	for {
		n, err := a.ArchiveOnce(ctx)
		if err != nil && ctx.Err() == nil {
			a.Log.Error("archive pass failed", zap.Int("archived", n), zap.Error(err))
		} else if n > 0 {
			a.Log.Info("archived outbox rows", zap.Int("archived", n))
		}

		select {
		case <-ctx.Done():
			a.Log.Info("outbox archiver stopped")
			return nil
		case <-ticker.C:
		}
	}
}
