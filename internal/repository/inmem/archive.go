package inmem

import (
	"context"
	"sync"

	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository"
)

// Archive collects archived outbox rows in memory.
type Archive struct {
	mu   sync.Mutex
	rows []model.OutboxEvent
}

func NewArchive() *Archive { return &Archive{} }

var _ repository.CHOutboxArchive = (*Archive)(nil)

func (a *Archive) InsertBatch(ctx context.Context, rows []model.OutboxEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, rows...)
	return nil
}

func (a *Archive) Rows() []model.OutboxEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.OutboxEvent(nil), a.rows...)
}
