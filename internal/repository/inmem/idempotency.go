package inmem

import (
	"context"
	"sync"

	"github.com/latacunga/incident-bus/internal/repository"
)

type Idempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewIdempotency() *Idempotency {
	return &Idempotency{keys: make(map[string]struct{})}
}

var _ repository.IdempotencyStore = (*Idempotency)(nil)

func (s *Idempotency) Seen(ctx context.Context, scope, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.keys[scope+":"+key]
	return ok, nil
}

func (s *Idempotency) Mark(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[scope+":"+key] = struct{}{}
	return nil
}
