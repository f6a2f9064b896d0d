package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository"
	"go.uber.org/zap"
)

var (
	ErrUnknownKind      = errors.New("unknown event kind")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrMissingHandler   = errors.New("no handler registered")
)

// Handler applies one inbound event to the local projection. Handlers must be
// idempotent: the same envelope may be delivered more than once.
type Handler interface {
	Handle(ctx context.Context, env model.Envelope) error
}

type HandlerFunc func(ctx context.Context, env model.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env model.Envelope) error { return f(ctx, env) }

// Registry maps event kinds to handlers. It is built once at startup and only
// read afterwards.
type Registry struct {
	log      *zap.Logger
	handlers map[model.EventKind]Handler

	idem       repository.IdempotencyStore
	dedupKinds map[model.EventKind]bool
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:        log,
		handlers:   make(map[model.EventKind]Handler),
		dedupKinds: make(map[model.EventKind]bool),
	}
}

// Register binds h to kind. Unknown kinds and double registration are rejected.
func (r *Registry) Register(kind model.EventKind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	r.handlers[kind] = h
	r.log.Info("registered handler", zap.String("event_type", kind.String()))
	return nil
}

// UseIdempotency makes envelopes of the given kinds that carry an
// idempotency_key skip their handler once an event with the same key applied.
func (r *Registry) UseIdempotency(store repository.IdempotencyStore, kinds ...model.EventKind) {
	r.idem = store
	for _, k := range kinds {
		r.dedupKinds[k] = true
	}
}

// Validate fails when any of the required kinds has no handler.
func (r *Registry) Validate(required ...model.EventKind) error {
	var missing []error
	for _, k := range required {
		if _, ok := r.handlers[k]; !ok {
			missing = append(missing, fmt.Errorf("%w: %s", ErrMissingHandler, k))
		}
	}
	return errors.Join(missing...)
}

// Kinds returns the registered kinds in AllKinds order.
func (r *Registry) Kinds() []model.EventKind {
	var out []model.EventKind
	for _, k := range model.AllKinds() {
		if _, ok := r.handlers[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// RoutingKeys returns the routing keys a queue must bind to receive every
// registered kind.
func (r *Registry) RoutingKeys() []string {
	kinds := r.Kinds()
	keys := make([]string, 0, len(kinds))
	for _, k := range kinds {
		keys = append(keys, k.RoutingKey())
	}
	return keys
}

// Dispatch runs the handler for env.EventType. It reports false when no
// handler is registered for the kind.
func (r *Registry) Dispatch(ctx context.Context, env model.Envelope) (bool, error) {
	h, ok := r.handlers[env.EventType]
	if !ok {
		return false, nil
	}

	dedup := r.idem != nil && r.dedupKinds[env.EventType] && env.IdempotencyKey != ""
	if dedup {
		seen, err := r.idem.Seen(ctx, env.EventType.String(), env.IdempotencyKey)
		if err != nil {
			return true, fmt.Errorf("check idempotency key: %w", err)
		}
		if seen {
			r.log.Info("duplicate idempotency key, skipping",
				zap.String("event_type", env.EventType.String()),
				zap.String("incident_id", env.IncidentID),
				zap.String("idempotency_key", env.IdempotencyKey))
			return true, nil
		}
	}

	start := time.Now()
	err := h.Handle(ctx, env)
	metrics.HandlerDuration.WithLabelValues(env.EventType.String()).Observe(time.Since(start).Seconds())

	if err != nil || !dedup {
		return true, err
	}
	// the handler already committed; a lost mark only means the next
	// duplicate is caught by the incident id instead
	if merr := r.idem.Mark(ctx, env.EventType.String(), env.IdempotencyKey); merr != nil {
		r.log.Warn("mark idempotency key failed",
			zap.String("idempotency_key", env.IdempotencyKey), zap.Error(merr))
	}
	return true, nil
}
