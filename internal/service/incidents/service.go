package incidents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/relay"
	"github.com/latacunga/incident-bus/internal/repository"
	"github.com/latacunga/incident-bus/internal/util"
	"go.uber.org/zap"
)

var ErrPublishFailed = errors.New("publish failed")

// Service is the producer side used by the CRUD layer: every aggregate
// mutation calls one Publish* method with the transaction that wrote the
// aggregate, so the event is stored if and only if the mutation commits.
type Service struct {
	outbox      repository.OutboxRepository
	log         *zap.Logger
	maxAttempts int

	// direct is set in bypass mode: events go straight to the broker and are
	// lost if it is down.
	direct relay.Publisher

	now func() time.Time
}

// New constructs the producer service. maxAttempts seeds each outbox row's
// retry ceiling.
func New(outbox repository.OutboxRepository, maxAttempts int, log *zap.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Service{outbox: outbox, maxAttempts: maxAttempts, log: log, now: time.Now}
}

// NewDirect constructs a service that skips the outbox and publishes
// synchronously.
func NewDirect(pub relay.Publisher, log *zap.Logger) *Service {
	return &Service{direct: pub, log: log, now: time.Now}
}

func (s *Service) PublishIncidentSubmitted(ctx context.Context, tx *sqlx.Tx, inc model.Incident) (string, error) {
	if inc.Status == "" {
		inc.Status = model.StatusPending
	}
	return s.enqueue(ctx, tx, model.NewEnvelope(model.KindSubmitted, inc))
}

func (s *Service) PublishIncidentValidated(ctx context.Context, tx *sqlx.Tx, inc model.Incident, validatorID, notes string) (string, error) {
	env := model.NewEnvelope(model.KindValidated, inc)
	at := s.now().UTC()
	env.ValidatorID = validatorID
	env.Notes = notes
	env.ValidatedAt = &at
	return s.enqueue(ctx, tx, env)
}

func (s *Service) PublishIncidentRejected(ctx context.Context, tx *sqlx.Tx, inc model.Incident, validatorID, reason string) (string, error) {
	env := model.NewEnvelope(model.KindRejected, inc)
	at := s.now().UTC()
	env.ValidatorID = validatorID
	env.Reason = reason
	env.RejectedAt = &at
	return s.enqueue(ctx, tx, env)
}

func (s *Service) PublishStatusUpdated(ctx context.Context, tx *sqlx.Tx, inc model.Incident, oldStatus, newStatus string) (string, error) {
	env := model.NewEnvelope(model.KindStatusUpdated, inc)
	env.OldStatus = oldStatus
	env.NewStatus = newStatus
	return s.enqueue(ctx, tx, env)
}

func (s *Service) PublishAttachmentAdded(ctx context.Context, tx *sqlx.Tx, inc model.Incident, a model.Attachment) (string, error) {
	if a.ID == "" {
		return "", fmt.Errorf("attachment id is required")
	}
	env := model.NewEnvelope(model.KindAttachmentAdded, inc)
	env.Attachment = &a
	return s.enqueue(ctx, tx, env)
}

// enqueue stores env in the outbox (or publishes it in bypass mode) and
// returns the event id.
func (s *Service) enqueue(ctx context.Context, tx *sqlx.Tx, env model.Envelope) (string, error) {
	if env.IncidentID == "" {
		return "", fmt.Errorf("incident id is required")
	}
	now := s.now().UTC()
	env.EventID = util.NewAt(now)
	routingKey := env.EventType.RoutingKey()

	log := s.log.With(
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType.String()),
		zap.String("incident_id", env.IncidentID),
		zap.String("routing_key", routingKey),
	)

	if s.direct != nil {
		if !s.direct.PublishEvent(ctx, routingKey, env) {
			log.Error("direct publish failed")
			return "", ErrPublishFailed
		}
		return env.EventID, nil
	}

	payload, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	err = s.outbox.Insert(ctx, tx, model.OutboxEvent{
		ID:            env.EventID,
		AggregateType: model.AggregateTypeIncident,
		AggregateID:   env.IncidentID,
		EventType:     env.EventType.String(),
		RoutingKey:    routingKey,
		Payload:       payload,
		MaxAttempts:   s.maxAttempts,
		CreatedAt:     now,
	})
	if err != nil {
		return "", fmt.Errorf("insert outbox: %w", err)
	}
	log.Debug("event stored in outbox")
	return env.EventID, nil
}
