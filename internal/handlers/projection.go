package handlers

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository"
	"go.uber.org/zap"
)

// Projector builds the local incident projection from inbound events.
//
// Missing aggregates are not errors: the creating event may not have arrived
// yet, and requeueing cannot fix ordering. Unversioned status changes are last
// write wins; when both the stored row and the envelope carry a version, an
// envelope that is not newer is skipped.
type Projector struct {
	repo repository.IncidentsRepository
	log  *zap.Logger
}

func NewProjector(repo repository.IncidentsRepository, log *zap.Logger) *Projector {
	return &Projector{repo: repo, log: log}
}

// Register binds every projection handler to r.
func (p *Projector) Register(r *Registry) error {
	for kind, h := range map[model.EventKind]HandlerFunc{
		model.KindSubmitted:       p.HandleSubmitted,
		model.KindValidated:       p.HandleValidated,
		model.KindRejected:        p.HandleRejected,
		model.KindStatusUpdated:   p.HandleStatusUpdated,
		model.KindAttachmentAdded: p.HandleAttachmentAdded,
	} {
		if err := r.Register(kind, h); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) HandleSubmitted(ctx context.Context, env model.Envelope) error {
	log := p.log.With(zap.String("incident_id", env.IncidentID), zap.String("event_type", env.EventType.String()))

	if env.Location == nil {
		log.Error("missing location, dropping event")
		return nil
	}
	if err := env.Location.Validate(); err != nil {
		log.Error("invalid location, dropping event", zap.Error(err))
		return nil
	}
	if env.PhotosCount < 0 {
		log.Error("negative photos_count, dropping event", zap.Int("photos_count", env.PhotosCount))
		return nil
	}

	inc := incidentFromEnvelope(env)
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	return p.repo.RunInTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := p.repo.Get(ctx, tx, env.IncidentID)
		if err != nil {
			return fmt.Errorf("get incident: %w", err)
		}
		if existing != nil {
			log.Info("incident already exists, skipping")
			return nil
		}

		created, err := p.repo.Create(ctx, tx, inc)
		if err != nil {
			return fmt.Errorf("create incident: %w", err)
		}
		if !created {
			log.Info("incident created concurrently, skipping")
			return nil
		}

		if err := p.repo.AppendEventLog(ctx, tx, inc.ID, model.LogIncidentCreated, payload); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
		log.Info("created incident from event", zap.String("status", inc.Status))
		return nil
	})
}

func (p *Projector) HandleValidated(ctx context.Context, env model.Envelope) error {
	return p.applyStatus(ctx, env, model.StatusValid, model.LogIncidentValidated)
}

func (p *Projector) HandleRejected(ctx context.Context, env model.Envelope) error {
	return p.applyStatus(ctx, env, model.StatusRejected, model.LogIncidentRejected)
}

func (p *Projector) HandleStatusUpdated(ctx context.Context, env model.Envelope) error {
	if env.NewStatus == "" {
		p.log.Error("status update without new_status, dropping event",
			zap.String("incident_id", env.IncidentID))
		return nil
	}
	return p.applyStatus(ctx, env, env.NewStatus, model.LogStatusUpdated)
}

func (p *Projector) applyStatus(ctx context.Context, env model.Envelope, status, logType string) error {
	log := p.log.With(zap.String("incident_id", env.IncidentID), zap.String("event_type", env.EventType.String()))

	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	return p.repo.RunInTx(ctx, func(tx *sqlx.Tx) error {
		inc, err := p.repo.Get(ctx, tx, env.IncidentID)
		if err != nil {
			return fmt.Errorf("get incident: %w", err)
		}
		if inc == nil {
			log.Warn("incident not found, skipping")
			return nil
		}
		if isStale(inc, env) {
			log.Info("stale event, skipping",
				zap.Int64("stored_version", inc.Version), zap.Int64("event_version", env.Version))
			return nil
		}

		old := inc.Status
		inc.Status = status
		if env.Version > 0 {
			inc.Version = env.Version
		}
		if err := p.repo.Upsert(ctx, tx, *inc); err != nil {
			return fmt.Errorf("update incident: %w", err)
		}
		if err := p.repo.AppendEventLog(ctx, tx, inc.ID, logType, payload); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
		log.Info("incident status updated", zap.String("old_status", old), zap.String("new_status", status))
		return nil
	})
}

func (p *Projector) HandleAttachmentAdded(ctx context.Context, env model.Envelope) error {
	log := p.log.With(zap.String("incident_id", env.IncidentID), zap.String("event_type", env.EventType.String()))

	if env.Attachment == nil || env.Attachment.ID == "" {
		log.Error("attachment event without attachment id, dropping event")
		return nil
	}

	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	return p.repo.RunInTx(ctx, func(tx *sqlx.Tx) error {
		inc, err := p.repo.Get(ctx, tx, env.IncidentID)
		if err != nil {
			return fmt.Errorf("get incident: %w", err)
		}
		if inc == nil {
			log.Warn("incident not found, skipping")
			return nil
		}

		added, err := p.repo.AddAttachment(ctx, tx, inc.ID, *env.Attachment)
		if err != nil {
			return fmt.Errorf("add attachment: %w", err)
		}
		if !added {
			log.Info("attachment already stored, skipping", zap.String("attachment_id", env.Attachment.ID))
			return nil
		}

		inc.PhotosCount++
		if err := p.repo.Upsert(ctx, tx, *inc); err != nil {
			return fmt.Errorf("update incident: %w", err)
		}
		if err := p.repo.AppendEventLog(ctx, tx, inc.ID, model.LogAttachmentAdded, payload); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
		log.Info("attachment added", zap.String("attachment_id", env.Attachment.ID), zap.Int("photos_count", inc.PhotosCount))
		return nil
	})
}

func isStale(inc *model.Incident, env model.Envelope) bool {
	return env.Version > 0 && inc.Version >= env.Version
}

func incidentFromEnvelope(env model.Envelope) model.Incident {
	inc := model.Incident{
		ID:             env.IncidentID,
		ReporterKind:   env.ReporterKind,
		ReporterID:     env.ReporterID,
		Type:           env.Type,
		Title:          env.Title,
		Description:    env.Description,
		Lat:            env.Location.Lat,
		Lon:            env.Location.Lon,
		Address:        env.Address,
		Status:         env.Status,
		IncidentDay:    env.IncidentDay,
		PhotosCount:    env.PhotosCount,
		IdempotencyKey: env.IdempotencyKey,
		Version:        env.Version,
	}
	if inc.ReporterKind == "" {
		inc.ReporterKind = "ciudadano"
	}
	if inc.Title == "" {
		inc.Title = "Incidente reportado"
	}
	if inc.Status == "" {
		inc.Status = model.StatusPending
	}
	return inc
}
