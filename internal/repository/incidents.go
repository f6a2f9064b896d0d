package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/util"
)

// IncidentsRepository is the local incident projection: incidents, their
// attachments and the append-only event log.
type IncidentsRepository interface {
	RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error

	// Get returns nil, nil when the incident does not exist. Inside a tx the
	// row is locked until commit.
	Get(ctx context.Context, tx *sqlx.Tx, id string) (*model.Incident, error)
	// Create inserts a new incident; it reports false when the id already exists.
	Create(ctx context.Context, tx *sqlx.Tx, inc model.Incident) (bool, error)
	// Upsert writes every projected field of inc.
	Upsert(ctx context.Context, tx *sqlx.Tx, inc model.Incident) error
	// AddAttachment reports false when the attachment id is already stored.
	AddAttachment(ctx context.Context, tx *sqlx.Tx, incidentID string, a model.Attachment) (bool, error)
	AppendEventLog(ctx context.Context, tx *sqlx.Tx, incidentID, eventType string, payload []byte) error

	ListEvents(ctx context.Context, incidentID string) ([]model.IncidentEvent, error)
}

type IncidentsRepositoryImpl struct {
	db *sqlx.DB
}

func NewIncidentsRepository(db *sqlx.DB) *IncidentsRepositoryImpl {
	return &IncidentsRepositoryImpl{db: db}
}

var _ IncidentsRepository = (*IncidentsRepositoryImpl)(nil)

func (r *IncidentsRepositoryImpl) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return withTx(ctx, r.db, nil, fn)
}

func (r *IncidentsRepositoryImpl) Get(ctx context.Context, tx *sqlx.Tx, id string) (*model.Incident, error) {
	q := `
		SELECT id, reporter_kind, reporter_id, type, title, description, lat, lon, address,
		       status, incident_day, photos_count, idempotency_key, version, created_at, updated_at
		  FROM incidents
		 WHERE id = ?
	`
	var inc model.Incident
	var err error
	if tx != nil {
		err = tx.GetContext(ctx, &inc, q+" FOR UPDATE", id)
	} else {
		err = r.db.GetContext(ctx, &inc, q, id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func (r *IncidentsRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, inc model.Incident) (bool, error) {
	const q = `
		INSERT INTO incidents
		    (id, reporter_kind, reporter_id, type, title, description, lat, lon, address,
		     status, incident_day, photos_count, idempotency_key, version, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	created := true
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			inc.ID, inc.ReporterKind, inc.ReporterID, inc.Type, inc.Title, inc.Description,
			inc.Lat, inc.Lon, inc.Address, inc.Status, inc.IncidentDay, inc.PhotosCount,
			inc.IdempotencyKey, inc.Version, now, now,
		)
		if isDuplicateKey(err) {
			created = false
			return nil
		}
		return err
	})
	return created, err
}

func (r *IncidentsRepositoryImpl) Upsert(ctx context.Context, tx *sqlx.Tx, inc model.Incident) error {
	const q = `
		INSERT INTO incidents
		    (id, reporter_kind, reporter_id, type, title, description, lat, lon, address,
		     status, incident_day, photos_count, idempotency_key, version, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    reporter_kind   = VALUES(reporter_kind),
		    reporter_id     = VALUES(reporter_id),
		    type            = VALUES(type),
		    title           = VALUES(title),
		    description     = VALUES(description),
		    lat             = VALUES(lat),
		    lon             = VALUES(lon),
		    address         = VALUES(address),
		    status          = VALUES(status),
		    incident_day    = VALUES(incident_day),
		    photos_count    = VALUES(photos_count),
		    idempotency_key = VALUES(idempotency_key),
		    version         = VALUES(version),
		    updated_at      = VALUES(updated_at)
	`
	now := time.Now().UTC()
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			inc.ID, inc.ReporterKind, inc.ReporterID, inc.Type, inc.Title, inc.Description,
			inc.Lat, inc.Lon, inc.Address, inc.Status, inc.IncidentDay, inc.PhotosCount,
			inc.IdempotencyKey, inc.Version, now, now,
		)
		return err
	})
}

func (r *IncidentsRepositoryImpl) AddAttachment(ctx context.Context, tx *sqlx.Tx, incidentID string, a model.Attachment) (bool, error) {
	const q = `
		INSERT IGNORE INTO incident_attachments
		    (id, incident_id, file_url, mime_type, size_bytes, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?)
	`
	var added bool
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, a.ID, incidentID, a.FileURL, a.MimeType, a.SizeBytes, time.Now().UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		added = n > 0
		return nil
	})
	return added, err
}

func (r *IncidentsRepositoryImpl) AppendEventLog(ctx context.Context, tx *sqlx.Tx, incidentID, eventType string, payload []byte) error {
	const q = `
		INSERT INTO incident_events (id, incident_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, util.New(), incidentID, eventType, payload, time.Now().UTC())
		return err
	})
}

func (r *IncidentsRepositoryImpl) ListEvents(ctx context.Context, incidentID string) ([]model.IncidentEvent, error) {
	const q = `
		SELECT id, incident_id, event_type, payload, created_at
		  FROM incident_events
		 WHERE incident_id = ?
		 ORDER BY created_at ASC, id ASC
	`
	var rows []model.IncidentEvent
	if err := r.db.SelectContext(ctx, &rows, q, incidentID); err != nil {
		return nil, err
	}
	return rows, nil
}
