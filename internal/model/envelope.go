package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the JSON body published on the incidents exchange. The common
// incident fields are always present; the extension fields are set only for
// the kinds that carry them.
type Envelope struct {
	EventID        string    `json:"event_id,omitempty"` // outbox row id
	EventType      EventKind `json:"event_type"`
	IncidentID     string    `json:"incident_id"`
	ReporterKind   string    `json:"reporter_kind,omitempty"`
	ReporterID     string    `json:"reporter_id,omitempty"`
	Type           string    `json:"type,omitempty"`
	Title          string    `json:"title,omitempty"`
	Description    string    `json:"description,omitempty"`
	Location       *Location `json:"location,omitempty"`
	Address        string    `json:"address,omitempty"`
	Status         string    `json:"status,omitempty"`
	IncidentDay    *Day      `json:"incident_day,omitempty"`
	PhotosCount    int       `json:"photos_count"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Version        int64     `json:"version,omitempty"` // 0 = unversioned (last write wins)

	// Set by the publisher at send time.
	EventTimestamp *time.Time `json:"event_timestamp,omitempty"`

	// validated / rejected
	ValidatorID string     `json:"validator_id,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`

	// status_updated
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`

	// attachment_added
	Attachment *Attachment `json:"attachment,omitempty"`
}

// NewEnvelope fills the common incident fields for the given kind.
func NewEnvelope(kind EventKind, inc Incident) Envelope {
	env := Envelope{
		EventType:      kind,
		IncidentID:     inc.ID,
		ReporterKind:   inc.ReporterKind,
		ReporterID:     inc.ReporterID,
		Type:           inc.Type,
		Title:          inc.Title,
		Description:    inc.Description,
		Address:        inc.Address,
		Status:         inc.Status,
		IncidentDay:    inc.IncidentDay,
		PhotosCount:    inc.PhotosCount,
		IdempotencyKey: inc.IdempotencyKey,
		Version:        inc.Version,
	}
	loc := Location{Lat: inc.Lat, Lon: inc.Lon}
	env.Location = &loc
	return env
}

// DecodeEnvelope parses a message body. Bodies that are not JSON objects or
// lack event_type / incident_id are reported as ErrMalformedEnvelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_type", ErrMalformedEnvelope)
	}
	if env.IncidentID == "" {
		return Envelope{}, fmt.Errorf("%w: missing incident_id", ErrMalformedEnvelope)
	}
	return env, nil
}

// Encode serializes the envelope as sent on the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
