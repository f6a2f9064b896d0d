package model

import (
	"encoding/json"
	"time"
)

// Incident is the local projection row, keyed by the producer's incident id.
type Incident struct {
	ID             string    `db:"id"`
	ReporterKind   string    `db:"reporter_kind"`
	ReporterID     string    `db:"reporter_id"`
	Type           string    `db:"type"`
	Title          string    `db:"title"`
	Description    string    `db:"description"`
	Lat            float64   `db:"lat"`
	Lon            float64   `db:"lon"`
	Address        string    `db:"address"`
	Status         string    `db:"status"`
	IncidentDay    *Day      `db:"incident_day"`
	PhotosCount    int       `db:"photos_count"`
	IdempotencyKey string    `db:"idempotency_key"`
	Version        int64     `db:"version"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// IncidentEvent is one applied inbound event. Rows are append-only.
type IncidentEvent struct {
	ID         string          `db:"id" json:"id"`
	IncidentID string          `db:"incident_id" json:"incident_id"`
	EventType  string          `db:"event_type" json:"event_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Attachment is a photo or other evidence file attached to an incident.
type Attachment struct {
	ID        string `json:"id" db:"id"`
	FileURL   string `json:"file_url" db:"file_url"`
	MimeType  string `json:"mime_type" db:"mime_type"`
	SizeBytes int64  `json:"size_bytes" db:"size_bytes"`
}
