package model

import (
	"database/sql"
	"time"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

func (s OutboxStatus) String() string {
	return string(s)
}

func (s OutboxStatus) Valid() bool {
	return s == OutboxPending || s == OutboxPublished || s == OutboxFailed
}

// OutboxEvent is a domain event waiting to be (or already) relayed to the broker.
// PublishedAt is set iff Status is PUBLISHED.
type OutboxEvent struct {
	ID            string         `db:"id" json:"id"`
	AggregateType string         `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string         `db:"aggregate_id" json:"aggregate_id"`
	EventType     string         `db:"event_type" json:"event_type"`
	RoutingKey    string         `db:"routing_key" json:"routing_key"`
	Payload       []byte         `db:"payload" json:"-"`
	Status        OutboxStatus   `db:"status" json:"status"`
	Attempts      int            `db:"attempts" json:"attempts"`
	MaxAttempts   int            `db:"max_attempts" json:"max_attempts"`
	LastError     sql.NullString `db:"last_error" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
	PublishedAt   sql.NullTime   `db:"published_at" json:"-"`
	ArchivedAt    sql.NullTime   `db:"archived_at" json:"-"`
}
