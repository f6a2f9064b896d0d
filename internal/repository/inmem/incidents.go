package inmem

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository"
)

type Incidents struct {
	mu          sync.Mutex
	incidents   map[string]model.Incident
	attachments map[string]string // attachment id -> incident id
	events      []model.IncidentEvent
	seq         int
}

func NewIncidents() *Incidents {
	return &Incidents{
		incidents:   make(map[string]model.Incident),
		attachments: make(map[string]string),
	}
}

var _ repository.IncidentsRepository = (*Incidents)(nil)

func (s *Incidents) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (s *Incidents) Get(ctx context.Context, tx *sqlx.Tx, id string) (*model.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, nil
	}
	return &inc, nil
}

func (s *Incidents) Create(ctx context.Context, tx *sqlx.Tx, inc model.Incident) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[inc.ID]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	inc.CreatedAt, inc.UpdatedAt = now, now
	s.incidents[inc.ID] = inc
	return true, nil
}

func (s *Incidents) Upsert(ctx context.Context, tx *sqlx.Tx, inc model.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := s.incidents[inc.ID]; ok {
		inc.CreatedAt = prev.CreatedAt
	} else {
		inc.CreatedAt = now
	}
	inc.UpdatedAt = now
	s.incidents[inc.ID] = inc
	return nil
}

func (s *Incidents) AddAttachment(ctx context.Context, tx *sqlx.Tx, incidentID string, a model.Attachment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attachments[a.ID]; ok {
		return false, nil
	}
	s.attachments[a.ID] = incidentID
	return true, nil
}

func (s *Incidents) AppendEventLog(ctx context.Context, tx *sqlx.Tx, incidentID, eventType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.events = append(s.events, model.IncidentEvent{
		ID:         strconv.Itoa(s.seq),
		IncidentID: incidentID,
		EventType:  eventType,
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (s *Incidents) ListEvents(ctx context.Context, incidentID string) ([]model.IncidentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.IncidentEvent
	for _, ev := range s.events {
		if ev.IncidentID == incidentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Count returns the number of stored incidents.
func (s *Incidents) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.incidents)
}
