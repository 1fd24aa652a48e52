/*
Package audit records who did what to which entity.

Recording is best effort: engines log a sink failure and carry on, the
mutation itself is never held hostage by the audit trail.
*/
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Actor types stamped on entries.
const (
	ActorUser   = "USER"
	ActorSystem = "SYSTEM"
	ActorAdmin  = "ADMIN"
)

// Entry is one audit record.
type Entry struct {
	ID         uuid.UUID         `json:"id"`
	At         time.Time         `json:"at"`
	ActorID    uuid.UUID         `json:"actor_id"`
	ActorType  string            `json:"actor_type"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   uuid.UUID         `json:"entity_id"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// Sink receives audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// LogSink writes entries to the structured log.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e Entry) error {
	evt := s.log.Info().
		Str("actor_id", e.ActorID.String()).
		Str("actor_type", e.ActorType).
		Str("action", e.Action).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID.String())
	for k, v := range e.Detail {
		evt = evt.Str("detail_"+k, v)
	}
	evt.Msg("audit")
	return nil
}

// Memory keeps entries in a slice. Test double.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ForEntity filters recorded entries by entity id.
func (m *Memory) ForEntity(id uuid.UUID) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.EntityID == id {
			out = append(out, e)
		}
	}
	return out
}
