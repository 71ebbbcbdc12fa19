// Package memory buffers audit writes in process. Development and test use.
package memory

import (
	"context"
	"sync"

	"github.com/scraperdev/gateway/internal/gateway"
)

// Sink collects audit records and auth events in memory.
type Sink struct {
	mu      sync.Mutex
	records []gateway.AuditRecord
	events  []gateway.AuthEvent
}

// New returns an empty sink.
func New() *Sink {
	return &Sink{}
}

// WriteRecord appends a request record.
func (s *Sink) WriteRecord(_ context.Context, record gateway.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// WriteAuthEvent appends an auth event.
func (s *Sink) WriteAuthEvent(_ context.Context, event gateway.AuthEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// RecentRecords returns the principal's records, newest first.
func (s *Sink) RecentRecords(_ context.Context, principalID string, limit int) ([]gateway.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.AuditRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].PrincipalID == principalID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

// Records returns a copy of everything written. Test helper.
func (s *Sink) Records() []gateway.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Events returns a copy of all auth events. Test helper.
func (s *Sink) Events() []gateway.AuthEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.AuthEvent, len(s.events))
	copy(out, s.events)
	return out
}
