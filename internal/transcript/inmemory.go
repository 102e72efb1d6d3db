package transcript

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore keeps completed transcripts in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) Complete(_ context.Context, record Record) error {
	if record.SessionID == "" {
		return fmt.Errorf("complete transcript: session id is required")
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	record.Entries = append([]Entry(nil), record.Entries...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.SessionID] = record
	return nil
}

// Get returns a copy of the stored record for sessionID.
func (s *InMemoryStore) Get(sessionID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return Record{}, false
	}
	rec.Entries = append([]Entry(nil), rec.Entries...)
	return rec, true
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemoryStore) Close() error { return nil }
