package transcript

import (
	"context"

	"github.com/ent0n29/interviewrt/internal/policy"
)

// RedactingStore masks PII in every entry before delegating.
type RedactingStore struct {
	next Store
}

func NewRedactingStore(next Store) *RedactingStore {
	return &RedactingStore{next: next}
}

func (s *RedactingStore) Complete(ctx context.Context, record Record) error {
	return s.next.Complete(ctx, Redact(record))
}

func (s *RedactingStore) Close() error { return s.next.Close() }

// Redact returns a copy of record with PII masked in each entry.
func Redact(record Record) Record {
	entries := make([]Entry, len(record.Entries))
	for i, e := range record.Entries {
		text, changed := policy.RedactPII(e.Text)
		e.Text = text
		e.PIIRedacted = e.PIIRedacted || changed
		entries[i] = e
	}
	record.Entries = entries
	return record
}
