package transcript

import (
	"context"
	"strings"
	"testing"
	"time"
)

func sampleRecord() Record {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return Record{
		SessionID:   "sess-1",
		InterviewID: "int-1",
		CandidateID: "cand-1",
		EndReason:   "client_end",
		StartedAt:   start,
		EndedAt:     start.Add(20 * time.Minute),
		Entries: []Entry{
			{Speaker: SpeakerInterviewer, Text: "Tell me about yourself.", SpokenAt: start.Add(time.Second)},
			{Speaker: SpeakerCandidate, Text: "Reach me at jane@example.com later.", SpokenAt: start.Add(5 * time.Second)},
		},
	}
}

func TestInMemoryStoreComplete(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.Complete(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, ok := s.Get("sess-1")
	if !ok {
		t.Fatalf("Get() ok = false, want true")
	}
	if len(got.Entries) != 2 || got.EndReason != "client_end" {
		t.Fatalf("Get() = %+v", got)
	}

	got.Entries[0].Text = "mutated"
	again, _ := s.Get("sess-1")
	if again.Entries[0].Text == "mutated" {
		t.Fatalf("Get() returned shared entries slice")
	}
}

func TestInMemoryStoreRequiresSessionID(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.Complete(context.Background(), Record{}); err == nil {
		t.Fatalf("Complete() error = nil, want error")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestNewStoreRedactsWhenEnabled(t *testing.T) {
	store := NewStore(nil, true)
	redacting, ok := store.(*RedactingStore)
	if !ok {
		t.Fatalf("NewStore() = %T, want *RedactingStore", store)
	}
	if err := store.Complete(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	mem := redacting.next.(*InMemoryStore)
	got, _ := mem.Get("sess-1")
	if strings.Contains(got.Entries[1].Text, "jane@example.com") || !got.Entries[1].PIIRedacted {
		t.Fatalf("entry = %+v, want redacted email", got.Entries[1])
	}
	if got.Entries[0].PIIRedacted {
		t.Fatalf("entry 0 PIIRedacted = true, want false")
	}
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	rec := sampleRecord()
	_ = Redact(rec)
	if !strings.Contains(rec.Entries[1].Text, "jane@example.com") {
		t.Fatalf("Redact() mutated the caller's entries")
	}
}
