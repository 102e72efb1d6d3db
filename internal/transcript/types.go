package transcript

import (
	"context"
	"time"
)

const (
	SpeakerCandidate   = "user"
	SpeakerInterviewer = "ai"
)

const (
	StatusCompleted = "completed"
)

// Entry is one final utterance of an interview.
type Entry struct {
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	PIIRedacted bool      `json:"pii_redacted"`
	SpokenAt    time.Time `json:"spoken_at"`
}

// Record is everything persisted when an interview session ends.
type Record struct {
	SessionID   string    `json:"session_id"`
	InterviewID string    `json:"interview_id,omitempty"`
	CandidateID string    `json:"candidate_id,omitempty"`
	EndReason   string    `json:"end_reason"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Entries     []Entry   `json:"entries"`
}

// Store saves a finished transcript and marks the interview session completed.
type Store interface {
	Complete(ctx context.Context, record Record) error
	Close() error
}
