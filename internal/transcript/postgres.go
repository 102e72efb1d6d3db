package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore writes transcripts into the interview_sessions and
// transcript_entries tables. The pool is owned by the caller.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Complete replaces any previously stored entries for the session, so a
// retried call leaves exactly one copy of the transcript.
func (s *PostgresStore) Complete(ctx context.Context, record Record) error {
	if record.SessionID == "" {
		return fmt.Errorf("complete transcript: session id is required")
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.EndedAt
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transcript tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO interview_sessions (session_id, interview_id, candidate_id, status, end_reason, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			end_reason = EXCLUDED.end_reason,
			completed_at = EXCLUDED.completed_at`,
		record.SessionID,
		record.InterviewID,
		record.CandidateID,
		StatusCompleted,
		record.EndReason,
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert interview session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_entries WHERE session_id=$1`, record.SessionID); err != nil {
		return fmt.Errorf("clear transcript entries: %w", err)
	}

	if len(record.Entries) > 0 {
		rows := make([][]any, 0, len(record.Entries))
		for i, e := range record.Entries {
			spokenAt := e.SpokenAt
			if spokenAt.IsZero() {
				spokenAt = record.EndedAt
			}
			rows = append(rows, []any{uuid.NewString(), record.SessionID, i, e.Speaker, e.Text, e.PIIRedacted, spokenAt})
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"transcript_entries"},
			[]string{"id", "session_id", "seq", "speaker", "content", "pii_redacted", "spoken_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy transcript entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return nil }
