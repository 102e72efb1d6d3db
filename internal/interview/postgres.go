package interview

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads the interviews and candidates tables. Missing rows
// degrade to the fallback profile rather than failing the session.
type PostgresDirectory struct {
	pool     *pgxpool.Pool
	fallback Profile
}

func NewPostgresDirectory(pool *pgxpool.Pool, fallback Profile) *PostgresDirectory {
	return &PostgresDirectory{pool: pool, fallback: fallback}
}

func (d *PostgresDirectory) Lookup(ctx context.Context, interviewID, candidateID string) (Profile, error) {
	p := d.fallback
	p.InterviewID = interviewID
	p.CandidateID = candidateID

	if interviewID != "" {
		var questions []string
		err := d.pool.QueryRow(ctx,
			`SELECT job_title, job_description, company, questions, max_minutes
			 FROM interviews WHERE id=$1`,
			interviewID,
		).Scan(&p.JobTitle, &p.JobDescription, &p.Company, &questions, &p.MaxMinutes)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return Profile{}, fmt.Errorf("lookup interview %q: %w", interviewID, err)
		default:
			p.Questions = questions
		}
	}

	if candidateID != "" {
		err := d.pool.QueryRow(ctx,
			`SELECT full_name, headline FROM candidates WHERE id=$1`,
			candidateID,
		).Scan(&p.CandidateName, &p.Headline)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, fmt.Errorf("lookup candidate %q: %w", candidateID, err)
		}
	}
	return p, nil
}

// NewDirectory picks the postgres directory when a pool is configured.
func NewDirectory(pool *pgxpool.Pool, fallback Profile) Directory {
	if pool == nil {
		return NewStaticDirectory(fallback)
	}
	return NewPostgresDirectory(pool, fallback)
}
