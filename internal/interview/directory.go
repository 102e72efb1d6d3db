package interview

import (
	"context"
	"strings"
	"sync"
)

// Profile is what the interviewer needs to know before the first question.
type Profile struct {
	InterviewID    string
	CandidateID    string
	JobTitle       string
	JobDescription string
	Company        string
	CandidateName  string
	Headline       string
	Questions      []string
	MaxMinutes     int
}

// Directory resolves interview and candidate ids into a Profile.
type Directory interface {
	Lookup(ctx context.Context, interviewID, candidateID string) (Profile, error)
}

// StaticDirectory serves profiles from memory and falls back to a generic
// profile for unknown or empty ids.
type StaticDirectory struct {
	mu         sync.RWMutex
	interviews map[string]Profile
	candidates map[string]Profile
	fallback   Profile
}

func NewStaticDirectory(fallback Profile) *StaticDirectory {
	if strings.TrimSpace(fallback.JobTitle) == "" {
		fallback.JobTitle = "Software Engineer"
	}
	return &StaticDirectory{
		interviews: make(map[string]Profile),
		candidates: make(map[string]Profile),
		fallback:   fallback,
	}
}

// PutInterview registers the job side of a profile.
func (d *StaticDirectory) PutInterview(id string, p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p.InterviewID = id
	d.interviews[id] = p
}

// PutCandidate registers the candidate side of a profile.
func (d *StaticDirectory) PutCandidate(id, name, headline string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.candidates[id] = Profile{CandidateID: id, CandidateName: name, Headline: headline}
}

func (d *StaticDirectory) Lookup(_ context.Context, interviewID, candidateID string) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.fallback
	if job, ok := d.interviews[interviewID]; ok {
		p = job
	}
	p.InterviewID = interviewID
	p.Questions = append([]string(nil), p.Questions...)
	if c, ok := d.candidates[candidateID]; ok {
		p.CandidateName = c.CandidateName
		p.Headline = c.Headline
	}
	p.CandidateID = candidateID
	return p, nil
}
