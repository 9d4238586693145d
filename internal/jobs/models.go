// Package jobs persists the state history of reconstruction jobs.
package jobs

import (
	"time"

	"github.com/reelcut/reelcut/internal/logging"
	"github.com/reelcut/reelcut/internal/pipeline"
)

// Job is the latest persisted snapshot of one pipeline run.
type Job struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Status     string    `json:"status"`
	SourceURL  string    `json:"source_url"`
	AuxURL     string    `json:"aux_url,omitempty"`
	OutputName string    `json:"output_name,omitempty"`
	OutputURL  string    `json:"output_url,omitempty"`
	Duration   float64   `json:"duration_seconds"`
	KeepCount  int       `json:"keep_count"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Events     []Event   `json:"events,omitempty"`
}

// Terminal reports whether the job can no longer change.
func (j *Job) Terminal() bool {
	return pipeline.State(j.Status).Terminal()
}

// Event is one recorded state transition.
type Event struct {
	Status    string    `json:"status"`
	ErrorKind string    `json:"error_kind,omitempty"`
	At        time.Time `json:"at"`
}

// ListOptions filters ListJobs.
type ListOptions struct {
	Limit  int
	Status string
}

const defaultListLimit = 50

// fromSnapshot drops URL query strings, which often carry signatures.
func fromSnapshot(s pipeline.Snapshot) *Job {
	return &Job{
		ID:         s.JobID,
		Workflow:   string(s.Workflow),
		Status:     string(s.State),
		SourceURL:  logging.SanitizeURL(s.SourceURL),
		AuxURL:     logging.SanitizeURL(s.AuxURL),
		OutputName: s.OutputName,
		OutputURL:  s.OutputURL,
		Duration:   s.Duration,
		KeepCount:  s.KeepCount,
		ErrorKind:  string(s.ErrKind),
		Error:      s.Err,
		CreatedAt:  s.At,
		UpdatedAt:  s.At,
	}
}
