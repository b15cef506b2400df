// Package model holds the data types shared by the store, the executor and
// the HTTP control plane: jobs, events, results and the tagged request
// union they are built from.
package model

import "time"

// JobState is one of the legal states in the job lifecycle. Transitions are
// enforced by the state predicates in the jobstore implementations.
type JobState string

const (
	JobQueued          JobState = "queued"
	JobRunning         JobState = "running"
	JobCancelRequested JobState = "cancel_requested"
	JobSucceeded       JobState = "succeeded"
	JobFailed          JobState = "failed"
	JobCancelled       JobState = "cancelled"
)

// IsTerminal reports whether no further state change is legal.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobError is one terminal error descriptor recorded on a failed job.
type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Error kinds recorded on a terminal failed job (spec.md §7).
const (
	ErrPathViolation      = "PathViolation"
	ErrPathConflict       = "PathConflict"
	ErrValidationError    = "ValidationError"
	ErrProviderAuthError  = "ProviderAuthError"
	ErrProviderSearchErr  = "ProviderSearchError"
	ErrNoDownloadURL      = "NoDownloadURL"
	ErrDownloadFailed     = "DownloadFailed"
	ErrChecksumFailed     = "ChecksumFailed"
	ErrManifestWriteError = "ManifestWriteFailed"
	ErrUnknown            = "Unknown"
)

// Job is a submission lifecycle record (spec.md §3).
type Job struct {
	JobID   string
	Request JobRequest

	State JobState

	Progress        float64
	BytesDownloaded int64
	BytesTotal      *int64

	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastHeartbeatAt *time.Time

	OwnerToken string
	Attempt    int

	Errors []JobError
}

// Provider and Collection are convenience accessors over the embedded
// request, used for filtering/listing and for provider-semaphore routing.
func (j *Job) Provider() string {
	if j.Request == nil {
		return ""
	}
	return j.Request.GetProvider()
}

func (j *Job) Collection() string {
	if j.Request == nil {
		return ""
	}
	return j.Request.GetCollection()
}

func (j *Job) OutputDir() string {
	if j.Request == nil {
		return ""
	}
	return j.Request.GetOutputDir()
}
