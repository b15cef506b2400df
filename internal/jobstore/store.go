// Package jobstore defines the narrow, backend-agnostic contract every
// durable store implementation must satisfy (spec.md §4.1, §9 —
// "heterogeneous stores → one Protocol"). Two concrete implementations
// live in the sqlitestore and mongostore subpackages.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/nimbuschain/fetch/internal/model"
)

// ErrNotFound is returned by GetJob/GetResult when no record exists.
var ErrNotFound = errors.New("jobstore: not found")

// ListFilters narrows ListJobs by state, provider and a creation date
// range (spec.md §4.1).
type ListFilters struct {
	State     model.JobState
	Provider  string
	DateFrom  *time.Time
	DateTo    *time.Time
	Page      int
	PageSize  int
}

// ClaimOutcome is the result of RequestCancel (spec.md §4.1).
type ClaimOutcome string

const (
	CancelApplied        ClaimOutcome = "applied"
	CancelAlreadyTerminal ClaimOutcome = "already_terminal"
	CancelUnknown        ClaimOutcome = "unknown"
)

// Outcome is passed to Finish to record the terminal transition.
type Outcome struct {
	State  model.JobState // succeeded, failed, or cancelled
	Result *model.JobResult
	Errors []model.JobError
}

// EventScope selects which events Tail/ListEvents returns: empty JobID
// means "all jobs".
type EventScope struct {
	JobID string
}

// Store is the durable store of job records, events and results. Every
// method must commit durably before returning (spec.md §4.1).
type Store interface {
	CreateJob(ctx context.Context, req model.JobRequest) (jobID string, err error)

	// ClaimNext atomically picks the oldest queued job (optionally
	// restricted to providers), marks it running under workerID, and
	// returns it. It returns ErrNotFound if no job is available.
	ClaimNext(ctx context.Context, workerID string, providers []string) (*model.Job, error)

	Heartbeat(ctx context.Context, jobID, workerID string) (bool, error)

	UpdateProgress(ctx context.Context, jobID, workerID string, bytesDownloaded int64, bytesTotal *int64, progress *float64) (bool, error)

	RequestCancel(ctx context.Context, jobID string) (ClaimOutcome, error)

	Finish(ctx context.Context, jobID, workerID string, outcome Outcome) (bool, error)

	AppendEvent(ctx context.Context, jobID, eventType string, payload any) (int64, error)

	// RequeueIncomplete resets every running/cancel_requested job whose
	// last heartbeat precedes staleBefore back to queued, incrementing
	// attempt and appending job.requeued_after_restart. A nil staleBefore
	// requeues unconditionally.
	RequeueIncomplete(ctx context.Context, staleBefore *time.Time) (int, error)

	// ReleaseBackToQueue inverts ClaimNext without appending any event
	// (spec.md §4.3 step 6): used when the global slot was available but
	// the per-provider slot was not.
	ReleaseBackToQueue(ctx context.Context, jobID, workerID string) (bool, error)

	ListJobs(ctx context.Context, filter ListFilters) (items []*model.Job, total int, err error)

	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetResult(ctx context.Context, jobID string) (*model.JobResult, error)

	// ListEvents returns events in scope with id > since, ordered by id,
	// capped at limit.
	ListEvents(ctx context.Context, scope EventScope, since int64, limit int) ([]*model.JobEvent, error)

	Close() error
}
