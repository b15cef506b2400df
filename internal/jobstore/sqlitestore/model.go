package sqlitestore

import "time"

// jobRow is the GORM model backing the jobs table. Field layout and the
// CAS-friendly owner_token column are adapted from the teacher's
// chat.Job (internal/chat/job.go in the retrieved pack), which used the
// same "status column guarded by a WHERE predicate" update style for its
// queued->running transition.
type jobRow struct {
	JobID string `gorm:"primaryKey;size:32"`

	JobType    string `gorm:"size:32;not null;index"`
	Provider   string `gorm:"size:32;not null;index:idx_jobs_provider_created"`
	Collection string `gorm:"size:120;not null"`

	RequestJSON string `gorm:"type:text;not null"`

	State string `gorm:"size:24;not null;index:idx_jobs_state_created"`

	Progress        float64
	BytesDownloaded int64
	BytesTotal      *int64

	OwnerToken string `gorm:"size:64;index"`
	Attempt    int    `gorm:"not null;default:1"`

	ErrorsJSON string `gorm:"type:text;not null;default:'[]'"`

	CreatedAt       time.Time `gorm:"index:idx_jobs_state_created;index:idx_jobs_provider_created"`
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastHeartbeatAt *time.Time
}

func (jobRow) TableName() string { return "jobs" }

// eventRow is the GORM model backing job_events. The auto-increment
// primary key is the strictly-increasing sequence spec.md §4.1 requires —
// a single SQLite file is one shared counter visible to every writer.
type eventRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"size:32;not null;index:idx_events_job_id"`
	Type      string `gorm:"size:48;not null"`
	Timestamp time.Time
	PayloadJSON string `gorm:"type:text;not null"`
}

func (eventRow) TableName() string { return "job_events" }

// resultRow is the GORM model backing job_results.
type resultRow struct {
	JobID      string `gorm:"primaryKey;size:32"`
	ResultJSON string `gorm:"type:text;not null"`
	UpdatedAt  time.Time
}

func (resultRow) TableName() string { return "job_results" }
