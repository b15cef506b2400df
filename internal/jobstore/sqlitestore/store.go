// Package sqlitestore implements jobstore.Store on top of GORM with the
// pure-Go glebarez/sqlite driver, following the teacher's repository
// style (internal/chat/repo.go): thin methods around *gorm.DB, CAS-style
// Updates predicated on owner_token, and a single in-process mutex
// guarding the claim critical section the way the Python original's
// SQLiteJobStore guarded every statement with threading.RLock().
package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/model"
)

type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open creates (or reuses) the SQLite database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if err := db.AutoMigrate(&jobRow{}, &eventRow{}, &resultRow{}); err != nil {
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateJob(ctx context.Context, req model.JobRequest) (string, error) {
	reqJSON, err := model.EncodeJobRequest(req)
	if err != nil {
		return "", err
	}

	jobID := ulid.Make().String()
	now := time.Now().UTC()
	row := jobRow{
		JobID:       jobID,
		JobType:     string(req.GetJobType()),
		Provider:    req.GetProvider(),
		Collection:  req.GetCollection(),
		RequestJSON: string(reqJSON),
		State:       string(model.JobQueued),
		Attempt:     1,
		ErrorsJSON:  "[]",
		CreatedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return appendEventTx(tx, jobID, model.EventJobQueued, map[string]any{"state": model.JobQueued}, now)
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string, providers []string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed *jobRow
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ?", string(model.JobQueued))
		if len(providers) > 0 {
			q = q.Where("provider IN ?", providers)
		}
		var candidate jobRow
		if err := q.Order("created_at asc, job_id asc").First(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return jobstore.ErrNotFound
			}
			return err
		}

		res := tx.Model(&jobRow{}).
			Where("job_id = ? AND state = ?", candidate.JobID, string(model.JobQueued)).
			Updates(map[string]any{
				"state":             string(model.JobRunning),
				"owner_token":       workerID,
				"started_at":        now,
				"last_heartbeat_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another claimant; caller retries on the
			// next poll tick.
			return jobstore.ErrNotFound
		}

		if err := tx.First(&candidate, "job_id = ?", candidate.JobID).Error; err != nil {
			return err
		}
		if err := appendEventTx(tx, candidate.JobID, model.EventJobStarted, map[string]any{"state": model.JobRunning}, now); err != nil {
			return err
		}
		claimed = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rowToJob(claimed)
}

func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("job_id = ? AND owner_token = ? AND state IN ?", jobID, workerID,
			[]string{string(model.JobRunning), string(model.JobCancelRequested)}).
		Update("last_heartbeat_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) UpdateProgress(ctx context.Context, jobID, workerID string, bytesDownloaded int64, bytesTotal *int64, progress *float64) (bool, error) {
	updates := map[string]any{"bytes_downloaded": bytesDownloaded}
	if bytesTotal != nil {
		updates["bytes_total"] = *bytesTotal
	}
	if progress != nil {
		updates["progress"] = *progress
	}
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("job_id = ? AND owner_token = ? AND state IN ?", jobID, workerID,
			[]string{string(model.JobRunning), string(model.JobCancelRequested)}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) RequestCancel(ctx context.Context, jobID string) (jobstore.ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	outcome := jobstore.CancelUnknown

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.First(&row, "job_id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome = jobstore.CancelUnknown
				return nil
			}
			return err
		}

		switch model.JobState(row.State) {
		case model.JobQueued:
			if err := tx.Model(&jobRow{}).Where("job_id = ? AND state = ?", jobID, string(model.JobQueued)).
				Updates(map[string]any{
					"state":       string(model.JobCancelled),
					"finished_at": now,
					"owner_token": "",
				}).Error; err != nil {
				return err
			}
			if err := appendEventTx(tx, jobID, model.EventJobCancelled, map[string]any{"status": model.JobCancelled, "reason": "cancelled_while_queued"}, now); err != nil {
				return err
			}
			outcome = jobstore.CancelApplied
		case model.JobRunning:
			if err := tx.Model(&jobRow{}).Where("job_id = ? AND state = ?", jobID, string(model.JobRunning)).
				Update("state", string(model.JobCancelRequested)).Error; err != nil {
				return err
			}
			if err := appendEventTx(tx, jobID, model.EventJobCancelRequested, map[string]any{"state": model.JobCancelRequested}, now); err != nil {
				return err
			}
			outcome = jobstore.CancelApplied
		default:
			outcome = jobstore.CancelAlreadyTerminal
		}
		return nil
	})
	return outcome, err
}

func (s *Store) Finish(ctx context.Context, jobID, workerID string, outcome jobstore.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var applied bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		q := tx.Where("job_id = ? AND owner_token = ? AND state IN ?", jobID, workerID,
			[]string{string(model.JobRunning), string(model.JobCancelRequested)})
		if err := q.First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				applied = false
				return nil
			}
			return err
		}

		errsJSON, err := json.Marshal(outcome.Errors)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"state":       string(outcome.State),
			"finished_at": now,
			"owner_token": "",
			"errors_json": string(errsJSON),
		}
		if outcome.State == model.JobSucceeded {
			updates["progress"] = 100.0
		}

		res := tx.Model(&jobRow{}).
			Where("job_id = ? AND owner_token = ?", jobID, workerID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			applied = false
			return nil
		}

		var evtType string
		payload := map[string]any{"status": outcome.State}
		switch outcome.State {
		case model.JobSucceeded:
			evtType = model.EventJobSucceeded
			if outcome.Result != nil {
				payload["paths"] = outcome.Result.Paths
			}
		case model.JobFailed:
			evtType = model.EventJobFailed
			if len(outcome.Errors) > 0 {
				payload["error"] = outcome.Errors[0].Message
			}
		case model.JobCancelled:
			evtType = model.EventJobCancelled
		default:
			return fmt.Errorf("sqlitestore: Finish called with non-terminal state %q", outcome.State)
		}
		if err := appendEventTx(tx, jobID, evtType, payload, now); err != nil {
			return err
		}

		if outcome.State == model.JobSucceeded && outcome.Result != nil {
			resultJSON, err := json.Marshal(outcome.Result)
			if err != nil {
				return err
			}
			if err := tx.Save(&resultRow{JobID: jobID, ResultJSON: string(resultJSON), UpdatedAt: now}).Error; err != nil {
				return err
			}
		}

		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) AppendEvent(ctx context.Context, jobID, eventType string, payload any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	row := eventRow{JobID: jobID, Type: eventType, Timestamp: now, PayloadJSON: string(payloadJSON)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *Store) RequeueIncomplete(ctx context.Context, staleBefore *time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var jobIDs []string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&jobRow{}).Where("state IN ?", []string{string(model.JobRunning), string(model.JobCancelRequested)})
		if staleBefore != nil {
			q = q.Where("last_heartbeat_at < ? OR last_heartbeat_at IS NULL", *staleBefore)
		}
		var rows []jobRow
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			res := tx.Model(&jobRow{}).Where("job_id = ?", row.JobID).Updates(map[string]any{
				"state":       string(model.JobQueued),
				"owner_token": "",
				"attempt":     row.Attempt + 1,
			})
			if res.Error != nil {
				return res.Error
			}
			if err := appendEventTx(tx, row.JobID, model.EventJobRequeuedRestart, map[string]any{"reason": "stale_or_restart"}, now); err != nil {
				return err
			}
			jobIDs = append(jobIDs, row.JobID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(jobIDs), nil
}

func (s *Store) ReleaseBackToQueue(ctx context.Context, jobID, workerID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("job_id = ? AND owner_token = ? AND state = ?", jobID, workerID, string(model.JobRunning)).
		Updates(map[string]any{
			"state":       string(model.JobQueued),
			"owner_token": "",
			"started_at":  nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ListJobs(ctx context.Context, filter jobstore.ListFilters) ([]*model.Job, int, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if filter.State != "" {
		q = q.Where("state = ?", string(filter.State))
	}
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.DateFrom != nil {
		q = q.Where("created_at >= ?", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		q = q.Where("created_at <= ?", *filter.DateTo)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}

	var rows []jobRow
	if err := q.Order("created_at desc, job_id asc").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	jobs := make([]*model.Job, 0, len(rows))
	for i := range rows {
		j, err := rowToJob(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, int(total), nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jobstore.ErrNotFound
		}
		return nil, err
	}
	return rowToJob(&row)
}

func (s *Store) GetResult(ctx context.Context, jobID string) (*model.JobResult, error) {
	var row resultRow
	if err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jobstore.ErrNotFound
		}
		return nil, err
	}
	var result model.JobResult
	if err := json.Unmarshal([]byte(row.ResultJSON), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) ListEvents(ctx context.Context, scope jobstore.EventScope, since int64, limit int) ([]*model.JobEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := s.db.WithContext(ctx).Model(&eventRow{}).Where("id > ?", since)
	if scope.JobID != "" {
		q = q.Where("job_id = ?", scope.JobID)
	}
	var rows []eventRow
	if err := q.Order("id asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	events := make([]*model.JobEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, &model.JobEvent{
			ID:        row.ID,
			JobID:     row.JobID,
			Type:      row.Type,
			Timestamp: row.Timestamp,
			Payload:   json.RawMessage(row.PayloadJSON),
		})
	}
	return events, nil
}

func appendEventTx(tx *gorm.DB, jobID, eventType string, payload any, ts time.Time) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tx.Create(&eventRow{JobID: jobID, Type: eventType, Timestamp: ts, PayloadJSON: string(payloadJSON)}).Error
}

func rowToJob(row *jobRow) (*model.Job, error) {
	req, err := model.DecodeStoredJobRequest([]byte(row.RequestJSON))
	if err != nil {
		return nil, err
	}
	var errs []model.JobError
	if err := json.Unmarshal([]byte(row.ErrorsJSON), &errs); err != nil {
		return nil, err
	}
	return &model.Job{
		JobID:           row.JobID,
		Request:         req,
		State:           model.JobState(row.State),
		Progress:        row.Progress,
		BytesDownloaded: row.BytesDownloaded,
		BytesTotal:      row.BytesTotal,
		CreatedAt:       row.CreatedAt,
		StartedAt:       row.StartedAt,
		FinishedAt:      row.FinishedAt,
		LastHeartbeatAt: row.LastHeartbeatAt,
		OwnerToken:      row.OwnerToken,
		Attempt:         row.Attempt,
		Errors:          errs,
	}, nil
}
