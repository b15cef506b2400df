package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nimbuschain/fetch/internal/httpapi/respond"
	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/metrics"
	"github.com/nimbuschain/fetch/internal/model"
)

// splitBatch parses {"jobs": [...]} into the raw JSON of each element, so
// each can be independently decoded with model.DecodeJobRequest's strict
// unknown-fields check.
func splitBatch(body []byte) ([]json.RawMessage, error) {
	var envelope struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if len(envelope.Jobs) == 0 {
		return nil, fmt.Errorf("jobs must be a non-empty array")
	}
	return envelope.Jobs, nil
}

type jobStatusView struct {
	JobID           string           `json:"job_id"`
	State           model.JobState   `json:"state"`
	Progress        float64          `json:"progress"`
	BytesDownloaded int64            `json:"bytes_downloaded"`
	BytesTotal      *int64           `json:"bytes_total,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
	Attempt         int              `json:"attempt"`
	Errors          []model.JobError `json:"errors,omitempty"`
	Provider        string           `json:"provider"`
	Collection      string           `json:"collection"`
}

func toStatusView(j *model.Job) jobStatusView {
	return jobStatusView{
		JobID:           j.JobID,
		State:           j.State,
		Progress:        j.Progress,
		BytesDownloaded: j.BytesDownloaded,
		BytesTotal:      j.BytesTotal,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		Attempt:         j.Attempt,
		Errors:          j.Errors,
		Provider:        j.Provider(),
		Collection:      j.Collection(),
	}
}

// CreateJob serves POST /jobs (spec.md §6.1).
func (h *Handler) CreateJob(c *gin.Context) {
	if h.rateLimited(c) {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respond.Fail(c, http.StatusUnprocessableEntity, respond.CodeValidation, "failed to read request body")
		return
	}

	req, err := model.DecodeJobRequest(body)
	if err != nil {
		respond.FailErr(c, http.StatusUnprocessableEntity, respond.CodeValidation, err)
		return
	}

	jobID, err := h.Store.CreateJob(c.Request.Context(), req)
	if err != nil {
		respond.FailErr(c, http.StatusInternalServerError, respond.CodeInternal, err)
		return
	}

	metrics.JobSubmissionsTotal.WithLabelValues(string(req.GetJobType()), req.GetProvider()).Inc()
	respond.OK(c, http.StatusCreated, gin.H{"job_id": jobID})
}

// CreateJobBatch serves POST /jobs/batch (spec.md §6.1). Each element is
// decoded and validated independently; a single invalid element fails the
// whole batch (at-least-once admission, not partial).
func (h *Handler) CreateJobBatch(c *gin.Context) {
	if h.rateLimited(c) {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respond.Fail(c, http.StatusUnprocessableEntity, respond.CodeValidation, "failed to read request body")
		return
	}

	rawItems, err := splitBatch(body)
	if err != nil {
		respond.FailErr(c, http.StatusUnprocessableEntity, respond.CodeValidation, err)
		return
	}

	reqs := make([]model.JobRequest, 0, len(rawItems))
	for _, raw := range rawItems {
		req, err := model.DecodeJobRequest(raw)
		if err != nil {
			respond.FailErr(c, http.StatusUnprocessableEntity, respond.CodeValidation, err)
			return
		}
		reqs = append(reqs, req)
	}

	ctx := c.Request.Context()
	jobIDs := make([]string, 0, len(reqs))
	for _, req := range reqs {
		jobID, err := h.Store.CreateJob(ctx, req)
		if err != nil {
			respond.FailErr(c, http.StatusInternalServerError, respond.CodeInternal, err)
			return
		}
		metrics.JobSubmissionsTotal.WithLabelValues(string(req.GetJobType()), req.GetProvider()).Inc()
		jobIDs = append(jobIDs, jobID)
	}

	respond.OK(c, http.StatusCreated, gin.H{"job_ids": jobIDs})
}

// GetJob serves GET /jobs/{id}.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.Store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respond.Fail(c, http.StatusNotFound, respond.CodeNotFound, "job not found")
			return
		}
		respond.FailErr(c, http.StatusInternalServerError, respond.CodeInternal, err)
		return
	}
	respond.OK(c, http.StatusOK, toStatusView(job))
}

// CancelJob serves DELETE /jobs/{id}.
func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	outcome, err := h.Store.RequestCancel(c.Request.Context(), jobID)
	if err != nil {
		respond.FailErr(c, http.StatusInternalServerError, respond.CodeInternal, err)
		return
	}
	if outcome == jobstore.CancelUnknown {
		respond.Fail(c, http.StatusNotFound, respond.CodeNotFound, "job not found")
		return
	}

	provider := ""
	if job, jerr := h.Store.GetJob(c.Request.Context(), jobID); jerr == nil {
		provider = job.Provider()
	}
	metrics.JobCancellationsTotal.WithLabelValues(provider).Inc()
	respond.OK(c, http.StatusOK, gin.H{
		"job_id":           jobID,
		"cancel_requested": outcome == jobstore.CancelApplied,
	})
}

// GetResult serves GET /jobs/{id}/result.
func (h *Handler) GetResult(c *gin.Context) {
	result, err := h.Store.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respond.Fail(c, http.StatusNotFound, respond.CodeNotFound, "result not found")
			return
		}
		respond.FailErr(c, http.StatusInternalServerError, respond.CodeInternal, err)
		return
	}
	respond.OK(c, http.StatusOK, result)
}

// ListJobs serves GET /jobs (spec.md §6.1).
func (h *Handler) ListJobs(c *gin.Context) {
	filter := jobstore.ListFilters{
		Provider: c.Query("provider"),
		Page:     atoiDefault(c.Query("page"), 1),
		PageSize: atoiDefault(c.Query("page_size"), 20),
	}
	if state := c.Query("state"); state != "" {
		filter.State = model.JobState(state)
	}
	if from := c.Query("date_from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			respond.Fail(c, http.StatusUnprocessableEntity, respond.CodeValidation, "invalid date_from")
			return
		}
		filter.DateFrom = &t
	}
	if to := c.Query("date_to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			respond.Fail(c, http.StatusUnprocessableEntity, respond.CodeValidation, "invalid date_to")
			return
		}
		filter.DateTo = &t
	}

	items, total, err := h.Store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respond.FailErr(c, http.StatusInternalServerError, respond.CodeInternal, err)
		return
	}

	views := make([]jobStatusView, len(items))
	for i, j := range items {
		views[i] = toStatusView(j)
	}

	respond.OK(c, http.StatusOK, gin.H{
		"items":     views,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

func (h *Handler) rateLimited(c *gin.Context) bool {
	if h.Limiter == nil {
		return false
	}
	key := c.GetHeader("X-API-Key")
	if key == "" {
		key = c.ClientIP()
	}
	allowed, err := h.Limiter.Allow(c.Request.Context(), key)
	if err != nil {
		// Fail open: a limiter outage must not take down admission.
		return false
	}
	if !allowed {
		respond.Fail(c, http.StatusTooManyRequests, respond.CodeValidation, "rate limit exceeded")
		return true
	}
	return false
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
