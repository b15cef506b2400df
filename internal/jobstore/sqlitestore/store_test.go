package sqlitestore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSearchReq(t *testing.T, outputDir string) model.JobRequest {
	t.Helper()
	body := []byte(`{
		"job_type": "search_download",
		"provider": "copernicus",
		"collection": "SENTINEL-2",
		"product_type": "S2MSI2A",
		"start_date": "2025-01-01T00:00:00Z",
		"end_date": "2025-01-02T00:00:00Z",
		"aoi": {"wkt": "POLYGON((0 0,0 1,1 1,1 0,0 0))"},
		"output_dir": "` + outputDir + `"
	}`)
	req, err := model.DecodeJobRequest(body)
	require.NoError(t, err)
	return req
}

// TestClaimNext_Uniqueness exercises invariant 1 (spec.md §8): no two
// concurrent claims ever return the same job.
func TestClaimNext_Uniqueness(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const nJobs = 10
	for i := 0; i < nJobs; i++ {
		_, err := store.CreateJob(ctx, newSearchReq(t, "j"))
		require.NoError(t, err)
	}

	const nWorkers = 4
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx, workerFmt(workerID), nil)
				if err == jobstore.ErrNotFound {
					return
				}
				require.NoError(t, err)
				mu.Lock()
				require.False(t, seen[job.JobID], "job claimed twice: %s", job.JobID)
				seen[job.JobID] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seen, nJobs)
}

func workerFmt(i int) string {
	return "worker-" + string(rune('a'+i))
}

// TestFinish_Terminal exercises invariant 4: once terminal, no further
// change is observed.
func TestFinish_Terminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	jobID, err := store.CreateJob(ctx, newSearchReq(t, "j2"))
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)
	require.Equal(t, jobID, job.JobID)

	ok, err := store.Finish(ctx, jobID, "w1", jobstore.Outcome{
		State:  model.JobFailed,
		Errors: []model.JobError{{Code: model.ErrUnknown, Message: "boom"}},
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.State)
	require.NotNil(t, got.FinishedAt)

	// A second Finish by the same (now-stale) owner must not apply.
	ok, err = store.Finish(ctx, jobID, "w1", jobstore.Outcome{State: model.JobSucceeded})
	require.NoError(t, err)
	require.False(t, ok)
}

// TestRequestCancel_WhileQueuedIsImmediate exercises invariant 8.
func TestRequestCancel_WhileQueuedIsImmediate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	jobID, err := store.CreateJob(ctx, newSearchReq(t, "j3"))
	require.NoError(t, err)

	outcome, err := store.RequestCancel(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, jobstore.CancelApplied, outcome)

	got, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, got.State)

	events, err := store.ListEvents(ctx, jobstore.EventScope{JobID: jobID}, 0, 100)
	require.NoError(t, err)
	for _, ev := range events {
		require.NotEqual(t, model.EventJobStarted, ev.Type)
	}

	_, err = store.ClaimNext(ctx, "w1", nil)
	require.ErrorIs(t, err, jobstore.ErrNotFound)
}

// TestRequeueIncomplete exercises invariant 7 (crash recovery).
func TestRequeueIncomplete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	jobID, err := store.CreateJob(ctx, newSearchReq(t, "j4"))
	require.NoError(t, err)

	_, err = store.ClaimNext(ctx, "dead-worker", nil)
	require.NoError(t, err)

	cutoff := time.Now().UTC()
	n, err := store.RequeueIncomplete(ctx, &cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, got.State)
	require.Equal(t, 2, got.Attempt)
	require.Empty(t, got.OwnerToken)

	events, err := store.ListEvents(ctx, jobstore.EventScope{JobID: jobID}, 0, 100)
	require.NoError(t, err)
	require.Equal(t, model.EventJobRequeuedRestart, events[len(events)-1].Type)
}

// TestListEvents_MonotonicAndResumable exercises invariants 2 and 10.
func TestListEvents_MonotonicAndResumable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	jobID, err := store.CreateJob(ctx, newSearchReq(t, "j5"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.AppendEvent(ctx, jobID, model.EventJobProgress, map[string]any{"i": i})
		require.NoError(t, err)
	}

	all, err := store.ListEvents(ctx, jobstore.EventScope{JobID: jobID}, 0, 100)
	require.NoError(t, err)
	require.True(t, len(all) >= 6)

	var lastID int64
	for _, ev := range all {
		require.Greater(t, ev.ID, lastID)
		lastID = ev.ID
	}

	cursor := all[2].ID
	resumed, err := store.ListEvents(ctx, jobstore.EventScope{JobID: jobID}, cursor, 100)
	require.NoError(t, err)
	for _, ev := range resumed {
		require.Greater(t, ev.ID, cursor)
	}
	require.Equal(t, all[3].ID, resumed[0].ID)
}
