package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbuschain/fetch/internal/model"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/provider/fakeprovider"

	"github.com/nimbuschain/fetch/internal/jobstore/sqlitestore"
)

func newDownloadProductsReq(productIDs []string, outputDir string) *model.DownloadProductsRequest {
	return &model.DownloadProductsRequest{
		JobType:    model.JobTypeDownloadProducts,
		Provider:   "copernicus",
		Collection: "SENTINEL-2",
		ProductIDs: productIDs,
		OutputDir:  outputDir,
	}
}

// TestExecutor_ProviderCapSerializesWithoutStalling exercises scenario S5:
// a saturated per-provider slot releases a claimed job back to the queue
// instead of blocking the worker, and every job still eventually
// completes once the slot frees up.
func TestExecutor_ProviderCapSerializesWithoutStalling(t *testing.T) {
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	defer store.Close()

	fp := fakeprovider.New([]fakeprovider.ProductSpec{
		{ID: "p1", Files: []fakeprovider.FileSpec{{Name: "p1.bin", Bytes: []byte("a")}}},
		{ID: "p2", Files: []fakeprovider.FileSpec{{Name: "p2.bin", Bytes: []byte("b")}}},
		{ID: "p3", Files: []fakeprovider.FileSpec{{Name: "p3.bin", Bytes: []byte("c")}}},
	})
	defer fp.Close()

	registry := provider.NewRegistry()
	registry.Register("copernicus", func(ctx context.Context) (provider.Provider, error) { return fp, nil })

	ctx := context.Background()
	ids := make([]string, 0, 3)
	for _, pid := range []string{"p1", "p2", "p3"} {
		jobID, err := store.CreateJob(ctx, newDownloadProductsReq([]string{pid}, "exec-job-"+pid))
		require.NoError(t, err)
		ids = append(ids, jobID)
	}

	exec := New(Config{
		WorkerID:          "w1",
		MaxJobs:           3,
		ProviderLimits:    map[string]int{"copernicus": 1},
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}, store, registry, t.TempDir())

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		exec.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := store.GetJob(ctx, id)
			if err != nil || job.State != model.JobSucceeded {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
