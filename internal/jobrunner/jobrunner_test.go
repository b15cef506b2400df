package jobrunner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/jobstore/sqlitestore"
	"github.com/nimbuschain/fetch/internal/model"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/provider/fakeprovider"
)

func openStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newDownloadProductsJob(t *testing.T, store jobstore.Store, outputDir string, productIDs []string) string {
	t.Helper()
	req := &model.DownloadProductsRequest{
		JobType:    model.JobTypeDownloadProducts,
		Provider:   "copernicus",
		Collection: "SENTINEL-2",
		ProductIDs: productIDs,
		OutputDir:  outputDir,
	}
	jobID, err := store.CreateJob(context.Background(), req)
	require.NoError(t, err)
	return jobID
}

func newSearchDownloadJob(t *testing.T, store jobstore.Store, outputDir string) string {
	t.Helper()
	req := &model.SearchDownloadRequest{
		JobType:     model.JobTypeSearchDownload,
		Provider:    "copernicus",
		Collection:  "SENTINEL-2",
		ProductType: "S2MSI2A",
		StartDate:   time.Unix(0, 0),
		EndDate:     time.Unix(0, 0).Add(24 * time.Hour),
		AOI:         model.AOI{WKT: "POLYGON((0 0,0 1,1 1,1 0,0 0))"},
		OutputDir:   outputDir,
	}
	jobID, err := store.CreateJob(context.Background(), req)
	require.NoError(t, err)
	return jobID
}

// TestRun_HappyPath exercises scenario S1: a job with two fake products
// downloads every file, writes a checksummed manifest and transitions to
// succeeded.
func TestRun_HappyPath(t *testing.T) {
	store := openStore(t)
	dataRoot := t.TempDir()

	fp := fakeprovider.New([]fakeprovider.ProductSpec{
		{ID: "p1", Files: []fakeprovider.FileSpec{{Name: "p1.tif", Bytes: []byte("hello-world-p1")}}},
		{ID: "p2", Files: []fakeprovider.FileSpec{{Name: "p2.tif", Bytes: []byte("hello-world-p2")}}},
	})
	defer fp.Close()

	registry := provider.NewRegistry()
	registry.Register("copernicus", func(ctx context.Context) (provider.Provider, error) { return fp, nil })

	jobID := newDownloadProductsJob(t, store, "job1", []string{"p1", "p2"})

	job, err := store.ClaimNext(context.Background(), "w1", nil)
	require.NoError(t, err)
	require.Equal(t, jobID, job.JobID)

	runner := New(store, registry, dataRoot)
	runner.Run(context.Background(), job, "w1", NewCancelToken())

	got, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobSucceeded, got.State)
	require.Equal(t, 100.0, got.Progress)
	require.Equal(t, int64(len("hello-world-p1")+len("hello-world-p2")), got.BytesDownloaded)

	result, err := store.GetResult(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, result.Paths, 3) // 2 product files + manifest.json

	manifestPath := filepath.Join(dataRoot, "job1", "manifest.json")
	body, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	// The manifest describes the two product files; its own checksum is
	// added to the result only after it has been written.
	require.Len(t, m["checksums"], 2)
	require.Len(t, result.Checksums, 3)
}

// TestRun_ZeroProductsWritesEmptyManifest exercises the Open Question
// resolution: a search_download job whose search matches zero products still
// writes a manifest and succeeds rather than failing.
func TestRun_ZeroProductsWritesEmptyManifest(t *testing.T) {
	store := openStore(t)
	dataRoot := t.TempDir()

	fp := fakeprovider.New(nil) // no products match any search
	defer fp.Close()

	registry := provider.NewRegistry()
	registry.Register("copernicus", func(ctx context.Context) (provider.Provider, error) { return fp, nil })

	jobID := newSearchDownloadJob(t, store, "job2")
	job, err := store.ClaimNext(context.Background(), "w1", nil)
	require.NoError(t, err)

	runner := New(store, registry, dataRoot)
	runner.Run(context.Background(), job, "w1", NewCancelToken())

	got, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobSucceeded, got.State)

	_, err = os.Stat(filepath.Join(dataRoot, "job2", "manifest.json"))
	require.NoError(t, err)
}

// TestRun_DownloadProductsWithNoResolvedTargetsFails exercises the distinct
// NoDownloadURL failure mode: a download_products job names a real,
// non-empty set of product ids (admission guarantees that), but the
// provider resolves no download target for any of them.
func TestRun_DownloadProductsWithNoResolvedTargetsFails(t *testing.T) {
	store := openStore(t)
	dataRoot := t.TempDir()

	fp := fakeprovider.New([]fakeprovider.ProductSpec{
		{ID: "p1", Files: nil},
	})
	defer fp.Close()

	registry := provider.NewRegistry()
	registry.Register("copernicus", func(ctx context.Context) (provider.Provider, error) { return fp, nil })

	jobID := newDownloadProductsJob(t, store, "job6", []string{"p1"})
	job, err := store.ClaimNext(context.Background(), "w1", nil)
	require.NoError(t, err)

	runner := New(store, registry, dataRoot)
	runner.Run(context.Background(), job, "w1", NewCancelToken())

	got, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.State)
	require.Equal(t, model.ErrNoDownloadURL, got.Errors[0].Code)

	_, err = os.Stat(filepath.Join(dataRoot, "job6"))
	require.True(t, os.IsNotExist(err))
}

// TestRun_CancelRequestedBeforeSearchStopsEarly exercises scenario S2: a
// cancellation observed before the provider search runs finishes the job
// as cancelled without touching the provider.
func TestRun_CancelRequestedBeforeSearchStopsEarly(t *testing.T) {
	store := openStore(t)
	dataRoot := t.TempDir()

	fp := fakeprovider.New([]fakeprovider.ProductSpec{
		{ID: "p1", Files: []fakeprovider.FileSpec{{Name: "p1.tif", Bytes: []byte("data")}}},
	})
	defer fp.Close()

	registry := provider.NewRegistry()
	registry.Register("copernicus", func(ctx context.Context) (provider.Provider, error) { return fp, nil })

	jobID := newDownloadProductsJob(t, store, "job3", []string{"p1"})
	job, err := store.ClaimNext(context.Background(), "w1", nil)
	require.NoError(t, err)

	outcome, err := store.RequestCancel(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, jobstore.CancelApplied, outcome)

	runner := New(store, registry, dataRoot)
	runner.Run(context.Background(), job, "w1", NewCancelToken())

	got, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, got.State)

	_, err = os.Stat(filepath.Join(dataRoot, "job3"))
	require.True(t, os.IsNotExist(err))
}

// TestRun_InProcessCancelTokenStopsDownload exercises scenario S3:
// firing the in-process CancelToken mid-download stops the job as
// cancelled without waiting for a store poll.
func TestRun_InProcessCancelTokenStopsDownload(t *testing.T) {
	store := openStore(t)
	dataRoot := t.TempDir()

	fp := fakeprovider.New([]fakeprovider.ProductSpec{
		{ID: "p1", Files: []fakeprovider.FileSpec{{Name: "p1.tif", Bytes: make([]byte, 1<<20), ServeRate: 64 * 1024}}},
	})
	defer fp.Close()

	registry := provider.NewRegistry()
	registry.Register("copernicus", func(ctx context.Context) (provider.Provider, error) { return fp, nil })

	jobID := newDownloadProductsJob(t, store, "job4", []string{"p1"})
	job, err := store.ClaimNext(context.Background(), "w1", nil)
	require.NoError(t, err)

	token := NewCancelToken()
	go func() {
		time.Sleep(50 * time.Millisecond)
		token.Cancel()
	}()

	runner := New(store, registry, dataRoot)
	runner.Run(context.Background(), job, "w1", token)

	got, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, got.State)
}

// TestRun_UnknownProviderFails covers the provider-lookup failure path.
func TestRun_UnknownProviderFails(t *testing.T) {
	store := openStore(t)
	dataRoot := t.TempDir()

	registry := provider.NewRegistry() // nothing registered

	jobID := newDownloadProductsJob(t, store, "job5", []string{"p1"})
	job, err := store.ClaimNext(context.Background(), "w1", nil)
	require.NoError(t, err)

	runner := New(store, registry, dataRoot)
	runner.Run(context.Background(), job, "w1", NewCancelToken())

	got, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.State)
	require.Equal(t, model.ErrProviderAuthError, got.Errors[0].Code)
}
