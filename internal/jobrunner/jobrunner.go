// Package jobrunner orchestrates a single claimed job through the state
// machine in spec.md §4.4: path sandboxing, provider search, download,
// checksum, manifest, and result persistence. The timing-breadcrumb style
// around each phase follows the teacher's handleJob in cmd/worker/main.go,
// generalized from one chat-completion call to the multi-phase fetch
// pipeline.
package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nimbuschain/fetch/internal/download"
	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/logging"
	"github.com/nimbuschain/fetch/internal/model"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/sandbox"
)

// CancelToken is an in-process cancellation signal a worker can set the
// moment it observes a cancel request, without waiting for the next store
// poll (spec.md §5, "in-process cancel_requested subscription if available").
type CancelToken struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

func (t *CancelToken) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.fired {
		t.fired = true
		close(t.ch)
	}
}

func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

func (t *CancelToken) Done() <-chan struct{} { return t.ch }

// Runner holds no per-job state, so one Runner may execute several jobs
// concurrently, one Run call per job (the Executor owns the semaphores,
// per spec.md §4.3).
type Runner struct {
	Store          jobstore.Store
	Providers      *provider.Registry
	DataRoot       string
	DownloadCfg    download.Config
	ProgressStoreInterval time.Duration // throttle for update_progress writes
	ProgressEventInterval time.Duration // throttle for job.progress events
}

func New(store jobstore.Store, providers *provider.Registry, dataRoot string) *Runner {
	return &Runner{
		Store:                 store,
		Providers:             providers,
		DataRoot:              dataRoot,
		DownloadCfg:           download.DefaultConfig(),
		ProgressStoreInterval: 1 * time.Second,
		ProgressEventInterval: 2 * time.Second,
	}
}

// Run executes job to a terminal state, writing progress/events/result to
// the Store as it goes. cancel is observed (a) before search, (b) once after
// URL resolution has finished for all products, (c) during download chunks,
// (d) before checksum, (e) before manifest write. No check runs between
// individual products while their URLs are being resolved.
func (r *Runner) Run(ctx context.Context, job *model.Job, workerID string, cancel *CancelToken) {
	start := time.Now()
	outputDir, err := r.resolveOutputDir(job)
	if err != nil {
		r.fail(ctx, job, workerID, model.ErrPathViolation, err)
		return
	}

	if err := sandbox.CreateExclusive(outputDir); err != nil {
		r.fail(ctx, job, workerID, model.ErrPathConflict, err)
		return
	}

	if r.observeCancel(ctx, job, workerID, cancel, outputDir) {
		return
	}

	prov, err := r.Providers.Get(ctx, job.Provider())
	if err != nil {
		r.fail(ctx, job, workerID, model.ErrProviderAuthError, err)
		_ = os.RemoveAll(outputDir)
		return
	}
	if err := prov.Authenticate(ctx); err != nil {
		r.fail(ctx, job, workerID, model.ErrProviderAuthError, err)
		_ = os.RemoveAll(outputDir)
		return
	}

	products, targets, err := r.resolveTargets(ctx, job, prov)
	if err != nil {
		r.fail(ctx, job, workerID, model.ErrProviderSearchErr, err)
		_ = os.RemoveAll(outputDir)
		return
	}

	if _, aerr := r.Store.AppendEvent(ctx, job.JobID, model.EventJobProductsFound, map[string]any{
		"count":      len(products),
		"product_ids": productIDs(products),
	}); aerr != nil {
		logging.Error("append_event_failed", aerr, logging.Fields{"job_id": job.JobID})
	}

	if r.observeCancel(ctx, job, workerID, cancel, outputDir) {
		return
	}

	if len(products) == 0 {
		if err := r.writeManifestAndFinish(ctx, job, workerID, outputDir, nil, nil); err != nil {
			r.fail(ctx, job, workerID, model.ErrManifestWriteError, err)
			_ = os.RemoveAll(outputDir)
		}
		return
	}

	if len(targets) == 0 {
		r.fail(ctx, job, workerID, model.ErrNoDownloadURL,
			fmt.Errorf("provider resolved no download target for %d product(s)", len(products)))
		_ = os.RemoveAll(outputDir)
		return
	}

	paths, err := r.download(ctx, job, workerID, outputDir, targets, prov, cancel)
	if err != nil {
		if err == download.ErrCancelled {
			r.finishCancelled(ctx, job, workerID, outputDir)
			return
		}
		r.fail(ctx, job, workerID, model.ErrDownloadFailed, err)
		_ = os.RemoveAll(outputDir)
		return
	}

	if r.observeCancel(ctx, job, workerID, cancel, outputDir) {
		return
	}

	checksums, err := r.checksumAll(paths)
	if err != nil {
		r.fail(ctx, job, workerID, model.ErrChecksumFailed, err)
		_ = os.RemoveAll(outputDir)
		return
	}

	if r.observeCancel(ctx, job, workerID, cancel, outputDir) {
		return
	}

	if err := r.writeManifestAndFinish(ctx, job, workerID, outputDir, paths, checksums); err != nil {
		r.fail(ctx, job, workerID, model.ErrManifestWriteError, err)
		_ = os.RemoveAll(outputDir)
		return
	}

	logging.Info("job_completed", logging.Fields{"job_id": job.JobID, "duration_s": time.Since(start).Seconds()})
}

func (r *Runner) resolveOutputDir(job *model.Job) (string, error) {
	return sandbox.Resolve(r.DataRoot, job.OutputDir(), job.JobID)
}

func (r *Runner) observeCancel(ctx context.Context, job *model.Job, workerID string, cancel *CancelToken, outputDir string) bool {
	if cancel != nil && cancel.Cancelled() {
		r.finishCancelled(ctx, job, workerID, outputDir)
		return true
	}
	current, err := r.Store.GetJob(ctx, job.JobID)
	if err == nil && current.State == model.JobCancelRequested {
		r.finishCancelled(ctx, job, workerID, outputDir)
		return true
	}
	return false
}

func (r *Runner) finishCancelled(ctx context.Context, job *model.Job, workerID, outputDir string) {
	_ = os.RemoveAll(outputDir)
	_, _ = r.Store.Finish(ctx, job.JobID, workerID, jobstore.Outcome{State: model.JobCancelled})
}

func (r *Runner) fail(ctx context.Context, job *model.Job, workerID, code string, cause error) {
	jobErr := model.JobError{Code: code, Message: cause.Error()}
	_, err := r.Store.Finish(ctx, job.JobID, workerID, jobstore.Outcome{
		State:  model.JobFailed,
		Errors: []model.JobError{jobErr},
	})
	if err != nil {
		logging.Error("finish_failed_job_error", err, logging.Fields{"job_id": job.JobID})
	}
}

func productIDs(products []provider.Product) []string {
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = p.ID
	}
	return out
}

func (r *Runner) resolveTargets(ctx context.Context, job *model.Job, prov provider.Provider) ([]provider.Product, []download.Target, error) {
	var products []provider.Product
	var productSourceIDs []string

	switch req := job.Request.(type) {
	case *model.SearchDownloadRequest:
		found, err := prov.Search(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		products = found
		productSourceIDs = productIDs(found)
	case *model.DownloadProductsRequest:
		for _, id := range req.ProductIDs {
			products = append(products, provider.Product{ID: id})
		}
		productSourceIDs = req.ProductIDs
	default:
		return nil, nil, fmt.Errorf("jobrunner: unsupported request type %T", req)
	}

	var targets []download.Target
	for _, id := range productSourceIDs {
		resolved, err := prov.Resolve(ctx, job.Collection(), id)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range resolved {
			targets = append(targets, download.Target{URL: t.URL, SuggestedFilename: t.SuggestedFilename})
		}
	}
	return products, targets, nil
}

func (r *Runner) download(ctx context.Context, job *model.Job, workerID, outputDir string, targets []download.Target, prov provider.Provider, cancel *CancelToken) ([]string, error) {
	dlCtx, cancelDl := context.WithCancel(ctx)
	defer cancelDl()
	if cancel != nil {
		go func() {
			select {
			case <-cancel.Done():
				cancelDl()
			case <-dlCtx.Done():
			}
		}()
	}

	mgr := download.New(r.DownloadCfg)

	var mu sync.Mutex
	fileTotals := make(map[string]int64)
	fileSoFar := make(map[string]int64)
	var lastStoreWrite, lastEventWrite time.Time
	var emaSpeed float64
	lastSample := time.Now()

	auth := func(ctx context.Context) (string, error) { return prov.AuthHeader(ctx) }
	var refresh download.TokenRefresher
	if tr, ok := prov.(provider.TokenRefresher); ok {
		refresh = func(ctx context.Context) (string, error) { return tr.RefreshToken(ctx) }
	}

	progress := func(filename string, delta int64, fileBytesSoFar int64, fileTotal *int64) {
		mu.Lock()
		defer mu.Unlock()

		fileSoFar[filename] = fileBytesSoFar
		fileJustCompleted := false
		if fileTotal != nil {
			fileTotals[filename] = *fileTotal
			fileJustCompleted = fileBytesSoFar >= *fileTotal
		}

		now := time.Now()
		elapsed := now.Sub(lastSample).Seconds()
		if elapsed > 0 {
			instSpeed := float64(delta) / elapsed
			const alpha = 0.3
			emaSpeed = alpha*instSpeed + (1-alpha)*emaSpeed
		}
		lastSample = now

		var bytesDownloaded int64
		for _, v := range fileSoFar {
			bytesDownloaded += v
		}
		var bytesTotal int64
		knownAll := len(fileTotals) == len(targets)
		for _, v := range fileTotals {
			bytesTotal += v
		}

		// A file boundary forces an immediate write regardless of the
		// elapsed-time throttle (spec.md §4.4: "at most once per second per
		// job AND on every file boundary") — otherwise concurrent small
		// files finishing within the same throttle window never get their
		// completion persisted.
		if fileJustCompleted || now.Sub(lastStoreWrite) >= r.ProgressStoreInterval {
			var totalPtr *int64
			if knownAll {
				totalPtr = &bytesTotal
			}
			var pct *float64
			if knownAll && bytesTotal > 0 {
				p := float64(bytesDownloaded) / float64(bytesTotal) * 100
				if p > 99 {
					p = 99 // reserve 100 for the succeeded transition
				}
				pct = &p
			}
			_, _ = r.Store.UpdateProgress(ctx, job.JobID, workerID, bytesDownloaded, totalPtr, pct)
			lastStoreWrite = now
		}

		if fileJustCompleted || now.Sub(lastEventWrite) >= r.ProgressEventInterval {
			_, _ = r.Store.AppendEvent(ctx, job.JobID, model.EventJobProgress, map[string]any{
				"bytes_downloaded": bytesDownloaded,
				"speed_bytes_sec":  emaSpeed,
			})
			lastEventWrite = now
		}
	}

	paths, err := mgr.FetchAll(dlCtx, outputDir, targets, auth, refresh, progress)
	if err != nil {
		if dlCtx.Err() != nil && (cancel == nil || cancel.Cancelled()) {
			return nil, download.ErrCancelled
		}
		return nil, err
	}
	return paths, nil
}

// sumFileSizes stats every path and returns their combined size. ok is
// false if paths is empty or any stat fails, in which case the caller
// should leave bytes_downloaded as the progress callback last left it.
func sumFileSizes(paths []string) (int64, bool) {
	if len(paths) == 0 {
		return 0, false
	}
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return 0, false
		}
		total += info.Size()
	}
	return total, true
}

func (r *Runner) checksumAll(paths []string) (map[string]string, error) {
	checksums := make(map[string]string, len(paths))
	for _, p := range paths {
		sum, err := download.ChecksumFile(p)
		if err != nil {
			return nil, err
		}
		checksums[p] = "sha256:" + sum
	}
	return checksums, nil
}

type manifest struct {
	JobID      string            `json:"job_id"`
	Provider   string            `json:"provider"`
	Collection string            `json:"collection"`
	CreatedAt  time.Time         `json:"created_at"`
	Paths      []string          `json:"paths"`
	Checksums  map[string]string `json:"checksums"`
	Metadata   map[string]any    `json:"metadata"`
}

// writeManifestAndFinish writes manifest.json (spec.md §6.3) — the
// manifest's own checksum is appended only after its write completes —
// then persists the JobResult and transitions the job to succeeded.
func (r *Runner) writeManifestAndFinish(ctx context.Context, job *model.Job, workerID, outputDir string, paths []string, checksums map[string]string) error {
	if checksums == nil {
		checksums = make(map[string]string)
	}

	// Reconcile bytes_downloaded to the true total on disk before the
	// terminal transition: the in-flight progress callback throttles its
	// store writes, so the last file to complete is not guaranteed to have
	// landed its final write (spec.md §4.4's "bytes_downloaded=200" S1
	// expectation).
	if total, ok := sumFileSizes(paths); ok {
		_, _ = r.Store.UpdateProgress(ctx, job.JobID, workerID, total, &total, nil)
	}

	m := manifest{
		JobID:      job.JobID,
		Provider:   job.Provider(),
		Collection: job.Collection(),
		CreatedAt:  time.Now().UTC(),
		Paths:      append([]string{}, paths...),
		Checksums:  checksums,
		Metadata:   map[string]any{},
	}

	manifestPath := filepath.Join(outputDir, "manifest.json")
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, body, 0o644); err != nil {
		return err
	}

	manifestSum, err := download.ChecksumFile(manifestPath)
	if err != nil {
		return err
	}

	allPaths := append(append([]string{}, paths...), manifestPath)
	allChecksums := make(map[string]string, len(checksums)+1)
	for k, v := range checksums {
		allChecksums[k] = v
	}
	allChecksums[manifestPath] = "sha256:" + manifestSum

	result := &model.JobResult{
		JobID:         job.JobID,
		Paths:         allPaths,
		Checksums:     allChecksums,
		Metadata:      m.Metadata,
		ManifestEntry: map[string]any{"path": manifestPath},
	}

	_, err = r.Store.Finish(ctx, job.JobID, workerID, jobstore.Outcome{
		State:  model.JobSucceeded,
		Result: result,
	})
	return err
}
