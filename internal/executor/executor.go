// Package executor is the per-worker scheduling loop (spec.md §4.3),
// generalizing the teacher's cmd/worker/main.go dispatcher: a
// sync.WaitGroup-bounded pool there became a two-level semaphore here
// (global + per-provider), and the rabbitmq delivery channel became
// JobStore.ClaimNext polling, since the store IS the queue (spec.md §1
// Non-goals).
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/nimbuschain/fetch/internal/jobrunner"
	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/logging"
	"github.com/nimbuschain/fetch/internal/model"
	"github.com/nimbuschain/fetch/internal/provider"
)

type Config struct {
	WorkerID         string
	MaxJobs          int
	ProviderLimits   map[string]int
	PollInterval     time.Duration
	HeartbeatInterval time.Duration
	ProvidersAllow   []string
}

// Executor runs the claim/dispatch loop described in spec.md §4.3.
type Executor struct {
	cfg   Config
	store jobstore.Store
	runner *jobrunner.Runner

	globalSem chan struct{}
	providerSems map[string]chan struct{}
	providerMu   sync.Mutex

	activeTokens sync.Map // job_id -> *jobrunner.CancelToken
	wg           sync.WaitGroup
}

func New(cfg Config, store jobstore.Store, providers *provider.Registry, dataRoot string) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}

	sems := make(map[string]chan struct{}, len(cfg.ProviderLimits))
	for p, limit := range cfg.ProviderLimits {
		if limit <= 0 {
			limit = 1
		}
		sems[p] = make(chan struct{}, limit)
	}

	return &Executor{
		cfg:          cfg,
		store:        store,
		runner:       jobrunner.New(store, providers, dataRoot),
		globalSem:    make(chan struct{}, cfg.MaxJobs),
		providerSems: sems,
	}
}

// Run drives the main loop until ctx is cancelled, then waits for
// in-flight jobs to finish cleanly (spec.md §4.3 "Shutdown").
func (e *Executor) Run(ctx context.Context) {
	var hbWg sync.WaitGroup
	hbCtx, stopHb := context.WithCancel(ctx)
	hbWg.Add(1)
	go func() {
		defer hbWg.Done()
		e.heartbeatLoop(hbCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			stopHb()
			hbWg.Wait()
			e.wg.Wait()
			return
		case e.globalSem <- struct{}{}:
		}

		job, err := e.store.ClaimNext(ctx, e.cfg.WorkerID, e.cfg.ProvidersAllow)
		if err != nil {
			<-e.globalSem
			if err != jobstore.ErrNotFound {
				logging.Error("claim_next_failed", err, logging.Fields{"worker_id": e.cfg.WorkerID})
			}
			e.sleepOrDone(ctx)
			continue
		}

		sem := e.providerSem(job.Provider())
		select {
		case sem <- struct{}{}:
			e.dispatch(ctx, job, sem)
		default:
			// Provider slot saturated: release back to queue rather than
			// block the whole worker on one provider (spec.md §4.3 step 6).
			if _, relErr := e.store.ReleaseBackToQueue(ctx, job.JobID, e.cfg.WorkerID); relErr != nil {
				logging.Error("release_back_to_queue_failed", relErr, logging.Fields{"job_id": job.JobID})
			}
			<-e.globalSem
		}
	}
}

func (e *Executor) providerSem(p string) chan struct{} {
	e.providerMu.Lock()
	defer e.providerMu.Unlock()
	sem, ok := e.providerSems[p]
	if !ok {
		sem = make(chan struct{}, 1<<30) // unconfigured provider: effectively unbounded
		e.providerSems[p] = sem
	}
	return sem
}

func (e *Executor) dispatch(ctx context.Context, job *model.Job, providerSem chan struct{}) {
	token := jobrunner.NewCancelToken()
	e.activeTokens.Store(job.JobID, token)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.activeTokens.Delete(job.JobID)
			<-providerSem
			<-e.globalSem
		}()

		start := time.Now()
		e.runner.Run(ctx, job, e.cfg.WorkerID, token)
		logging.Info("job_dispatch_complete", logging.Fields{
			"job_id":     job.JobID,
			"worker_id":  e.cfg.WorkerID,
			"duration_s": time.Since(start).Seconds(),
		})
	}()
}

func (e *Executor) sleepOrDone(ctx context.Context) {
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// heartbeatLoop refreshes last_heartbeat_at for every job this worker
// currently owns, and observes cancel_requested to fire the in-process
// CancelToken without waiting for the runner's own store poll.
func (e *Executor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.activeTokens.Range(func(key, value any) bool {
				jobID := key.(string)
				token := value.(*jobrunner.CancelToken)

				if _, err := e.store.Heartbeat(ctx, jobID, e.cfg.WorkerID); err != nil {
					logging.Error("heartbeat_failed", err, logging.Fields{"job_id": jobID})
				}

				current, err := e.store.GetJob(ctx, jobID)
				if err == nil && current.State == model.JobCancelRequested {
					token.Cancel()
				}
				return true
			})
		}
	}
}
