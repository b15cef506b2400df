// Command nimbusd is the single NimbusChain Fetch entrypoint: depending on
// RUNTIME_ROLE it starts the HTTP control plane, the worker executor loop,
// or both in one process. The signal handling and graceful-shutdown shape
// follows the teacher's cmd/worker/main.go dispatcher.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimbuschain/fetch/internal/config"
	"github.com/nimbuschain/fetch/internal/executor"
	"github.com/nimbuschain/fetch/internal/httpapi"
	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/jobstore/mongostore"
	"github.com/nimbuschain/fetch/internal/jobstore/sqlitestore"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/ratelimit"
	"github.com/nimbuschain/fetch/internal/sweep"
)

func main() {
	cfg := config.Load()

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	providers := provider.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var limiter *ratelimit.Limiter
	if cfg.RuntimeRole == config.RoleAPI || cfg.RuntimeRole == config.RoleAll {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.New(rdb, 20, 3*time.Second)
	}

	var srv *http.Server
	if cfg.RuntimeRole == config.RoleAPI || cfg.RuntimeRole == config.RoleAll {
		router := httpapi.NewRouter(store, providers, cfg, limiter)
		srv = &http.Server{Addr: ":8080", Handler: router}
		go func() {
			log.Printf("http listening addr=%s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error err=%v", err)
			}
		}()
	}

	if cfg.RuntimeRole == config.RoleWorker || cfg.RuntimeRole == config.RoleAll {
		sweep.Startup(ctx, store)
		go sweep.Periodic(ctx, store, cfg.QueuePollInterval*5, cfg.StaleJobTimeout)

		exec := executor.New(executor.Config{
			WorkerID:          cfg.WorkerID,
			MaxJobs:           cfg.MaxJobs,
			ProviderLimits:    cfg.ProviderLimits,
			PollInterval:      cfg.QueuePollInterval,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, store, providers, cfg.DataDir)

		log.Printf("worker started worker_id=%s max_jobs=%d", cfg.WorkerID, cfg.MaxJobs)
		go exec.Run(ctx)
	}

	<-ctx.Done()
	log.Printf("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error err=%v", err)
		}
	}
}

func openStore(cfg config.Config) (jobstore.Store, error) {
	switch cfg.DBBackend {
	case "mongodb":
		return mongostore.Open(context.Background(), cfg.DBURI, cfg.DBName)
	default:
		return sqlitestore.Open(cfg.DBPath)
	}
}
