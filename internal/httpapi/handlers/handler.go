// Package handlers holds the admission boundary and query handlers for
// /v1, generalizing the teacher's Handler struct
// (internal/httpapi/handlers/handler.go in the retrieved pack) from a
// DB+Redis+AI bundle to a Store+Registry+Config bundle.
package handlers

import (
	"time"

	"github.com/nimbuschain/fetch/internal/config"
	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/ratelimit"
)

type Handler struct {
	Store     jobstore.Store
	Providers *provider.Registry
	Cfg       config.Config
	Limiter   *ratelimit.Limiter // nil disables rate limiting
	StartedAt time.Time
}

func NewHandler(store jobstore.Store, providers *provider.Registry, cfg config.Config, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		Store:     store,
		Providers: providers,
		Cfg:       cfg,
		Limiter:   limiter,
		StartedAt: time.Now(),
	}
}
