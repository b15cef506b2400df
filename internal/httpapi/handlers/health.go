package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nimbuschain/fetch/internal/httpapi/respond"
)

// Health serves GET /health (spec.md §6.1): never behind auth.
func (h *Handler) Health(c *gin.Context) {
	respond.OK(c, http.StatusOK, gin.H{
		"status":          "ok",
		"timestamp":       time.Now().UTC(),
		"runtime_role":    h.Cfg.RuntimeRole,
		"db_backend":      h.Cfg.DBBackend,
		"metrics_enabled": h.Cfg.MetricsEnabled,
	})
}
