package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/nimbuschain/fetch/internal/eventstream"
	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/model"
)

// Events serves GET /events (spec.md §4.6, §6.1): a resumable SSE stream
// over the append-only event log, encoded with gin-contrib/sse.
func (h *Handler) Events(c *gin.Context) {
	since := int64(0)
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			since = n
		}
	}
	scope := jobstore.EventScope{JobID: c.Query("job_id")}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ctx := c.Request.Context()
	out := make(chan *model.JobEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- eventstream.Tail(ctx, h.Store, scope, since, out)
	}()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-out:
			if !ok {
				return false
			}
			writeEvent(c, ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func writeEvent(c *gin.Context, ev *model.JobEvent) {
	if ev.Type == model.EventHeartbeat {
		sse.Encode(c.Writer, sse.Event{Event: model.EventHeartbeat, Data: ""})
		c.Writer.Flush()
		return
	}

	payload := json.RawMessage(ev.Payload)
	sse.Encode(c.Writer, sse.Event{
		Id:    strconv.FormatInt(ev.ID, 10),
		Event: ev.Type,
		Data:  payload,
	})
	c.Writer.Flush()
}

// Metrics serves GET /metrics (spec.md §6.1), 404 when disabled.
func (h *Handler) Metrics(c *gin.Context) {
	if !h.Cfg.MetricsEnabled {
		c.Status(http.StatusNotFound)
		return
	}
	// Delegated to promhttp.Handler() at the router level; this handler is
	// only reached when metrics are disabled.
	c.Status(http.StatusNotFound)
}
