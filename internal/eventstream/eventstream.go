// Package eventstream implements the polling tail over JobStore described
// in spec.md §4.6, independent of the HTTP transport (the handlers package
// adapts Tail's output to gin-contrib/sse frames).
package eventstream

import (
	"context"
	"time"

	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/model"
)

const (
	defaultPollInterval  = 300 * time.Millisecond
	defaultHeartbeatEvery = 15 * time.Second
	defaultBatchLimit     = 100
)

// Heartbeat is the synthetic, non-persisted keepalive event (spec.md §4.6).
var Heartbeat = &model.JobEvent{Type: model.EventHeartbeat}

// Tail polls store at a bounded interval and sends batches of events (and
// occasional heartbeats) on out, until ctx is cancelled. since is the
// last event id the caller has already seen; scope narrows to one job_id
// when non-empty.
func Tail(ctx context.Context, store jobstore.Store, scope jobstore.EventScope, since int64, out chan<- *model.JobEvent) error {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := store.ListEvents(ctx, scope, since, defaultBatchLimit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				if time.Since(lastActivity) >= defaultHeartbeatEvery {
					select {
					case out <- Heartbeat:
					case <-ctx.Done():
						return ctx.Err()
					}
					lastActivity = time.Now()
				}
				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
				since = ev.ID
			}
			lastActivity = time.Now()
		}
	}
}
