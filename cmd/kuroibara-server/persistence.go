package main

import (
	"context"
	"time"

	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/scheduler"
	"github.com/Futs/kuroibara-sub003/internal/store/postgres"
)

// runJobPersistence periodically snapshots the scheduler's in-memory job
// table into Postgres, per §4.6's "every job transition is persisted
// atomically". A snapshot poll rather than draining Scheduler.Events keeps
// this independent of the WebSocket hub, which already owns that channel's
// only read (internal/api/websocket.go's pump). It returns a channel that
// closes once the final snapshot after ctx is cancelled has been written.
func runJobPersistence(ctx context.Context, sched *scheduler.Scheduler, store *postgres.Store, log *logging.Logger) <-chan struct{} {
	done := make(chan struct{})
	seen := make(map[string]struct{})

	snapshot := func() {
		// Uses its own short-lived context rather than ctx, which may
		// already be cancelled by the time the final, post-shutdown
		// snapshot runs.
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, job := range sched.List("", "", 1, 0) {
			job := job
			var err error
			if _, ok := seen[job.ID]; ok {
				err = store.UpdateDownloadJob(writeCtx, &job)
			} else {
				err = store.InsertDownloadJob(writeCtx, &job)
				if err == nil {
					seen[job.ID] = struct{}{}
				}
			}
			if err != nil {
				log.Warnf("persist download job %s: %v", job.ID, err)
			}
		}
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snapshot()
			case <-ctx.Done():
				snapshot()
				return
			}
		}
	}()

	return done
}
