package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/types"
)

// pausePoll returns the crawl's pause predicate. The pause endpoint writes
// PAUSED to the task row; a running crawl observes it here between probes, so
// the request reaches the runner through the store even when the API and the
// worker live in different processes. Reads are throttled to one per interval,
// and the answer is sticky once a pause has been seen.
func pausePoll(ctx context.Context, st store.Store, taskID string, interval time.Duration) func() bool {
	var last time.Time
	var paused bool
	return func() bool {
		if paused {
			return true
		}
		if time.Since(last) < interval {
			return false
		}
		last = time.Now()
		task, err := st.Task(ctx, taskID)
		if err != nil {
			slog.Warn("[CRAWL] pause status read", "task_id", taskID, "error", err)
			return false
		}
		paused = task.Status == types.StatusPaused
		return paused
	}
}
