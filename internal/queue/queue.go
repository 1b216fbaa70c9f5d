// Package queue is the in-process job queue between the REST surface and the
// crawl workers. A Job carries only the task id; workers reload the task from
// the store, so a restart loses nothing but the in-memory handoff — Recover
// re-publishes whatever the store still marks PENDING.
package queue

import (
	"context"
	"log/slog"

	"github.com/orju/squeeze/internal/types"
)

const defaultBufSize = 64

// Job is one unit of dispatch.
type Job struct {
	TaskID string
	Kind   types.TaskKind
}

// Queue is a closable FIFO over a buffered channel.
type Queue struct {
	ch chan Job
}

// New creates a Queue with the default buffer.
func New() *Queue {
	return &Queue{ch: make(chan Job, defaultBufSize)}
}

// Publish enqueues a job. Unlike a fan-out bus, dispatch must not drop work:
// when the buffer is full, Publish blocks until a worker drains it or ctx
// ends.
func (q *Queue) Publish(ctx context.Context, j Job) error {
	select {
	case q.ch <- j:
		slog.Info("[QUEUE] published", "task_id", j.TaskID, "kind", j.Kind)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs is the worker-side receive channel. All workers share it; each job is
// delivered to exactly one of them.
func (q *Queue) Jobs() <-chan Job {
	return q.ch
}
