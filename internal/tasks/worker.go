package tasks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/orju/squeeze/internal/queue"
	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/types"
)

// Pool consumes the job queue with a fixed set of workers and dispatches by
// task kind. Each job is self-contained (the task record is reloaded from the
// store), so a crash between dequeue and completion leaves a PENDING or
// IN_PROGRESS row that Recover or the operator can re-publish.
type Pool struct {
	store    store.Store
	queue    *queue.Queue
	crawl    *CrawlRunner
	accounts *AccountsRunner
	workers  int
}

func NewPool(st store.Store, q *queue.Queue, crawl *CrawlRunner, accounts *AccountsRunner, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{store: st, queue: q, crawl: crawl, accounts: accounts, workers: workers}
}

// Run blocks until ctx ends, with all workers drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.queue.Jobs():
					p.dispatch(ctx, id, job)
				}
			}
		}(i)
	}
	wg.Wait()
}

func (p *Pool) dispatch(ctx context.Context, worker int, job queue.Job) {
	slog.Info("[POOL] worker picked up job", "worker", worker, "task_id", job.TaskID, "kind", job.Kind)
	var err error
	switch job.Kind {
	case types.KindCrawlTestCases:
		err = p.crawl.Run(ctx, job.TaskID)
	case types.KindCreateAccounts:
		err = p.accounts.Run(ctx, job.TaskID)
	default:
		slog.Error("[POOL] unknown task kind", "task_id", job.TaskID, "kind", job.Kind)
		return
	}
	if err != nil {
		// The runner already persisted the failure; this is operator telemetry.
		slog.Error("[POOL] job ended with error", "worker", worker, "task_id", job.TaskID, "error", err)
	}
}

// Recover re-publishes tasks the store still marks PENDING. Called once at
// startup, before workers accept new API traffic, so jobs lost to a restart
// get delivered again.
func (p *Pool) Recover(ctx context.Context) error {
	tasks, err := p.store.Tasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != types.StatusPending {
			continue
		}
		if err := p.queue.Publish(ctx, queue.Job{TaskID: t.ID, Kind: t.Kind}); err != nil {
			return err
		}
		slog.Info("[POOL] recovered pending task", "task_id", t.ID, "kind", t.Kind)
	}
	return nil
}
