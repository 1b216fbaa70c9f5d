package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/orju/squeeze/internal/queue"
	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/tasklog"
	"github.com/orju/squeeze/internal/types"
)

func TestRecover_RepublishesPendingOnly(t *testing.T) {
	st, err := store.OpenLevelDB(t.TempDir() + "/db")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	pending := &types.Task{Kind: types.KindCrawlTestCases, Status: types.StatusPending, ProblemID: "p"}
	done := &types.Task{Kind: types.KindCrawlTestCases, Status: types.StatusSuccess, ProblemID: "q"}
	paused := &types.Task{Kind: types.KindCreateAccounts, Status: types.StatusPaused, Quantity: 1}
	for _, task := range []*types.Task{pending, done, paused} {
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	q := queue.New()
	p := NewPool(st, q, nil, nil, 1)
	if err := p.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case job := <-q.Jobs():
		if job.TaskID != pending.ID {
			t.Errorf("recovered %s, want %s", job.TaskID, pending.ID)
		}
	default:
		t.Fatal("no job recovered")
	}
	select {
	case job := <-q.Jobs():
		t.Fatalf("unexpected second job %s", job.TaskID)
	default:
	}
}

func TestPool_RunsQueuedAccountTask(t *testing.T) {
	// End to end through the pool: publish, dispatch, persist SUCCESS
	st, err := store.OpenLevelDB(t.TempDir() + "/db")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := &types.Task{Kind: types.KindCreateAccounts, Status: types.StatusPending, Quantity: 2}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	reg := &fakeRegistrar{}
	accounts := NewAccountsRunner(st, func() (Registrar, error) { return reg, nil }, "pw")
	crawl := NewCrawlRunner(st, tasklog.NewRegistry(t.TempDir()),
		func() (Session, error) { return nil, nil }, CrawlConfig{AccountsPerTask: 1})

	q := queue.New()
	pool := NewPool(st, q, crawl, accounts, 2)
	go pool.Run(ctx)

	if err := q.Publish(ctx, queue.Job{TaskID: task.ID, Kind: task.Kind}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, err := st.Task(ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == types.StatusSuccess {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task stuck in %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	all, _ := st.Accounts(ctx)
	if len(all) != 2 {
		t.Errorf("pool created %d accounts, want 2", len(all))
	}
}
