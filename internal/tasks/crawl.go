package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/orju/squeeze/internal/crawler"
	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/tasklog"
	"github.com/orju/squeeze/internal/types"
)

// leaseFactor: lease 3x the wanted accounts so the login validation pass can
// skip broken credentials without going back to the pool.
const leaseFactor = 3

// defaultPausePoll is the minimum interval between pause status reads.
const defaultPausePoll = 500 * time.Millisecond

// CrawlConfig carries the knobs for crawl runs.
type CrawlConfig struct {
	// AccountsPerTask is the number of validated accounts a crawl probes with.
	AccountsPerTask int
	// Password is the shared judge password all pool accounts use.
	Password string
	// PausePoll overrides the pause status read throttle; zero means default.
	PausePoll time.Duration
}

// CrawlRunner executes CrawlTestCasesTask work units.
type CrawlRunner struct {
	store store.Store
	logs  *tasklog.Registry
	dial  SessionFactory
	cfg   CrawlConfig
}

func NewCrawlRunner(st store.Store, logs *tasklog.Registry, dial SessionFactory, cfg CrawlConfig) *CrawlRunner {
	if cfg.AccountsPerTask <= 0 {
		cfg.AccountsPerTask = 1
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = defaultPausePoll
	}
	return &CrawlRunner{store: st, logs: logs, dial: dial, cfg: cfg}
}

// Run drives one crawl task end to end. Any returned error has already been
// written to the task record; the caller only logs it.
func (r *CrawlRunner) Run(ctx context.Context, taskID string) error {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("tasks: load task %s: %w", taskID, err)
	}
	if task.Status != types.StatusPending {
		// A stale queue entry (e.g. the task was paused while still queued).
		slog.Info("[CRAWL] skipping task not in PENDING", "task_id", taskID, "status", task.Status)
		return nil
	}
	task.Status = types.StatusInProgress
	task.Progress = 5
	if err := r.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("tasks: mark task %s in progress: %w", taskID, err)
	}

	tl := r.logs.Open(task.ID, task.ProblemID)
	finalStatus := string(types.StatusFailure)
	defer func() { r.logs.Close(task.ID, finalStatus) }()

	fail := func(cause error, lastState json.RawMessage) error {
		task.Status = types.StatusFailure
		task.SetResultError(cause.Error(), lastState)
		if lastState != nil {
			task.Checkpoint = lastState
		}
		if uerr := r.store.UpdateTask(ctx, task); uerr != nil {
			slog.Error("[CRAWL] persist failure state", "task_id", task.ID, "error", uerr)
		}
		slog.Error("[CRAWL] task failed", "task_id", task.ID, "error", cause)
		return cause
	}

	problem, err := r.store.Problem(ctx, task.ProblemID)
	if err != nil {
		return fail(fmt.Errorf("load problem %s: %w", task.ProblemID, err), nil)
	}
	source, err := r.store.Source(ctx, task.SourceID)
	if err != nil {
		return fail(fmt.Errorf("load crawler source %s: %w", task.SourceID, err), nil)
	}
	if err := source.Validate(); err != nil {
		return fail(err, nil)
	}
	if !problem.AllowsLanguage(source.Language) {
		return fail(fmt.Errorf("problem %s does not accept language %s", problem.DisplayID, source.Language), nil)
	}

	admitted, release, err := r.admitAccounts(ctx)
	if err != nil {
		return fail(err, nil)
	}
	defer release()

	task.Progress = 10
	if err := r.store.UpdateTask(ctx, task); err != nil {
		slog.Warn("[CRAWL] persist progress", "task_id", task.ID, "error", err)
	}

	sub := newProbeSubmitter(r.store, tl, problem, source, task.HeaderCode, task.FooterCode, admitted)
	core := crawler.New(sub, pausePoll(ctx, r.store, task.ID, r.cfg.PausePoll))
	if len(task.Checkpoint) > 0 {
		var cp crawler.Checkpoint
		if err := json.Unmarshal(task.Checkpoint, &cp); err != nil {
			return fail(fmt.Errorf("decode checkpoint: %w", err), nil)
		}
		if err := core.Load(cp); err != nil {
			return fail(err, nil)
		}
	}

	runErr := core.Run(ctx)
	state, merr := json.Marshal(core.Save())
	if merr != nil {
		state = nil
	}
	tl.Checkpoint(string(core.Phase()))

	switch {
	case runErr != nil:
		return fail(runErr, state)
	case core.Phase() != crawler.PhaseDone:
		// Cooperative pause: the row is already PAUSED (the pause endpoint
		// wrote it); attach the checkpoint so the run can resume.
		task.Status = types.StatusPaused
		task.Checkpoint = state
		if err := r.store.UpdateTask(ctx, task); err != nil {
			return fail(fmt.Errorf("persist paused state: %w", err), state)
		}
		finalStatus = string(types.StatusPaused)
		slog.Info("[CRAWL] task paused", "task_id", task.ID, "phase", core.Phase())
		return nil
	default:
		tcs, err := r.store.TestCases(ctx, problem.DisplayID)
		if err != nil {
			return fail(fmt.Errorf("count test cases: %w", err), state)
		}
		task.Status = types.StatusSuccess
		task.Progress = 100
		task.Checkpoint = nil
		task.SetResultMessage(fmt.Sprintf("extracted %d test cases for %s", len(tcs), problem.DisplayID))
		if err := r.store.UpdateTask(ctx, task); err != nil {
			return fail(fmt.Errorf("persist success state: %w", err), state)
		}
		finalStatus = string(types.StatusSuccess)
		slog.Info("[CRAWL] task complete", "task_id", task.ID, "testcases", len(tcs))
		return nil
	}
}

// admitAccounts leases up to leaseFactor*N accounts and validates them with a
// login pass, admitting the first N that authenticate. It stops early as soon
// as admitting N is impossible even if every remaining lease logs in. Accounts
// that fail validation and untested leases all go back to the pool ACTIVE;
// only the operator surface disables an account.
func (r *CrawlRunner) admitAccounts(ctx context.Context) ([]account, func(), error) {
	want := r.cfg.AccountsPerTask
	leased, err := r.store.LeaseAccounts(ctx, leaseFactor*want)
	if err != nil {
		return nil, nil, fmt.Errorf("lease accounts: %w", err)
	}

	var admitted []account
	giveBack := func(username string, to types.AccountStatus) {
		if err := r.store.ReleaseAccount(ctx, username, to); err != nil {
			slog.Warn("[CRAWL] release account", "account", username, "error", err)
		}
	}

	for i, a := range leased {
		if len(admitted) == want {
			giveBack(a.Username, types.AccountActive)
			continue
		}
		remaining := len(leased) - i
		if len(admitted)+remaining < want {
			// Even a perfect rest of the pass cannot reach the quota.
			for _, rest := range leased[i:] {
				giveBack(rest.Username, types.AccountActive)
			}
			break
		}
		sess, err := r.dial()
		if err != nil {
			giveBack(a.Username, types.AccountActive)
			slog.Warn("[CRAWL] dial session", "error", err)
			continue
		}
		if err := sess.Login(ctx, a.Username, r.cfg.Password); err != nil {
			// A rejected login may be transient judge trouble, not a dead
			// credential; the account goes back to the pool untouched.
			giveBack(a.Username, types.AccountActive)
			slog.Warn("[CRAWL] account failed validation", "account", a.Username, "error", err)
			continue
		}
		admitted = append(admitted, account{username: a.Username, session: sess})
	}

	if len(admitted) < want {
		for _, a := range admitted {
			giveBack(a.username, types.AccountActive)
		}
		return nil, nil, fmt.Errorf("tasks: only %d of %d accounts validated", len(admitted), want)
	}

	release := func() {
		for _, a := range admitted {
			giveBack(a.username, types.AccountActive)
		}
	}
	return admitted, release, nil
}

var _ crawler.Submitter = (*probeSubmitter)(nil)
