package tasks

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/types"
)

const (
	usernamePrefix    = "orju"
	usernameRandomLen = 28
	emailDomain       = "@orange.juice.com"

	// failureBudgetFactor: give up when failures exceed 2x the requested
	// quantity. Registration is flaky (captcha, collisions), outright broken
	// judges should not spin forever.
	failureBudgetFactor = 2
)

const usernameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomUsername returns "orju" plus usernameRandomLen random
// lowercase/digit characters.
func randomUsername() string {
	buf := make([]byte, usernameRandomLen)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("tasks: crypto/rand unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = usernameAlphabet[int(b)%len(usernameAlphabet)]
	}
	return usernamePrefix + string(buf)
}

// AccountsRunner executes CreateAccountsTask work units: register fresh judge
// accounts under the shared password and put them in the pool as ACTIVE.
type AccountsRunner struct {
	store    store.Store
	dial     RegistrarFactory
	password string
}

func NewAccountsRunner(st store.Store, dial RegistrarFactory, password string) *AccountsRunner {
	return &AccountsRunner{store: st, dial: dial, password: password}
}

func (r *AccountsRunner) Run(ctx context.Context, taskID string) error {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("tasks: load task %s: %w", taskID, err)
	}
	if task.Status != types.StatusPending {
		slog.Info("[POOL] skipping task not in PENDING", "task_id", taskID, "status", task.Status)
		return nil
	}
	task.Status = types.StatusInProgress
	if err := r.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("tasks: mark task %s in progress: %w", taskID, err)
	}

	fail := func(cause error) error {
		task.Status = types.StatusFailure
		task.SetResultError(cause.Error(), nil)
		if uerr := r.store.UpdateTask(ctx, task); uerr != nil {
			slog.Error("[POOL] persist failure state", "task_id", task.ID, "error", uerr)
		}
		slog.Error("[POOL] task failed", "task_id", task.ID, "error", cause)
		return cause
	}

	if task.Quantity <= 0 {
		return fail(fmt.Errorf("tasks: create-accounts quantity must be positive, got %d", task.Quantity))
	}

	created := 0
	failures := 0
	budget := failureBudgetFactor * task.Quantity
	for created < task.Quantity {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if failures > budget {
			return fail(fmt.Errorf("tasks: gave up after %d registration failures (created %d of %d)",
				failures, created, task.Quantity))
		}

		username := randomUsername()
		reg, err := r.dial()
		if err != nil {
			failures++
			slog.Warn("[POOL] dial registrar", "error", err)
			continue
		}
		if err := reg.Register(ctx, username, r.password, username+emailDomain); err != nil {
			failures++
			slog.Warn("[POOL] registration failed", "account", username, "error", err)
			continue
		}
		if err := r.store.AddAccount(ctx, types.Account{Username: username, Status: types.AccountActive}); err != nil {
			failures++
			slog.Warn("[POOL] store account", "account", username, "error", err)
			continue
		}
		created++
		task.Progress = 100 * created / task.Quantity
		if err := r.store.UpdateTask(ctx, task); err != nil {
			slog.Warn("[POOL] persist progress", "task_id", task.ID, "error", err)
		}
		slog.Info("[POOL] account created", "account", username, "created", created, "of", task.Quantity)
	}

	task.Status = types.StatusSuccess
	task.Progress = 100
	task.SetResultMessage(fmt.Sprintf("created %d accounts", created))
	if err := r.store.UpdateTask(ctx, task); err != nil {
		return fail(fmt.Errorf("persist success state: %w", err))
	}
	return nil
}
