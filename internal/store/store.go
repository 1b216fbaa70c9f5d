// Package store persists the extraction domain: problems, crawler sources,
// tasks, judge accounts, and discovered test cases. Two backends implement
// the same contract, an embedded LevelDB for single-node deployments and
// PostgreSQL for shared ones.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/orju/squeeze/internal/types"
)

var (
	// ErrNotFound: the keyed record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate: a unique key (problem display id, source id, username)
	// is already taken.
	ErrDuplicate = errors.New("store: already exists")
)

// Store is the persistence contract shared by both backends.
//
// Account leasing is the one concurrency-sensitive operation: LeaseAccounts
// must flip ACTIVE rows to IN_USE atomically so two concurrent tasks can
// never hold the same account.
type Store interface {
	PutProblem(ctx context.Context, p types.Problem) error
	Problem(ctx context.Context, displayID string) (types.Problem, error)
	Problems(ctx context.Context) ([]types.Problem, error)

	PutSource(ctx context.Context, s types.CrawlerSource) error
	Source(ctx context.Context, id string) (types.CrawlerSource, error)
	Sources(ctx context.Context) ([]types.CrawlerSource, error)

	CreateTask(ctx context.Context, t *types.Task) error
	Task(ctx context.Context, id string) (types.Task, error)
	UpdateTask(ctx context.Context, t types.Task) error
	Tasks(ctx context.Context) ([]types.Task, error)
	// ActiveCrawlTask returns a PENDING or IN_PROGRESS crawl task for the
	// problem, if any. Used to dedup crawl requests.
	ActiveCrawlTask(ctx context.Context, problemID string) (types.Task, bool, error)

	AddAccount(ctx context.Context, a types.Account) error
	Accounts(ctx context.Context) ([]types.Account, error)
	// LeaseAccounts flips up to max ACTIVE accounts to IN_USE and returns
	// them. Fewer (or zero) results is not an error.
	LeaseAccounts(ctx context.Context, max int) ([]types.Account, error)
	// ReleaseAccount moves an IN_USE account to ACTIVE or DISABLED.
	ReleaseAccount(ctx context.Context, username string, to types.AccountStatus) error
	TouchAccount(ctx context.Context, username string, when time.Time) error

	// AddTestCase records a discovered input. Idempotent on
	// (problem, content); reports whether the row was new.
	AddTestCase(ctx context.Context, problemID string, content []byte) (bool, error)
	TestCases(ctx context.Context, problemID string) ([]types.TestCase, error)

	Close() error
}

// contentHash keys test-case content for idempotent discovery.
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
