package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/orju/squeeze/internal/types"
)

// LevelDB key prefix scheme — uses "|" as separator; user-supplied key parts
// are sanitized so keys parse unambiguously.
//
//	p|<display_id>          → Problem JSON
//	s|<id>                  → CrawlerSource JSON
//	t|<id>                  → Task JSON
//	a|<username>            → Account JSON
//	c|<problem>|<sha256hex> → TestCase JSON   (content hash; discovery is idempotent)
const (
	prefixProblem  = "p|"
	prefixSource   = "s|"
	prefixTask     = "t|"
	prefixAccount  = "a|"
	prefixTestcase = "c|"
)

// LevelDB is the embedded single-node backend.
type LevelDB struct {
	db *leveldb.DB

	// LevelDB has no transactions across keys; leasing is a read-modify-write
	// over many account records, serialized here. The DB is single-process,
	// so an in-process lock is sufficient.
	leaseMu sync.Mutex
}

// OpenLevelDB opens (or creates) the database directory at dbPath.
func OpenLevelDB(dbPath string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb at %s: %w", dbPath, err)
	}
	return &LevelDB{db: db}, nil
}

func (s *LevelDB) Close() error { return s.db.Close() }

func safeKeyPart(v string) string {
	return strings.ReplaceAll(v, "|", "_")
}

func (s *LevelDB) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (s *LevelDB) getJSON(key string, v any) error {
	data, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("store: get %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}

func (s *LevelDB) exists(key string) (bool, error) {
	ok, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return false, fmt.Errorf("store: has %s: %w", key, err)
	}
	return ok, nil
}

// scanJSON decodes every value under prefix into fresh T records.
func scanJSON[T any](s *LevelDB, prefix string) ([]T, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	var out []T
	for iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", iter.Key(), err)
		}
		out = append(out, v)
	}
	return out, iter.Error()
}

// --- problems ---

func (s *LevelDB) PutProblem(_ context.Context, p types.Problem) error {
	return s.putJSON(prefixProblem+safeKeyPart(p.DisplayID), p)
}

func (s *LevelDB) Problem(_ context.Context, displayID string) (types.Problem, error) {
	var p types.Problem
	err := s.getJSON(prefixProblem+safeKeyPart(displayID), &p)
	return p, err
}

func (s *LevelDB) Problems(_ context.Context) ([]types.Problem, error) {
	out, err := scanJSON[types.Problem](s, prefixProblem)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayID < out[j].DisplayID })
	return out, nil
}

// --- crawler sources ---

func (s *LevelDB) PutSource(_ context.Context, src types.CrawlerSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	return s.putJSON(prefixSource+safeKeyPart(src.ID), src)
}

func (s *LevelDB) Source(_ context.Context, id string) (types.CrawlerSource, error) {
	var src types.CrawlerSource
	err := s.getJSON(prefixSource+safeKeyPart(id), &src)
	return src, err
}

func (s *LevelDB) Sources(_ context.Context) ([]types.CrawlerSource, error) {
	out, err := scanJSON[types.CrawlerSource](s, prefixSource)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- tasks ---

func (s *LevelDB) CreateTask(_ context.Context, t *types.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return s.putJSON(prefixTask+t.ID, *t)
}

func (s *LevelDB) Task(_ context.Context, id string) (types.Task, error) {
	var t types.Task
	err := s.getJSON(prefixTask+safeKeyPart(id), &t)
	return t, err
}

func (s *LevelDB) UpdateTask(_ context.Context, t types.Task) error {
	ok, err := s.exists(prefixTask + t.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store: update task %s: %w", t.ID, ErrNotFound)
	}
	t.UpdatedAt = time.Now().UTC()
	return s.putJSON(prefixTask+t.ID, t)
}

func (s *LevelDB) Tasks(_ context.Context) ([]types.Task, error) {
	out, err := scanJSON[types.Task](s, prefixTask)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *LevelDB) ActiveCrawlTask(ctx context.Context, problemID string) (types.Task, bool, error) {
	tasks, err := s.Tasks(ctx)
	if err != nil {
		return types.Task{}, false, err
	}
	for _, t := range tasks {
		if t.Kind != types.KindCrawlTestCases || t.ProblemID != problemID {
			continue
		}
		if t.Status == types.StatusPending || t.Status == types.StatusInProgress {
			return t, true, nil
		}
	}
	return types.Task{}, false, nil
}

// --- accounts ---

func (s *LevelDB) AddAccount(_ context.Context, a types.Account) error {
	key := prefixAccount + safeKeyPart(a.Username)
	ok, err := s.exists(key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("store: account %s: %w", a.Username, ErrDuplicate)
	}
	if a.Status == "" {
		a.Status = types.AccountActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.putJSON(key, a)
}

func (s *LevelDB) Accounts(_ context.Context) ([]types.Account, error) {
	out, err := scanJSON[types.Account](s, prefixAccount)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *LevelDB) LeaseAccounts(ctx context.Context, max int) ([]types.Account, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	all, err := s.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	var active []types.Account
	for _, a := range all {
		if a.Status == types.AccountActive {
			active = append(active, a)
		}
	}
	// Least-recently-used first, never-used before everything.
	sort.Slice(active, func(i, j int) bool {
		li, lj := active[i].LastUsed, active[j].LastUsed
		switch {
		case li == nil && lj == nil:
			return active[i].Username < active[j].Username
		case li == nil:
			return true
		case lj == nil:
			return false
		default:
			return li.Before(*lj)
		}
	})
	if len(active) > max {
		active = active[:max]
	}

	batch := new(leveldb.Batch)
	for i := range active {
		active[i].Status = types.AccountInUse
		data, err := json.Marshal(active[i])
		if err != nil {
			return nil, fmt.Errorf("store: marshal account %s: %w", active[i].Username, err)
		}
		batch.Put([]byte(prefixAccount+safeKeyPart(active[i].Username)), data)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("store: lease accounts: %w", err)
	}
	return active, nil
}

func (s *LevelDB) ReleaseAccount(_ context.Context, username string, to types.AccountStatus) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	key := prefixAccount + safeKeyPart(username)
	var a types.Account
	if err := s.getJSON(key, &a); err != nil {
		return err
	}
	// DISABLED is a sink; never resurrect.
	if a.Status == types.AccountDisabled {
		return nil
	}
	a.Status = to
	return s.putJSON(key, a)
}

func (s *LevelDB) TouchAccount(_ context.Context, username string, when time.Time) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	key := prefixAccount + safeKeyPart(username)
	var a types.Account
	if err := s.getJSON(key, &a); err != nil {
		return err
	}
	a.LastUsed = &when
	return s.putJSON(key, a)
}

// --- test cases ---

func (s *LevelDB) AddTestCase(_ context.Context, problemID string, content []byte) (bool, error) {
	key := prefixTestcase + safeKeyPart(problemID) + "|" + contentHash(content)
	ok, err := s.exists(key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	tc := types.TestCase{
		ID:        uuid.New().String(),
		ProblemID: problemID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.putJSON(key, tc); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LevelDB) TestCases(_ context.Context, problemID string) ([]types.TestCase, error) {
	prefix := prefixTestcase + safeKeyPart(problemID) + "|"
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	var out []types.TestCase
	for iter.Next() {
		var tc types.TestCase
		if err := json.Unmarshal(iter.Value(), &tc); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", iter.Key(), err)
		}
		out = append(out, tc)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*LevelDB)(nil)
