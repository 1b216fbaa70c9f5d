package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/orju/squeeze/internal/types"
)

// Postgres is the shared-deployment backend. Account leasing rides on
// SELECT ... FOR UPDATE SKIP LOCKED, so multiple squeezed instances can
// lease from one pool without double-granting.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the lib/pq driver and applies the schema.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s := &Postgres{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Close() error { return s.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS problems (
		display_id        TEXT PRIMARY KEY,
		submit_id         INTEGER NOT NULL,
		title             TEXT NOT NULL,
		allowed_languages TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS crawler_sources (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		language    TEXT NOT NULL,
		code        JSONB NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL,
		progress    INTEGER NOT NULL DEFAULT 0,
		result      JSONB,
		problem_id  TEXT NOT NULL DEFAULT '',
		source_id   TEXT NOT NULL DEFAULT '',
		header_code TEXT NOT NULL DEFAULT '',
		footer_code TEXT NOT NULL DEFAULT '',
		checkpoint  JSONB,
		quantity    INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_problem_status ON tasks (problem_id, status)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		username   TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		last_used  TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS testcases (
		id           TEXT PRIMARY KEY,
		problem_id   TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		content      BYTEA NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (problem_id, content_hash)
	)`,
}

func (s *Postgres) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// --- problems ---

func (s *Postgres) PutProblem(ctx context.Context, p types.Problem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO problems (display_id, submit_id, title, allowed_languages)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (display_id) DO UPDATE
		SET submit_id = EXCLUDED.submit_id,
		    title = EXCLUDED.title,
		    allowed_languages = EXCLUDED.allowed_languages`,
		p.DisplayID, p.SubmitID, p.Title, pq.Array(p.AllowedLanguages))
	if err != nil {
		return fmt.Errorf("store: put problem %s: %w", p.DisplayID, err)
	}
	return nil
}

func (s *Postgres) Problem(ctx context.Context, displayID string) (types.Problem, error) {
	var p types.Problem
	err := s.db.QueryRowContext(ctx, `
		SELECT display_id, submit_id, title, allowed_languages
		FROM problems WHERE display_id = $1`, displayID).
		Scan(&p.DisplayID, &p.SubmitID, &p.Title, pq.Array(&p.AllowedLanguages))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Problem{}, ErrNotFound
	}
	if err != nil {
		return types.Problem{}, fmt.Errorf("store: get problem %s: %w", displayID, err)
	}
	return p, nil
}

func (s *Postgres) Problems(ctx context.Context) ([]types.Problem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT display_id, submit_id, title, allowed_languages
		FROM problems ORDER BY display_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list problems: %w", err)
	}
	defer rows.Close()
	var out []types.Problem
	for rows.Next() {
		var p types.Problem
		if err := rows.Scan(&p.DisplayID, &p.SubmitID, &p.Title, pq.Array(&p.AllowedLanguages)); err != nil {
			return nil, fmt.Errorf("store: scan problem: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- crawler sources ---

func (s *Postgres) PutSource(ctx context.Context, src types.CrawlerSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	code, err := json.Marshal(src.Code)
	if err != nil {
		return fmt.Errorf("store: marshal source code map: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crawler_sources (id, name, language, code, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    language = EXCLUDED.language,
		    code = EXCLUDED.code,
		    description = EXCLUDED.description`,
		src.ID, src.Name, src.Language, code, src.Description, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: put source %s: %w", src.ID, err)
	}
	return nil
}

func (s *Postgres) scanSource(row interface{ Scan(...any) error }) (types.CrawlerSource, error) {
	var src types.CrawlerSource
	var code []byte
	if err := row.Scan(&src.ID, &src.Name, &src.Language, &code, &src.Description, &src.CreatedAt); err != nil {
		return types.CrawlerSource{}, err
	}
	if err := json.Unmarshal(code, &src.Code); err != nil {
		return types.CrawlerSource{}, fmt.Errorf("store: decode source code map: %w", err)
	}
	return src, nil
}

func (s *Postgres) Source(ctx context.Context, id string) (types.CrawlerSource, error) {
	src, err := s.scanSource(s.db.QueryRowContext(ctx, `
		SELECT id, name, language, code, description, created_at
		FROM crawler_sources WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.CrawlerSource{}, ErrNotFound
	}
	if err != nil {
		return types.CrawlerSource{}, fmt.Errorf("store: get source %s: %w", id, err)
	}
	return src, nil
}

func (s *Postgres) Sources(ctx context.Context) ([]types.CrawlerSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, language, code, description, created_at
		FROM crawler_sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list sources: %w", err)
	}
	defer rows.Close()
	var out []types.CrawlerSource
	for rows.Next() {
		src, err := s.scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// --- tasks ---

func (s *Postgres) CreateTask(ctx context.Context, t *types.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, status, progress, result, problem_id, source_id,
		                   header_code, footer_code, checkpoint, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Kind, t.Status, t.Progress, nullJSON(t.Result), t.ProblemID, t.SourceID,
		t.HeaderCode, t.FooterCode, nullJSON(t.Checkpoint), t.Quantity, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Postgres) scanTask(row interface{ Scan(...any) error }) (types.Task, error) {
	var t types.Task
	var result, checkpoint []byte
	err := row.Scan(&t.ID, &t.Kind, &t.Status, &t.Progress, &result, &t.ProblemID, &t.SourceID,
		&t.HeaderCode, &t.FooterCode, &checkpoint, &t.Quantity, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return types.Task{}, err
	}
	t.Result = json.RawMessage(result)
	t.Checkpoint = json.RawMessage(checkpoint)
	return t, nil
}

const taskColumns = `id, kind, status, progress, result, problem_id, source_id,
	header_code, footer_code, checkpoint, quantity, created_at, updated_at`

func (s *Postgres) Task(ctx context.Context, id string) (types.Task, error) {
	t, err := s.scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, ErrNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("store: get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Postgres) UpdateTask(ctx context.Context, t types.Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, progress = $3, result = $4, checkpoint = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, t.Status, t.Progress, nullJSON(t.Result), nullJSON(t.Checkpoint), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update task %s: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *Postgres) Tasks(ctx context.Context) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) ActiveCrawlTask(ctx context.Context, problemID string) (types.Task, bool, error) {
	t, err := s.scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE kind = $1 AND problem_id = $2 AND status IN ($3, $4)
		ORDER BY created_at LIMIT 1`,
		types.KindCrawlTestCases, problemID, types.StatusPending, types.StatusInProgress))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, false, nil
	}
	if err != nil {
		return types.Task{}, false, fmt.Errorf("store: find active crawl for %s: %w", problemID, err)
	}
	return t, true, nil
}

// --- accounts ---

func (s *Postgres) AddAccount(ctx context.Context, a types.Account) error {
	if a.Status == "" {
		a.Status = types.AccountActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (username, status, last_used, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO NOTHING`,
		a.Username, a.Status, a.LastUsed, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add account %s: %w", a.Username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: add account %s: %w", a.Username, err)
	}
	if n == 0 {
		return fmt.Errorf("store: account %s: %w", a.Username, ErrDuplicate)
	}
	return nil
}

func (s *Postgres) Accounts(ctx context.Context) ([]types.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, status, last_used, created_at FROM accounts ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()
	var out []types.Account
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(&a.Username, &a.Status, &a.LastUsed, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) LeaseAccounts(ctx context.Context, max int) ([]types.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: lease accounts: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT username, status, last_used, created_at FROM accounts
		WHERE status = $1
		ORDER BY last_used ASC NULLS FIRST, username
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		types.AccountActive, max)
	if err != nil {
		return nil, fmt.Errorf("store: lease accounts: %w", err)
	}
	var leased []types.Account
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(&a.Username, &a.Status, &a.LastUsed, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		leased = append(leased, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range leased {
		leased[i].Status = types.AccountInUse
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET status = $2 WHERE username = $1`,
			leased[i].Username, types.AccountInUse); err != nil {
			return nil, fmt.Errorf("store: lease %s: %w", leased[i].Username, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: lease accounts: %w", err)
	}
	return leased, nil
}

func (s *Postgres) ReleaseAccount(ctx context.Context, username string, to types.AccountStatus) error {
	// DISABLED is a sink; the WHERE clause refuses to resurrect.
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = $2 WHERE username = $1 AND status <> $3`,
		username, to, types.AccountDisabled)
	if err != nil {
		return fmt.Errorf("store: release account %s: %w", username, err)
	}
	return nil
}

func (s *Postgres) TouchAccount(ctx context.Context, username string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_used = $2 WHERE username = $1`, username, when)
	if err != nil {
		return fmt.Errorf("store: touch account %s: %w", username, err)
	}
	return nil
}

// --- test cases ---

func (s *Postgres) AddTestCase(ctx context.Context, problemID string, content []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO testcases (id, problem_id, content_hash, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (problem_id, content_hash) DO NOTHING`,
		uuid.New().String(), problemID, contentHash(content), content, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("store: add testcase for %s: %w", problemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: add testcase for %s: %w", problemID, err)
	}
	return n > 0, nil
}

func (s *Postgres) TestCases(ctx context.Context, problemID string) ([]types.TestCase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, problem_id, content, created_at FROM testcases
		WHERE problem_id = $1 ORDER BY created_at`, problemID)
	if err != nil {
		return nil, fmt.Errorf("store: list testcases for %s: %w", problemID, err)
	}
	defer rows.Close()
	var out []types.TestCase
	for rows.Next() {
		var tc types.TestCase
		if err := rows.Scan(&tc.ID, &tc.ProblemID, &tc.Content, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan testcase: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// nullJSON maps an empty RawMessage to SQL NULL.
func nullJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

var _ Store = (*Postgres)(nil)
