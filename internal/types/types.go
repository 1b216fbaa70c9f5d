// Package types holds the domain records shared by the store, the task
// runners, and the REST surface. No behavior lives here; keep it import-light
// so every other package can depend on it.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Problem is a judge problem whose hidden test cases we extract.
// DisplayID is the URL-friendly key; SubmitID is the integer wire key used
// when submitting code. Immutable during a crawl.
type Problem struct {
	DisplayID        string   `json:"oj_display_id"`
	SubmitID         int      `json:"oj_submit_id"`
	Title            string   `json:"title"`
	AllowedLanguages []string `json:"allowed_languages"`
}

// AllowsLanguage reports whether lang may be submitted for this problem.
func (p Problem) AllowsLanguage(lang string) bool {
	for _, l := range p.AllowedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// CrawlerSource is a named set of probe source-code templates in one
// language. Code maps query name (get_next_char, get_prefix_length_length,
// get_prefix_length, get_number) to a template with {placeholders}.
type CrawlerSource struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Language    string            `json:"language"`
	Code        map[string]string `json:"code"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// RequiredTemplates are the query templates every CrawlerSource must carry.
var RequiredTemplates = []string{
	"get_next_char",
	"get_prefix_length_length",
	"get_prefix_length",
	"get_number",
}

// Validate checks that all required probe templates are present.
func (s CrawlerSource) Validate() error {
	for _, key := range RequiredTemplates {
		if s.Code[key] == "" {
			return fmt.Errorf("types: crawler source %q missing template %q", s.Name, key)
		}
	}
	return nil
}

// TestCase is one discovered test-case input. Discovery is append-only and
// idempotent on (problem, content).
type TestCase struct {
	ID        string    `json:"id"`
	ProblemID string    `json:"problem_id"` // Problem.DisplayID
	Content   []byte    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountStatus is the lease state of a judge account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "ACTIVE"
	AccountInUse    AccountStatus = "IN_USE"
	AccountDisabled AccountStatus = "DISABLED"
)

// Account is a credential on the judge. At most one task holds an account in
// IN_USE; DISABLED is a sink state.
type Account struct {
	Username  string        `json:"username"`
	Status    AccountStatus `json:"status"`
	LastUsed  *time.Time    `json:"last_used,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// TaskKind discriminates the task subtypes.
type TaskKind string

const (
	KindCrawlTestCases TaskKind = "CrawlTestCasesTask"
	KindCreateAccounts TaskKind = "CreateAccountsTask"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusPaused     TaskStatus = "PAUSED"
	StatusSuccess    TaskStatus = "SUCCESS"
	StatusFailure    TaskStatus = "FAILURE"
)

// Task is a unit of background work. Kind-specific fields are populated for
// one kind and zero for the other; Checkpoint is the crawl task's resumable
// state as an opaque JSON blob (null until the core first advances).
type Task struct {
	ID       string          `json:"id"`
	Kind     TaskKind        `json:"task_type"`
	Status   TaskStatus      `json:"status"`
	Progress int             `json:"progress"` // 0..100
	Result   json.RawMessage `json:"result,omitempty"`

	// CrawlTestCasesTask fields.
	ProblemID  string          `json:"problem_id,omitempty"` // Problem.DisplayID
	SourceID   string          `json:"crawler_source_id,omitempty"`
	HeaderCode string          `json:"header_code,omitempty"`
	FooterCode string          `json:"footer_code,omitempty"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`

	// CreateAccountsTask fields.
	Quantity int `json:"quantity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetResultMessage stores a human-readable success message in Result.
func (t *Task) SetResultMessage(msg string) {
	t.Result, _ = json.Marshal(map[string]string{"message": msg})
}

// SetResultError stores the failure shape {error, last_state?} in Result.
func (t *Task) SetResultError(errMsg string, lastState json.RawMessage) {
	m := map[string]json.RawMessage{}
	m["error"], _ = json.Marshal(errMsg)
	if lastState != nil {
		m["last_state"] = lastState
	}
	t.Result, _ = json.Marshal(m)
}
