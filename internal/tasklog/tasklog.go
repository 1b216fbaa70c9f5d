// Package tasklog provides per-task structured logging for crawl runs.
//
// Each crawl task gets one JSONL file in a configurable directory. Events
// capture every probe submission (query kind, arguments, account, memory
// reading, decoded value), every discovered test case, and every checkpoint
// save, so a stalled or disputed extraction can be replayed offline.
//
// Design constraints:
//   - All TaskLog methods are nil-safe (no-op on nil receiver) so the runner
//     and submitter don't need nil checks before every log call.
//   - Registry is the sole owner of JSONL persistence; callers never open files.
package tasklog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the task log.
type EventKind string

const (
	KindTaskBegin     EventKind = "task_begin"
	KindTaskEnd       EventKind = "task_end"
	KindProbe         EventKind = "probe"
	KindTestcaseFound EventKind = "testcase_found"
	KindCheckpoint    EventKind = "checkpoint"
)

// Event is one JSONL line in the task log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// task_begin / task_end
	TaskID     string `json:"task_id,omitempty"`
	ProblemID  string `json:"problem_id,omitempty"`
	Status     string `json:"status,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
	ProbeCount int    `json:"probe_count,omitempty"` // task_end only

	// probe
	Query        string `json:"query,omitempty"` // get_next_char etc.
	Account      string `json:"account,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	Memory       int    `json:"memory,omitempty"`
	Error        string `json:"error,omitempty"`

	// testcase_found
	Content string `json:"content,omitempty"` // base64 via json []byte rules

	// checkpoint
	Phase string `json:"phase,omitempty"`
}

// TaskLog is a handle for writing structured events for one crawl task.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *TaskLog)
//   - Concurrent writes are safe (mutex-protected)
//   - ProbeCount returns the running number of Probe events
type TaskLog struct {
	taskID  string
	started time.Time
	mu      sync.Mutex
	f       *os.File
	probes  int
}

// Registry maps task IDs to open TaskLogs.
// It is the sole authority for creating and closing task log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a task_begin event as the first JSONL line
//   - Open returns the existing log without re-opening when called twice for
//     the same taskID (a resumed run appends to the same file)
//   - Get returns nil for unknown task IDs
//   - Close writes task_end with status, elapsed_ms, probe_count before flushing
//   - Close no-ops gracefully when taskID is not registered
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*TaskLog
}

// NewRegistry creates a Registry that writes one JSONL file per task under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, logs: make(map[string]*TaskLog)}
}

// Open creates (or re-attaches to) the TaskLog for taskID, writes a
// task_begin event, and registers it.
func (r *Registry) Open(taskID, problemID string) *TaskLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tl, ok := r.logs[taskID]; ok {
		return tl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[TASKLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, taskID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[TASKLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	tl := &TaskLog{taskID: taskID, started: time.Now(), f: f}
	r.logs[taskID] = tl
	tl.write(Event{Kind: KindTaskBegin, TaskID: taskID, ProblemID: problemID})
	return tl
}

// Get returns the TaskLog for taskID, or nil if not found.
// Nil is safe to pass to all TaskLog methods.
func (r *Registry) Get(taskID string) *TaskLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[taskID]
}

// Close writes a task_end event, flushes and closes the file, and removes the
// entry from the registry. Safe to call on a nil *Registry or unknown taskID.
func (r *Registry) Close(taskID, status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	tl, ok := r.logs[taskID]
	if ok {
		delete(r.logs, taskID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	tl.mu.Lock()
	elapsed := time.Since(tl.started).Milliseconds()
	probes := tl.probes
	tl.mu.Unlock()

	tl.write(Event{
		Kind:       KindTaskEnd,
		TaskID:     taskID,
		Status:     status,
		ElapsedMs:  elapsed,
		ProbeCount: probes,
	})

	tl.mu.Lock()
	if tl.f != nil {
		_ = tl.f.Close()
		tl.f = nil
	}
	tl.mu.Unlock()
}

// Probe writes a probe event. errMsg is empty on success.
func (tl *TaskLog) Probe(query, account, submissionID string, attempt, memory int, errMsg string) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.probes++
	tl.mu.Unlock()
	tl.write(Event{
		Kind:         KindProbe,
		Query:        query,
		Account:      account,
		SubmissionID: submissionID,
		Attempt:      attempt,
		Memory:       memory,
		Error:        errMsg,
	})
}

// TestcaseFound writes a testcase_found event with the raw content.
func (tl *TaskLog) TestcaseFound(content []byte) {
	if tl == nil {
		return
	}
	tl.write(Event{Kind: KindTestcaseFound, Content: string(content)})
}

// Checkpoint records that resumable state at the given phase was persisted.
func (tl *TaskLog) Checkpoint(phase string) {
	if tl == nil {
		return
	}
	tl.write(Event{Kind: KindCheckpoint, Phase: phase})
}

// ProbeCount returns the number of probe events written so far.
//
// Expectations:
//   - Returns 0 on nil receiver
func (tl *TaskLog) ProbeCount() int {
	if tl == nil {
		return 0
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.probes
}

// write appends one JSON line to the task log file. Adds timestamp, mutex-protected.
func (tl *TaskLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[TASKLOG] marshal event", "error", err)
		return
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(tl.f, "%s\n", data); err != nil {
		slog.Error("[TASKLOG] write event", "error", err)
	}
}
