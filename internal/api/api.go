// Package api is the REST surface of squeezed. It validates requests,
// persists task records, and hands work to the queue; it never talks to the
// judge itself.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/orju/squeeze/internal/crawler"
	"github.com/orju/squeeze/internal/queue"
	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/types"
)

// Server wires the HTTP routes to the store and queue.
type Server struct {
	store  store.Store
	queue  *queue.Queue
	router *mux.Router
}

func New(st store.Store, q *queue.Queue) *Server {
	s := &Server{store: st, queue: q}
	r := mux.NewRouter()

	r.HandleFunc("/api/tasks/crawl-testcases", s.createCrawlTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/create-accounts", s.createAccountsTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{task_id}", s.getTask).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{task_id}/pause", s.pauseTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{task_id}/resume", s.resumeTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks", s.listTasks).Methods(http.MethodGet)

	r.HandleFunc("/api/problems", s.listProblems).Methods(http.MethodGet)
	r.HandleFunc("/api/problems", s.putProblem).Methods(http.MethodPost)
	r.HandleFunc("/api/problems/{display_id}", s.getProblem).Methods(http.MethodGet)
	r.HandleFunc("/api/problems/{display_id}/testcases", s.listTestCases).Methods(http.MethodGet)

	r.HandleFunc("/api/crawler-sources", s.listSources).Methods(http.MethodGet)
	r.HandleFunc("/api/crawler-sources", s.putSource).Methods(http.MethodPost)

	r.HandleFunc("/api/accounts", s.listAccounts).Methods(http.MethodGet)
	r.HandleFunc("/api/accounts/{username}/disable", s.disableAccount).Methods(http.MethodPost)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return false
	}
	return true
}

// --- tasks ---

// writeTaskAccepted is the intake response shape: the task runs in the
// background and the caller polls GET /api/tasks/{task_id}.
func writeTaskAccepted(w http.ResponseWriter, taskID string) {
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) createCrawlTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProblemID  string `json:"oj_problem_id"`
		SourceID   string `json:"crawler_source_id"`
		HeaderCode string `json:"header_code"`
		FooterCode string `json:"footer_code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()

	problem, err := s.store.Problem(ctx, req.ProblemID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "problem %s not found", req.ProblemID)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	source, err := s.store.Source(ctx, req.SourceID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "crawler source %s not found", req.SourceID)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if err := source.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if !problem.AllowsLanguage(source.Language) {
		writeError(w, http.StatusBadRequest, "problem %s does not accept language %s",
			problem.DisplayID, source.Language)
		return
	}

	// One crawl per problem at a time: an in-flight task is handed back
	// instead of queuing a duplicate.
	if existing, ok, err := s.store.ActiveCrawlTask(ctx, req.ProblemID); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	} else if ok {
		slog.Info("[API] reusing in-flight crawl", "task_id", existing.ID, "problem", req.ProblemID)
		writeTaskAccepted(w, existing.ID)
		return
	}

	task := &types.Task{
		Kind:       types.KindCrawlTestCases,
		Status:     types.StatusPending,
		ProblemID:  req.ProblemID,
		SourceID:   req.SourceID,
		HeaderCode: req.HeaderCode,
		FooterCode: req.FooterCode,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if err := s.queue.Publish(ctx, queue.Job{TaskID: task.ID, Kind: task.Kind}); err != nil {
		writeError(w, http.StatusInternalServerError, "queue task: %v", err)
		return
	}
	slog.Info("[API] crawl task created", "task_id", task.ID, "problem", req.ProblemID)
	writeTaskAccepted(w, task.ID)
}

func (s *Server) createAccountsTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity int `json:"quantity"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive, got %d", req.Quantity)
		return
	}
	ctx := r.Context()
	task := &types.Task{
		Kind:     types.KindCreateAccounts,
		Status:   types.StatusPending,
		Quantity: req.Quantity,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if err := s.queue.Publish(ctx, queue.Job{TaskID: task.ID, Kind: task.Kind}); err != nil {
		writeError(w, http.StatusInternalServerError, "queue task: %v", err)
		return
	}
	slog.Info("[API] create-accounts task created", "task_id", task.ID, "quantity", req.Quantity)
	writeTaskAccepted(w, task.ID)
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (types.Task, bool) {
	id := mux.Vars(r)["task_id"]
	task, err := s.store.Task(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task %s not found", id)
		return types.Task{}, false
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return types.Task{}, false
	}
	return task, true
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.Tasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	prev := task.Status
	switch task.Status {
	case types.StatusPending, types.StatusInProgress:
		// PAUSED lands in the store immediately. A queued worker skips the
		// stale job; a running crawl sees the status at its next safe point
		// and attaches its checkpoint.
		task.Status = types.StatusPaused
		if err := s.store.UpdateTask(r.Context(), task); err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
	default:
		writeError(w, http.StatusConflict, "task %s is %s; only PENDING or IN_PROGRESS tasks pause",
			task.ID, task.Status)
		return
	}
	slog.Info("[API] task paused", "task_id", task.ID, "was", prev)
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status != types.StatusPaused && task.Status != types.StatusFailure {
		writeError(w, http.StatusConflict, "task %s is %s; only PAUSED or FAILURE tasks resume",
			task.ID, task.Status)
		return
	}
	if task.Kind != types.KindCrawlTestCases {
		writeError(w, http.StatusBadRequest, "task %s is not resumable", task.ID)
		return
	}

	// An explicit checkpoint in the body overrides the stored one; either way
	// it must decode and load before the task is requeued.
	var req struct {
		Checkpoint json.RawMessage `json:"checkpoint"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if len(req.Checkpoint) > 0 {
		task.Checkpoint = req.Checkpoint
	}
	if len(task.Checkpoint) > 0 {
		var cp crawler.Checkpoint
		if err := json.Unmarshal(task.Checkpoint, &cp); err != nil {
			writeError(w, http.StatusBadRequest, "invalid checkpoint: %v", err)
			return
		}
		if err := crawler.New(nil, nil).Load(cp); err != nil {
			writeError(w, http.StatusBadRequest, "invalid checkpoint: %v", err)
			return
		}
	}

	ctx := r.Context()
	task.Status = types.StatusPending
	task.Progress = 0
	task.Result = nil
	if err := s.store.UpdateTask(ctx, task); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if err := s.queue.Publish(ctx, queue.Job{TaskID: task.ID, Kind: task.Kind}); err != nil {
		writeError(w, http.StatusInternalServerError, "queue task: %v", err)
		return
	}
	slog.Info("[API] task resumed", "task_id", task.ID)
	writeJSON(w, http.StatusAccepted, task)
}

// --- catalog ---

func (s *Server) listProblems(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.Problems(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) putProblem(w http.ResponseWriter, r *http.Request) {
	var p types.Problem
	if !decodeBody(w, r, &p) {
		return
	}
	if p.DisplayID == "" || p.SubmitID == 0 {
		writeError(w, http.StatusBadRequest, "oj_display_id and oj_submit_id are required")
		return
	}
	if err := s.store.PutProblem(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getProblem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["display_id"]
	p, err := s.store.Problem(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "problem %s not found", id)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listTestCases(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["display_id"]
	if _, err := s.store.Problem(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "problem %s not found", id)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	tcs, err := s.store.TestCases(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if tcs == nil {
		tcs = []types.TestCase{}
	}
	writeJSON(w, http.StatusOK, tcs)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.Sources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) putSource(w http.ResponseWriter, r *http.Request) {
	var src types.CrawlerSource
	if !decodeBody(w, r, &src) {
		return
	}
	if err := src.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if src.Language == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}
	if err := s.store.PutSource(r.Context(), src); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

// --- accounts ---

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.Accounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) disableAccount(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := s.store.ReleaseAccount(r.Context(), username, types.AccountDisabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account %s not found", username)
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	slog.Info("[API] account disabled", "account", username)
	writeJSON(w, http.StatusOK, map[string]string{"username": username, "status": string(types.AccountDisabled)})
}
