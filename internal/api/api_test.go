package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orju/squeeze/internal/queue"
	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/types"
)

type fixture struct {
	store *store.LevelDB
	queue *queue.Queue
	srv   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenLevelDB(t.TempDir() + "/db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	q := queue.New()
	return &fixture{store: st, queue: q, srv: New(st, q)}
}

func (f *fixture) seedCatalog(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.PutProblem(ctx, types.Problem{
		DisplayID: "two-sum", SubmitID: 7, Title: "Two Sum", AllowedLanguages: []string{"C++"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.PutSource(ctx, types.CrawlerSource{
		ID: "src-1", Name: "cpp", Language: "C++",
		Code: map[string]string{
			"get_next_char":            "a",
			"get_prefix_length_length": "b",
			"get_prefix_length":        "c",
			"get_number":               "d",
		},
	}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func decodeTask(t *testing.T, w *httptest.ResponseRecorder) types.Task {
	t.Helper()
	var task types.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task from %s: %v", w.Body.String(), err)
	}
	return task
}

func decodeTaskID(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.TaskID == "" {
		t.Fatalf("decode task_id from %s: %v", w.Body.String(), err)
	}
	return resp.TaskID
}

func TestCreateCrawlTask_QueuesAndDedups(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)

	body := map[string]string{
		"oj_problem_id": "two-sum", "crawler_source_id": "src-1",
		"header_code": "// h", "footer_code": "// f",
	}
	w := f.do(t, http.MethodPost, "/api/tasks/crawl-testcases", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
	taskID := decodeTaskID(t, w)
	task, err := f.store.Task(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Kind != types.KindCrawlTestCases || task.Status != types.StatusPending {
		t.Errorf("task = %+v", task)
	}
	select {
	case job := <-f.queue.Jobs():
		if job.TaskID != taskID {
			t.Errorf("queued %s, want %s", job.TaskID, taskID)
		}
	default:
		t.Fatal("no job queued")
	}

	// A second request while the first is in flight hands back the same task
	w2 := f.do(t, http.MethodPost, "/api/tasks/crawl-testcases", body)
	if w2.Code != http.StatusAccepted {
		t.Fatalf("dedup status = %d", w2.Code)
	}
	if got := decodeTaskID(t, w2); got != taskID {
		t.Errorf("dedup returned %s, want %s", got, taskID)
	}
	select {
	case <-f.queue.Jobs():
		t.Fatal("dedup queued a second job")
	default:
	}
}

func TestCreateCrawlTask_RejectsLanguageMismatch(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()
	if err := f.store.PutSource(ctx, types.CrawlerSource{
		ID: "src-py", Name: "py", Language: "Python3",
		Code: map[string]string{
			"get_next_char": "a", "get_prefix_length_length": "b",
			"get_prefix_length": "c", "get_number": "d",
		},
	}); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodPost, "/api/tasks/crawl-testcases",
		map[string]string{"oj_problem_id": "two-sum", "crawler_source_id": "src-py"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
}

func TestCreateCrawlTask_UnknownProblemIs404(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	w := f.do(t, http.MethodPost, "/api/tasks/crawl-testcases",
		map[string]string{"oj_problem_id": "ghost", "crawler_source_id": "src-1"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCreateAccountsTask_ValidatesQuantity(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/tasks/create-accounts", map[string]int{"quantity": 0})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("zero quantity status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/tasks/create-accounts", map[string]int{"quantity": 5})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
	task, err := f.store.Task(context.Background(), decodeTaskID(t, w))
	if err != nil {
		t.Fatal(err)
	}
	if task.Kind != types.KindCreateAccounts || task.Quantity != 5 {
		t.Errorf("task = %+v", task)
	}
}

func TestGetTask_IncludesKindAndCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := &types.Task{
		Kind: types.KindCrawlTestCases, Status: types.StatusPaused,
		ProblemID:  "two-sum",
		Checkpoint: json.RawMessage(`{"phase":"FINDING_NEXT_CHAR","prefix":"YWI=","limit":256,"prefix_length_length":0,"prefix_length":0,"position":0,"slope":0.125,"intercept":-125}`),
	}
	if err := f.store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["task_type"]) != `"CrawlTestCasesTask"` {
		t.Errorf("task_type = %s", raw["task_type"])
	}
	if len(raw["checkpoint"]) == 0 {
		t.Error("checkpoint missing from response")
	}

	if w := f.do(t, http.MethodGet, "/api/tasks/ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("ghost task status = %d", w.Code)
	}
}

func TestPauseTask_StateRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := &types.Task{Kind: types.KindCrawlTestCases, Status: types.StatusPending}
	running := &types.Task{Kind: types.KindCrawlTestCases, Status: types.StatusInProgress}
	done := &types.Task{Kind: types.KindCrawlTestCases, Status: types.StatusSuccess}
	for _, task := range []*types.Task{pending, running, done} {
		if err := f.store.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	// PENDING pauses immediately in the store
	w := f.do(t, http.MethodPost, "/api/tasks/"+pending.ID+"/pause", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("pending pause status = %d", w.Code)
	}
	if body := decodeTask(t, w); body.Status != types.StatusPaused {
		t.Errorf("response task = %s, want PAUSED", body.Status)
	}
	got, _ := f.store.Task(ctx, pending.ID)
	if got.Status != types.StatusPaused {
		t.Errorf("pending task = %s, want PAUSED", got.Status)
	}

	// IN_PROGRESS lands in the store immediately; the runner's status poll
	// picks it up at the next safe point
	w = f.do(t, http.MethodPost, "/api/tasks/"+running.ID+"/pause", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("running pause status = %d", w.Code)
	}
	got, _ = f.store.Task(ctx, running.ID)
	if got.Status != types.StatusPaused {
		t.Errorf("running task = %s, want PAUSED", got.Status)
	}

	// Terminal states refuse
	w = f.do(t, http.MethodPost, "/api/tasks/"+done.ID+"/pause", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("done pause status = %d, want conflict", w.Code)
	}
}

func TestResumeTask_RequeuesWithCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &types.Task{
		Kind: types.KindCrawlTestCases, Status: types.StatusFailure,
		ProblemID: "two-sum", Progress: 40,
		Result:     json.RawMessage(`{"error":"judge exploded"}`),
		Checkpoint: json.RawMessage(`{"phase":"NEEDS_PREDICT","prefix":null,"limit":256,"prefix_length_length":0,"prefix_length":0,"position":0,"slope":null,"intercept":null}`),
	}
	if err := f.store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/resume", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
	got, _ := f.store.Task(ctx, task.ID)
	if got.Status != types.StatusPending || got.Progress != 0 || got.Result != nil {
		t.Errorf("resumed task = %+v", got)
	}
	select {
	case job := <-f.queue.Jobs():
		if job.TaskID != task.ID {
			t.Errorf("queued %s", job.TaskID)
		}
	default:
		t.Fatal("resume queued nothing")
	}
}

func TestResumeTask_RejectsBadStatesAndCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	running := &types.Task{Kind: types.KindCrawlTestCases, Status: types.StatusInProgress}
	if err := f.store.CreateTask(ctx, running); err != nil {
		t.Fatal(err)
	}
	if w := f.do(t, http.MethodPost, "/api/tasks/"+running.ID+"/resume", nil); w.Code != http.StatusConflict {
		t.Errorf("running resume status = %d", w.Code)
	}

	// A checkpoint claiming an advanced phase without model coefficients
	paused := &types.Task{Kind: types.KindCrawlTestCases, Status: types.StatusPaused}
	if err := f.store.CreateTask(ctx, paused); err != nil {
		t.Fatal(err)
	}
	w := f.do(t, http.MethodPost, "/api/tasks/"+paused.ID+"/resume", map[string]any{
		"checkpoint": map[string]any{"phase": "FINDING_NEXT_CHAR", "limit": 256},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad checkpoint status = %d body %s", w.Code, w.Body)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()
	if _, err := f.store.AddTestCase(ctx, "two-sum", []byte("1 2\n")); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/problems", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("problems status = %d", w.Code)
	}
	var problems []types.Problem
	if err := json.Unmarshal(w.Body.Bytes(), &problems); err != nil || len(problems) != 1 {
		t.Fatalf("problems = %s", w.Body)
	}

	w = f.do(t, http.MethodGet, "/api/problems/two-sum/testcases", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("testcases status = %d", w.Code)
	}
	var tcs []types.TestCase
	if err := json.Unmarshal(w.Body.Bytes(), &tcs); err != nil || len(tcs) != 1 {
		t.Fatalf("testcases = %s", w.Body)
	}
	if string(tcs[0].Content) != "1 2\n" {
		t.Errorf("content = %q", tcs[0].Content)
	}

	if w := f.do(t, http.MethodGet, "/api/problems/ghost/testcases", nil); w.Code != http.StatusNotFound {
		t.Errorf("ghost testcases status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/crawler-sources", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sources status = %d", w.Code)
	}
}

func TestPutSource_RequiresAllTemplates(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/crawler-sources", types.CrawlerSource{
		Name: "broken", Language: "C++",
		Code: map[string]string{"get_next_char": "a"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
}

func TestAccountsEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := f.store.AddAccount(ctx, types.Account{Username: fmt.Sprintf("orju-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	w := f.do(t, http.MethodGet, "/api/accounts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accounts status = %d", w.Code)
	}
	var accounts []types.Account
	if err := json.Unmarshal(w.Body.Bytes(), &accounts); err != nil || len(accounts) != 2 {
		t.Fatalf("accounts = %s", w.Body)
	}

	w = f.do(t, http.MethodPost, "/api/accounts/orju-0/disable", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("disable status = %d", w.Code)
	}
	got, _ := f.store.Accounts(ctx)
	if got[0].Status != types.AccountDisabled {
		t.Errorf("account = %+v", got[0])
	}
}
