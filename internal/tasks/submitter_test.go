package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orju/squeeze/internal/oj"
	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/types"
)

// flakySession fails submissions until failLeft hits zero.
type flakySession struct {
	name     string
	failLeft int
	calls    int
}

func (s *flakySession) Login(context.Context, string, string) error { return nil }

func (s *flakySession) SubmitCode(context.Context, string, string, int) (string, error) {
	s.calls++
	if s.failLeft > 0 {
		s.failLeft--
		return "", &oj.ServerError{Op: "POST /api/submission", Err: errors.New("502")}
	}
	return "sub-" + s.name, nil
}

func (s *flakySession) WaitForMemory(context.Context, string) (int, error) { return 1234, nil }

func submitterFixture(t *testing.T, accounts []account) (*probeSubmitter, *store.LevelDB) {
	t.Helper()
	st, err := store.OpenLevelDB(t.TempDir() + "/db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	for _, a := range accounts {
		if err := st.AddAccount(ctx, types.Account{Username: a.username}); err != nil {
			t.Fatal(err)
		}
	}
	problem := types.Problem{DisplayID: "p", SubmitID: 1, AllowedLanguages: []string{"C++"}}
	source := types.CrawlerSource{Name: "cpp", Language: "C++", Code: probeTemplates}
	return newProbeSubmitter(st, nil, problem, source, "// h", "// f", accounts), st
}

func TestProbe_RotatesAccountsOnRetryableFailure(t *testing.T) {
	// The first account's submission fails twice; the probe lands on others
	a := &flakySession{name: "a", failLeft: 1}
	b := &flakySession{name: "b"}
	sub, st := submitterFixture(t, []account{
		{username: "orju-a", session: a},
		{username: "orju-b", session: b},
	})

	mem, err := sub.GetNumber(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetNumber: %v", err)
	}
	if mem != 1234 {
		t.Errorf("memory = %d, want raw reading 1234", mem)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = a:%d b:%d, want one each", a.calls, b.calls)
	}

	// Both accounts were touched
	accounts, _ := st.Accounts(context.Background())
	for _, acct := range accounts {
		if acct.LastUsed == nil {
			t.Errorf("account %s never touched", acct.Username)
		}
	}
}

func TestProbe_GivesUpAfterBudget(t *testing.T) {
	a := &flakySession{name: "a", failLeft: 1 << 30}
	sub, _ := submitterFixture(t, []account{{username: "orju-a", session: a}})

	_, err := sub.GetNumber(context.Background(), 5)
	if err == nil {
		t.Fatal("probe succeeded, want exhaustion")
	}
	if a.calls != maxProbeAttempts {
		t.Errorf("calls = %d, want %d", a.calls, maxProbeAttempts)
	}
}

func TestRender_SubstitutesAndWraps(t *testing.T) {
	sub, _ := submitterFixture(t, []account{{username: "orju-a", session: &flakySession{}}})

	code, err := sub.render("get_prefix_length", map[string]string{
		"prefix":        quotePrefix([]byte{0x00, 'a'}),
		"length_prefix": "3",
		"position":      "1",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "// h\nprobe:get_prefix_length:\"\\x00a\":3:1\n// f"
	if code != want {
		t.Errorf("rendered %q, want %q", code, want)
	}
}

func TestRender_MissingTemplateFails(t *testing.T) {
	sub, _ := submitterFixture(t, []account{{username: "orju-a", session: &flakySession{}}})
	sub.source.Code = map[string]string{}
	if _, err := sub.render("get_number", nil); err == nil {
		t.Fatal("render succeeded without template")
	}
}

func TestFoundTestcase_PersistsOnce(t *testing.T) {
	sub, st := submitterFixture(t, []account{{username: "orju-a", session: &flakySession{}}})
	ctx := context.Background()

	if err := sub.FoundTestcase(ctx, []byte("in")); err != nil {
		t.Fatal(err)
	}
	if err := sub.FoundTestcase(ctx, []byte("in")); err != nil {
		t.Fatal(err)
	}
	tcs, _ := st.TestCases(ctx, "p")
	if len(tcs) != 1 {
		t.Errorf("stored %d test cases, want 1", len(tcs))
	}
}

func pausePollFixture(t *testing.T) (*store.LevelDB, *types.Task) {
	t.Helper()
	st, err := store.OpenLevelDB(t.TempDir() + "/db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	task := &types.Task{Kind: types.KindCrawlTestCases, Status: types.StatusInProgress}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return st, task
}

func TestPausePoll_ObservesPersistedPause(t *testing.T) {
	st, task := pausePollFixture(t)
	ctx := context.Background()

	poll := pausePoll(ctx, st, task.ID, time.Nanosecond)
	if poll() {
		t.Fatal("pause reported while the task runs")
	}
	task.Status = types.StatusPaused
	if err := st.UpdateTask(ctx, *task); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Microsecond)
	if !poll() {
		t.Fatal("persisted pause not observed")
	}
	// The answer stays true even if the row changes again
	task.Status = types.StatusInProgress
	if err := st.UpdateTask(ctx, *task); err != nil {
		t.Fatal(err)
	}
	if !poll() {
		t.Error("pause answer must be sticky within a run")
	}
}

func TestPausePoll_ThrottlesStatusReads(t *testing.T) {
	st, task := pausePollFixture(t)
	ctx := context.Background()

	poll := pausePoll(ctx, st, task.ID, time.Hour)
	poll() // consumes the first read
	task.Status = types.StatusPaused
	if err := st.UpdateTask(ctx, *task); err != nil {
		t.Fatal(err)
	}
	if poll() {
		t.Error("second read inside the interval must not hit the store")
	}
}
