package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orju/squeeze/internal/types"
)

func TestPublish_DeliversInOrder(t *testing.T) {
	q := New()
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := q.Publish(ctx, Job{TaskID: id, Kind: types.KindCrawlTestCases}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"t1", "t2", "t3"} {
		got := <-q.Jobs()
		if got.TaskID != want {
			t.Errorf("got %s, want %s", got.TaskID, want)
		}
	}
}

func TestPublish_EachJobGoesToOneWorker(t *testing.T) {
	// Two competing consumers never see the same job
	q := New()
	ctx := context.Background()

	const n = 20
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range q.Jobs() {
				mu.Lock()
				seen[j.TaskID]++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < n; i++ {
		if err := q.Publish(ctx, Job{TaskID: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}
	close(q.ch)
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("delivered %d distinct jobs, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("job %s delivered %d times", id, c)
		}
	}
}

func TestPublish_BlocksUntilCtxCancel(t *testing.T) {
	// With no consumer and a full buffer, Publish honors ctx
	q := &Queue{ch: make(chan Job)}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, Job{TaskID: "stuck"}); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
