package taskq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// nopLock always grants immediately and counts acquire/release pairs.
type nopLock struct {
	mu       sync.Mutex
	acquires int
	releases int
}

func (l *nopLock) Acquire(context.Context, bool, time.Duration) bool {
	l.mu.Lock()
	l.acquires++
	l.mu.Unlock()
	return true
}

func (l *nopLock) Release(context.Context) {
	l.mu.Lock()
	l.releases++
	l.mu.Unlock()
}

// deniedLock never grants.
type deniedLock struct{}

func (deniedLock) Acquire(context.Context, bool, time.Duration) bool { return false }
func (deniedLock) Release(context.Context)                           {}

func waitTerminal(t *testing.T, q *Queue, id string) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := q.Get(id); ok && (j.Status == StatusDone || j.Status == StatusError) {
			return j
		}
		time.Sleep(time.Millisecond)
	}
	j, _ := q.Get(id)
	t.Fatalf("job %s never reached a terminal status, last: %+v", id, j)
	return Job{}
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	q := New(&nopLock{}, time.Second, zap.NewNop())
	q.Start()
	defer q.Stop()

	var mu sync.Mutex
	var order []string
	mk := func(name string) Work {
		return func(context.Context) (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}
	a := q.Enqueue("a", mk("A"))
	b := q.Enqueue("b", mk("B"))
	c := q.Enqueue("c", mk("C"))
	waitTerminal(t, q, a)
	waitTerminal(t, q, b)
	waitTerminal(t, q, c)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Fatalf("completion order = %v, want [A B C]", order)
	}
}

func TestSuccessRecordsResult(t *testing.T) {
	t.Parallel()
	q := New(&nopLock{}, time.Second, zap.NewNop())
	q.Start()
	defer q.Stop()

	id := q.Enqueue("sync", func(context.Context) (string, error) {
		return "processed 3 items", nil
	})
	j := waitTerminal(t, q, id)
	if j.Status != StatusDone || j.Result != "processed 3 items" {
		t.Fatalf("job = %+v", j)
	}
	if j.StartedAt == nil || j.FinishedAt == nil {
		t.Fatal("timestamps not recorded")
	}
}

func TestWorkErrorMarksJob(t *testing.T) {
	t.Parallel()
	lk := &nopLock{}
	q := New(lk, time.Second, zap.NewNop())
	q.Start()
	defer q.Stop()

	id := q.Enqueue("sync", func(context.Context) (string, error) {
		return "", errors.New("mailbox: invalid credentials")
	})
	j := waitTerminal(t, q, id)
	if j.Status != StatusError {
		t.Fatalf("status = %s, want error", j.Status)
	}
	if j.Error != "mailbox: invalid credentials" {
		t.Fatalf("error = %q, message not preserved", j.Error)
	}

	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.acquires != lk.releases {
		t.Fatalf("lock leaked: %d acquires, %d releases", lk.acquires, lk.releases)
	}
}

func TestPanicIsContained(t *testing.T) {
	t.Parallel()
	lk := &nopLock{}
	q := New(lk, time.Second, zap.NewNop())
	q.Start()
	defer q.Stop()

	id := q.Enqueue("boom", func(context.Context) (string, error) {
		panic("handler exploded")
	})
	j := waitTerminal(t, q, id)
	if j.Status != StatusError {
		t.Fatalf("status = %s, want error", j.Status)
	}

	// worker survives and releases the lock
	next := q.Enqueue("after", func(context.Context) (string, error) { return "ok", nil })
	if j := waitTerminal(t, q, next); j.Status != StatusDone {
		t.Fatalf("queue dead after panic: %+v", j)
	}
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.acquires != lk.releases {
		t.Fatalf("lock leaked after panic: %d acquires, %d releases", lk.acquires, lk.releases)
	}
}

func TestLockTimeoutSkipsJob(t *testing.T) {
	t.Parallel()
	q := New(deniedLock{}, 10*time.Millisecond, zap.NewNop())
	q.Start()
	defer q.Stop()

	ran := false
	id := q.Enqueue("sync", func(context.Context) (string, error) {
		ran = true
		return "", nil
	})
	j := waitTerminal(t, q, id)
	if j.Status != StatusError {
		t.Fatalf("status = %s, want error", j.Status)
	}
	if j.Error == "" {
		t.Fatal("expected lock timeout message")
	}
	if ran {
		t.Fatal("work must not run without the lock")
	}
}

func TestGetUnknownID(t *testing.T) {
	t.Parallel()
	q := New(&nopLock{}, time.Second, zap.NewNop())
	if _, ok := q.Get("nope"); ok {
		t.Fatal("unknown id should report not found")
	}
}
