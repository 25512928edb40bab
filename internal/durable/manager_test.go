package durable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/you/docq/internal/domain"
)

// memStore is an in-memory Store double with the same claim semantics
// as the Postgres store: oldest pending first, conditional transitions.
type memStore struct {
	mu    sync.Mutex
	order []string
	jobs  map[string]*domain.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*domain.Job)}
}

func (s *memStore) InsertJob(_ context.Context, jobType string, payload []byte, owner string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	now := time.Now().UTC()
	s.jobs[id] = &domain.Job{
		ID: id, JobType: jobType, Payload: payload, Owner: owner,
		Status: domain.Pending, CreatedAt: now, UpdatedAt: now,
	}
	s.order = append(s.order, id)
	return id, nil
}

func (s *memStore) ClaimNext(context.Context) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != domain.Pending {
			continue
		}
		now := time.Now().UTC()
		j.Status = domain.Processing
		j.Attempts++
		j.StartedAt = &now
		j.UpdatedAt = now
		cp := *j
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) MarkCompleted(_ context.Context, id string) error {
	return s.finish(id, domain.Completed, nil)
}

func (s *memStore) MarkFailed(_ context.Context, id, reason string) error {
	return s.finish(id, domain.Failed, &reason)
}

func (s *memStore) finish(id string, status domain.Status, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.Processing {
		return nil
	}
	now := time.Now().UTC()
	j.Status = status
	j.Error = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

type grantLock struct{}

func (grantLock) Acquire(context.Context, bool, time.Duration) bool { return true }
func (grantLock) Release(context.Context)                           {}

func newTestManager(store Store) *Manager {
	return New(store, grantLock{}, time.Second, 5*time.Millisecond, zap.NewNop())
}

func waitStatus(t *testing.T, store Store, id string, want domain.Status) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if j != nil && j.Status == want {
			return j
		}
		time.Sleep(time.Millisecond)
	}
	j, _ := store.GetJob(context.Background(), id)
	t.Fatalf("job %s never reached %s, last: %+v", id, want, j)
	return nil
}

func TestAtMostOneClaim(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	id, err := store.InsertJob(context.Background(), "historical_sync", nil, "acct-1")
	if err != nil {
		t.Fatal(err)
	}

	const claimers = 16
	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := store.ClaimNext(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			if j != nil {
				if j.ID != id {
					t.Errorf("claimed unexpected job %s", j.ID)
				}
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := claimed.Load(); got != 1 {
		t.Fatalf("%d claims succeeded, want exactly 1", got)
	}
}

func TestHandlerSuccess(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := newTestManager(store)
	var got []byte
	m.RegisterHandler("historical_sync", func(_ context.Context, payload []byte) error {
		got = append([]byte(nil), payload...)
		return nil
	})

	id, err := m.EnqueueJob(context.Background(), "historical_sync", []byte(`{"account":"a1"}`), "a1")
	if err != nil {
		t.Fatal(err)
	}
	m.Start()
	defer m.Stop()

	j := waitStatus(t, store, id, domain.Completed)
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.CompletedAt == nil || j.StartedAt == nil {
		t.Error("timestamps not recorded")
	}
	if string(got) != `{"account":"a1"}` {
		t.Errorf("handler payload = %q", got)
	}
}

func TestHandlerErrorPreserved(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := newTestManager(store)
	m.RegisterHandler("historical_sync", func(context.Context, []byte) error {
		return errors.New("imap: too many connections, rate limited")
	})

	id, _ := m.EnqueueJob(context.Background(), "historical_sync", nil, "a1")
	m.Start()
	defer m.Stop()

	j := waitStatus(t, store, id, domain.Failed)
	if j.Error == nil || *j.Error != "imap: too many connections, rate limited" {
		t.Fatalf("error not preserved verbatim: %+v", j.Error)
	}
}

func TestMissingHandler(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := newTestManager(store)
	id, _ := m.EnqueueJob(context.Background(), "unknown_type", nil, "a1")
	m.Start()
	defer m.Stop()

	j := waitStatus(t, store, id, domain.Failed)
	if j.Error == nil || *j.Error != `no handler registered for job type "unknown_type"` {
		t.Fatalf("want distinct no-handler reason, got %+v", j.Error)
	}
}

func TestHandlerPanicContained(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := newTestManager(store)
	m.RegisterHandler("boom", func(context.Context, []byte) error { panic("kaboom") })
	m.RegisterHandler("ok", func(context.Context, []byte) error { return nil })

	bad, _ := m.EnqueueJob(context.Background(), "boom", nil, "a1")
	good, _ := m.EnqueueJob(context.Background(), "ok", nil, "a1")
	m.Start()
	defer m.Stop()

	waitStatus(t, store, bad, domain.Failed)
	// loop survived the panic and processed the next job
	waitStatus(t, store, good, domain.Completed)
}

func TestLockReleasedAfterFailure(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	lk := &countingLock{}
	m := New(store, lk, time.Second, 5*time.Millisecond, zap.NewNop())
	m.RegisterHandler("fail", func(context.Context, []byte) error { return errors.New("nope") })

	id, _ := m.EnqueueJob(context.Background(), "fail", nil, "a1")
	m.Start()
	waitStatus(t, store, id, domain.Failed)
	m.Stop()

	if !lk.free() {
		t.Fatal("lock still held after failed job")
	}
}

func TestRestartProcessesNewJobs(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := newTestManager(store)
	m.RegisterHandler("sync", func(context.Context, []byte) error { return nil })

	first, _ := m.EnqueueJob(context.Background(), "sync", nil, "a")
	m.Start()
	waitStatus(t, store, first, domain.Completed)
	m.Stop()
	m.Stop() // second stop is a no-op, not a panic

	second, _ := m.EnqueueJob(context.Background(), "sync", nil, "a")
	m.Start()
	defer m.Stop()
	waitStatus(t, store, second, domain.Completed)
}

func TestCreationOrderPreferred(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := newTestManager(store)
	var mu sync.Mutex
	var order []string
	m.RegisterHandler("sync", func(_ context.Context, payload []byte) error {
		mu.Lock()
		order = append(order, string(payload))
		mu.Unlock()
		return nil
	})

	first, _ := m.EnqueueJob(context.Background(), "sync", []byte("first"), "a")
	second, _ := m.EnqueueJob(context.Background(), "sync", []byte("second"), "a")
	m.Start()
	defer m.Stop()
	waitStatus(t, store, first, domain.Completed)
	waitStatus(t, store, second, domain.Completed)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("execution order = %v", order)
	}
}

// countingLock tracks held state like the real lock would.
type countingLock struct {
	mu   sync.Mutex
	held bool
}

func (l *countingLock) Acquire(context.Context, bool, time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	return true
}

func (l *countingLock) Release(context.Context) {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}

func (l *countingLock) free() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.held
}
