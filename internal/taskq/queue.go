// Package taskq runs short-lived, interactively triggered jobs on a
// single background worker, strictly in submission order. Each job
// executes only while holding the shared ingestion lock, so "process
// now" requests from different replicas never touch the mailbox
// session concurrently.
package taskq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Work is the unit a job executes. The returned string becomes the
// job's result message.
type Work func(ctx context.Context) (string, error)

// Job is the public snapshot of a queued task. Get returns copies of
// this; the callable never leaves the queue.
type Job struct {
	ID         string
	Action     string
	Status     Status
	Result     string
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Locker is the slice of the distributed lock the queue needs.
type Locker interface {
	Acquire(ctx context.Context, blocking bool, timeout time.Duration) bool
	Release(ctx context.Context)
}

type entry struct {
	job  Job
	work Work
}

// Queue is a FIFO queue with one worker goroutine. Jobs never run in
// parallel within one queue.
type Queue struct {
	lock     Locker
	lockWait time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []string
	jobs    map[string]*entry
	stopped bool
	wg      sync.WaitGroup
}

func New(lock Locker, lockWait time.Duration, log *zap.Logger) *Queue {
	q := &Queue{
		lock:     lock,
		lockWait: lockWait,
		log:      log,
		jobs:     make(map[string]*entry),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker goroutine. The queue is one-shot: a
// stopped queue stays stopped.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop lets the current job finish, drops nothing already queued from
// the table, and waits for the worker to exit. Jobs still queued stay
// in status queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
}

// Enqueue submits a job and returns its id immediately.
func (q *Queue) Enqueue(action string, work Work) string {
	id := uuid.NewString()
	q.mu.Lock()
	q.jobs[id] = &entry{
		job:  Job{ID: id, Action: action, Status: StatusQueued, CreatedAt: time.Now().UTC()},
		work: work,
	}
	q.pending = append(q.pending, id)
	q.mu.Unlock()
	q.cond.Signal()
	return id
}

// Get returns a snapshot of the job's public fields.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		id := q.pending[0]
		q.pending = q.pending[1:]
		e := q.jobs[id]
		now := time.Now().UTC()
		e.job.Status = StatusRunning
		e.job.StartedAt = &now
		work := e.work
		q.mu.Unlock()

		result, err := q.execute(id, work)

		q.mu.Lock()
		fin := time.Now().UTC()
		e.job.FinishedAt = &fin
		if err != nil {
			e.job.Status = StatusError
			e.job.Error = err.Error()
		} else {
			e.job.Status = StatusDone
			e.job.Result = result
		}
		q.mu.Unlock()
	}
}

// execute runs one job under the lock. The lock is released on every
// exit path, including panics in the work callable.
func (q *Queue) execute(id string, work Work) (result string, err error) {
	ctx := context.Background()
	if !q.lock.Acquire(ctx, true, q.lockWait) {
		q.log.Warn("task gave up waiting for ingestion lock", zap.String("job_id", id), zap.Duration("waited", q.lockWait))
		return "", fmt.Errorf("lock acquire timeout after %s", q.lockWait)
	}
	defer q.lock.Release(ctx)
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked", zap.String("job_id", id), zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return work(ctx)
}
