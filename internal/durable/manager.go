// Package durable runs long-lived and deferred jobs from a queue
// shared across replicas. The shared job table is the only coordination
// point: each replica polls, and the store's atomic pending→processing
// claim guarantees a job reaches at most one worker. There is no retry
// loop here; a failed job stays failed until something external
// resubmits it.
package durable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/you/docq/internal/domain"
)

// Handler executes one job's payload.
type Handler func(ctx context.Context, payload []byte) error

// Store is the persistence the manager needs; *storage.Store satisfies
// it, tests use an in-memory double.
type Store interface {
	InsertJob(ctx context.Context, jobType string, payload []byte, owner string) (string, error)
	ClaimNext(ctx context.Context) (*domain.Job, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
}

// Locker matches the distributed lock's acquire/release surface.
type Locker interface {
	Acquire(ctx context.Context, blocking bool, timeout time.Duration) bool
	Release(ctx context.Context)
}

// Manager polls the shared store and dispatches claimed jobs to
// registered handlers, one at a time per replica, each under the
// ingestion lock.
type Manager struct {
	store    Store
	lock     Locker
	lockWait time.Duration
	interval time.Duration
	log      *zap.Logger

	handlers map[string]Handler

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(store Store, lock Locker, lockWait, interval time.Duration, log *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Manager{
		store:    store,
		lock:     lock,
		lockWait: lockWait,
		interval: interval,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a job type to its handler. Call before Start.
func (m *Manager) RegisterHandler(jobType string, h Handler) {
	m.handlers[jobType] = h
}

// EnqueueJob persists a new pending job and returns its id.
func (m *Manager) EnqueueJob(ctx context.Context, jobType string, payload []byte, owner string) (string, error) {
	id, err := m.store.InsertJob(ctx, jobType, payload, owner)
	if err != nil {
		return "", err
	}
	m.log.Info("job enqueued", zap.String("job_id", id), zap.String("job_type", jobType), zap.String("owner", owner))
	return id, nil
}

// GetJob returns the persisted record for a job id; nil when unknown.
func (m *Manager) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return m.store.GetJob(ctx, id)
}

// Start launches the polling worker for this replica. A stopped
// manager may be started again.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(stop)
	m.log.Info("durable job worker started", zap.Duration("poll_interval", m.interval))
}

// Stop waits for the in-flight job, if any, to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop := m.stopCh
	m.mu.Unlock()

	close(stop)
	m.wg.Wait()
	m.log.Info("durable job worker stopped")
}

func (m *Manager) run(stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		worked := m.poll()
		if worked {
			// drain without sleeping while jobs are pending
			select {
			case <-stop:
				return
			default:
			}
			continue
		}
		select {
		case <-stop:
			return
		case <-time.After(m.interval):
		}
	}
}

// poll claims and executes at most one job; reports whether it did.
func (m *Manager) poll() bool {
	ctx := context.Background()
	job, err := m.store.ClaimNext(ctx)
	if err != nil {
		m.log.Error("claim failed", zap.Error(err))
		return false
	}
	if job == nil {
		return false
	}
	m.process(ctx, job)
	return true
}

func (m *Manager) process(ctx context.Context, job *domain.Job) {
	log := m.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.JobType), zap.Int("attempts", job.Attempts))

	h, ok := m.handlers[job.JobType]
	if !ok {
		// configuration error, visibly distinct from handler failures
		reason := fmt.Sprintf("no handler registered for job type %q", job.JobType)
		log.Error("dropping job", zap.String("reason", reason))
		if err := m.store.MarkFailed(ctx, job.ID, reason); err != nil {
			log.Error("mark failed errored", zap.Error(err))
		}
		return
	}

	if !m.lock.Acquire(ctx, true, m.lockWait) {
		reason := fmt.Sprintf("lock acquire timeout after %s", m.lockWait)
		log.Warn("gave up waiting for ingestion lock", zap.Duration("waited", m.lockWait))
		if err := m.store.MarkFailed(ctx, job.ID, reason); err != nil {
			log.Error("mark failed errored", zap.Error(err))
		}
		return
	}
	defer m.lock.Release(ctx)

	start := time.Now()
	err := m.invoke(ctx, h, job.Payload)
	if err != nil {
		log.Error("job failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		if merr := m.store.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
			log.Error("mark failed errored", zap.Error(merr))
		}
		return
	}
	log.Info("job completed", zap.Duration("took", time.Since(start)))
	if merr := m.store.MarkCompleted(ctx, job.ID); merr != nil {
		log.Error("mark completed errored", zap.Error(merr))
	}
}

// invoke shields the worker loop from handler panics.
func (m *Manager) invoke(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
