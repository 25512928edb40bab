package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mode reports which mutual-exclusion domain the lock operates in.
type Mode int32

const (
	// ModeDistributed excludes holders fleet-wide via the shared store.
	ModeDistributed Mode = iota
	// ModeLocal excludes holders within this process only. Entered once
	// when the store is unreachable; never left.
	ModeLocal
)

func (m Mode) String() string {
	if m == ModeLocal {
		return "local"
	}
	return "distributed"
}

const defaultPoll = 100 * time.Millisecond

// rediser is the slice of the go-redis client the lock needs; tests
// substitute a fake backed by a map.
type rediser interface {
	Ping(ctx context.Context) *r.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *r.BoolCmd
	Del(ctx context.Context, keys ...string) *r.IntCmd
}

// Lock is a single named cluster-wide mutex with a lease. The primary
// implementation is the store's atomic set-if-absent with expiry; the
// lease bounds how long a crashed holder can block the fleet. On store
// failure the lock degrades permanently to a process-local mutex.
type Lock struct {
	client rediser
	key    string
	holder string
	lease  time.Duration
	poll   time.Duration
	log    *zap.Logger

	mode      atomic.Int32
	localMu   sync.Mutex
	distHeld  atomic.Bool
	localHeld atomic.Bool
}

// New builds a lock on the given key. A nil client, or a failed ping,
// starts the lock in local-only mode.
func New(ctx context.Context, client rediser, key, holder string, lease time.Duration, log *zap.Logger) *Lock {
	l := &Lock{
		client: client,
		key:    key,
		holder: holder,
		lease:  lease,
		poll:   defaultPoll,
		log:    log,
	}
	if client == nil {
		l.mode.Store(int32(ModeLocal))
		log.Warn("lock store not configured, mutual exclusion is process-local only", zap.String("key", key))
		return l
	}
	if err := client.Ping(ctx).Err(); err != nil {
		l.degrade(err)
	}
	return l
}

// Mode returns the current exclusion domain.
func (l *Lock) Mode() Mode { return Mode(l.mode.Load()) }

func (l *Lock) degrade(err error) {
	if l.mode.CompareAndSwap(int32(ModeDistributed), int32(ModeLocal)) {
		l.log.Warn("lock store unreachable, degrading to process-local mutex for the rest of this process",
			zap.String("key", l.key), zap.Error(err))
	}
}

// Acquire attempts to take the lock. With blocking=false it returns the
// outcome of a single attempt. With blocking=true it polls until it
// wins, the timeout elapses (timeout<=0 means wait forever), or ctx is
// done. Returns true only when the lock is held by this caller.
func (l *Lock) Acquire(ctx context.Context, blocking bool, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if l.Mode() == ModeLocal {
			return l.acquireLocal(ctx, blocking, deadline)
		}
		ok, err := l.client.SetNX(ctx, l.key, l.holder, l.lease).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			l.degrade(err)
			return l.acquireLocal(ctx, blocking, deadline)
		}
		if ok {
			l.distHeld.Store(true)
			return true
		}
		if !blocking || !l.sleep(ctx, deadline) {
			return false
		}
	}
}

func (l *Lock) acquireLocal(ctx context.Context, blocking bool, deadline time.Time) bool {
	for {
		if l.localMu.TryLock() {
			l.localHeld.Store(true)
			return true
		}
		if !blocking || !l.sleep(ctx, deadline) {
			return false
		}
	}
}

// sleep waits one poll interval; false means the deadline or context
// cut the wait short.
func (l *Lock) sleep(ctx context.Context, deadline time.Time) bool {
	if !deadline.IsZero() && time.Now().Add(l.poll).After(deadline) {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.poll):
		return true
	}
}

// Release gives the lock up. Each hold is released in the domain it
// was acquired in: a store-backed hold deletes the key even if the
// lock has since degraded, so a concurrent local holder's mutex is
// never touched. Safe to call when the lock is not held: the store
// release is an unconditional delete of the key and the local release
// only unlocks when this process holds the mutex. Store errors are
// logged, never returned.
func (l *Lock) Release(ctx context.Context) {
	if l.distHeld.CompareAndSwap(true, false) {
		l.del(ctx)
		return
	}
	if l.localHeld.CompareAndSwap(true, false) {
		l.localMu.Unlock()
		return
	}
	if l.Mode() == ModeLocal {
		return
	}
	l.del(ctx)
}

func (l *Lock) del(ctx context.Context) {
	if err := l.client.Del(ctx, l.key).Err(); err != nil && !errors.Is(err, context.Canceled) {
		l.log.Error("lock release failed", zap.String("key", l.key), zap.Error(err))
		l.degrade(err)
	}
}
