// Package locks mirrors the cell locks of a namespace and implements the
// advisory lock operations on top of the remote store.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"larptable/api/internal/logging"
	"larptable/api/internal/metrics"
	"larptable/api/internal/remote"
)

const DefaultTTL = 30 * time.Second

var (
	ErrLocked   = errors.New("cell is locked by another user")
	ErrNotOwner = errors.New("lock is not held by this user")
)

// Lock is one cell lock. Times are unix milliseconds.
type Lock struct {
	UserID     string `json:"userId"`
	AcquiredAt int64  `json:"acquiredAt"`
	Expires    int64  `json:"expires"`
}

func (l Lock) Active(now time.Time) bool {
	return l.Expires > now.UnixMilli()
}

// Map is keyed by cell id. It may contain expired locks.
type Map map[string]Lock

func (m Map) Clone() Map {
	out := make(Map, len(m))
	for cell, lock := range m {
		out[cell] = lock
	}
	return out
}

// Active returns the locks that have not expired at now.
func (m Map) Active(now time.Time) Map {
	out := Map{}
	for cell, lock := range m {
		if lock.Active(now) {
			out[cell] = lock
		}
	}
	return out
}

func (m Map) Cells() []string {
	cells := make([]string, 0, len(m))
	for cell := range m {
		cells = append(cells, cell)
	}
	sort.Strings(cells)
	return cells
}

// DecodeMap parses the value of a locks collection. Undecodable entries are
// skipped and reported in the error.
func DecodeMap(raw json.RawMessage) (Map, error) {
	out := Map{}
	if remote.IsNull(raw) {
		return out, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return out, fmt.Errorf("decode lock map: %w", err)
	}
	var errs []error
	for cell, value := range entries {
		var lock Lock
		if err := json.Unmarshal(value, &lock); err != nil {
			errs = append(errs, fmt.Errorf("decode lock %q: %w", cell, err))
			continue
		}
		out[cell] = lock
	}
	return out, errors.Join(errs...)
}

type Options struct {
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Mirror holds the latest lock map of one namespace exactly as the store
// delivered it. Readers decide for themselves whether a lock is active.
type Mirror struct {
	store     remote.Store
	namespace string
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	locks     Map
	nextID    uint64
	listeners map[uint64]func(Map)

	unsubscribe remote.Unsubscribe
	closeOnce   sync.Once
}

// NewMirror subscribes to the namespace's locks. The current map is loaded
// before NewMirror returns.
func NewMirror(ctx context.Context, store remote.Store, namespace string, opts Options) (*Mirror, error) {
	if err := remote.ValidateSegment(namespace); err != nil {
		return nil, err
	}
	m := &Mirror{
		store:     store,
		namespace: namespace,
		log:       logging.OrNop(opts.Logger),
		metrics:   metrics.OrNew(opts.Metrics),
		locks:     Map{},
		listeners: make(map[uint64]func(Map)),
	}
	unsubscribe, err := store.Subscribe(ctx, remote.LocksPath(namespace), m.apply)
	if err != nil {
		return nil, fmt.Errorf("subscribe to locks of %s: %w", namespace, err)
	}
	m.unsubscribe = unsubscribe
	return m, nil
}

func (m *Mirror) apply(raw json.RawMessage) {
	decoded, err := DecodeMap(raw)
	if err != nil {
		m.log.Warnw("lock map partially decoded", "namespace", m.namespace, "error", err)
	}

	m.mu.Lock()
	m.locks = decoded
	listeners := make([]func(Map), 0, len(m.listeners))
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(decoded.Clone())
	}
}

func (m *Mirror) Namespace() string { return m.namespace }

// Snapshot returns a copy of the current map, expired locks included.
func (m *Mirror) Snapshot() Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks.Clone()
}

func (m *Mirror) Get(cell string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[cell]
	return lock, ok
}

// OnChange calls fn with every new lock map until the returned function is
// called.
func (m *Mirror) OnChange(fn func(Map)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Mirror) Close() {
	m.closeOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		m.mu.Lock()
		m.listeners = make(map[uint64]func(Map))
		m.mu.Unlock()
	})
}

// Acquire locks cell for userID until now+ttl. Re-acquiring an own lock
// extends it. The lock is removed by the store if this connection drops.
func (m *Mirror) Acquire(ctx context.Context, cell, userID string, ttl time.Duration, now time.Time) (Lock, error) {
	if err := remote.ValidateSegment(cell); err != nil {
		return Lock{}, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	lock := Lock{UserID: userID, AcquiredAt: now.UnixMilli(), Expires: now.Add(ttl).UnixMilli()}
	if current, ok := m.Get(cell); ok && current.Active(now) {
		if current.UserID != userID {
			m.metrics.LockOperations.WithLabelValues("acquire", "conflict").Inc()
			return current, ErrLocked
		}
		lock.AcquiredAt = current.AcquiredAt
	}

	path := remote.LockPath(m.namespace, cell)
	if err := m.store.RegisterDisconnectCleanup(ctx, path, nil); err != nil {
		m.metrics.LockOperations.WithLabelValues("acquire", "error").Inc()
		return Lock{}, fmt.Errorf("register lock cleanup %s: %w", path, err)
	}
	if err := m.write(ctx, path, lock); err != nil {
		m.metrics.LockOperations.WithLabelValues("acquire", "error").Inc()
		return Lock{}, err
	}
	m.metrics.LockOperations.WithLabelValues("acquire", "ok").Inc()
	return lock, nil
}

// Renew extends a lock userID already holds.
func (m *Mirror) Renew(ctx context.Context, cell, userID string, ttl time.Duration, now time.Time) (Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	current, ok := m.Get(cell)
	if !ok || current.UserID != userID || !current.Active(now) {
		m.metrics.LockOperations.WithLabelValues("renew", "not_owner").Inc()
		return Lock{}, ErrNotOwner
	}
	current.Expires = now.Add(ttl).UnixMilli()
	if err := m.write(ctx, remote.LockPath(m.namespace, cell), current); err != nil {
		m.metrics.LockOperations.WithLabelValues("renew", "error").Inc()
		return Lock{}, err
	}
	m.metrics.LockOperations.WithLabelValues("renew", "ok").Inc()
	return current, nil
}

// Release removes userID's lock on cell. Releasing a free cell is a no-op.
func (m *Mirror) Release(ctx context.Context, cell, userID string) error {
	current, ok := m.Get(cell)
	if !ok {
		return nil
	}
	if current.UserID != userID {
		m.metrics.LockOperations.WithLabelValues("release", "not_owner").Inc()
		return ErrNotOwner
	}

	path := remote.LockPath(m.namespace, cell)
	if err := m.store.Write(ctx, path, nil); err != nil {
		m.metrics.LockOperations.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("release lock %s: %w", path, err)
	}
	if err := m.store.CancelDisconnectCleanup(ctx, path); err != nil {
		m.log.Warnw("cancel lock cleanup failed", "path", path, "error", err)
	}
	m.metrics.LockOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// SweepExpired removes every lock that expired before now from the store.
func (m *Mirror) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	snapshot := m.Snapshot()
	removed := 0
	var errs []error
	for _, cell := range snapshot.Cells() {
		if snapshot[cell].Active(now) {
			continue
		}
		if err := m.store.Write(ctx, remote.LockPath(m.namespace, cell), nil); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.metrics.LockOperations.WithLabelValues("sweep", "ok").Add(float64(removed))
	}
	return removed, errors.Join(errs...)
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (m *Mirror) RunSweeper(ctx context.Context, interval time.Duration, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.SweepExpired(ctx, now())
			if err != nil && ctx.Err() == nil {
				m.log.Warnw("expired lock sweep failed", "namespace", m.namespace, "error", err)
			}
			if removed > 0 {
				m.log.Infow("removed expired locks", "namespace", m.namespace, "count", removed)
			}
		}
	}
}

func (m *Mirror) write(ctx context.Context, path string, lock Lock) error {
	value, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	if err := m.store.Write(ctx, path, value); err != nil {
		return fmt.Errorf("write lock %s: %w", path, err)
	}
	return nil
}
