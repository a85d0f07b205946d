// Package heartbeat keeps a user's presence record fresh in the remote store.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"larptable/api/internal/logging"
	"larptable/api/internal/metrics"
	"larptable/api/internal/presence"
	"larptable/api/internal/remote"
)

type Config struct {
	Interval   time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   15 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.Interval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("heartbeat max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("heartbeat retry delay must not be negative, got %s", c.RetryDelay)
	}
	return nil
}

// Writer is the part of the remote store a heartbeat needs.
type Writer interface {
	Write(ctx context.Context, path string, value json.RawMessage) error
}

// StopFunc stops a heartbeat. It waits for an in-flight write to return and
// may be called more than once. It leaves the presence record in place.
type StopFunc func()

type Manager struct {
	store   Writer
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	beats map[string]*beat
}

func NewManager(store Writer, log *zap.SugaredLogger, m *metrics.Metrics, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:   store,
		log:     logging.OrNop(log),
		metrics: metrics.OrNew(m),
		now:     now,
		beats:   make(map[string]*beat),
	}
}

type publishRequest struct {
	record presence.Record
	reply  chan error
}

type beat struct {
	path    string
	cfg     Config
	onError func(*presence.Error)
	cancel  context.CancelFunc
	done    chan struct{}
	publish chan publishRequest

	mu     sync.Mutex
	record presence.Record
}

func (b *beat) current() presence.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.record
}

// Start writes initial at once and then a refreshed copy every cfg.Interval
// until the returned StopFunc is called. A beat already running for the same
// namespace and user is stopped first. onError runs on the heartbeat's
// goroutine and must not call the StopFunc itself.
func (m *Manager) Start(namespace, userID string, initial presence.Record, cfg Config, onError func(*presence.Error)) (StopFunc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := remote.ValidateSegment(namespace); err != nil {
		return nil, err
	}
	if err := remote.ValidateSegment(userID); err != nil {
		return nil, err
	}

	key := remote.PresenceUserPath(namespace, userID)

	ctx, cancel := context.WithCancel(context.Background())
	b := &beat{
		path:    key,
		cfg:     cfg,
		onError: onError,
		cancel:  cancel,
		done:    make(chan struct{}),
		publish: make(chan publishRequest),
		record:  initial,
	}

	m.mu.Lock()
	prev := m.beats[key]
	m.beats[key] = b
	m.mu.Unlock()
	m.metrics.ActiveHeartbeats.Inc()

	if prev != nil {
		prev.cancel()
		<-prev.done
		m.metrics.ActiveHeartbeats.Dec()
	}
	go m.run(ctx, b)

	return func() { m.stop(key, b) }, nil
}

// Publish makes record the one later beats refresh and writes it right away
// on the beat's goroutine, so it cannot be overtaken by a beat in flight.
// It reports false when no beat runs for the namespace and user.
func (m *Manager) Publish(ctx context.Context, namespace, userID string, record presence.Record) (bool, error) {
	m.mu.Lock()
	b, ok := m.beats[remote.PresenceUserPath(namespace, userID)]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	req := publishRequest{record: record, reply: make(chan error, 1)}
	select {
	case b.publish <- req:
	case <-b.done:
		return false, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
	select {
	case err := <-req.reply:
		return true, err
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.beats)
}

// StopAll stops every running heartbeat.
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.beats))
	for key := range m.beats {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.stop(key, nil)
	}
}

// stop ends the beat registered under key. When only is set, nothing happens
// unless that exact beat is still registered, so a stale StopFunc cannot end
// a newer beat for the same user.
func (m *Manager) stop(key string, only *beat) {
	m.mu.Lock()
	b, ok := m.beats[key]
	if !ok || (only != nil && b != only) {
		m.mu.Unlock()
		if only != nil {
			only.cancel()
			<-only.done
		}
		return
	}
	delete(m.beats, key)
	m.mu.Unlock()

	b.cancel()
	<-b.done
	m.metrics.ActiveHeartbeats.Dec()
}

func (m *Manager) run(ctx context.Context, b *beat) {
	defer close(b.done)

	m.send(ctx, b, b.current())

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			record := b.current()
			record.LastActive = m.now().UnixMilli()
			record.UpdateType = presence.UpdateHeartbeat
			m.send(ctx, b, record)
		case req := <-b.publish:
			b.mu.Lock()
			b.record = req.record
			b.mu.Unlock()
			req.reply <- m.writeOnce(ctx, b.path, req.record)
		}
	}
}

// send writes record with fixed-delay retries and reports exhaustion through
// the beat's error callback. Cancellation is not a failure.
func (m *Manager) send(ctx context.Context, b *beat, record presence.Record) {
	value, err := json.Marshal(record)
	if err != nil {
		m.fail(b, presence.NewError(presence.CodeHeartbeatFailed, "Failed to encode presence", err))
		return
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.RetryDelay), uint64(b.cfg.MaxRetries)),
		ctx,
	)
	retries := 0
	err = backoff.RetryNotify(func() error {
		err := m.store.Write(ctx, b.path, value)
		if err != nil {
			m.metrics.HeartbeatWrites.WithLabelValues("error").Inc()
			return err
		}
		m.metrics.HeartbeatWrites.WithLabelValues("ok").Inc()
		return nil
	}, policy, func(err error, next time.Duration) {
		retries++
		m.log.Debugw("heartbeat write failed, retrying", "path", b.path, "retry", retries, "delay", next, "error", err)
	})
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}

	failure := presence.NewError(presence.CodeHeartbeatFailed, "Heartbeat write failed after retries", err)
	failure.RetryCount = retries
	failure.Timestamp = m.now()
	m.fail(b, failure)
}

func (m *Manager) writeOnce(ctx context.Context, path string, record presence.Record) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if err := m.store.Write(ctx, path, value); err != nil {
		m.metrics.HeartbeatWrites.WithLabelValues("error").Inc()
		return err
	}
	m.metrics.HeartbeatWrites.WithLabelValues("ok").Inc()
	return nil
}

func (m *Manager) fail(b *beat, failure *presence.Error) {
	m.metrics.HeartbeatFailures.Inc()
	m.log.Warnw("heartbeat failed", "path", b.path, "retries", failure.RetryCount, "error", failure.Err)
	if b.onError != nil {
		b.onError(failure)
	}
}
