package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larptable/api/internal/metrics"
	"larptable/api/internal/presence"
)

type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	fn     func(path string, value json.RawMessage) error
}

type write struct {
	path   string
	record presence.Record
	at     time.Time
}

func (f *fakeWriter) Write(_ context.Context, path string, value json.RawMessage) error {
	var record presence.Record
	_ = json.Unmarshal(value, &record)
	f.mu.Lock()
	f.writes = append(f.writes, write{path: path, record: record, at: time.Now()})
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(path, value)
	}
	return nil
}

func (f *fakeWriter) snapshot() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Equal(t, 15*time.Second, DefaultConfig().Interval)
	assert.Equal(t, 3, DefaultConfig().MaxRetries)
	assert.Equal(t, time.Second, DefaultConfig().RetryDelay)

	assert.Error(t, Config{Interval: 0}.Validate())
	assert.Error(t, Config{Interval: time.Second, MaxRetries: -1}.Validate())
	assert.Error(t, Config{Interval: time.Second, RetryDelay: -time.Second}.Validate())
}

func TestStartWritesImmediatelyThenOnInterval(t *testing.T) {
	writer := &fakeWriter{}
	m := metrics.New(nil)
	manager := NewManager(writer, nil, m, nil)

	t0 := time.Now().Add(-time.Hour).UnixMilli()
	initial := presence.Record{Name: "Alice", PhotoURL: "https://example.test/alice.png", LastActive: t0, UpdateType: presence.UpdateJoin}

	stop, err := manager.Start("sheet-42", "alice", initial, Config{Interval: 40 * time.Millisecond, MaxRetries: 3, RetryDelay: time.Millisecond}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return writer.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	writes := writer.snapshot()
	assert.Equal(t, "sheet-42/presence/alice", writes[0].path)
	assert.Equal(t, initial, writes[0].record)

	hb := writes[1].record
	assert.Equal(t, presence.UpdateHeartbeat, hb.UpdateType)
	assert.Greater(t, hb.LastActive, t0)
	assert.Equal(t, "Alice", hb.Name)
	assert.Equal(t, 0, manager.Active())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveHeartbeats))
}

func TestStopPreventsFurtherWrites(t *testing.T) {
	writer := &fakeWriter{}
	manager := NewManager(writer, nil, nil, nil)
	interval := 20 * time.Millisecond

	stop, err := manager.Start("sheet-42", "alice", presence.Record{Name: "Alice"}, Config{Interval: interval}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return writer.count() >= 2 }, 2*time.Second, 2*time.Millisecond)

	stop()
	stopped := writer.count()
	time.Sleep(3 * interval)
	assert.Equal(t, stopped, writer.count())

	stop()
}

func TestRetryExhaustionReportsAndKeepsBeating(t *testing.T) {
	cause := errors.New("network down")
	writer := &fakeWriter{fn: func(string, json.RawMessage) error { return cause }}
	m := metrics.New(nil)
	manager := NewManager(writer, nil, m, nil)

	var mu sync.Mutex
	var failures []*presence.Error
	onError := func(err *presence.Error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}

	cfg := Config{Interval: 50 * time.Millisecond, MaxRetries: 3, RetryDelay: time.Millisecond}
	stop, err := manager.Start("sheet-42", "alice", presence.Record{Name: "Alice"}, cfg, onError)
	require.NoError(t, err)
	defer stop()

	// The initial write fails, and so does the first timed beat after it.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	first := failures[0]
	mu.Unlock()
	assert.Equal(t, presence.CodeHeartbeatFailed, first.Code)
	assert.Equal(t, 3, first.RetryCount)
	assert.ErrorIs(t, first, cause)
	assert.Equal(t, "network down", first.Details)
	assert.False(t, first.Timestamp.IsZero())

	// Each failed beat is one attempt plus MaxRetries retries.
	assert.GreaterOrEqual(t, writer.count(), 8)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.HeartbeatFailures), 2.0)
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	writer := &fakeWriter{fn: func(string, json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	}}
	manager := NewManager(writer, nil, nil, nil)

	reported := make(chan *presence.Error, 1)
	stop, err := manager.Start("sheet-42", "alice", presence.Record{Name: "Alice"}, Config{Interval: time.Hour, MaxRetries: 3, RetryDelay: time.Millisecond}, func(err *presence.Error) {
		reported <- err
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return writer.count() == 3 }, 2*time.Second, 2*time.Millisecond)
	stop()
	assert.Empty(t, reported)
}

func TestStartAgainReplacesPriorBeat(t *testing.T) {
	writer := &fakeWriter{}
	manager := NewManager(writer, nil, nil, nil)
	cfg := Config{Interval: time.Hour}

	stopFirst, err := manager.Start("sheet-42", "alice", presence.Record{Name: "first"}, cfg, nil)
	require.NoError(t, err)
	stopSecond, err := manager.Start("sheet-42", "alice", presence.Record{Name: "second"}, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, manager.Active())

	// A stale stop function must not end the newer beat.
	stopFirst()
	assert.Equal(t, 1, manager.Active())

	stopSecond()
	assert.Equal(t, 0, manager.Active())
}

func TestConcurrentStartsKeepOneBeat(t *testing.T) {
	m := metrics.New(nil)
	manager := NewManager(&fakeWriter{}, nil, m, nil)
	cfg := Config{Interval: time.Hour}

	var wg sync.WaitGroup
	stops := make([]StopFunc, 16)
	for i := range stops {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stop, err := manager.Start("sheet-42", "alice", presence.Record{Name: "alice"}, cfg, nil)
			assert.NoError(t, err)
			stops[i] = stop
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, manager.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveHeartbeats))

	for _, stop := range stops {
		if stop != nil {
			stop()
		}
	}
	assert.Equal(t, 0, manager.Active())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveHeartbeats))
}

func TestPublishWritesNowAndChangesLaterBeats(t *testing.T) {
	writer := &fakeWriter{}
	manager := NewManager(writer, nil, nil, nil)

	stop, err := manager.Start("sheet-42", "alice", presence.Record{Name: "Alice"}, Config{Interval: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer stop()

	running, err := manager.Publish(context.Background(), "sheet-42", "alice", presence.Record{Name: "Alice", ActiveCell: "B3", UpdateType: presence.UpdateStateChange})
	require.NoError(t, err)
	require.True(t, running)

	// The initial write always lands before a published record.
	writes := writer.snapshot()
	require.GreaterOrEqual(t, len(writes), 2)
	assert.Empty(t, writes[0].record.ActiveCell)

	running, err = manager.Publish(context.Background(), "sheet-42", "bob", presence.Record{})
	require.NoError(t, err)
	assert.False(t, running)

	require.Eventually(t, func() bool {
		writes := writer.snapshot()
		last := writes[len(writes)-1].record
		return last.ActiveCell == "B3" && last.UpdateType == presence.UpdateHeartbeat
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPublishReportsWriteError(t *testing.T) {
	cause := errors.New("denied")
	writer := &fakeWriter{}
	manager := NewManager(writer, nil, nil, nil)

	stop, err := manager.Start("sheet-42", "alice", presence.Record{Name: "Alice"}, Config{Interval: time.Hour}, nil)
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool { return writer.count() == 1 }, 2*time.Second, 2*time.Millisecond)
	writer.mu.Lock()
	writer.fn = func(string, json.RawMessage) error { return cause }
	writer.mu.Unlock()

	_, err = manager.Publish(context.Background(), "sheet-42", "alice", presence.Record{Name: "Alice", ActiveCell: "C1"})
	assert.ErrorIs(t, err, cause)
}

func TestStartRejectsBadInput(t *testing.T) {
	manager := NewManager(&fakeWriter{}, nil, nil, nil)

	_, err := manager.Start("", "alice", presence.Record{}, DefaultConfig(), nil)
	assert.Error(t, err)
	_, err = manager.Start("sheet-42", "a/b", presence.Record{}, DefaultConfig(), nil)
	assert.Error(t, err)
	_, err = manager.Start("sheet-42", "alice", presence.Record{}, Config{}, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, manager.Active())
}

func TestStopAll(t *testing.T) {
	manager := NewManager(&fakeWriter{}, nil, nil, nil)
	for _, user := range []string{"alice", "bob"} {
		_, err := manager.Start("sheet-42", user, presence.Record{Name: user}, Config{Interval: time.Hour}, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 2, manager.Active())
	manager.StopAll()
	assert.Equal(t, 0, manager.Active())
}
