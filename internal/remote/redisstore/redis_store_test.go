package redisstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larptable/api/internal/metrics"
	"larptable/api/internal/remote"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, *metrics.Metrics) {
	t.Helper()
	s := miniredis.RunT(t)
	m := metrics.New(nil)
	client, err := NewClient("redis://"+s.Addr(), Options{LeaseTTL: 30 * time.Second, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, s, m
}

type values struct {
	mu   sync.Mutex
	list []string
}

func (v *values) add(raw json.RawMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if raw == nil {
		v.list = append(v.list, "<nil>")
		return
	}
	v.list = append(v.list, string(raw))
}

func (v *values) last() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.list) == 0 {
		return ""
	}
	return v.list[len(v.list)-1]
}

func (v *values) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.list)
}

func TestNewClient(t *testing.T) {
	s := miniredis.RunT(t)

	client, err := NewClient("redis://"+s.Addr(), Options{})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()))

	_, err = NewClient("not a url", Options{})
	require.Error(t, err)
}

func TestWriteAndSubscribeCollection(t *testing.T) {
	client, _, _ := setupTestRedis(t)
	ctx := context.Background()

	conn, err := client.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close(ctx)

	got := &values{}
	unsubscribe, err := conn.Subscribe(ctx, remote.PresencePath("sheet-42"), got.add)
	require.NoError(t, err)
	defer unsubscribe()
	require.Equal(t, "<nil>", got.last())

	require.NoError(t, conn.Write(ctx, remote.PresenceUserPath("sheet-42", "u1"), json.RawMessage(`{"name":"Alice"}`)))
	require.Eventually(t, func() bool { return got.last() == `{"u1":{"name":"Alice"}}` }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Write(ctx, remote.PresenceUserPath("sheet-42", "u2"), json.RawMessage(`{"name":"Bob"}`)))
	require.Eventually(t, func() bool {
		return got.last() == `{"u1":{"name":"Alice"},"u2":{"name":"Bob"}}`
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Write(ctx, remote.PresenceUserPath("sheet-42", "u1"), nil))
	require.NoError(t, conn.Write(ctx, remote.PresenceUserPath("sheet-42", "u2"), nil))
	require.Eventually(t, func() bool { return got.last() == "<nil>" }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeLeaf(t *testing.T) {
	client, _, _ := setupTestRedis(t)
	ctx := context.Background()

	conn, err := client.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close(ctx)

	path := remote.LockPath("sheet-42", "B3")
	require.NoError(t, conn.Write(ctx, path, json.RawMessage(`{"userId":"u1"}`)))

	got := &values{}
	unsubscribe, err := conn.Subscribe(ctx, path, got.add)
	require.NoError(t, err)
	defer unsubscribe()
	assert.JSONEq(t, `{"userId":"u1"}`, got.last())

	// A sibling write notifies the collection channel but does not change
	// the leaf, so nothing is delivered for it.
	require.NoError(t, conn.Write(ctx, remote.LockPath("sheet-42", "C4"), json.RawMessage(`{"userId":"u2"}`)))
	require.NoError(t, conn.Write(ctx, path, nil))
	require.Eventually(t, func() bool { return got.last() == "<nil>" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, got.len())
}

func TestWriteRejectsBadInput(t *testing.T) {
	client, _, _ := setupTestRedis(t)
	ctx := context.Background()

	conn, err := client.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close(ctx)

	assert.ErrorIs(t, conn.Write(ctx, "toplevel", json.RawMessage(`{}`)), remote.ErrInvalidPath)
	assert.ErrorIs(t, conn.Write(ctx, "a//b", json.RawMessage(`{}`)), remote.ErrInvalidPath)
	assert.Error(t, conn.Write(ctx, "a/b", json.RawMessage(`{not json`)))
}

func TestCloseAppliesDisconnectCleanups(t *testing.T) {
	client, s, _ := setupTestRedis(t)
	ctx := context.Background()

	watcher, err := client.Connect(ctx)
	require.NoError(t, err)
	defer watcher.Close(ctx)
	conn, err := client.Connect(ctx)
	require.NoError(t, err)

	path := remote.PresenceUserPath("sheet-42", "u1")
	require.NoError(t, conn.RegisterDisconnectCleanup(ctx, path, nil))
	require.NoError(t, conn.Write(ctx, path, json.RawMessage(`{"name":"Alice"}`)))

	got := &values{}
	unsubscribe, err := watcher.Subscribe(ctx, remote.PresencePath("sheet-42"), got.add)
	require.NoError(t, err)
	defer unsubscribe()
	assert.JSONEq(t, `{"u1":{"name":"Alice"}}`, got.last())

	require.NoError(t, conn.Close(ctx))
	require.Eventually(t, func() bool { return got.last() == "<nil>" }, 2*time.Second, 10*time.Millisecond)

	assert.False(t, s.Exists("rt:lease:"+conn.ID()))
	assert.False(t, s.Exists("rt:ondisconnect:"+conn.ID()))
	assert.ErrorIs(t, conn.Write(ctx, path, json.RawMessage(`{}`)), remote.ErrClosed)
	require.NoError(t, conn.Close(ctx))
}

func TestSweepAppliesCleanupsOfExpiredLeases(t *testing.T) {
	client, s, m := setupTestRedis(t)
	ctx := context.Background()

	alive, err := client.Connect(ctx)
	require.NoError(t, err)
	defer alive.Close(ctx)
	vanished, err := client.Connect(ctx)
	require.NoError(t, err)

	lockPath := remote.LockPath("sheet-42", "A1")
	presencePath := remote.PresenceUserPath("sheet-42", "u2")
	require.NoError(t, vanished.Write(ctx, lockPath, json.RawMessage(`{"userId":"u2"}`)))
	require.NoError(t, vanished.Write(ctx, presencePath, json.RawMessage(`{"name":"Bob"}`)))
	require.NoError(t, vanished.RegisterDisconnectCleanup(ctx, lockPath, nil))
	require.NoError(t, vanished.RegisterDisconnectCleanup(ctx, presencePath, nil))

	n, err := client.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The vanished connection stops refreshing its lease.
	s.Del("rt:lease:" + vanished.ID())
	s.FastForward(31 * time.Second)
	require.NoError(t, s.Set("rt:lease:"+alive.ID(), "1"))

	n, err = client.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreSweeps.WithLabelValues("redis")))

	value, err := client.read(ctx, remote.LocksPath("sheet-42"))
	require.NoError(t, err)
	assert.Nil(t, value)

	n, err = client.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCancelDisconnectCleanup(t *testing.T) {
	client, _, _ := setupTestRedis(t)
	ctx := context.Background()

	conn, err := client.Connect(ctx)
	require.NoError(t, err)

	path := remote.LockPath("sheet-42", "D5")
	require.NoError(t, conn.Write(ctx, path, json.RawMessage(`{"userId":"u1"}`)))
	require.NoError(t, conn.RegisterDisconnectCleanup(ctx, path, nil))
	require.NoError(t, conn.CancelDisconnectCleanup(ctx, path))
	require.NoError(t, conn.Close(ctx))

	value, err := client.read(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u1"}`, string(value))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	client, _, _ := setupTestRedis(t)
	ctx := context.Background()

	conn, err := client.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close(ctx)

	got := &values{}
	unsubscribe, err := conn.Subscribe(ctx, remote.LocksPath("sheet-42"), got.add)
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()

	require.NoError(t, conn.Write(ctx, remote.LockPath("sheet-42", "A1"), json.RawMessage(`{}`)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got.len())
}

func TestSubscriptionMadeDuringCloseIsStopped(t *testing.T) {
	client, _, _ := setupTestRedis(t)
	ctx := context.Background()

	conn, err := client.Connect(ctx)
	require.NoError(t, err)
	rc := conn.(*Conn)

	pubsub := client.client.Subscribe(ctx, client.channel("presence/sheet-42"))
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{path: "presence/sheet-42", pubsub: pubsub, cancel: cancel, owner: client}

	require.NoError(t, conn.Close(ctx))

	assert.ErrorIs(t, rc.track(sub), remote.ErrClosed)
	assert.ErrorIs(t, subCtx.Err(), context.Canceled)
	assert.Error(t, pubsub.Ping(ctx))

	_, err = conn.Subscribe(ctx, remote.PresencePath("sheet-42"), func(json.RawMessage) {})
	assert.ErrorIs(t, err, remote.ErrClosed)
}
