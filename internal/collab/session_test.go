package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larptable/api/internal/auth"
	"larptable/api/internal/heartbeat"
	"larptable/api/internal/locks"
	"larptable/api/internal/presence"
	"larptable/api/internal/rbac"
	"larptable/api/internal/remote"
)

var (
	alice = auth.Principal{Subject: "alice@example.test", Name: "Alice", PhotoURL: "https://example.test/alice.png", Role: rbac.RoleEditor}
	bob   = auth.Principal{Subject: "bob@example.test", Name: "Bob", Role: rbac.RoleEditor}
	vic   = auth.Principal{Subject: "vic@example.test", Name: "Vic", Role: rbac.RoleViewer}
)

type recordedWrite struct {
	path  string
	value json.RawMessage
	at    time.Time
}

// recordingStore wraps a store and records every mutation.
type recordingStore struct {
	remote.Store

	mu       sync.Mutex
	writes   []recordedWrite
	cleanups []string

	writeFn   func(path string, value json.RawMessage) error
	cleanupFn func(path string) error
}

func (r *recordingStore) Write(ctx context.Context, path string, value json.RawMessage) error {
	r.mu.Lock()
	r.writes = append(r.writes, recordedWrite{path: path, value: value, at: time.Now()})
	fn := r.writeFn
	r.mu.Unlock()
	if fn != nil {
		if err := fn(path, value); err != nil {
			return err
		}
	}
	if r.Store == nil {
		return nil
	}
	return r.Store.Write(ctx, path, value)
}

func (r *recordingStore) RegisterDisconnectCleanup(ctx context.Context, path string, value json.RawMessage) error {
	r.mu.Lock()
	r.cleanups = append(r.cleanups, path)
	fn := r.cleanupFn
	r.mu.Unlock()
	if fn != nil {
		if err := fn(path); err != nil {
			return err
		}
	}
	if r.Store == nil {
		return nil
	}
	return r.Store.RegisterDisconnectCleanup(ctx, path, value)
}

func (r *recordingStore) recorded() []recordedWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedWrite(nil), r.writes...)
}

func (r *recordingStore) mutations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes) + len(r.cleanups)
}

func signedIn(p auth.Principal) Identity {
	return func() (auth.Principal, bool) { return p, true }
}

func connect(t *testing.T, hub *remote.Memory) remote.Conn {
	t.Helper()
	conn, err := hub.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func newSession(t *testing.T, store remote.Store, identity Identity, cfg heartbeat.Config) *Session {
	t.Helper()
	s, err := NewSession(Deps{Store: store, Identity: identity, Heartbeat: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

type eventLog struct {
	mu     sync.Mutex
	events []presence.Event
}

func (l *eventLog) add(e presence.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []presence.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]presence.Event(nil), l.events...)
}

var slowBeat = heartbeat.Config{Interval: time.Hour, MaxRetries: 1, RetryDelay: time.Millisecond}

func TestRegisterWithoutNamespaceFailsWithoutWriting(t *testing.T) {
	store := &recordingStore{Store: connect(t, remote.NewMemory())}
	s := newSession(t, store, signedIn(alice), slowBeat)

	var reported *presence.Error
	err := s.RegisterPresence(context.Background(), PresenceData{}, RegisterOptions{
		OnError: func(err *presence.Error) { reported = err },
	})

	var failure *presence.Error
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, presence.CodeRegistrationFailed, failure.Code)
	assert.Equal(t, "No active namespace", failure.Message)
	assert.Same(t, failure, reported)
	assert.Equal(t, 0, store.mutations())
	assert.Equal(t, StateUnregistered, s.State())
}

func TestRegisterWithoutIdentityFails(t *testing.T) {
	store := &recordingStore{Store: connect(t, remote.NewMemory())}
	s := newSession(t, store, nil, slowBeat)
	require.NoError(t, s.Open(context.Background(), "sheet-42"))

	err := s.RegisterPresence(context.Background(), PresenceData{}, RegisterOptions{})
	require.True(t, presence.HasCode(err, presence.CodeRegistrationFailed))
	assert.ErrorIs(t, err, ErrNotSignedIn)
	assert.Contains(t, err.Error(), "No authenticated user")
	assert.Equal(t, 0, store.mutations())
}

func TestRegisterSetupFailureIsReportedAndReturned(t *testing.T) {
	cause := errors.New("permission denied")
	store := &recordingStore{
		Store:     connect(t, remote.NewMemory()),
		cleanupFn: func(string) error { return cause },
	}
	s := newSession(t, store, signedIn(alice), slowBeat)
	require.NoError(t, s.Open(context.Background(), "sheet-42"))

	var reported []*presence.Error
	err := s.RegisterPresence(context.Background(), PresenceData{}, RegisterOptions{
		OnError: func(err *presence.Error) { reported = append(reported, err) },
	})
	require.True(t, presence.HasCode(err, presence.CodeRegistrationFailed))
	assert.ErrorIs(t, err, cause)
	require.Len(t, reported, 1)
	assert.Equal(t, "permission denied", reported[0].Details)
	assert.Equal(t, StateUnregistered, s.State())
	assert.Empty(t, store.recorded())
}

func TestFailedReregistrationKeepsPriorRegistration(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{Store: connect(t, remote.NewMemory())}
	s := newSession(t, store, signedIn(alice), slowBeat)
	require.NoError(t, s.Open(ctx, "sheet-42"))
	require.NoError(t, s.RegisterPresence(ctx, PresenceData{}, RegisterOptions{}))

	store.mu.Lock()
	store.cleanupFn = func(string) error { return errors.New("permission denied") }
	store.mu.Unlock()

	err := s.RegisterPresence(ctx, PresenceData{Name: "Again"}, RegisterOptions{})
	require.True(t, presence.HasCode(err, presence.CodeRegistrationFailed))
	assert.Equal(t, StateRegistered, s.State())
	assert.Equal(t, 1, s.heartbeats.Active())

	require.NoError(t, s.SetActiveCell(ctx, "B2"))
	require.NoError(t, s.UnregisterPresence(ctx))
	assert.Equal(t, StateUnregistered, s.State())
	assert.Equal(t, 0, s.heartbeats.Active())
}

func TestHeartbeatScenario(t *testing.T) {
	hub := remote.NewMemory()
	store := &recordingStore{Store: connect(t, hub)}

	t0 := time.UnixMilli(1_700_000_000_000)
	start := time.Now()
	now := func() time.Time { return t0.Add(time.Since(start)) }

	interval := 40 * time.Millisecond
	s, err := NewSession(Deps{
		Store:     store,
		Identity:  signedIn(alice),
		Heartbeat: heartbeat.Config{Interval: interval, MaxRetries: 1, RetryDelay: time.Millisecond},
		Now:       now,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "sheet-42"))
	require.NoError(t, s.RegisterPresence(ctx, PresenceData{}, RegisterOptions{}))
	assert.Equal(t, StateRegistered, s.State())

	path := remote.PresenceUserPath("sheet-42", presence.UserKey(alice.Subject))
	require.Eventually(t, func() bool {
		for _, w := range store.recorded() {
			var record presence.Record
			if w.path == path && json.Unmarshal(w.value, &record) == nil && record.UpdateType == presence.UpdateHeartbeat {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	writes := store.recorded()
	var first, beat presence.Record
	require.NoError(t, json.Unmarshal(writes[0].value, &first))
	require.NoError(t, json.Unmarshal(writes[1].value, &beat))
	assert.Equal(t, "Alice", first.Name)
	assert.Equal(t, alice.PhotoURL, first.PhotoURL)
	assert.Equal(t, presence.UpdateJoin, first.UpdateType)
	assert.GreaterOrEqual(t, first.LastActive, t0.UnixMilli())
	assert.Equal(t, presence.UpdateHeartbeat, beat.UpdateType)
	assert.Greater(t, beat.LastActive, first.LastActive)

	require.NoError(t, s.UnregisterPresence(ctx))
	assert.Equal(t, StateUnregistered, s.State())
	afterStop := len(store.recorded())
	last := store.recorded()[afterStop-1]
	assert.Equal(t, path, last.path)
	assert.Nil(t, last.value)

	time.Sleep(2 * interval)
	assert.Len(t, store.recorded(), afterStop)
	assert.Nil(t, hub.Get(path))

	require.NoError(t, s.UnregisterPresence(ctx))
}

func TestPresenceEventsAcrossSessions(t *testing.T) {
	hub := remote.NewMemory()
	ctx := context.Background()

	observer := newSession(t, connect(t, hub), signedIn(vic), slowBeat)
	require.NoError(t, observer.Open(ctx, "sheet-42"))
	got := &eventLog{}
	observer.SubscribeToPresence(got.add)
	left := &eventLog{}
	observer.SubscribeToPresence(left.add, presence.EventLeft)

	aliceConn, err := hub.Connect(ctx)
	require.NoError(t, err)
	aliceSession := newSession(t, aliceConn, signedIn(alice), slowBeat)
	require.NoError(t, aliceSession.Open(ctx, "sheet-42"))
	require.NoError(t, aliceSession.RegisterPresence(ctx, PresenceData{}, RegisterOptions{}))
	require.Eventually(t, func() bool { return len(got.list()) == 1 }, 2*time.Second, 5*time.Millisecond)

	bobSession := newSession(t, connect(t, hub), signedIn(bob), slowBeat)
	require.NoError(t, bobSession.Open(ctx, "sheet-42"))
	require.NoError(t, bobSession.RegisterPresence(ctx, PresenceData{Name: "Robert"}, RegisterOptions{}))
	require.Eventually(t, func() bool { return len(got.list()) == 2 }, 2*time.Second, 5*time.Millisecond)

	// Alice's connection vanishes; the store's cleanup removes her record.
	require.NoError(t, hub.Drop(ctx, aliceConn.ID()))
	require.Eventually(t, func() bool { return len(got.list()) == 3 }, 2*time.Second, 5*time.Millisecond)

	aliceKey, bobKey := presence.UserKey(alice.Subject), presence.UserKey(bob.Subject)
	events := got.list()
	assert.Equal(t, presence.EventJoined, events[0].Type)
	assert.Equal(t, aliceKey, events[0].UserID)
	assert.Equal(t, presence.EventJoined, events[1].Type)
	assert.Equal(t, bobKey, events[1].UserID)
	assert.Equal(t, "Robert", events[1].Presence.Name)
	assert.Equal(t, presence.EventLeft, events[2].Type)
	assert.Equal(t, aliceKey, events[2].UserID)
	assert.Equal(t, "Alice", events[2].Presence.Name)

	require.Len(t, left.list(), 1)
	assert.Equal(t, aliceKey, left.list()[0].UserID)

	snapshot := observer.Presence()
	assert.Equal(t, []string{bobKey}, snapshot.Keys())
}

func TestOpenReplaysCurrentPresenceAsJoins(t *testing.T) {
	hub := remote.NewMemory()
	ctx := context.Background()

	aliceSession := newSession(t, connect(t, hub), signedIn(alice), slowBeat)
	require.NoError(t, aliceSession.Open(ctx, "sheet-42"))
	require.NoError(t, aliceSession.RegisterPresence(ctx, PresenceData{}, RegisterOptions{}))
	key := presence.UserKey(alice.Subject)
	require.Eventually(t, func() bool { return hub.Get(remote.PresenceUserPath("sheet-42", key)) != nil }, 2*time.Second, 5*time.Millisecond)

	late := newSession(t, connect(t, hub), signedIn(vic), slowBeat)
	require.NoError(t, late.Open(ctx, "sheet-42"))
	_, present := late.Presence()[key]
	assert.True(t, present)
}

func TestSwitchingNamespaceStopsHeartbeatAndFeeds(t *testing.T) {
	hub := remote.NewMemory()
	ctx := context.Background()
	conn := connect(t, hub)

	manager := heartbeat.NewManager(conn, nil, nil, nil)
	s, err := NewSession(Deps{Store: conn, Identity: signedIn(alice), Heartbeats: manager, Heartbeat: slowBeat})
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Open(ctx, "sheet-1"))
	require.NoError(t, s.RegisterPresence(ctx, PresenceData{}, RegisterOptions{}))
	require.Equal(t, 1, manager.Active())

	got := &eventLog{}
	s.SubscribeToPresence(got.add)

	require.NoError(t, s.Open(ctx, "sheet-2"))
	assert.Equal(t, "sheet-2", s.Namespace())
	assert.Equal(t, 0, manager.Active())
	assert.Equal(t, StateUnregistered, s.State())
	assert.Empty(t, s.Presence())

	other := newSession(t, connect(t, hub), signedIn(bob), slowBeat)
	require.NoError(t, other.Open(ctx, "sheet-1"))
	require.NoError(t, other.RegisterPresence(ctx, PresenceData{}, RegisterOptions{}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.list())

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, "", s.Namespace())
}

func TestUnregisterFailureIsCleanupFailed(t *testing.T) {
	cause := errors.New("offline")
	store := &recordingStore{Store: connect(t, remote.NewMemory())}
	s := newSession(t, store, signedIn(alice), slowBeat)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "sheet-42"))

	var reported []*presence.Error
	require.NoError(t, s.RegisterPresence(ctx, PresenceData{}, RegisterOptions{
		OnError: func(err *presence.Error) { reported = append(reported, err) },
	}))

	store.mu.Lock()
	store.writeFn = func(_ string, value json.RawMessage) error {
		if value == nil {
			return cause
		}
		return nil
	}
	store.mu.Unlock()

	err := s.UnregisterPresence(ctx)
	require.True(t, presence.HasCode(err, presence.CodeCleanupFailed))
	assert.ErrorIs(t, err, cause)
	require.Len(t, reported, 1)
	assert.Equal(t, presence.CodeCleanupFailed, reported[0].Code)
	assert.Equal(t, StateUnregistered, s.State())
}

func TestSetActiveCell(t *testing.T) {
	hub := remote.NewMemory()
	ctx := context.Background()
	s := newSession(t, connect(t, hub), signedIn(alice), slowBeat)

	assert.ErrorIs(t, s.SetActiveCell(ctx, "B3"), ErrNoNamespace)
	require.NoError(t, s.Open(ctx, "sheet-42"))
	assert.ErrorIs(t, s.SetActiveCell(ctx, "B3"), ErrNotRegistered)

	got := &eventLog{}
	s.SubscribeToPresence(got.add, presence.EventUpdated)
	require.NoError(t, s.RegisterPresence(ctx, PresenceData{}, RegisterOptions{}))
	require.NoError(t, s.SetActiveCell(ctx, "B3"))

	require.Eventually(t, func() bool {
		for _, e := range got.list() {
			if e.Presence.ActiveCell == "B3" && e.Presence.UpdateType == presence.UpdateStateChange {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocksThroughSession(t *testing.T) {
	hub := remote.NewMemory()
	ctx := context.Background()

	editor := newSession(t, connect(t, hub), signedIn(alice), slowBeat)
	viewer := newSession(t, connect(t, hub), signedIn(vic), slowBeat)

	_, err := editor.AcquireLock(ctx, "B3")
	assert.ErrorIs(t, err, ErrNoNamespace)

	require.NoError(t, editor.Open(ctx, "sheet-42"))
	require.NoError(t, viewer.Open(ctx, "sheet-42"))

	var mu sync.Mutex
	var seen []locks.Map
	viewer.SubscribeToLocks(func(m locks.Map) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	})

	lock, err := editor.AcquireLock(ctx, "B3")
	require.NoError(t, err)
	assert.Equal(t, presence.UserKey(alice.Subject), lock.UserID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1]["B3"].UserID == lock.UserID
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, viewer.ActiveLocks(), "B3")

	_, err = viewer.AcquireLock(ctx, "C4")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = viewer.SweepExpiredLocks(ctx)
	assert.ErrorIs(t, err, ErrForbidden)

	require.Eventually(t, func() bool { return len(editor.Locks()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, editor.ReleaseLock(ctx, "B3"))
	require.Eventually(t, func() bool { return len(viewer.Locks()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestExpiredLocksStayVisibleButInactive(t *testing.T) {
	hub := remote.NewMemory()
	ctx := context.Background()
	writer := connect(t, hub)

	s := newSession(t, connect(t, hub), signedIn(alice), slowBeat)
	require.NoError(t, s.Open(ctx, "sheet-42"))

	raw, _ := json.Marshal(locks.Lock{UserID: "someone", AcquiredAt: 1, Expires: 2})
	require.NoError(t, writer.Write(ctx, remote.LockPath("sheet-42", "Z9"), raw))
	require.Eventually(t, func() bool { return len(s.Locks()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, s.ActiveLocks())
}
