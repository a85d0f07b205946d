// Package collab ties presence, heartbeats and locks together for one client
// working in one namespace at a time.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"larptable/api/internal/auth"
	"larptable/api/internal/eventbus"
	"larptable/api/internal/heartbeat"
	"larptable/api/internal/locks"
	"larptable/api/internal/logging"
	"larptable/api/internal/metrics"
	"larptable/api/internal/presence"
	"larptable/api/internal/rbac"
	"larptable/api/internal/remote"
)

const (
	StateUnregistered  = "unregistered"
	StateRegistering   = "registering"
	StateRegistered    = "registered"
	StateUnregistering = "unregistering"

	eventRegister     = "register"
	eventRegisterDone = "register_done"
	eventRegisterFail = "register_fail"
	// A failed re-registration keeps the prior one.
	eventRegisterKeep = "register_keep"
	eventUnregister   = "unregister"
	eventUnregistered = "unregister_done"
)

var (
	ErrNoNamespace   = errors.New("no active namespace")
	ErrNotSignedIn   = errors.New("no authenticated user")
	ErrForbidden     = errors.New("forbidden")
	ErrNotRegistered = errors.New("presence is not registered")
)

// Identity returns the authenticated principal, if any.
type Identity func() (auth.Principal, bool)

type Deps struct {
	Store    remote.Store
	Identity Identity
	// Heartbeats defaults to a manager writing through Store.
	Heartbeats *heartbeat.Manager
	Heartbeat  heartbeat.Config
	LockTTL    time.Duration
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// PresenceData is what a client publishes about itself. Empty fields are
// filled from the principal.
type PresenceData struct {
	Name       string `json:"name,omitempty"`
	PhotoURL   string `json:"photoUrl,omitempty"`
	ActiveCell string `json:"activeCell,omitempty"`
}

type RegisterOptions struct {
	// OnError receives registration and unregistration failures, and every
	// heartbeat that exhausted its retries.
	OnError func(*presence.Error)
	// Heartbeat overrides the session's heartbeat config.
	Heartbeat *heartbeat.Config
}

// Session is the collaboration facade of one client. Open attaches it to a
// namespace; callbacks from a previously opened namespace are ignored.
type Session struct {
	store      remote.Store
	identity   Identity
	heartbeats *heartbeat.Manager
	hbConfig   heartbeat.Config
	lockTTL    time.Duration
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	now        func() time.Time

	bus   *eventbus.Bus[presence.EventType, presence.Event]
	state *fsm.FSM

	// opMu serializes lifecycle operations.
	opMu sync.Mutex
	// feedMu serializes snapshot processing.
	feedMu sync.Mutex

	mu             sync.Mutex
	namespace      string
	generation     uint64
	previous       presence.Snapshot
	presenceUnsub  remote.Unsubscribe
	mirror         *locks.Mirror
	mirrorUnsub    func()
	lockListeners  map[uint64]func(locks.Map)
	nextListenerID uint64
	userKey        string
	record         presence.Record
	stopHeartbeat  heartbeat.StopFunc
	onError        func(*presence.Error)
}

func NewSession(deps Deps) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("collab: store is required")
	}
	if deps.Identity == nil {
		deps.Identity = func() (auth.Principal, bool) { return auth.Principal{}, false }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Heartbeat == (heartbeat.Config{}) {
		deps.Heartbeat = heartbeat.DefaultConfig()
	}
	if err := deps.Heartbeat.Validate(); err != nil {
		return nil, err
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = locks.DefaultTTL
	}
	log := logging.OrNop(deps.Logger)
	m := metrics.OrNew(deps.Metrics)
	if deps.Heartbeats == nil {
		deps.Heartbeats = heartbeat.NewManager(deps.Store, log, m, deps.Now)
	}

	s := &Session{
		store:         deps.Store,
		identity:      deps.Identity,
		heartbeats:    deps.Heartbeats,
		hbConfig:      deps.Heartbeat,
		lockTTL:       deps.LockTTL,
		log:           log,
		metrics:       m,
		now:           deps.Now,
		bus:           eventbus.New[presence.EventType, presence.Event](log, m),
		previous:      presence.Snapshot{},
		lockListeners: make(map[uint64]func(locks.Map)),
	}
	s.state = fsm.NewFSM(
		StateUnregistered,
		fsm.Events{
			{Name: eventRegister, Src: []string{StateUnregistered, StateRegistered}, Dst: StateRegistering},
			{Name: eventRegisterDone, Src: []string{StateRegistering}, Dst: StateRegistered},
			{Name: eventRegisterFail, Src: []string{StateRegistering}, Dst: StateUnregistered},
			{Name: eventRegisterKeep, Src: []string{StateRegistering}, Dst: StateRegistered},
			{Name: eventUnregister, Src: []string{StateRegistered}, Dst: StateUnregistering},
			{Name: eventUnregistered, Src: []string{StateUnregistering}, Dst: StateUnregistered},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debugw("presence state changed", "namespace", s.Namespace(), "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return s, nil
}

func (s *Session) Namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace
}

func (s *Session) State() string {
	return s.state.Current()
}

// Open attaches the session to namespace, leaving the current one first.
// When Open returns the presence and lock views hold the namespace's
// current state.
func (s *Session) Open(ctx context.Context, namespace string) error {
	if err := remote.ValidateSegment(namespace); err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.teardown()

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.namespace = namespace
	s.previous = presence.Snapshot{}
	s.mu.Unlock()
	s.metrics.OpenSessions.Inc()

	unsubscribe, err := s.store.Subscribe(ctx, remote.PresencePath(namespace), func(raw json.RawMessage) {
		s.handleSnapshot(gen, raw)
	})
	if err != nil {
		s.teardown()
		return fmt.Errorf("subscribe to presence of %s: %w", namespace, err)
	}
	s.mu.Lock()
	s.presenceUnsub = unsubscribe
	s.mu.Unlock()

	mirror, err := locks.NewMirror(ctx, s.store, namespace, locks.Options{Logger: s.log, Metrics: s.metrics})
	if err != nil {
		s.teardown()
		return err
	}
	mirrorUnsub := mirror.OnChange(func(current locks.Map) {
		s.handleLocks(gen, current)
	})
	s.mu.Lock()
	s.mirror = mirror
	s.mirrorUnsub = mirrorUnsub
	s.mu.Unlock()

	s.log.Infow("session opened", "namespace", namespace)
	return nil
}

// Close detaches the session from its namespace. The presence record is
// left to the store's disconnect cleanup.
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.teardown()
	return nil
}

// teardown stops the heartbeat and every feed of the current namespace.
// Callers hold opMu.
func (s *Session) teardown() {
	s.mu.Lock()
	attached := s.namespace != ""
	namespace := s.namespace
	s.generation++
	s.namespace = ""
	s.previous = presence.Snapshot{}
	presenceUnsub, mirror, mirrorUnsub := s.presenceUnsub, s.mirror, s.mirrorUnsub
	stop := s.stopHeartbeat
	s.presenceUnsub, s.mirror, s.mirrorUnsub, s.stopHeartbeat = nil, nil, nil, nil
	s.userKey, s.record, s.onError = "", presence.Record{}, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if presenceUnsub != nil {
		presenceUnsub()
	}
	if mirrorUnsub != nil {
		mirrorUnsub()
	}
	if mirror != nil {
		mirror.Close()
	}
	if s.state.Current() != StateUnregistered {
		s.state.SetState(StateUnregistered)
	}
	if attached {
		s.metrics.OpenSessions.Dec()
		s.log.Infow("session closed", "namespace", namespace)
	}
}

func (s *Session) handleSnapshot(gen uint64, raw json.RawMessage) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	previous := s.previous
	namespace := s.namespace
	s.mu.Unlock()

	next, err := presence.DecodeSnapshot(raw)
	if err != nil {
		s.log.Warnw("presence snapshot partially decoded", "namespace", namespace, "error", err)
	}

	events := presence.Diff(previous, next, s.now())
	for _, event := range events {
		s.metrics.PresenceEvents.WithLabelValues(string(event.Type)).Inc()
	}
	s.bus.Emit(events...)

	s.mu.Lock()
	if gen == s.generation {
		s.previous = next
	}
	s.mu.Unlock()
}

func (s *Session) handleLocks(gen uint64, current locks.Map) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(s.lockListeners))
	for id := range s.lockListeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(locks.Map), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.lockListeners[id])
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(current.Clone())
	}
}

// SubscribeToPresence registers handler for presence events of the given
// types, or of every type when none are given.
func (s *Session) SubscribeToPresence(handler func(presence.Event), types ...presence.EventType) func() {
	return s.bus.Subscribe(handler, types...)
}

// SubscribeToLocks calls fn with the full lock map on every change, across
// namespace switches, until the returned function is called.
func (s *Session) SubscribeToLocks(fn func(locks.Map)) func() {
	s.mu.Lock()
	s.nextListenerID++
	id := s.nextListenerID
	s.lockListeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.lockListeners, id)
		s.mu.Unlock()
	}
}

// Presence returns a copy of the last processed snapshot.
func (s *Session) Presence() presence.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previous.Clone()
}

// Locks returns the namespace's lock map as stored, expired locks included.
func (s *Session) Locks() locks.Map {
	s.mu.Lock()
	mirror := s.mirror
	s.mu.Unlock()
	if mirror == nil {
		return locks.Map{}
	}
	return mirror.Snapshot()
}

func (s *Session) ActiveLocks() locks.Map {
	return s.Locks().Active(s.now())
}

// UserKey is the presence key of the registered user, or "".
func (s *Session) UserKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userKey
}

// RegisterPresence publishes the user's presence in the open namespace and
// keeps it alive with heartbeats. The record is removed by the store when the
// connection drops. Failures go to opts.OnError and are returned.
func (s *Session) RegisterPresence(ctx context.Context, data PresenceData, opts RegisterOptions) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	fail := func(message string, cause error) error {
		failure := presence.NewError(presence.CodeRegistrationFailed, message, cause)
		failure.Timestamp = s.now()
		if opts.OnError != nil {
			opts.OnError(failure)
		}
		return failure
	}

	namespace := s.Namespace()
	if namespace == "" {
		return fail("No active namespace", ErrNoNamespace)
	}
	principal, ok := s.identity()
	if !ok || principal.Subject == "" {
		return fail("No authenticated user", ErrNotSignedIn)
	}
	if !rbac.Can(rbac.Normalize(string(principal.Role)), rbac.ActionEdit) {
		return fail("Not allowed to publish presence", ErrForbidden)
	}

	reregistering := s.state.Current() == StateRegistered
	if err := s.state.Event(ctx, eventRegister); err != nil {
		return fail("Registration already in progress", err)
	}
	abort := func() {
		if reregistering {
			_ = s.state.Event(ctx, eventRegisterKeep)
			return
		}
		_ = s.state.Event(ctx, eventRegisterFail)
	}

	userKey := presence.UserKey(principal.Subject)
	record := presence.Record{
		Name:       firstNonEmpty(data.Name, principal.Name),
		PhotoURL:   firstNonEmpty(data.PhotoURL, principal.PhotoURL),
		LastActive: s.now().UnixMilli(),
		ActiveCell: data.ActiveCell,
		UpdateType: presence.UpdateJoin,
	}
	cfg := s.hbConfig
	if opts.Heartbeat != nil {
		cfg = *opts.Heartbeat
	}

	path := remote.PresenceUserPath(namespace, userKey)
	if err := s.store.RegisterDisconnectCleanup(ctx, path, nil); err != nil {
		abort()
		return fail("Failed to register disconnect cleanup", err)
	}

	onHeartbeatError := func(err *presence.Error) {
		if opts.OnError != nil {
			opts.OnError(err)
		}
	}
	stop, err := s.heartbeats.Start(namespace, userKey, record, cfg, onHeartbeatError)
	if err != nil {
		abort()
		return fail("Failed to start heartbeat", err)
	}

	s.mu.Lock()
	s.userKey = userKey
	s.record = record
	s.stopHeartbeat = stop
	s.onError = opts.OnError
	s.mu.Unlock()

	if err := s.state.Event(ctx, eventRegisterDone); err != nil {
		return fail("Registration interrupted", err)
	}
	s.log.Infow("presence registered", "namespace", namespace, "user", userKey)
	return nil
}

// UnregisterPresence stops the heartbeat and removes the user's presence
// record. Without a registration it does nothing.
func (s *Session) UnregisterPresence(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	stop := s.stopHeartbeat
	namespace, userKey, onError := s.namespace, s.userKey, s.onError
	s.mu.Unlock()
	if stop == nil {
		return nil
	}

	if err := s.state.Event(ctx, eventUnregister); err != nil {
		s.log.Debugw("unregister outside registered state", "state", s.state.Current(), "error", err)
	}

	err := stopSafely(stop)
	if err == nil {
		path := remote.PresenceUserPath(namespace, userKey)
		err = s.store.Write(ctx, path, nil)
		if err == nil {
			err = s.store.CancelDisconnectCleanup(ctx, path)
		}
	}

	s.mu.Lock()
	s.stopHeartbeat = nil
	s.userKey, s.record, s.onError = "", presence.Record{}, nil
	s.mu.Unlock()
	s.state.SetState(StateUnregistered)

	if err != nil {
		failure := presence.NewError(presence.CodeCleanupFailed, "Failed to unregister presence", err)
		failure.Timestamp = s.now()
		if onError != nil {
			onError(failure)
		}
		return failure
	}
	s.log.Infow("presence unregistered", "namespace", namespace, "user", userKey)
	return nil
}

func stopSafely(stop heartbeat.StopFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat stop panicked: %v", r)
		}
	}()
	stop()
	return nil
}

// SetActiveCell publishes the cell the user is focused on through the
// running heartbeat. Later heartbeats keep it.
func (s *Session) SetActiveCell(ctx context.Context, cell string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	namespace, userKey, record := s.namespace, s.userKey, s.record
	registered := s.stopHeartbeat != nil
	s.mu.Unlock()
	if namespace == "" {
		return ErrNoNamespace
	}
	if !registered {
		return ErrNotRegistered
	}
	if cell != "" {
		if err := remote.ValidateSegment(cell); err != nil {
			return err
		}
	}

	record.ActiveCell = cell
	record.LastActive = s.now().UnixMilli()
	record.UpdateType = presence.UpdateStateChange
	if _, err := s.heartbeats.Publish(ctx, namespace, userKey, record); err != nil {
		return fmt.Errorf("publish active cell: %w", err)
	}

	s.mu.Lock()
	s.record = record
	s.mu.Unlock()
	return nil
}

// AcquireLock locks cell for the signed-in user.
func (s *Session) AcquireLock(ctx context.Context, cell string) (locks.Lock, error) {
	mirror, principal, err := s.lockContext(rbac.ActionLock)
	if err != nil {
		return locks.Lock{}, err
	}
	return mirror.Acquire(ctx, cell, presence.UserKey(principal.Subject), s.lockTTL, s.now())
}

func (s *Session) RenewLock(ctx context.Context, cell string) (locks.Lock, error) {
	mirror, principal, err := s.lockContext(rbac.ActionLock)
	if err != nil {
		return locks.Lock{}, err
	}
	return mirror.Renew(ctx, cell, presence.UserKey(principal.Subject), s.lockTTL, s.now())
}

func (s *Session) ReleaseLock(ctx context.Context, cell string) error {
	mirror, principal, err := s.lockContext(rbac.ActionLock)
	if err != nil {
		return err
	}
	return mirror.Release(ctx, cell, presence.UserKey(principal.Subject))
}

// SweepExpiredLocks removes every expired lock of the namespace, whoever held
// it.
func (s *Session) SweepExpiredLocks(ctx context.Context) (int, error) {
	mirror, _, err := s.lockContext(rbac.ActionSweep)
	if err != nil {
		return 0, err
	}
	return mirror.SweepExpired(ctx, s.now())
}

func (s *Session) lockContext(action rbac.Action) (*locks.Mirror, auth.Principal, error) {
	s.mu.Lock()
	mirror := s.mirror
	s.mu.Unlock()
	if mirror == nil {
		return nil, auth.Principal{}, ErrNoNamespace
	}
	principal, ok := s.identity()
	if !ok || principal.Subject == "" {
		return nil, auth.Principal{}, ErrNotSignedIn
	}
	if !rbac.Can(rbac.Normalize(string(principal.Role)), action) {
		return nil, auth.Principal{}, ErrForbidden
	}
	return mirror, principal, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
