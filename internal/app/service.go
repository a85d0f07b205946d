package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"larptable/api/internal/auth"
	"larptable/api/internal/collab"
	"larptable/api/internal/config"
	"larptable/api/internal/locks"
	"larptable/api/internal/logging"
	"larptable/api/internal/metrics"
	"larptable/api/internal/presence"
	"larptable/api/internal/rbac"
	"larptable/api/internal/remote"
)

type Service struct {
	cfg     config.Config
	backend remote.Backend
	secret  []byte
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sweepers map[string]*lockSweeper
}

// lockSweeper removes expired locks of one namespace while clients have it
// open.
type lockSweeper struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.Config, backend remote.Backend, log *zap.SugaredLogger, m *metrics.Metrics) *Service {
	return &Service{
		cfg:      cfg,
		backend:  backend,
		secret:   []byte(cfg.JWTSecret),
		log:      logging.OrNop(log),
		metrics:  metrics.OrNew(m),
		now:      time.Now,
		sweepers: make(map[string]*lockSweeper),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Service) PrincipalFromToken(token string) (auth.Principal, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return auth.Principal{}, err
	}
	return claims.Principal(), nil
}

// Login issues a token for a display name. The subject is derived from the
// name so the same name always maps to the same presence entry. The role is
// capped at the configured guest role unless adminSecret matches.
func (s *Service) Login(name, role, adminSecret string) (string, auth.Principal, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", auth.Principal{}, domainError(http.StatusBadRequest, "INVALID_NAME", "Name is required", nil)
	}
	limit := rbac.Normalize(s.cfg.GuestRole)
	if adminSecret != "" {
		if s.cfg.AdminSecret == "" || subtle.ConstantTimeCompare([]byte(adminSecret), []byte(s.cfg.AdminSecret)) != 1 {
			return "", auth.Principal{}, domainError(http.StatusForbidden, "FORBIDDEN", "Invalid admin secret", nil)
		}
		limit = rbac.RoleAdmin
	}
	principal := auth.Principal{
		Subject: "guest:" + strings.ToLower(name),
		Name:    name,
		Role:    rbac.Cap(rbac.Normalize(role), limit),
	}
	token, err := auth.IssueToken(s.secret, auth.NewClaims(principal, s.cfg.AccessTTL, s.now()))
	if err != nil {
		return "", auth.Principal{}, err
	}
	return token, principal, nil
}

// ReadPresence returns the namespace's current presence through a
// short-lived connection.
func (s *Service) ReadPresence(ctx context.Context, namespace string) (presence.Snapshot, error) {
	raw, err := s.readOnce(ctx, namespace, remote.PresencePath(namespace))
	if err != nil {
		return nil, err
	}
	snapshot, err := presence.DecodeSnapshot(raw)
	if err != nil {
		s.log.Warnw("presence snapshot partially decoded", "namespace", namespace, "error", err)
	}
	return snapshot, nil
}

func (s *Service) ReadLocks(ctx context.Context, namespace string, activeOnly bool) (locks.Map, error) {
	raw, err := s.readOnce(ctx, namespace, remote.LocksPath(namespace))
	if err != nil {
		return nil, err
	}
	current, err := locks.DecodeMap(raw)
	if err != nil {
		s.log.Warnw("lock map partially decoded", "namespace", namespace, "error", err)
	}
	if activeOnly {
		return current.Active(s.now()), nil
	}
	return current, nil
}

func (s *Service) readOnce(ctx context.Context, namespace, path string) (json.RawMessage, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	conn, err := s.backend.Connect(ctx)
	if err != nil {
		return nil, unavailable(fmt.Errorf("connect to store: %w", err))
	}
	defer conn.Close(context.WithoutCancel(ctx))

	var (
		mu    sync.Mutex
		value json.RawMessage
		seen  bool
	)
	unsubscribe, err := conn.Subscribe(ctx, path, func(raw json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		if !seen {
			value, seen = raw, true
		}
	})
	if err != nil {
		return nil, err
	}
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	return value, nil
}

// ClientSession is a collaboration session together with the store
// connection it owns. Close ends both; the store then runs the connection's
// disconnect cleanups.
type ClientSession struct {
	*collab.Session
	conn      remote.Conn
	namespace string
	release   func()
	closeOnce sync.Once
}

func (c *ClientSession) ConnID() string { return c.conn.ID() }

func (c *ClientSession) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		err = errors.Join(c.Session.Close(ctx), c.conn.Close(ctx))
		c.release()
	})
	return err
}

// OpenSession connects a new collaboration session for principal. The
// caller must Close it. Bus and lock subscriptions made in prepare are in
// place before the namespace's current state is loaded.
func (s *Service) OpenSession(ctx context.Context, principal auth.Principal, namespace string, prepare func(*collab.Session)) (*ClientSession, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	conn, err := s.backend.Connect(ctx)
	if err != nil {
		return nil, unavailable(fmt.Errorf("connect to store: %w", err))
	}

	session, err := collab.NewSession(collab.Deps{
		Store:     conn,
		Identity:  func() (auth.Principal, bool) { return principal, true },
		Heartbeat: s.cfg.Heartbeat(),
		LockTTL:   s.cfg.LockTTL,
		Logger:    s.log.With("conn", conn.ID(), "user", principal.Subject),
		Metrics:   s.metrics,
		Now:       s.now,
	})
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	if prepare != nil {
		prepare(session)
	}
	if err := session.Open(ctx, namespace); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	return &ClientSession{
		Session:   session,
		conn:      conn,
		namespace: namespace,
		release:   s.retainSweeper(namespace),
	}, nil
}

// retainSweeper keeps an expired lock sweeper running for namespace until
// the returned function is called as often as retainSweeper was.
func (s *Service) retainSweeper(namespace string) func() {
	if s.cfg.LockSweepInterval <= 0 {
		return func() {}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sweeper, ok := s.sweepers[namespace]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		sweeper = &lockSweeper{cancel: cancel, done: make(chan struct{})}
		s.sweepers[namespace] = sweeper
		go s.runSweeper(ctx, namespace, sweeper.done)
	}
	sweeper.refs++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			sweeper.refs--
			last := sweeper.refs == 0
			if last {
				delete(s.sweepers, namespace)
			}
			s.mu.Unlock()
			if last {
				sweeper.cancel()
				<-sweeper.done
			}
		})
	}
}

func (s *Service) runSweeper(ctx context.Context, namespace string, done chan struct{}) {
	defer close(done)

	conn, err := s.backend.Connect(ctx)
	if err != nil {
		s.log.Warnw("lock sweeper could not connect", "namespace", namespace, "error", err)
		return
	}
	defer conn.Close(context.Background())

	mirror, err := locks.NewMirror(ctx, conn, namespace, locks.Options{Logger: s.log, Metrics: s.metrics})
	if err != nil {
		s.log.Warnw("lock sweeper could not subscribe", "namespace", namespace, "error", err)
		return
	}
	defer mirror.Close()

	mirror.RunSweeper(ctx, s.cfg.LockSweepInterval, s.now)
}

// Shutdown stops every lock sweeper.
func (s *Service) Shutdown() {
	s.mu.Lock()
	sweepers := s.sweepers
	s.sweepers = make(map[string]*lockSweeper)
	s.mu.Unlock()
	for _, sweeper := range sweepers {
		sweeper.cancel()
		<-sweeper.done
	}
}

func validateNamespace(namespace string) error {
	if err := remote.ValidateSegment(namespace); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_NAMESPACE", "Invalid namespace", namespace)
	}
	return nil
}
