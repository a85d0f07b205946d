// Package store implements the remote store on PostgreSQL.
//
// Children of a collection path are rows of rt_nodes keyed by (parent, name).
// Writes notify the changes channel inside the same transaction, so a
// listener only hears about committed data. Disconnect cleanup mirrors the
// Redis backend: connections hold a lease row and a sweeper applies the
// cleanups of expired leases.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"larptable/api/internal/logging"
	"larptable/api/internal/metrics"
	"larptable/api/internal/remote"
	"larptable/api/internal/util"
)

const (
	changesChannel  = "rt_changes"
	defaultLeaseTTL = 30 * time.Second
	listenRetry     = time.Second
)

type Options struct {
	LeaseTTL time.Duration
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics
}

type PostgresStore struct {
	db       *sql.DB
	leaseTTL time.Duration
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	subs map[*subscription]struct{}

	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

// NewPostgresStore starts the change listener and returns once it is
// listening, so the first subscription cannot miss a notification.
func NewPostgresStore(ctx context.Context, db *sql.DB, opts Options) (*PostgresStore, error) {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	s := &PostgresStore{
		db:         db,
		leaseTTL:   opts.LeaseTTL,
		log:        logging.OrNop(opts.Logger),
		metrics:    metrics.OrNew(opts.Metrics),
		subs:       make(map[*subscription]struct{}),
		listenDone: make(chan struct{}),
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	ready := make(chan error, 1)
	go s.listen(listenCtx, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-s.listenDone
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		<-s.listenDone
		return nil, ctx.Err()
	}
	return s, nil
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the listener. The *sql.DB stays open; its owner closes it.
func (s *PostgresStore) Close() error {
	s.listenCancel()
	<-s.listenDone
	return nil
}

func (s *PostgresStore) Connect(ctx context.Context) (remote.Conn, error) {
	connID := util.NewID("conn")
	if err := s.renewLease(ctx, connID); err != nil {
		return nil, err
	}

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		id:     connID,
		owner:  s,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[*subscription]struct{}),
	}
	go conn.keepalive(keepaliveCtx)
	return conn, nil
}

func (s *PostgresStore) renewLease(ctx context.Context, connID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rt_leases (conn_id, expires_at)
		VALUES ($1, NOW() + make_interval(secs => $2))
		ON CONFLICT (conn_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, connID, s.leaseTTL.Seconds())
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", connID, err)
	}
	return nil
}

// listen holds one connection with LISTEN active and fans notifications out
// to subscriptions. After a lost connection every subscription is told to
// re-read, since notifications may have been missed meanwhile.
func (s *PostgresStore) listen(ctx context.Context, ready chan<- error) {
	defer close(s.listenDone)

	first := true
	for {
		err := s.listenOnce(ctx, func() {
			if first {
				first = false
				ready <- nil
				return
			}
			s.notifyAll()
		})
		if ctx.Err() != nil {
			return
		}
		if first {
			ready <- err
			return
		}
		s.log.Warnw("change listener lost, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetry):
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		stdConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("listener connection is %T, not a pgx connection", driverConn)
		}
		pgxConn := stdConn.Conn()
		if _, err := pgxConn.Exec(ctx, "LISTEN "+changesChannel); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		onListening()

		for {
			notification, err := pgxConn.WaitForNotification(ctx)
			if err != nil {
				return fmt.Errorf("wait for notification: %w", err)
			}
			s.dispatch(notification.Payload)
		}
	})
}

func (s *PostgresStore) dispatch(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.watches(collection) {
			sub.poke()
		}
	}
}

func (s *PostgresStore) notifyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.poke()
	}
}

func (s *PostgresStore) write(ctx context.Context, path string, value json.RawMessage) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}
	collection, name := remote.Parent(path), remote.Base(path)
	if collection == "" {
		return fmt.Errorf("%w: %q has no parent collection", remote.ErrInvalidPath, path)
	}
	if !remote.IsNull(value) && !json.Valid(value) {
		return fmt.Errorf("write %s: value is not valid JSON", path)
	}

	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if remote.IsNull(value) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM rt_nodes WHERE parent = $1 AND name = $2`, collection, name); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM rt_nodes WHERE parent = $1`, path); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changesChannel, path); err != nil {
				return err
			}
		} else {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rt_nodes (parent, name, value, updated_at)
				VALUES ($1, $2, $3::jsonb, NOW())
				ON CONFLICT (parent, name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
			`, collection, name, string(value))
			if err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changesChannel, collection)
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStore) read(ctx context.Context, path string) (json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM rt_nodes WHERE parent = $1 ORDER BY name`, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer rows.Close()

	children := map[string]json.RawMessage{}
	for rows.Next() {
		var name string
		var value []byte
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		children[name] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(children) > 0 {
		encoded, err := json.Marshal(children)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		return encoded, nil
	}

	collection := remote.Parent(path)
	if collection == "" {
		return nil, nil
	}
	var value []byte
	err = s.db.QueryRowContext(ctx, `SELECT value FROM rt_nodes WHERE parent = $1 AND name = $2`, collection, remote.Base(path)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return json.RawMessage(value), nil
}

// Sweep applies the cleanups of connections whose lease expired. Deleting
// the lease row is the claim, so concurrent sweepers split the work.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `DELETE FROM rt_leases WHERE expires_at < NOW() RETURNING conn_id`)
	if err != nil {
		return 0, fmt.Errorf("claim expired leases: %w", err)
	}
	var expired []string
	for rows.Next() {
		var connID string
		if err := rows.Scan(&connID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		expired = append(expired, connID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("claim expired leases: %w", err)
	}

	applied := 0
	for _, connID := range expired {
		n, err := s.applyCleanups(ctx, connID)
		applied += n
		if err != nil {
			return applied, err
		}
		s.log.Infow("applied disconnect cleanups for expired connection", "conn", connID, "cleanups", n)
	}
	if applied > 0 {
		s.metrics.StoreSweeps.WithLabelValues("postgres").Add(float64(applied))
	}
	return applied, nil
}

func (s *PostgresStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.leaseTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warnw("disconnect cleanup sweep failed", "error", err)
			}
		}
	}
}

func (s *PostgresStore) applyCleanups(ctx context.Context, connID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `DELETE FROM rt_disconnect_cleanups WHERE conn_id = $1 RETURNING path, value`, connID)
	if err != nil {
		return 0, fmt.Errorf("load cleanups %s: %w", connID, err)
	}
	type cleanup struct {
		path  string
		value []byte
	}
	var cleanups []cleanup
	for rows.Next() {
		var item cleanup
		if err := rows.Scan(&item.path, &item.value); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan cleanup %s: %w", connID, err)
		}
		cleanups = append(cleanups, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("load cleanups %s: %w", connID, err)
	}

	applied := 0
	var errs []error
	for _, item := range cleanups {
		if err := s.write(ctx, item.path, item.value); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

type Conn struct {
	id     string
	owner  *PostgresStore
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) keepalive(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.owner.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.owner.renewLease(ctx, c.id); err != nil && ctx.Err() == nil {
				c.owner.log.Warnw("lease refresh failed", "conn", c.id, "error", err)
			}
		}
	}
}

func (c *Conn) Subscribe(ctx context.Context, path string, onChange func(json.RawMessage)) (remote.Unsubscribe, error) {
	if err := remote.ValidatePath(path); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, remote.ErrClosed
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		path:     path,
		parent:   remote.Parent(path),
		onChange: onChange,
		cancel:   cancel,
		signal:   make(chan struct{}, 1),
		owner:    c.owner,
	}

	// Register before the first read so a change committed in between is
	// followed by a re-read.
	c.owner.mu.Lock()
	c.owner.subs[sub] = struct{}{}
	c.owner.mu.Unlock()

	initial, err := c.owner.read(ctx, path)
	if err != nil {
		sub.stop()
		return nil, err
	}
	sub.last = initial

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	onChange(initial)
	go sub.run(subCtx)

	return func() {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		sub.stop()
	}, nil
}

func (c *Conn) Write(ctx context.Context, path string, value json.RawMessage) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	return c.owner.write(ctx, path, value)
}

func (c *Conn) RegisterDisconnectCleanup(ctx context.Context, path string, value json.RawMessage) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}
	if c.isClosed() {
		return remote.ErrClosed
	}
	var stored any
	if !remote.IsNull(value) {
		stored = string(value)
	}
	_, err := c.owner.db.ExecContext(ctx, `
		INSERT INTO rt_disconnect_cleanups (conn_id, path, value)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (conn_id, path) DO UPDATE SET value = EXCLUDED.value
	`, c.id, path, stored)
	if err != nil {
		return fmt.Errorf("register disconnect cleanup %s: %w", path, err)
	}
	return nil
}

func (c *Conn) CancelDisconnectCleanup(ctx context.Context, path string) error {
	_, err := c.owner.db.ExecContext(ctx, `DELETE FROM rt_disconnect_cleanups WHERE conn_id = $1 AND path = $2`, c.id, path)
	if err != nil {
		return fmt.Errorf("cancel disconnect cleanup %s: %w", path, err)
	}
	return nil
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
	c.cancel()
	<-c.done

	if _, err := c.owner.db.ExecContext(ctx, `DELETE FROM rt_leases WHERE conn_id = $1`, c.id); err != nil {
		return fmt.Errorf("close %s: %w", c.id, err)
	}
	_, err := c.owner.applyCleanups(ctx, c.id)
	return err
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type subscription struct {
	path     string
	parent   string
	onChange func(json.RawMessage)
	cancel   context.CancelFunc
	signal   chan struct{}
	last     json.RawMessage
	owner    *PostgresStore
	stopOnce sync.Once
}

func (s *subscription) watches(collection string) bool {
	return collection == s.path || (s.parent != "" && collection == s.parent)
}

func (s *subscription) poke() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}
		value, err := s.owner.read(ctx, s.path)
		if err != nil {
			if ctx.Err() == nil {
				s.owner.log.Warnw("subscription read failed", "path", s.path, "error", err)
			}
			continue
		}
		if bytes.Equal(value, s.last) {
			continue
		}
		s.last = value
		s.onChange(value)
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
}
