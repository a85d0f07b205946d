// Package redisstore implements the remote store on Redis.
//
// The children of a collection path are the fields of one hash, so a
// collection value is a single HGETALL. Every write publishes the affected
// collection path; subscribers re-read on notification. Disconnect cleanup is
// lease based: each connection keeps a lease key alive and a sweeper applies
// the cleanups of connections whose lease has expired.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"larptable/api/internal/logging"
	"larptable/api/internal/metrics"
	"larptable/api/internal/remote"
	"larptable/api/internal/util"
)

const (
	defaultPrefix   = "rt:"
	defaultLeaseTTL = 30 * time.Second
)

type Options struct {
	Prefix   string
	LeaseTTL time.Duration
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics
}

// Client is the Redis backend. Connections made from it share the client.
type Client struct {
	client   *redis.Client
	prefix   string
	leaseTTL time.Duration
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

// NewClient connects to redisURL and checks the connection.
func NewClient(redisURL string, opts Options) (*Client, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewClientWithRedis(client, opts), nil
}

// NewClientWithRedis wraps an existing Redis client.
func NewClientWithRedis(client *redis.Client, opts Options) *Client {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	return &Client{
		client:   client,
		prefix:   opts.Prefix,
		leaseTTL: opts.LeaseTTL,
		log:      logging.OrNop(opts.Logger),
		metrics:  metrics.OrNew(opts.Metrics),
	}
}

func (c *Client) nodeKey(collection string) string { return c.prefix + "node:" + collection }

func (c *Client) channel(collection string) string { return c.prefix + "chg:" + collection }

func (c *Client) leaseKey(connID string) string { return c.prefix + "lease:" + connID }

func (c *Client) cleanupKey(connID string) string { return c.prefix + "ondisconnect:" + connID }

func (c *Client) connsKey() string { return c.prefix + "conns" }

// Connect opens a connection with its own lease.
func (c *Client) Connect(ctx context.Context) (remote.Conn, error) {
	connID := util.NewID("conn")
	if err := c.client.Set(ctx, c.leaseKey(connID), "1", c.leaseTTL).Err(); err != nil {
		return nil, fmt.Errorf("create lease: %w", err)
	}

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		id:     connID,
		owner:  c,
		cancel: cancel,
		subs:   make(map[*subscription]struct{}),
		done:   make(chan struct{}),
	}
	go conn.keepalive(keepaliveCtx)
	return conn, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) write(ctx context.Context, path string, value json.RawMessage) error {
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

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if remote.IsNull(value) {
			pipe.HDel(ctx, c.nodeKey(collection), name)
			pipe.Del(ctx, c.nodeKey(path))
			pipe.Publish(ctx, c.channel(path), name)
		} else {
			pipe.HSet(ctx, c.nodeKey(collection), name, string(value))
		}
		pipe.Publish(ctx, c.channel(collection), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// read resolves path as a collection first, then as a field of its parent.
func (c *Client) read(ctx context.Context, path string) (json.RawMessage, error) {
	fields, err := c.client.HGetAll(ctx, c.nodeKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(fields) > 0 {
		children := make(map[string]json.RawMessage, len(fields))
		for name, value := range fields {
			children[name] = json.RawMessage(value)
		}
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
	value, err := c.client.HGet(ctx, c.nodeKey(collection), remote.Base(path)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return json.RawMessage(value), nil
}

// Sweep applies the disconnect cleanups of every connection whose lease has
// expired and returns how many cleanups were written. Removing the
// connection from the set is the claim, so concurrent sweepers never apply
// the same connection twice.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	connIDs, err := c.client.SMembers(ctx, c.connsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list connections: %w", err)
	}

	applied := 0
	for _, connID := range connIDs {
		alive, err := c.client.Exists(ctx, c.leaseKey(connID)).Result()
		if err != nil {
			return applied, fmt.Errorf("check lease %s: %w", connID, err)
		}
		if alive == 1 {
			continue
		}
		claimed, err := c.client.SRem(ctx, c.connsKey(), connID).Result()
		if err != nil {
			return applied, fmt.Errorf("claim %s: %w", connID, err)
		}
		if claimed == 0 {
			continue
		}
		n, err := c.applyCleanups(ctx, connID)
		applied += n
		if err != nil {
			return applied, err
		}
		c.log.Infow("applied disconnect cleanups for expired connection", "conn", connID, "cleanups", n)
	}
	if applied > 0 {
		c.metrics.StoreSweeps.WithLabelValues("redis").Add(float64(applied))
	}
	return applied, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Client) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.leaseTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.log.Warnw("disconnect cleanup sweep failed", "error", err)
			}
		}
	}
}

func (c *Client) applyCleanups(ctx context.Context, connID string) (int, error) {
	cleanups, err := c.client.HGetAll(ctx, c.cleanupKey(connID)).Result()
	if err != nil {
		return 0, fmt.Errorf("load cleanups %s: %w", connID, err)
	}

	applied := 0
	var errs []error
	for path, value := range cleanups {
		if err := c.write(ctx, path, json.RawMessage(value)); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	if err := c.client.Del(ctx, c.cleanupKey(connID), c.leaseKey(connID)).Err(); err != nil {
		errs = append(errs, fmt.Errorf("drop cleanups %s: %w", connID, err))
	}
	return applied, errors.Join(errs...)
}

// Conn is one client connection with its own lease and cleanups.
type Conn struct {
	id     string
	owner  *Client
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
			if err := c.owner.client.Set(ctx, c.owner.leaseKey(c.id), "1", c.owner.leaseTTL).Err(); err != nil && ctx.Err() == nil {
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

	channels := []string{c.owner.channel(path)}
	if parent := remote.Parent(path); parent != "" {
		channels = append(channels, c.owner.channel(parent))
	}

	pubsub := c.owner.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", path, err)
		}
	}

	initial, err := c.owner.read(ctx, path)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		path:     path,
		pubsub:   pubsub,
		cancel:   cancel,
		onChange: onChange,
		last:     initial,
		owner:    c.owner,
	}
	if err := c.track(sub); err != nil {
		return nil, err
	}

	onChange(initial)
	go sub.run(subCtx)

	return func() {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		sub.stop()
	}, nil
}

// track records sub so Close stops it. A sub made while Close ran is
// stopped here instead.
func (c *Conn) track(sub *subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.stop()
		return remote.ErrClosed
	}
	c.subs[sub] = struct{}{}
	return nil
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
	if remote.IsNull(value) {
		value = json.RawMessage("null")
	}
	_, err := c.owner.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.owner.cleanupKey(c.id), path, string(value))
		pipe.SAdd(ctx, c.owner.connsKey(), c.id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register disconnect cleanup %s: %w", path, err)
	}
	return nil
}

func (c *Conn) CancelDisconnectCleanup(ctx context.Context, path string) error {
	if err := c.owner.client.HDel(ctx, c.owner.cleanupKey(c.id), path).Err(); err != nil {
		return fmt.Errorf("cancel disconnect cleanup %s: %w", path, err)
	}
	return nil
}

// Close stops the subscriptions and the lease, then applies this
// connection's cleanups right away instead of waiting for a sweep.
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

	if err := c.owner.client.SRem(ctx, c.owner.connsKey(), c.id).Err(); err != nil {
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
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	onChange func(json.RawMessage)
	last     json.RawMessage
	owner    *Client
	stopOnce sync.Once
}

func (s *subscription) run(ctx context.Context) {
	for range s.pubsub.Channel() {
		if ctx.Err() != nil {
			return
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
		_ = s.pubsub.Close()
	})
}
