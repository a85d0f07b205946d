package remote

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"larptable/api/internal/util"
)

// Memory is an in-process store shared by every connection made from it.
type Memory struct {
	mu     sync.Mutex
	leaves map[string]json.RawMessage
	subs   map[uint64]*memorySub
	nextID uint64
	conns  map[string]*memoryConn
}

func NewMemory() *Memory {
	return &Memory{
		leaves: make(map[string]json.RawMessage),
		subs:   make(map[uint64]*memorySub),
		conns:  make(map[string]*memoryConn),
	}
}

func (m *Memory) Connect(ctx context.Context) (Conn, error) {
	conn := &memoryConn{
		id:       util.NewID("conn"),
		hub:      m,
		cleanups: make(map[string]json.RawMessage),
		subs:     make(map[uint64]struct{}),
	}
	m.mu.Lock()
	m.conns[conn.id] = conn
	m.mu.Unlock()
	return conn, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// Get returns the current value at path, assembled like a subscription value.
func (m *Memory) Get(path string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valueLocked(path)
}

// Drop simulates a connection vanishing without closing: its disconnect
// cleanups run and its subscriptions stop.
func (m *Memory) Drop(ctx context.Context, connID string) error {
	m.mu.Lock()
	conn := m.conns[connID]
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}

func (m *Memory) write(path string, value json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := path + "/"
	for key := range m.leaves {
		if key == path || strings.HasPrefix(key, prefix) {
			delete(m.leaves, key)
		}
	}
	for parent := Parent(path); parent != ""; parent = Parent(parent) {
		delete(m.leaves, parent)
	}
	if !IsNull(value) {
		m.leaves[path] = append(json.RawMessage(nil), value...)
	}

	for _, sub := range m.subs {
		if related(sub.path, path) {
			sub.box.push(m.valueLocked(sub.path))
		}
	}
}

// valueLocked resolves path to a leaf, or to an object built from the leaves
// below it. Callers hold m.mu.
func (m *Memory) valueLocked(path string) json.RawMessage {
	if leaf, ok := m.leaves[path]; ok {
		return leaf
	}

	prefix := path + "/"
	var keys []string
	for key := range m.leaves {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	tree := map[string]any{}
	for _, key := range keys {
		segments := strings.Split(strings.TrimPrefix(key, prefix), "/")
		node := tree
		for _, segment := range segments[:len(segments)-1] {
			child, ok := node[segment].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[segment] = child
			}
			node = child
		}
		node[segments[len(segments)-1]] = m.leaves[key]
	}

	encoded, err := json.Marshal(tree)
	if err != nil {
		return nil
	}
	return encoded
}

func (m *Memory) subscribe(path string, onChange func(json.RawMessage)) uint64 {
	box := newMailbox(onChange)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = &memorySub{path: path, box: box}
	box.push(m.valueLocked(path))
	m.mu.Unlock()

	box.waitFirst()
	return id
}

func (m *Memory) unsubscribe(id uint64) {
	m.mu.Lock()
	sub := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if sub != nil {
		sub.box.close()
	}
}

// related reports whether a write at written changes the value seen at
// subscribed.
func related(subscribed, written string) bool {
	return subscribed == written ||
		strings.HasPrefix(written, subscribed+"/") ||
		strings.HasPrefix(subscribed, written+"/")
}

type memorySub struct {
	path string
	box  *mailbox
}

type memoryConn struct {
	id  string
	hub *Memory

	mu       sync.Mutex
	closed   bool
	cleanups map[string]json.RawMessage
	subs     map[uint64]struct{}
}

func (c *memoryConn) ID() string { return c.id }

func (c *memoryConn) Subscribe(ctx context.Context, path string, onChange func(json.RawMessage)) (Unsubscribe, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	id := c.hub.subscribe(path, onChange)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.hub.unsubscribe(id)
		return nil, ErrClosed
	}
	c.subs[id] = struct{}{}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		c.hub.unsubscribe(id)
	}, nil
}

func (c *memoryConn) Write(ctx context.Context, path string, value json.RawMessage) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	c.hub.write(path, value)
	return nil
}

func (c *memoryConn) RegisterDisconnectCleanup(ctx context.Context, path string, value json.RawMessage) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.cleanups[path] = append(json.RawMessage(nil), value...)
	return nil
}

func (c *memoryConn) CancelDisconnectCleanup(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cleanups, path)
	return nil
}

func (c *memoryConn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cleanups := c.cleanups
	subs := c.subs
	c.cleanups = nil
	c.subs = nil
	c.mu.Unlock()

	for id := range subs {
		c.hub.unsubscribe(id)
	}

	paths := make([]string, 0, len(cleanups))
	for path := range cleanups {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		c.hub.write(path, cleanups[path])
	}

	c.hub.mu.Lock()
	delete(c.hub.conns, c.id)
	c.hub.mu.Unlock()
	return nil
}

func (c *memoryConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
