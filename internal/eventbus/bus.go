// Package eventbus is a synchronous fan-out dispatcher with per-subscriber
// kind filters.
package eventbus

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"larptable/api/internal/logging"
	"larptable/api/internal/metrics"
)

// Event is anything that can be routed by kind.
type Event[K comparable] interface {
	Kind() K
}

type subscription[K comparable, E Event[K]] struct {
	id      uint64
	handler func(E)
	kinds   map[K]struct{}
}

func (s *subscription[K, E]) accepts(kind K) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

type Bus[K comparable, E Event[K]] struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subscription[K, E]
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func New[K comparable, E Event[K]](log *zap.SugaredLogger, m *metrics.Metrics) *Bus[K, E] {
	return &Bus[K, E]{
		subs:    make(map[uint64]*subscription[K, E]),
		log:     logging.OrNop(log),
		metrics: metrics.OrNew(m),
	}
}

// Subscribe registers handler for the given kinds, or for every kind when
// none are given. The returned function removes this registration only and
// may be called any number of times.
func (b *Bus[K, E]) Subscribe(handler func(E), kinds ...K) (unsubscribe func()) {
	sub := &subscription[K, E]{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[K]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers each event to every matching subscriber, in subscription
// order, before returning. Subscribers added or removed by a handler take
// effect from the next event.
func (b *Bus[K, E]) Emit(events ...E) {
	for _, event := range events {
		for _, sub := range b.snapshot() {
			if sub.accepts(event.Kind()) {
				b.deliver(sub, event)
			}
		}
	}
}

func (b *Bus[K, E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus[K, E]) snapshot() []*subscription[K, E] {
	b.mu.RLock()
	subs := make([]*subscription[K, E], 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (b *Bus[K, E]) deliver(sub *subscription[K, E], event E) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.SubscriberPanics.Inc()
			b.log.Errorw("event subscriber panicked", "subscription", sub.id, "kind", event.Kind(), "panic", r)
		}
	}()
	sub.handler(event)
}
