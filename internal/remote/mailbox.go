package remote

import (
	"encoding/json"
	"sync"
)

// mailbox delivers values to one callback, in push order, on its own
// goroutine. push never blocks.
type mailbox struct {
	onChange func(json.RawMessage)

	mu     sync.Mutex
	queue  []json.RawMessage
	closed bool

	signal    chan struct{}
	done      chan struct{}
	first     chan struct{}
	firstOnce sync.Once
}

func newMailbox(onChange func(json.RawMessage)) *mailbox {
	box := &mailbox{
		onChange: onChange,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		first:    make(chan struct{}),
	}
	go box.run()
	return box
}

func (b *mailbox) push(value json.RawMessage) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, value)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.queue = nil
	b.mu.Unlock()
	close(b.done)
	b.firstOnce.Do(func() { close(b.first) })
}

// waitFirst blocks until the first value has been handed to the callback or
// the mailbox is closed.
func (b *mailbox) waitFirst() {
	<-b.first
}

func (b *mailbox) run() {
	for {
		select {
		case <-b.done:
			return
		case <-b.signal:
		}

		for {
			b.mu.Lock()
			if b.closed || len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			value := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()

			b.onChange(value)
			b.firstOnce.Do(func() { close(b.first) })
		}
	}
}
