package session

import "sync"

const defaultSubscriberBuffer = 64

// broadcaster fans session events out to UI subscribers. A subscriber that
// falls behind loses events rather than stalling the session.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan any
	next   int
	buffer int
	closed bool
	onDrop func()
}

func newBroadcaster(buffer int, onDrop func()) *broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &broadcaster{subs: make(map[int]chan any), buffer: buffer, onDrop: onDrop}
}

// Subscribe returns an event channel and a cancel func. The channel is closed
// on cancel or when the session ends.
func (b *broadcaster) Subscribe() (<-chan any, func()) {
	ch := make(chan any, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *broadcaster) Publish(ev any) {
	dropped := 0
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if b.onDrop != nil {
		for i := 0; i < dropped; i++ {
			b.onDrop()
		}
	}
}

func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
