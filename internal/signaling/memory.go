package signaling

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process fan-out transport. Like the real transport it
// silently loses signals for users that have no subscriber. Useful for tests
// and for running two agents in one process.
type MemoryBus struct {
	mu       sync.RWMutex
	subs     map[string]map[int]Handler
	next     int
	filter   func(Signal) bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string]map[int]Handler{}}
}

// Intercept installs a filter run before delivery; returning false drops the signal.
func (b *MemoryBus) Intercept(fn func(Signal) bool) {
	b.mu.Lock()
	b.filter = fn
	b.mu.Unlock()
}

// Endpoint returns a Channel view of the bus for one client.
func (b *MemoryBus) Endpoint() *MemoryChannel {
	return &MemoryChannel{bus: b}
}

func (b *MemoryBus) publish(sig Signal) {
	b.mu.RLock()
	filter := b.filter
	handlers := make([]Handler, 0, len(b.subs[sig.To]))
	for _, h := range b.subs[sig.To] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if filter != nil && !filter(sig) {
		return
	}
	for _, h := range handlers {
		h(sig)
	}
}

func (b *MemoryBus) subscribe(userID string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.subs[userID] == nil {
		b.subs[userID] = map[int]Handler{}
	}
	b.subs[userID][id] = h
	return func() {
		b.mu.Lock()
		delete(b.subs[userID], id)
		b.mu.Unlock()
	}
}

// MemoryChannel is one client's view of a MemoryBus.
type MemoryChannel struct {
	bus *MemoryBus

	mu      sync.Mutex
	active  int
	offline bool
}

// SetOffline makes Send fail and Ready report false, simulating a dropped connection.
func (c *MemoryChannel) SetOffline(offline bool) {
	c.mu.Lock()
	c.offline = offline
	c.mu.Unlock()
}

func (c *MemoryChannel) Send(ctx context.Context, sig Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	offline := c.offline
	c.mu.Unlock()
	if offline {
		return fmt.Errorf("%w: memory channel offline", ErrTransportUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bus.publish(sig)
	return nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context, userID string, h Handler) (func(), error) {
	if userID == "" || h == nil {
		return nil, fmt.Errorf("%w: user id and handler are required", ErrInvalidSignal)
	}
	unsub := c.bus.subscribe(userID, func(sig Signal) {
		if sig.To == userID {
			h(sig)
		}
	})
	c.mu.Lock()
	c.active++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			c.mu.Lock()
			c.active--
			c.mu.Unlock()
		})
	}, nil
}

func (c *MemoryChannel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active > 0 && !c.offline
}
