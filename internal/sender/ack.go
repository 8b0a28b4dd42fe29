package sender

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"wagateway/internal/domain"
)

// ackSlot resolves exactly once, either from an ack or from the timeout.
type ackSlot struct {
	once      sync.Once
	done      chan struct{}
	delivered bool
}

func newAckSlot() *ackSlot {
	return &ackSlot{done: make(chan struct{})}
}

func (s *ackSlot) resolve(delivered bool) {
	s.once.Do(func() {
		s.delivered = delivered
		close(s.done)
	})
}

// ackTracker matches acks to waiting sends. Acks that arrive before anyone
// waits (the transport can beat the send call's return) are kept for a while
// in a TTL cache. The cache runs no janitor goroutine; observe sweeps expired
// entries itself.
type ackTracker struct {
	mu      sync.Mutex
	waiters map[string]*ackSlot
	seen    *cache.Cache
}

func newAckTracker(ttl time.Duration) *ackTracker {
	return &ackTracker{
		waiters: make(map[string]*ackSlot),
		seen:    cache.New(ttl, 0),
	}
}

func (t *ackTracker) observe(messageID string, level domain.AckLevel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.waiters[messageID]; ok && level.Delivered() {
		delete(t.waiters, messageID)
		w.resolve(true)
		return
	}
	if prev, ok := t.seen.Get(messageID); ok && prev.(domain.AckLevel) >= level {
		return
	}
	t.seen.DeleteExpired()
	t.seen.Set(messageID, level, cache.DefaultExpiration)
}

// wait blocks until messageID is acked at device tier, timeout elapses, or
// ctx ends. It reports whether delivery was confirmed.
func (t *ackTracker) wait(ctx context.Context, messageID string, timeout time.Duration) bool {
	t.mu.Lock()
	if lvl, ok := t.seen.Get(messageID); ok && lvl.(domain.AckLevel).Delivered() {
		t.seen.Delete(messageID)
		t.mu.Unlock()
		return true
	}
	slot := newAckSlot()
	t.waiters[messageID] = slot
	t.mu.Unlock()

	timer := time.AfterFunc(timeout, func() { slot.resolve(false) })
	defer timer.Stop()

	select {
	case <-slot.done:
	case <-ctx.Done():
		slot.resolve(false)
	}

	t.mu.Lock()
	if t.waiters[messageID] == slot {
		delete(t.waiters, messageID)
	}
	t.mu.Unlock()
	return slot.delivered
}

// close releases buffered acks and wakes any remaining waiters unconfirmed.
func (t *ackTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, w := range t.waiters {
		delete(t.waiters, id)
		w.resolve(false)
	}
	t.seen.Flush()
}

func (t *ackTracker) buffered() int {
	return t.seen.ItemCount()
}

func (t *ackTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
