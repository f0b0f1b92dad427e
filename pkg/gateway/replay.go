package gateway

import (
	"sync"
	"time"
)

// replayCache remembers successful responses by idempotency key so a client retrying a
// session.start or session.send does not start or enqueue twice. Keys are scoped to the client
// that sent them; HTTP callers share the empty client scope.
type replayCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]replayEntry
}

type replayEntry struct {
	result    interface{}
	expiresAt time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]replayEntry),
	}
}

func replayKey(clientID, method, key string) string {
	if key == "" {
		return ""
	}
	return clientID + "\x00" + method + "\x00" + key
}

func (c *replayCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result, true
}

func (c *replayCache) put(key string, result interface{}) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = replayEntry{result: result, expiresAt: now.Add(c.ttl)}
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
