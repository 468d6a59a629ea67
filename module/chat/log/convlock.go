package log

import "sync"

// convLocks is an arena of per-conversation mutexes: position assignment is
// the single serialization point in the system, and it must be scoped to the
// conversation so unrelated conversations never contend. Locks are created
// lazily and never removed; the arena is bounded by the number of
// conversations this node has touched.
type convLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newConvLocks() *convLocks {
	return &convLocks{m: make(map[string]*sync.Mutex)}
}

func (c *convLocks) get(conversationID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.m[conversationID]
	if !ok {
		l = &sync.Mutex{}
		c.m[conversationID] = l
	}
	return l
}
