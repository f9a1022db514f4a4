package engine

import "sync"

// conversationLocks provides one mutex per conversation id. Turn generation
// holds the conversation's lock for the full read-generate-append cycle, so
// two Advance calls on the same conversation never interleave while work on
// different conversations proceeds fully in parallel.
//
// Locks are never removed: the set of conversations is bounded and a bare
// mutex is cheap compared to the bookkeeping needed to reap one safely.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for the given conversation id, creating it on first use.
func (c *conversationLocks) get(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}
