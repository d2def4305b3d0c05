package parser

// cache.go — bounded LRU of recently parsed messages with deterministic
// eviction, so repeated stream chunks can be correlated without relying on
// GC-driven cleanup.

import (
	"container/list"
	"sync"

	"github.com/dayuer/agentbus-go/internal/message"
)

type lruEntry struct {
	id  string
	msg *message.AgentMessage
}

type lruCache struct {
	mu    sync.Mutex
	max   int
	order *list.List               // front = most recent
	items map[string]*list.Element // id -> element
}

func newLRUCache(max int) *lruCache {
	if max <= 0 {
		max = 256
	}
	return &lruCache{
		max:   max,
		order: list.New(),
		items: make(map[string]*list.Element, max),
	}
}

func (c *lruCache) add(id string, msg *message.AgentMessage) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		el.Value.(*lruEntry).msg = msg
		c.order.MoveToFront(el)
		return
	}
	c.items[id] = c.order.PushFront(&lruEntry{id: id, msg: msg})
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).id)
	}
}

func (c *lruCache) get(id string) (*message.AgentMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).msg, true
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
