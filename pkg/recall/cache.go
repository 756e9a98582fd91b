package recall

import (
	"container/list"
	"sync"
	"time"
)

// cacheKey identifies one retrieval variant. Entities and topics are
// deliberately absent: a degraded request (relation query skipped) and
// the full one share an entry, and the TTL bounds how long the weaker
// answer can be served.
type cacheKey struct {
	ns          string
	sessionID   string
	maxMemories int
	input       string
}

type cacheEntry struct {
	key     cacheKey
	resp    *Response
	expires time.Time
}

// responseCache is a small LRU with per-entry TTL. Lookups race freely
// across requests; a duplicate fetch on a miss is acceptable.
type responseCache struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	items map[cacheKey]*list.Element
	order *list.List // front = most recently used
}

func newResponseCache(max int, ttl time.Duration) *responseCache {
	return &responseCache{
		max:   max,
		ttl:   ttl,
		items: make(map[cacheKey]*list.Element, max),
		order: list.New(),
	}
}

func (c *responseCache) get(key cacheKey) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return cloneResponse(entry.resp), true
}

func (c *responseCache) put(key cacheKey, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &cacheEntry{key: key, resp: cloneResponse(resp), expires: time.Now().Add(c.ttl)}
	if elem, ok := c.items[key]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
		return
	}
	c.items[key] = c.order.PushFront(entry)
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// invalidateNamespace drops every cached entry for the namespace. Called
// after a synchronous forget so deleted memories stop being served before
// the TTL runs out.
func (c *responseCache) invalidateNamespace(ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.items {
		if key.ns == ns {
			c.order.Remove(elem)
			delete(c.items, key)
		}
	}
}

// cloneResponse copies the response deeply enough that callers mutating
// slices cannot corrupt the cached copy.
func cloneResponse(r *Response) *Response {
	out := &Response{
		Entities: emptyIfNil(append([]string(nil), r.Entities...)),
		Topics:   emptyIfNil(append([]string(nil), r.Topics...)),
		Memories: make([]Memory, len(r.Memories)),
		Context:  r.Context,
	}
	for i, m := range r.Memories {
		m.Sources = append([]string(nil), m.Sources...)
		out.Memories[i] = m
	}
	return out
}
