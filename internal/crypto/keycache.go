package crypto

import (
	"container/list"
	"sync"
	"time"
)

// cachedKey is one unwrapped data key held in memory. The plaintext material
// is consumed into the AEAD cipher at insertion time and is never stored,
// logged or serialised; the ciphertext half is kept for later re-wrap.
type cachedKey struct {
	keyID      string
	cipher     *Cipher
	ciphertext []byte
	createdAt  time.Time
}

// keyCache is an LRU cache with TTL for unwrapped data keys, keyed by KMS
// key id. Expired entries are removed opportunistically on access.
type keyCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	cap     int
	ttl     time.Duration
	now     func() time.Time
}

func newKeyCache(cap int, ttl time.Duration) *keyCache {
	return &keyCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		cap:     cap,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *keyCache) get(keyID string) (*cachedKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[keyID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cachedKey)
	if c.now().Sub(entry.createdAt) > c.ttl {
		c.remove(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry, true
}

func (c *keyCache) put(entry *cachedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[entry.keyID]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}
	c.entries[entry.keyID] = c.order.PushFront(entry)
	for c.order.Len() > c.cap {
		c.remove(c.order.Back())
	}
}

// remove must be called with the lock held.
func (c *keyCache) remove(el *list.Element) {
	if el == nil {
		return
	}
	entry := el.Value.(*cachedKey)
	delete(c.entries, entry.keyID)
	c.order.Remove(el)
}

func (c *keyCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *keyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
