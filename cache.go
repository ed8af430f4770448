package keysmith

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// CacheEntry is the cached reconciliation result for one identity. Entries
// are replaced wholesale, never mutated in place, so a reader can never
// observe a half-updated key set.
type CacheEntry struct {
	Keys        []string
	HardExpiry  time.Time
	RefreshedAt time.Time
}

// KeyCache maps identity to its reconciled key set. The reconciliation
// engine is the only writer. No I/O, memory only, advisory: a restart
// loses it and the store remains the source of truth.
type KeyCache struct {
	entries *xsync.MapOf[string, *CacheEntry]
}

func NewKeyCache() *KeyCache {
	return &KeyCache{entries: xsync.NewMapOf[string, *CacheEntry]()}
}

func (c *KeyCache) Get(identity string) (*CacheEntry, bool) {
	return c.entries.Load(identity)
}

func (c *KeyCache) Set(identity string, entry *CacheEntry) {
	c.entries.Store(identity, entry)
}

func (c *KeyCache) Delete(identity string) {
	c.entries.Delete(identity)
}

func (c *KeyCache) Len() int {
	return c.entries.Size()
}

// Sweep evicts entries not refreshed within maxAge. Entries are kept a
// while past their hard expiry to avoid refresh thrash, then reclaimed
// here.
func (c *KeyCache) Sweep(now time.Time, maxAge time.Duration) (swept int) {
	c.entries.Range(func(identity string, entry *CacheEntry) bool {
		if now.Sub(entry.RefreshedAt) > maxAge {
			c.entries.Delete(identity)
			swept++
		}
		return true
	})
	return swept
}
