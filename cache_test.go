package keysmith

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyCacheBasics(t *testing.T) {
	c := NewKeyCache()
	_, ok := c.Get("u1")
	assert.False(t, ok)

	now := time.Now()
	c.Set("u1", &CacheEntry{Keys: []string{"k1"}, HardExpiry: now.Add(time.Hour), RefreshedAt: now})
	entry, ok := c.Get("u1")
	assert.True(t, ok)
	assert.Equal(t, []string{"k1"}, entry.Keys)
	assert.Equal(t, 1, c.Len())

	c.Delete("u1")
	_, ok = c.Get("u1")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestKeyCacheSweep(t *testing.T) {
	c := NewKeyCache()
	now := time.Now()
	c.Set("fresh", &CacheEntry{RefreshedAt: now})
	c.Set("aging", &CacheEntry{RefreshedAt: now.Add(-8 * time.Minute)})
	c.Set("dead", &CacheEntry{RefreshedAt: now.Add(-20 * time.Minute)})

	swept := c.Sweep(now, 10*time.Minute)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get("dead")
	assert.False(t, ok)
	_, ok = c.Get("aging")
	assert.True(t, ok)
}

func TestKeyCacheEntryReplacedWholesale(t *testing.T) {
	c := NewKeyCache()
	now := time.Now()
	c.Set("u1", &CacheEntry{Keys: []string{"k1", "k2"}, RefreshedAt: now})
	c.Set("u1", &CacheEntry{Keys: []string{"k3"}, RefreshedAt: now})

	entry, ok := c.Get("u1")
	assert.True(t, ok)
	assert.Equal(t, []string{"k3"}, entry.Keys)
}
