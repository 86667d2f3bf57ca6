package store

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is the repositories' shared read-through cache. Keys are namespaced
// by repository prefix; any mutation invalidates the record's id key and
// every list key under the same prefix.
type Cache struct {
	c *gocache.Cache
}

// NewCache builds the cache with a short default TTL; repository reads are
// cheap to refresh and staleness windows must stay small.
func NewCache() *Cache {
	return &Cache{c: gocache.New(30*time.Second, time.Minute)}
}

func (c *Cache) key(prefix, kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, kind, id)
}

// GetID fetches a cached record by id.
func (c *Cache) GetID(prefix, id string) (interface{}, bool) {
	return c.c.Get(c.key(prefix, "id", id))
}

// SetID caches a record by id.
func (c *Cache) SetID(prefix, id string, v interface{}) {
	c.c.SetDefault(c.key(prefix, "id", id), v)
}

// GetList fetches a cached list result by its query signature.
func (c *Cache) GetList(prefix, signature string) (interface{}, bool) {
	return c.c.Get(c.key(prefix, "list", signature))
}

// SetList caches a list result by its query signature.
func (c *Cache) SetList(prefix, signature string, v interface{}) {
	c.c.SetDefault(c.key(prefix, "list", signature), v)
}

// Invalidate drops the id key and every list key under prefix. Called on
// every mutation before it returns.
func (c *Cache) Invalidate(prefix, id string) {
	c.c.Delete(c.key(prefix, "id", id))
	listPrefix := prefix + ":list:"
	for key := range c.c.Items() {
		if strings.HasPrefix(key, listPrefix) {
			c.c.Delete(key)
		}
	}
}
