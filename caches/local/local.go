package local

import (
	"context"
	"sync"
	"time"

	gopreflightcache "github.com/dgduncan/go-preflight-cache"
	"github.com/dgduncan/go-preflight-cache/caches"
)

type key struct {
	origin   string
	resource string
}

// BasicCache is an in-memory gopreflightcache.Cache. Entries live in one map
// keyed by origin and resource; writers maps each resource to the origin
// that stored it last. Both maps change only under lock.
type BasicCache struct {
	entries map[key]*gopreflightcache.CacheEntry
	writers map[string]string

	now  func() time.Time
	lock sync.RWMutex
}

// Lookup returns the entry for origin and resource. An expired entry is
// removed from both indices and reported as caches.ErrNoCacheItem.
func (bc *BasicCache) Lookup(_ context.Context, origin, resource string) (*gopreflightcache.CacheEntry, error) {
	k := key{origin: origin, resource: resource}

	bc.lock.RLock()
	val, found := bc.entries[k]
	bc.lock.RUnlock()

	if !found {
		return nil, caches.ErrNoCacheItem
	}

	if val.Valid(bc.now()) {
		return val, nil
	}

	bc.lock.Lock()
	// another writer may have replaced the entry since the read lock was released
	if cur, ok := bc.entries[k]; ok && cur == val {
		bc.remove(k)
	}
	bc.lock.Unlock()

	return nil, caches.ErrNoCacheItem
}

// Store replaces the entry for origin and resource and records origin as the
// resource's last writer.
func (bc *BasicCache) Store(_ context.Context, origin, resource string, e *gopreflightcache.CacheEntry) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	bc.entries[key{origin: origin, resource: resource}] = e
	bc.writers[resource] = origin

	return nil
}

// Invalidate removes the entry written last for resource.
func (bc *BasicCache) Invalidate(_ context.Context, resource string) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	origin, found := bc.writers[resource]
	if !found {
		return nil
	}
	bc.remove(key{origin: origin, resource: resource})

	return nil
}

// Size returns the number of stored entries, expired ones included until a
// lookup removes them.
func (bc *BasicCache) Size(_ context.Context) (int, error) {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	return len(bc.entries), nil
}

// remove deletes k and, if k's origin is the resource's last writer, the
// writer record. Callers hold the write lock.
func (bc *BasicCache) remove(k key) {
	delete(bc.entries, k)
	if bc.writers[k.resource] == k.origin {
		delete(bc.writers, k.resource)
	}
}

func NewBasicCache() *BasicCache {
	return NewBasicCacheWithTimeFunc(time.Now)
}

// NewBasicCacheWithTimeFunc returns a cache that evaluates expiry with now.
func NewBasicCacheWithTimeFunc(now func() time.Time) *BasicCache {
	if now == nil {
		now = time.Now
	}
	return &BasicCache{
		entries: make(map[key]*gopreflightcache.CacheEntry),
		writers: make(map[string]string),
		now:     now,
	}
}

var _ gopreflightcache.Cache = (*BasicCache)(nil)
