package mesh

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

// DedupCache remembers message ids for a TTL window. It is bounded: when full,
// the least recently recorded id is evicted even if it has not expired.
type DedupCache struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewDedupCache creates a cache holding at most capacity ids
func NewDedupCache(capacity int, ttl time.Duration, now func() time.Time) (*DedupCache, error) {
	c, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &DedupCache{cache: c, ttl: ttl, now: now}, nil
}

// Seen reports whether id was recorded within the TTL window
func (d *DedupCache) Seen(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.cache.Peek(id)
	if !ok {
		return false
	}
	if d.now().Sub(v.(time.Time)) >= d.ttl {
		d.cache.Remove(id)
		return false
	}
	return true
}

// Record stores id with the current time. An existing entry keeps its first-seen time.
func (d *DedupCache) Record(id uuid.UUID) {
	d.Claim(id)
}

// Claim records id and reports whether this call was the first within the
// TTL window. Check and record happen under one lock, so of several
// concurrent claims for the same id exactly one wins.
func (d *DedupCache) Claim(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if v, ok := d.cache.Peek(id); ok && now.Sub(v.(time.Time)) < d.ttl {
		return false
	}
	d.cache.Add(id, now)
	return true
}

// Clean removes entries older than the TTL and returns how many were removed
func (d *DedupCache) Clean() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for _, k := range d.cache.Keys() {
		v, ok := d.cache.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(time.Time)) >= d.ttl {
			d.cache.Remove(k)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached ids, expired or not
func (d *DedupCache) Len() int {
	return d.cache.Len()
}
