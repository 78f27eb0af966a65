package storage

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

// QueryCache is an LRU cache of query results with a per-entry TTL.
// Entries are grouped by tenant so a write only evicts its own tenant.
type QueryCache struct {
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	entries map[queryKey]*list.Element
	lru     *list.List
}

// queryKey identifies a query. Times are kept in milliseconds, the
// resolution of the store.
type queryKey struct {
	tenant string
	query  string
	start  int64
	end    int64
}

type cacheEntry struct {
	key     queryKey
	result  *types.QueryResult
	expires time.Time
}

func newQueryKey(req *types.QueryRequest) queryKey {
	tenant := req.TenantID
	if tenant == "" {
		tenant = DefaultTenant
	}
	return queryKey{
		tenant: tenant,
		query:  req.Query,
		start:  req.StartTime.UnixMilli(),
		end:    req.EndTime.UnixMilli(),
	}
}

// NewQueryCache creates a cache holding at most capacity results. A
// capacity of zero disables caching.
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[queryKey]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached result for req, if present and fresh.
func (qc *QueryCache) Get(req *types.QueryRequest) (*types.QueryResult, bool) {
	key := newQueryKey(req)

	qc.mu.Lock()
	defer qc.mu.Unlock()

	el, ok := qc.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expires) {
		qc.removeLocked(el)
		return nil, false
	}
	qc.lru.MoveToFront(el)
	return entry.result, true
}

// Put stores result for req, evicting the least recently used entry when
// the cache is full.
func (qc *QueryCache) Put(req *types.QueryRequest, result *types.QueryResult) {
	if qc.capacity <= 0 {
		return
	}
	key := newQueryKey(req)
	expires := time.Now().Add(qc.ttl)

	qc.mu.Lock()
	defer qc.mu.Unlock()

	if el, ok := qc.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.result = result
		entry.expires = expires
		qc.lru.MoveToFront(el)
		return
	}

	qc.entries[key] = qc.lru.PushFront(&cacheEntry{key: key, result: result, expires: expires})
	for qc.lru.Len() > qc.capacity {
		qc.removeLocked(qc.lru.Back())
	}
}

func (qc *QueryCache) removeLocked(el *list.Element) {
	qc.lru.Remove(el)
	delete(qc.entries, el.Value.(*cacheEntry).key)
}

// Invalidate drops every entry of tenant.
func (qc *QueryCache) Invalidate(tenant string) {
	if tenant == "" {
		tenant = DefaultTenant
	}

	qc.mu.Lock()
	defer qc.mu.Unlock()

	for key, el := range qc.entries {
		if key.tenant == tenant {
			qc.removeLocked(el)
		}
	}
}

// Clear drops all entries.
func (qc *QueryCache) Clear() {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	clear(qc.entries)
	qc.lru.Init()
}

// Size returns the number of cached results.
func (qc *QueryCache) Size() int {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return len(qc.entries)
}

// Stats returns a snapshot of the cache occupancy.
func (qc *QueryCache) Stats() CacheStats {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	now := time.Now()
	stats := CacheStats{Size: len(qc.entries), Capacity: qc.capacity}
	for _, el := range qc.entries {
		entry := el.Value.(*cacheEntry)
		if now.After(entry.expires) {
			stats.Expired++
		}
		stats.Points += entry.result.PointCount()
	}
	return stats
}

// CacheStats describes the cache occupancy.
type CacheStats struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
	Expired  int `json:"expired"`
	Points   int `json:"points"`
}

// CachedStorage serves repeated queries from a QueryCache. Writes evict the
// cached results of the written tenant.
type CachedStorage struct {
	Storage
	cache  *QueryCache
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedStorage wraps storage with a cache of the given size and TTL.
func NewCachedStorage(storage Storage, cacheCapacity int, cacheTTL time.Duration) *CachedStorage {
	return &CachedStorage{
		Storage: storage,
		cache:   NewQueryCache(cacheCapacity, cacheTTL),
	}
}

// Write passes through to the underlying storage
func (cs *CachedStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	defer cs.cache.Invalidate(req.TenantID)
	return cs.Storage.Write(ctx, req)
}

// Query checks the cache before querying storage
func (cs *CachedStorage) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	if result, ok := cs.cache.Get(req); ok {
		cs.hits.Add(1)
		return result, nil
	}
	cs.misses.Add(1)

	result, err := cs.Storage.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	cs.cache.Put(req, result)
	return result, nil
}

// CacheStats returns the cache occupancy and the hit and miss counters.
func (cs *CachedStorage) CacheStats() (CacheStats, uint64, uint64) {
	return cs.cache.Stats(), cs.hits.Load(), cs.misses.Load()
}

// CacheHitRate returns the cache hit rate as a percentage
func (cs *CachedStorage) CacheHitRate() float64 {
	hits, misses := cs.hits.Load(), cs.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
