package engine

import (
	"container/list"
	"fmt"
	"sync"
)

// WindowKey is the composite idempotency key: exactly one successful
// settlement may exist per (uid, window_id).
type WindowKey struct {
	UID      string
	WindowID string
}

func (k WindowKey) String() string {
	return fmt.Sprintf("%s:%s", k.UID, k.WindowID)
}

// DurableResultChecker is the cold-tier lookup for window results that have
// aged out of the in-memory cache (Postgres in production).
type DurableResultChecker interface {
	LookupResult(key WindowKey) (*Result, error)
}

// windowCache is a two-tier idempotency store for window results: an LRU of
// recent terminal results backed by an optional durable checker. Shared by
// all per-user settlements, so it locks internally.
type windowCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[WindowKey]*list.Element
	lruList  *list.List
	durable  DurableResultChecker

	evictions int64
}

type cacheEntry struct {
	key    WindowKey
	result Result
}

func newWindowCache(capacity int, durable DurableResultChecker) *windowCache {
	return &windowCache{
		capacity: capacity,
		cache:    make(map[WindowKey]*list.Element, capacity),
		lruList:  list.New(),
		durable:  durable,
	}
}

// Lookup returns the stored terminal result for key, if any. An LRU hit
// promotes the entry; an LRU miss falls through to the durable tier and
// re-caches on hit. Durable-tier errors are treated conservatively as
// not-found so a storage blip cannot block settlement.
func (wc *windowCache) Lookup(key WindowKey) (Result, bool) {
	wc.mu.Lock()
	if elem, ok := wc.cache[key]; ok {
		wc.lruList.MoveToFront(elem)
		res := elem.Value.(*cacheEntry).result
		wc.mu.Unlock()
		return res, true
	}
	wc.mu.Unlock()

	if wc.durable != nil {
		res, err := wc.durable.LookupResult(key)
		if err == nil && res != nil {
			wc.Store(*res)
			return *res, true
		}
	}

	return Result{}, false
}

// Store records a terminal result, evicting the oldest entry past capacity.
func (wc *windowCache) Store(res Result) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	key := WindowKey{UID: res.UID, WindowID: res.WindowID}
	if elem, ok := wc.cache[key]; ok {
		elem.Value.(*cacheEntry).result = res
		wc.lruList.MoveToFront(elem)
		return
	}

	elem := wc.lruList.PushFront(&cacheEntry{key: key, result: res})
	wc.cache[key] = elem

	if wc.lruList.Len() > wc.capacity {
		oldest := wc.lruList.Back()
		if oldest != nil {
			wc.lruList.Remove(oldest)
			delete(wc.cache, oldest.Value.(*cacheEntry).key)
			wc.evictions++
		}
	}
}

// Size returns current occupancy.
func (wc *windowCache) Size() int {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.lruList.Len()
}
