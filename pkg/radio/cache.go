package radio

import (
	"sync"

	"zigbridge/pkg/ids"
)

// addressCache is the M_DEV-entry (eui64, nwk, last_seen) table (spec
// §4.4). Insert overwrites an existing entry by eui64; when the table
// is full, insert evicts the entry with the oldest LastSeen.
type addressCache struct {
	mu      sync.RWMutex
	entries map[ids.EUI64]cacheEntry
	byNWK   map[ids.NWK]ids.EUI64
	cap     int
}

type cacheEntry struct {
	nwk      ids.NWK
	lastSeen ids.Tick
}

func newAddressCache(capacity int) *addressCache {
	return &addressCache{
		entries: make(map[ids.EUI64]cacheEntry, capacity),
		byNWK:   make(map[ids.NWK]ids.EUI64, capacity),
		cap:     capacity,
	}
}

// Upsert inserts or updates the eui64's entry, evicting the oldest
// entry by LastSeen if the table is full and eui64 is new.
func (c *addressCache) Upsert(eui64 ids.EUI64, nwk ids.NWK, now ids.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[eui64]; ok {
		delete(c.byNWK, existing.nwk)
		c.entries[eui64] = cacheEntry{nwk: nwk, lastSeen: now}
		c.byNWK[nwk] = eui64
		return
	}

	if len(c.entries) >= c.cap {
		c.evictOldestLocked()
	}

	c.entries[eui64] = cacheEntry{nwk: nwk, lastSeen: now}
	c.byNWK[nwk] = eui64
}

func (c *addressCache) evictOldestLocked() {
	var oldestKey ids.EUI64
	var oldestTick ids.Tick
	first := true
	for k, v := range c.entries {
		if first || v.lastSeen.Before(oldestTick) {
			oldestKey = k
			oldestTick = v.lastSeen
			first = false
		}
	}
	if !first {
		delete(c.byNWK, c.entries[oldestKey].nwk)
		delete(c.entries, oldestKey)
	}
}

// Remove deletes eui64's entry, if present.
func (c *addressCache) Remove(eui64 ids.EUI64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[eui64]; ok {
		delete(c.byNWK, e.nwk)
		delete(c.entries, eui64)
	}
}

// Lookup returns the NWK currently mapped to eui64.
func (c *addressCache) Lookup(eui64 ids.EUI64) (ids.NWK, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[eui64]
	if !ok {
		return ids.NWKUnknown, false
	}
	return e.nwk, true
}

// ReverseLookup returns the eui64 currently mapped to nwk.
func (c *addressCache) ReverseLookup(nwk ids.NWK) (ids.EUI64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byNWK[nwk]
	return e, ok
}

// Len returns the number of live entries.
func (c *addressCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
