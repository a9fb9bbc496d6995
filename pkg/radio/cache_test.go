package radio

import (
	"testing"

	"zigbridge/pkg/ids"
)

func TestCacheUpsertAndLookup(t *testing.T) {
	c := newAddressCache(4)
	c.Upsert(ids.EUI64(1), ids.NWK(100), ids.Tick(1))

	nwk, ok := c.Lookup(ids.EUI64(1))
	if !ok || nwk != 100 {
		t.Fatalf("Lookup() = (%v, %v), want (100, true)", nwk, ok)
	}
	eui, ok := c.ReverseLookup(ids.NWK(100))
	if !ok || eui != 1 {
		t.Fatalf("ReverseLookup() = (%v, %v), want (1, true)", eui, ok)
	}
}

func TestCacheUpsertOverwritesByEUI64(t *testing.T) {
	c := newAddressCache(4)
	c.Upsert(ids.EUI64(1), ids.NWK(100), ids.Tick(1))
	c.Upsert(ids.EUI64(1), ids.NWK(200), ids.Tick(2))

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	nwk, _ := c.Lookup(ids.EUI64(1))
	if nwk != 200 {
		t.Fatalf("Lookup() = %v, want 200", nwk)
	}
	if _, ok := c.ReverseLookup(ids.NWK(100)); ok {
		t.Fatal("stale reverse mapping for old nwk should be gone")
	}
}

func TestCacheEvictsOldestOnFull(t *testing.T) {
	c := newAddressCache(2)
	c.Upsert(ids.EUI64(1), ids.NWK(1), ids.Tick(10))
	c.Upsert(ids.EUI64(2), ids.NWK(2), ids.Tick(20))
	// table full; inserting a third evicts eui64=1 (oldest last_seen)
	c.Upsert(ids.EUI64(3), ids.NWK(3), ids.Tick(30))

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.Lookup(ids.EUI64(1)); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Lookup(ids.EUI64(2)); !ok {
		t.Fatal("eui64=2 should still be present")
	}
	if _, ok := c.Lookup(ids.EUI64(3)); !ok {
		t.Fatal("eui64=3 should have been inserted")
	}
}

func TestCacheRemove(t *testing.T) {
	c := newAddressCache(4)
	c.Upsert(ids.EUI64(1), ids.NWK(1), ids.Tick(1))
	c.Remove(ids.EUI64(1))

	if _, ok := c.Lookup(ids.EUI64(1)); ok {
		t.Fatal("Lookup() should miss after Remove()")
	}
	if _, ok := c.ReverseLookup(ids.NWK(1)); ok {
		t.Fatal("ReverseLookup() should miss after Remove()")
	}
}
