package registry

import (
	"context"
	"testing"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/events"
	"zigbridge/pkg/ids"
	"zigbridge/pkg/persist"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus, *persist.Store) {
	t.Helper()
	var tick ids.Tick = 5
	clock := func() ids.Tick { return tick }

	b := bus.New(64, 16, clock)
	store, err := persist.Open(t.TempDir()+"/reg.db", 8)
	if err != nil {
		t.Fatalf("persist.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := New(b, store, Config{MaxNodes: 4}, clock)
	return r, b, store
}

func TestAddNodeEmitsJoined(t *testing.T) {
	r, b, _ := newTestRegistry(t)

	var sawJoin bool
	b.Subscribe(events.RadioRange, func(ev bus.Event) {
		if ev.Type == events.ZBDeviceJoined {
			sawJoin = true
		}
	})

	if _, err := r.AddNode(ids.EUI64(1), ids.NWK(100)); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	b.Dispatch(10)

	if !sawJoin {
		t.Fatal("expected ZB_DEVICE_JOINED")
	}
}

func TestAddNodeDuplicateFails(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if _, err := r.AddNode(ids.EUI64(1), ids.NWK(100)); err != nil {
		t.Fatalf("first AddNode() error = %v", err)
	}
	if _, err := r.AddNode(ids.EUI64(1), ids.NWK(200)); err != ErrAlreadyExists {
		t.Fatalf("AddNode() error = %v, want ErrAlreadyExists", err)
	}
}

func TestAddNodeFullTable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	for i := 0; i < 4; i++ {
		if _, err := r.AddNode(ids.EUI64(i+1), ids.NWK(i+1)); err != nil {
			t.Fatalf("AddNode(%d) error = %v", i, err)
		}
	}
	if _, err := r.AddNode(ids.EUI64(5), ids.NWK(5)); err != ErrFull {
		t.Fatalf("AddNode() on full table error = %v, want ErrFull", err)
	}
}

func TestFindByEUI64AndNWK(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.AddNode(ids.EUI64(42), ids.NWK(7))

	if n, ok := r.FindByEUI64(ids.EUI64(42)); !ok || n.NWK != 7 {
		t.Fatalf("FindByEUI64() = (%v, %v)", n, ok)
	}
	if n, ok := r.FindByNWK(ids.NWK(7)); !ok || n.EUI64 != 42 {
		t.Fatalf("FindByNWK() = (%v, %v)", n, ok)
	}
	if _, ok := r.FindByNWK(ids.NWK(99)); ok {
		t.Fatal("FindByNWK() should miss for an unassigned nwk")
	}
}

func TestRemoveNodeEmitsLeftAndFreesSlot(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	r.AddNode(ids.EUI64(1), ids.NWK(1))
	b.Dispatch(10)

	var sawLeft bool
	b.Subscribe(events.RadioRange, func(ev bus.Event) {
		if ev.Type == events.ZBDeviceLeft {
			sawLeft = true
		}
	})

	if err := r.RemoveNode(ids.EUI64(1)); err != nil {
		t.Fatalf("RemoveNode() error = %v", err)
	}
	b.Dispatch(10)

	if !sawLeft {
		t.Fatal("expected ZB_DEVICE_LEFT")
	}
	if _, ok := r.FindByEUI64(ids.EUI64(1)); ok {
		t.Fatal("node should be gone after RemoveNode()")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRemoveNodeMissingReturnsNotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if err := r.RemoveNode(ids.EUI64(99)); err != ErrNotFound {
		t.Fatalf("RemoveNode() error = %v, want ErrNotFound", err)
	}
}

func TestSetStateLinearTransitions(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.AddNode(ids.EUI64(1), ids.NWK(1))

	if err := r.SetState(ids.EUI64(1), StateInterviewing); err != nil {
		t.Fatalf("New->Interviewing error = %v", err)
	}
	if err := r.SetState(ids.EUI64(1), StateReady); err != nil {
		t.Fatalf("Interviewing->Ready error = %v", err)
	}
	if err := r.SetState(ids.EUI64(1), StateStale); err != nil {
		t.Fatalf("Ready->Stale error = %v", err)
	}
	if err := r.SetState(ids.EUI64(1), StateReady); err != nil {
		t.Fatalf("Stale->Ready recovery error = %v", err)
	}
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.AddNode(ids.EUI64(1), ids.NWK(1))

	if err := r.SetState(ids.EUI64(1), StateReady); err == nil {
		t.Fatal("New->Ready should be rejected (must pass through Interviewing)")
	}
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	r, _, store := newTestRegistry(t)
	n, _ := r.AddNode(ids.EUI64(0x00112233445566AA), ids.NWK(0x1234))
	n.Manufacturer = "Acme"
	n.Model = "Bulb-1"

	if err := r.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	r2 := New(r.bus, store, Config{MaxNodes: 4}, r.now)
	if err := r2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	got, ok := r2.FindByEUI64(ids.EUI64(0x00112233445566AA))
	if !ok {
		t.Fatal("restored registry missing the persisted node")
	}
	if got.Manufacturer != "Acme" || got.Model != "Bulb-1" || got.NWK != 0x1234 {
		t.Fatalf("got = %+v, want manufacturer=Acme model=Bulb-1 nwk=0x1234", got)
	}
}

func TestWithNodeMutatesInPlace(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.AddNode(ids.EUI64(1), ids.NWK(1))

	if err := r.WithNode(ids.EUI64(1), func(n *Node) {
		n.Manufacturer = "Acme"
		n.Endpoints = append(n.Endpoints, Endpoint{ID: 1, Profile: 0x0104})
	}); err != nil {
		t.Fatalf("WithNode() error = %v", err)
	}

	got, _ := r.FindByEUI64(ids.EUI64(1))
	if got.Manufacturer != "Acme" || len(got.Endpoints) != 1 {
		t.Fatalf("got = %+v, want mutation applied", got)
	}
}

func TestWithNodeMissingReturnsNotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if err := r.WithNode(ids.EUI64(99), func(n *Node) {}); err != ErrNotFound {
		t.Fatalf("WithNode() error = %v, want ErrNotFound", err)
	}
}

func TestRestoreOnEmptyStoreIsNoop(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if err := r.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() on empty store error = %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}
