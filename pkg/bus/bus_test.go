package bus

import (
	"testing"

	"zigbridge/pkg/ids"
)

func fixedClock(t ids.Tick) func() ids.Tick {
	return func() ids.Tick { return t }
}

func TestPublishDispatchFIFO(t *testing.T) {
	b := New(8, 4, fixedClock(1))

	var got []Type
	b.Subscribe(Subscription{TypeMin: 0, TypeMax: 100}, func(ev Event) {
		got = append(got, ev.Type)
	})

	b.Emit(Type(1), 0, nil)
	b.Emit(Type(2), 0, nil)
	b.Emit(Type(3), 0, nil)

	n := b.Dispatch(10)
	if n != 3 {
		t.Fatalf("Dispatch() delivered %d, want 3", n)
	}
	want := []Type{1, 2, 3}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("got[%d] = %d, want %d", i, got[i], w)
		}
	}
}

func TestPublishDropsOnFull(t *testing.T) {
	b := New(2, 2, fixedClock(0))

	b.Emit(Type(1), 0, nil)
	b.Emit(Type(2), 0, nil)
	b.Emit(Type(3), 0, nil) // should be dropped

	stats := b.Stats()
	if stats.Published != 3 {
		t.Errorf("Published = %d, want 3", stats.Published)
	}
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
	if stats.QueueDepth != 2 {
		t.Errorf("QueueDepth = %d, want 2", stats.QueueDepth)
	}

	delivered := []Type{}
	b.Subscribe(Subscription{TypeMin: 0, TypeMax: 100}, func(ev Event) {
		delivered = append(delivered, ev.Type)
	})
	b.Dispatch(10)
	if len(delivered) != 2 || delivered[0] != 1 || delivered[1] != 2 {
		t.Fatalf("delivered = %v, want [1 2]", delivered)
	}
}

func TestHighWaterTracksPeakDepthNotCurrent(t *testing.T) {
	b := New(4, 2, fixedClock(0))
	b.Subscribe(Subscription{TypeMin: 0, TypeMax: 100}, func(ev Event) {})

	b.Emit(Type(1), 0, nil)
	b.Emit(Type(2), 0, nil)
	b.Emit(Type(3), 0, nil)

	stats := b.Stats()
	if stats.HighWater != 3 {
		t.Fatalf("HighWater = %d, want 3", stats.HighWater)
	}

	b.Dispatch(10) // drains the queue; high water must not regress

	stats = b.Stats()
	if stats.QueueDepth != 0 {
		t.Fatalf("QueueDepth = %d, want 0", stats.QueueDepth)
	}
	if stats.HighWater != 3 {
		t.Fatalf("HighWater = %d after drain, want 3", stats.HighWater)
	}
}

func TestSubscriptionFilterRange(t *testing.T) {
	b := New(8, 4, fixedClock(0))

	var lowSeen, highSeen []Type
	b.Subscribe(Subscription{TypeMin: 0, TypeMax: 10}, func(ev Event) {
		lowSeen = append(lowSeen, ev.Type)
	})
	b.Subscribe(Subscription{TypeMin: 11, TypeMax: 20}, func(ev Event) {
		highSeen = append(highSeen, ev.Type)
	})

	b.Emit(Type(5), 0, nil)
	b.Emit(Type(15), 0, nil)
	b.Dispatch(10)

	if len(lowSeen) != 1 || lowSeen[0] != 5 {
		t.Fatalf("lowSeen = %v, want [5]", lowSeen)
	}
	if len(highSeen) != 1 || highSeen[0] != 15 {
		t.Fatalf("highSeen = %v, want [15]", highSeen)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(8, 4, fixedClock(0))

	count := 0
	tok := b.Subscribe(Subscription{TypeMin: 0, TypeMax: 100}, func(ev Event) {
		count++
	})
	b.Emit(Type(1), 0, nil)
	b.Dispatch(10)

	b.Unsubscribe(tok)
	b.Emit(Type(1), 0, nil)
	b.Dispatch(10)

	if count != 1 {
		t.Fatalf("count = %d, want 1 (no delivery after unsubscribe)", count)
	}
}

func TestNewCorrIDUniqueAndNonZero(t *testing.T) {
	b := New(4, 2, fixedClock(0))
	seen := make(map[ids.CorrID]bool)
	for i := 0; i < 10; i++ {
		id := b.NewCorrID()
		if id == ids.NoCorrID {
			t.Fatal("NewCorrID() returned reserved NoCorrID")
		}
		if seen[id] {
			t.Fatalf("NewCorrID() returned duplicate %d", id)
		}
		seen[id] = true
	}
}

func TestPayloadTruncatesToMax(t *testing.T) {
	b := New(4, 2, fixedClock(0))

	var got Event
	b.Subscribe(Subscription{TypeMin: 0, TypeMax: 100}, func(ev Event) {
		got = ev
	})

	big := make([]byte, PayloadMax+10)
	for i := range big {
		big[i] = byte(i)
	}
	b.Emit(Type(1), 0, big)
	b.Dispatch(1)

	if got.PayloadLen != PayloadMax {
		t.Fatalf("PayloadLen = %d, want %d", got.PayloadLen, PayloadMax)
	}
}
