package ids

import "testing"

func TestEUI64RoundTrip(t *testing.T) {
	e := EUI64(0x00112233445566AA)
	s := e.String()
	if s != "00112233445566aa" {
		t.Fatalf("String() = %q, want 00112233445566aa", s)
	}

	got, err := ParseEUI64(s)
	if err != nil {
		t.Fatalf("ParseEUI64() error = %v", err)
	}
	if got != e {
		t.Errorf("ParseEUI64() = %x, want %x", uint64(got), uint64(e))
	}
}

func TestTickBeforeWraps(t *testing.T) {
	var max Tick = 0xFFFFFFFF
	if !max.Before(0) {
		t.Error("max tick should be before 0 under wraparound comparison")
	}
	if Tick(0).Before(max) {
		t.Error("0 should not be before max under wraparound comparison")
	}
	if !Tick(10).Before(Tick(20)) {
		t.Error("10 should be before 20")
	}
}

func TestSequenceSkipsZero(t *testing.T) {
	var seq Sequence
	seq.next = 0xFFFFFFFF

	first := seq.Next()
	if first != 1 {
		t.Errorf("Next() after wraparound = %d, want 1 (zero reserved)", first)
	}

	var fresh Sequence
	ids := make(map[CorrID]bool)
	for i := 0; i < 5; i++ {
		id := fresh.Next()
		if id == NoCorrID {
			t.Fatal("Next() returned reserved NoCorrID")
		}
		if ids[id] {
			t.Fatalf("Next() returned duplicate id %d", id)
		}
		ids[id] = true
	}
}
