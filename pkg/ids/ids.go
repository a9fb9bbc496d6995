// Package ids defines the small value types shared across the bridge:
// extended and short Zigbee addresses, the monotonic tick counter, and
// the correlation id used to match asynchronous radio confirmations
// back to their originating command.
package ids

import "fmt"

// EUI64 is a 64-bit IEEE extended unique identifier. Stable per device.
type EUI64 uint64

// String formats the address as a lower-case 16-hex-digit string,
// matching the "node/<16-hex-eui64>" persistence key layout.
func (e EUI64) String() string {
	return fmt.Sprintf("%016x", uint64(e))
}

// ParseEUI64 parses a 16-hex-digit string produced by EUI64.String.
func ParseEUI64(s string) (EUI64, error) {
	var v uint64
	if _, err := fmt.Sscanf(s, "%016x", &v); err != nil {
		return 0, fmt.Errorf("parse eui64 %q: %w", s, err)
	}
	return EUI64(v), nil
}

// NWK is a 16-bit short network address, valid only while a device is
// joined; it may change on rejoin.
type NWK uint16

// NWKUnknown is the reserved "unknown address" sentinel.
const NWKUnknown NWK = 0xFFFF

// Tick is a 32-bit monotonic counter, 1ms nominal resolution.
// Comparisons must use signed-wrap arithmetic per spec §3.
type Tick uint32

// Before reports whether t occurred strictly before other, using
// signed 32-bit wraparound comparison (matches the Clock & Scheduler
// wake policy: "(wake_tick − now) is non-positive under signed 32-bit
// comparison").
func (t Tick) Before(other Tick) bool {
	return int32(t-other) < 0
}

// Since returns the signed number of ticks elapsed since t, which may
// be negative if t is in the future relative to now.
func (t Tick) Since(now Tick) int32 {
	return int32(now - t)
}

// CorrID is a bridge-internal 32-bit correlation id. Zero means
// "fire-and-forget, no confirm emitted". The sequence is dense and
// wraps after 2^32, skipping zero.
type CorrID uint32

// NoCorrID is the reserved "no confirm expected" value.
const NoCorrID CorrID = 0

// Sequence generates dense, monotonically increasing CorrID values,
// skipping the reserved zero value on wraparound. Safe only for
// single-task (scheduler-owned) use — no locking, matching the
// single-threaded cooperative model of spec §5.
type Sequence struct {
	next uint32
}

// Next returns the next correlation id.
func (s *Sequence) Next() CorrID {
	s.next++
	if s.next == 0 {
		s.next = 1
	}
	return CorrID(s.next)
}
