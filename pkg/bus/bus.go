// Package bus implements the bridge's event bus (C2): a bounded ring
// buffer of Event records with a subscriber table and
// drop-on-full backpressure. It is the single channel every other
// component uses to observe device joins, radio signals, attribute
// reports, persistence flushes and MQTT connectivity changes.
//
// The bus is single-producer-multiple-consumer from the scheduler's
// point of view: Publish/Emit are expected to be called from whatever
// task currently holds the scheduler baton (pkg/sched), and Dispatch
// delivers queued events to subscriber callbacks on that same task.
// A mutex guards the queue and subscriber table so Publish can also be
// called safely from a radio driver's own goroutine (pkg/radio's
// stack-backed variant owns a real OS thread for serial I/O).
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"zigbridge/pkg/ids"
)

// PayloadMax bounds the inline payload carried by an Event, matching
// the fixed-size record layout of spec §3.
const PayloadMax = 32

// Type identifies the kind of an Event. The concrete taxonomy lives in
// pkg/events, shared by every producing and consuming package, so this
// package does not depend on any of them; Type is just the wire
// representation.
type Type uint16

// Event is a single bus record. Payload is a fixed-size scratch area;
// producers encode small structured payloads into it (see each
// producing package's payload helpers) rather than allocating.
type Event struct {
	Type       Type
	Timestamp  ids.Tick
	CorrID     ids.CorrID
	SrcID      uint32
	PayloadLen uint8
	Payload    [PayloadMax]byte
}

// Subscription is an inclusive range [TypeMin, TypeMax] of event types a
// subscriber wants delivered to it.
type Subscription struct {
	TypeMin Type
	TypeMax Type
}

func (s Subscription) matches(t Type) bool {
	return t >= s.TypeMin && t <= s.TypeMax
}

// Handler receives dispatched events. It must not block the bus for
// long and must never call a pkg/sched suspension method — it runs
// inline within Dispatch, on the dispatching task's baton.
type Handler func(Event)

// Stats is a snapshot of bus counters, exposed for the debug surface.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Delivered   uint64
	QueueDepth  int
	HighWater   int
	Subscribers int
}

type subscriber struct {
	sub     Subscription
	handler Handler
	live    bool
}

// Bus is a fixed-capacity ring buffer of events plus a subscriber
// table.
type Bus struct {
	mu   sync.Mutex
	ring []Event
	head int // next write index
	size int // number of valid entries
	cap  int

	subs []subscriber

	seq       ids.Sequence
	published uint64
	dropped   uint64
	delivered uint64
	highWater int // peak value of size, across the bus's lifetime

	clock func() ids.Tick
}

// New creates a Bus with room for qSize queued events. mSub is the
// initial capacity of the subscriber table; Subscribe does not refuse
// registrations past it, the table grows instead. clock supplies the
// timestamp stamped on published events (normally
// sched.Scheduler.NowTicks).
func New(qSize, mSub int, clock func() ids.Tick) *Bus {
	return &Bus{
		ring:  make([]Event, qSize),
		cap:   qSize,
		subs:  make([]subscriber, 0, mSub),
		clock: clock,
	}
}

// NewCorrID allocates the next correlation id, skipping the reserved
// zero value. Shared across all publishers so correlation ids are
// unique bus-wide.
func (b *Bus) NewCorrID() ids.CorrID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq.Next()
}

// Publish enqueues an event with an explicit correlation id. If the
// ring is full, the event is dropped and the drop counter increments;
// FIFO order is preserved among delivered events.
func (b *Bus) Publish(typ Type, corrID ids.CorrID, srcID uint32, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published++
	if b.size == b.cap {
		b.dropped++
		log.Warn().Uint16("type", uint16(typ)).Msg("event dropped: bus full")
		return
	}

	var ev Event
	ev.Type = typ
	ev.CorrID = corrID
	ev.SrcID = srcID
	if b.clock != nil {
		ev.Timestamp = b.clock()
	}
	n := copy(ev.Payload[:], payload)
	ev.PayloadLen = uint8(n)

	writeIdx := (b.head + b.size) % b.cap
	b.ring[writeIdx] = ev
	b.size++
	if b.size > b.highWater {
		b.highWater = b.size
	}
}

// Emit is Publish with no correlation id (fire-and-forget events that
// nothing needs to match back to a request).
func (b *Bus) Emit(typ Type, srcID uint32, payload []byte) {
	b.Publish(typ, ids.NoCorrID, srcID, payload)
}

// Subscribe registers a handler for events whose type falls within
// sub's range. Returns an opaque token usable with Unsubscribe.
func (b *Bus) Subscribe(sub Subscription, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.subs {
		if !b.subs[i].live {
			b.subs[i] = subscriber{sub: sub, handler: handler, live: true}
			return i
		}
	}
	b.subs = append(b.subs, subscriber{sub: sub, handler: handler, live: true})
	return len(b.subs) - 1
}

// Unsubscribe removes a subscription registered by Subscribe.
func (b *Bus) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if token >= 0 && token < len(b.subs) {
		b.subs[token].live = false
		b.subs[token].handler = nil
	}
}

// Dispatch delivers up to max queued events to matching subscribers,
// in FIFO order, and returns how many were delivered. Handlers run
// synchronously on the calling goroutine/task.
func (b *Bus) Dispatch(max int) int {
	delivered := 0
	for delivered < max {
		b.mu.Lock()
		if b.size == 0 {
			b.mu.Unlock()
			break
		}
		ev := b.ring[b.head]
		b.head = (b.head + 1) % b.cap
		b.size--

		handlers := make([]Handler, 0, len(b.subs))
		for _, s := range b.subs {
			if s.live && s.sub.matches(ev.Type) {
				handlers = append(handlers, s.handler)
			}
		}
		b.mu.Unlock()

		for _, h := range handlers {
			h(ev)
		}

		b.mu.Lock()
		b.delivered++
		b.mu.Unlock()

		delivered++
	}
	return delivered
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	subCount := 0
	for _, s := range b.subs {
		if s.live {
			subCount++
		}
	}

	return Stats{
		Published:   b.published,
		Dropped:     b.dropped,
		Delivered:   b.delivered,
		QueueDepth:  b.size,
		HighWater:   b.highWater,
		Subscribers: subCount,
	}
}
