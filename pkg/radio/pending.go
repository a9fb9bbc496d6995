package radio

import (
	"sync"

	"zigbridge/pkg/ids"
)

// pendingCmd mirrors spec §3's PendingCmd record.
type pendingCmd struct {
	corrID     ids.CorrID
	tsn        uint8
	tsnValid   bool
	cluster    uint16
	createdAt  ids.Tick
	inUse      bool
}

// pendingTable is the M_PEND-slot table correlating a corr_id with
// the TSN the stack assigns on submission, and the reverse index used
// to resolve an asynchronous SendStatus callback.
type pendingTable struct {
	mu      sync.Mutex
	slots   []pendingCmd
	byTSN   map[uint8]int // tsn -> slot index, only while tsnValid
	cmdTTL  ids.Tick
}

func newPendingTable(capacity int, cmdTTL ids.Tick) *pendingTable {
	return &pendingTable{
		slots:  make([]pendingCmd, capacity),
		byTSN:  make(map[uint8]int, capacity),
		cmdTTL: cmdTTL,
	}
}

// Alloc reserves a slot for corrID. Returns (index, true) or
// (0, false) if the table is full.
func (p *pendingTable) Alloc(corrID ids.CorrID, cluster uint16, now ids.Tick) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if !p.slots[i].inUse {
			p.slots[i] = pendingCmd{
				corrID:    corrID,
				cluster:   cluster,
				createdAt: now,
				inUse:     true,
			}
			return i, true
		}
	}
	return 0, false
}

// SetTSN records the TSN the stack returned for the slot at idx.
func (p *pendingTable) SetTSN(idx int, tsn uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) || !p.slots[idx].inUse {
		return
	}
	p.slots[idx].tsn = tsn
	p.slots[idx].tsnValid = true
	p.byTSN[tsn] = idx
}

// ResolveTSN looks up the slot for tsn, frees it, and returns the
// corrID it was allocated for. ok is false if no live slot matches
// (e.g. already resolved by timeout).
func (p *pendingTable) ResolveTSN(tsn uint8) (corrID ids.CorrID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, found := p.byTSN[tsn]
	if !found || !p.slots[idx].inUse || !p.slots[idx].tsnValid || p.slots[idx].tsn != tsn {
		return 0, false
	}
	corrID = p.slots[idx].corrID
	delete(p.byTSN, tsn)
	p.slots[idx] = pendingCmd{}
	return corrID, true
}

// Free releases the slot at idx unconditionally, used when a command
// submission fails synchronously before any TSN is assigned.
func (p *pendingTable) Free(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) {
		return
	}
	if p.slots[idx].tsnValid {
		delete(p.byTSN, p.slots[idx].tsn)
	}
	p.slots[idx] = pendingCmd{}
}

// SweepTimeouts frees every slot older than cmdTTL and returns the
// corr_ids that timed out, in slot order.
func (p *pendingTable) SweepTimeouts(now ids.Tick) []ids.CorrID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []ids.CorrID
	for i := range p.slots {
		s := &p.slots[i]
		if !s.inUse {
			continue
		}
		if int32(now-s.createdAt) > int32(p.cmdTTL) {
			expired = append(expired, s.corrID)
			if s.tsnValid {
				delete(p.byTSN, s.tsn)
			}
			*s = pendingCmd{}
		}
	}
	return expired
}

// Len returns the number of slots currently in use.
func (p *pendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.inUse {
			n++
		}
	}
	return n
}
