package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/events"
	"zigbridge/pkg/ids"
)

// State is the adapter's lifecycle state (spec §4.4).
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Config bounds the adapter's fixed-capacity tables.
type Config struct {
	MaxDevices  int      // M_DEV
	MaxPending  int      // M_PEND
	CmdTTL      ids.Tick // T_cmd
}

// Adapter is C4: the radio state machine, address cache, and
// pending-command table sitting on top of a Stack, translating its
// async callbacks into bus events.
type Adapter struct {
	mu    sync.Mutex
	state State

	stack Stack
	bus   *bus.Bus
	cache *addressCache
	pend  *pendingTable
	now   func() ids.Tick
}

// New creates an Adapter. clock supplies the current tick for cache
// timestamps and pending-command age (normally sched.Scheduler.NowTicks).
func New(stack Stack, b *bus.Bus, cfg Config, clock func() ids.Tick) *Adapter {
	a := &Adapter{
		state: Uninitialized,
		stack: stack,
		bus:   b,
		cache: newAddressCache(cfg.MaxDevices),
		pend:  newPendingTable(cfg.MaxPending, cfg.CmdTTL),
		now:   clock,
	}

	stack.OnSignal(a.handleSignal)
	stack.OnReport(a.handleReport)
	stack.OnSendStatus(a.handleSendStatus)

	return a
}

// Init allocates caches and starts the stack. Requires Uninitialized.
func (a *Adapter) Init(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Uninitialized {
		a.mu.Unlock()
		return errNotReady
	}
	a.state = Initializing
	a.mu.Unlock()

	if err := a.stack.Init(ctx); err != nil {
		a.mu.Lock()
		a.state = Error
		a.mu.Unlock()
		a.bus.Emit(events.ZBStackDown, 0, nil)
		return fmt.Errorf("radio init: %w", err)
	}
	log.Info().Msg("radio adapter initialized")
	return nil
}

// StartCoordinator resumes or forms the network. Idempotent while
// already Initializing or Ready.
func (a *Adapter) StartCoordinator(ctx context.Context) error {
	a.mu.Lock()
	st := a.state
	a.mu.Unlock()

	if st == Uninitialized {
		return errNotReady
	}
	if st == Ready {
		return nil
	}

	if err := a.stack.StartCoordinator(ctx); err != nil {
		a.mu.Lock()
		a.state = Error
		a.mu.Unlock()
		a.bus.Emit(events.ZBStackDown, 0, nil)
		return fmt.Errorf("start coordinator: %w", err)
	}
	return nil
}

// State returns the current adapter state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) requireReady() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Ready {
		return errNotReady
	}
	return nil
}

// SetPermitJoin opens or closes the join window. Requires Ready.
func (a *Adapter) SetPermitJoin(ctx context.Context, seconds uint8) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if seconds > 254 {
		return errInvalidArg
	}
	if err := a.stack.PermitJoin(ctx, seconds); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	return nil
}

// resolve looks up eui64's NWK, returning NotFound if unknown.
func (a *Adapter) resolve(eui64 ids.EUI64) (ids.NWK, error) {
	nwk, ok := a.cache.Lookup(eui64)
	if !ok {
		return 0, errNotFound
	}
	return nwk, nil
}

// submit allocates a pending slot (if corrID != 0), calls fn to submit
// the command to the stack, and records the returned TSN.
func (a *Adapter) submit(corrID ids.CorrID, cluster uint16, fn func() (CmdResult, error)) error {
	if err := a.requireReady(); err != nil {
		return err
	}

	var slot int
	var hasSlot bool
	if corrID != ids.NoCorrID {
		var ok bool
		slot, ok = a.pend.Alloc(corrID, cluster, a.now())
		if !ok {
			return errNoMem
		}
		hasSlot = true
	}

	res, err := fn()
	if err != nil {
		if hasSlot {
			a.pend.Free(slot)
		}
		a.emitCmdError(corrID, err)
		return fmt.Errorf("submit command: %w", err)
	}

	if hasSlot && res.Valid {
		a.pend.SetTSN(slot, res.TSN)
	}

	// Stack implementations that confirm commands synchronously (e.g.
	// simstack) queue the confirmation instead of delivering it inline,
	// since it would otherwise race SetTSN above. Flush it now that the
	// TSN is recorded.
	if flusher, ok := a.stack.(confirmFlusher); ok {
		flusher.FlushPendingConfirms()
	}
	return nil
}

// confirmFlusher is implemented by Stack backends that need to defer
// SendStatus delivery until after submit has recorded the TSN. Real
// hardware backends report SendStatus asynchronously and never need it.
type confirmFlusher interface {
	FlushPendingConfirms()
}

// SendOnOff issues an On/Off cluster command (ZCL on/off payload
// encoding is the caller's, via the quirks/capability layer — the
// adapter only routes bytes to the right endpoint/cluster).
func (a *Adapter) SendOnOff(eui64 ids.EUI64, ep uint8, payload []byte, corrID ids.CorrID) error {
	nwk, err := a.resolve(eui64)
	if err != nil {
		return err
	}
	return a.submit(corrID, ClusterOnOff, func() (CmdResult, error) {
		return a.stack.SendUnicast(nwk, ep, ClusterOnOff, payload)
	})
}

// SendLevel issues a Level Control command. pct is 0..100 and is
// scaled to the ZCL 0..254 range with rounding; transitionMs is
// scaled to 100ms units.
func (a *Adapter) SendLevel(eui64 ids.EUI64, ep uint8, pct int, transitionMs int, corrID ids.CorrID) error {
	if pct < 0 || pct > 100 {
		return errInvalidArg
	}
	nwk, err := a.resolve(eui64)
	if err != nil {
		return err
	}
	level := uint8((pct*254 + 50) / 100)
	transition := uint16(transitionMs / 100)

	payload := EncodeMoveToLevelWithOnOff(level, transition)
	return a.submit(corrID, ClusterLevelControl, func() (CmdResult, error) {
		return a.stack.SendUnicast(nwk, ep, ClusterLevelControl, payload)
	})
}

// ReadAttrs submits a Read Attributes request. attrIDs is bound to 8
// entries per spec §4.4.
func (a *Adapter) ReadAttrs(eui64 ids.EUI64, ep uint8, cluster uint16, attrIDs []uint16, corrID ids.CorrID) error {
	if len(attrIDs) == 0 || len(attrIDs) > 8 {
		return errInvalidArg
	}
	nwk, err := a.resolve(eui64)
	if err != nil {
		return err
	}
	return a.submit(corrID, cluster, func() (CmdResult, error) {
		return a.stack.ReadAttributes(nwk, ep, cluster, attrIDs)
	})
}

// ConfigureReporting submits a ZCL Configure Reporting request.
func (a *Adapter) ConfigureReporting(eui64 ids.EUI64, ep uint8, cluster, attr uint16, attrType uint8, minS, maxS uint16, corrID ids.CorrID) error {
	nwk, err := a.resolve(eui64)
	if err != nil {
		return err
	}
	return a.submit(corrID, cluster, func() (CmdResult, error) {
		return a.stack.ConfigureReporting(nwk, ep, cluster, attr, attrType, minS, maxS)
	})
}

// Bind submits a ZDO Bind request using the coordinator as destination.
func (a *Adapter) Bind(eui64 ids.EUI64, ep uint8, cluster uint16, corrID ids.CorrID) error {
	nwk, err := a.resolve(eui64)
	if err != nil {
		return err
	}
	return a.submit(corrID, cluster, func() (CmdResult, error) {
		return a.stack.Bind(nwk, ep, cluster)
	})
}

// SweepTimeouts frees any pending command older than T_cmd, emitting
// ZB_CMD_ERROR{corr_id, TIMEOUT} for each. Intended to be called at
// dispatch_ms cadence by the owning task.
func (a *Adapter) SweepTimeouts() {
	for _, corrID := range a.pend.SweepTimeouts(a.now()) {
		a.emitCmdError(corrID, ErrTimeout)
	}
}

func (a *Adapter) emitCmdError(corrID ids.CorrID, err error) {
	if corrID == ids.NoCorrID {
		return
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(corrID))
	a.bus.Publish(events.ZBCmdError, corrID, 0, payload)
	log.Debug().Uint32("corr_id", uint32(corrID)).Err(err).Msg("ZB_CMD_ERROR")
}

// --- Stack callback demux (spec §4.4 "Signal/report demux") ---

func (a *Adapter) handleSignal(sig Signal) {
	switch sig.Type {
	case SignalFormationOK:
		a.mu.Lock()
		a.state = Ready
		a.mu.Unlock()
		a.bus.Emit(events.ZBStackUp, 0, nil)

	case SignalFormationFailed:
		a.mu.Lock()
		a.state = Error
		a.mu.Unlock()
		a.bus.Emit(events.ZBStackDown, 0, nil)

	case SignalDeviceAnnounce:
		a.cache.Upsert(sig.EUI64, sig.NWK, a.now())
		payload := make([]byte, 10)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(sig.EUI64))
		binary.LittleEndian.PutUint16(payload[8:10], uint16(sig.NWK))
		a.bus.Emit(events.ZBAnnounce, 0, payload)

	case SignalDeviceLeft:
		a.cache.Remove(sig.EUI64)
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, uint64(sig.EUI64))
		a.bus.Emit(events.ZBDeviceLeft, 0, payload)
	}
}

func (a *Adapter) handleReport(r Report) {
	eui64, ok := a.cache.ReverseLookup(r.NWK)
	if !ok {
		log.Debug().Uint16("nwk", uint16(r.NWK)).Msg("attribute report from unknown nwk, dropped")
		return
	}

	// ZB_ATTR_REPORT{eui64, ep, cluster, attr, type, value[<=18]}
	payload := make([]byte, 0, 8+1+2+2+1+18)
	var eui64Buf [8]byte
	binary.LittleEndian.PutUint64(eui64Buf[:], uint64(eui64))
	payload = append(payload, eui64Buf[:]...)
	payload = append(payload, r.EP)
	var clusterBuf, attrBuf [2]byte
	binary.LittleEndian.PutUint16(clusterBuf[:], r.Cluster)
	binary.LittleEndian.PutUint16(attrBuf[:], r.Attr)
	payload = append(payload, clusterBuf[:]...)
	payload = append(payload, attrBuf[:]...)
	payload = append(payload, r.ValType)
	v := r.Value
	if len(v) > 18 {
		v = v[:18]
	}
	payload = append(payload, v...)

	a.bus.Emit(events.ZBAttrReport, 0, payload)
}

func (a *Adapter) handleSendStatus(s SendStatus) {
	corrID, ok := a.pend.ResolveTSN(s.TSN)
	if !ok {
		return // already resolved by the timeout sweeper, or fire-and-forget
	}
	if s.Success {
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(corrID))
		a.bus.Publish(events.ZBCmdConfirm, corrID, 0, payload)
	} else {
		a.emitCmdError(corrID, ErrBusy)
	}
}

// PendingCount returns the number of in-flight pending commands, for
// the debug surface.
func (a *Adapter) PendingCount() int { return a.pend.Len() }

// CacheSize returns the number of cached address entries, for the
// debug surface.
func (a *Adapter) CacheSize() int { return a.cache.Len() }

// Close shuts down the underlying stack.
func (a *Adapter) Close() error { return a.stack.Close() }
