// Package interview implements the bridge's device interview engine
// (C6): a fixed-capacity pool of per-device state machines that walk a
// freshly joined node through endpoint/cluster/attribute discovery and
// reporting setup, grounded on the original firmware's interview.c
// (MAX_INTERVIEWS, INTERVIEW_TIMEOUT_MS, STEP_TIMEOUT_MS and its
// stage-by-stage advance_interview switch) and generalized from that
// service's single simulated device shape into real-or-simulated
// discovery driven by the radio adapter.
package interview

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/events"
	"zigbridge/pkg/ids"
	"zigbridge/pkg/radio"
	"zigbridge/pkg/registry"
)

// Stage is a step in a device's interview.
type Stage int

const (
	StageInit Stage = iota
	StageActiveEP
	StageSimpleDesc
	StageBasicAttr
	StageBindings
	StageComplete
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageActiveEP:
		return "active_ep"
	case StageSimpleDesc:
		return "simple_desc"
	case StageBasicAttr:
		return "basic_attr"
	case StageBindings:
		return "bindings"
	case StageComplete:
		return "complete"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// maxStepRetry is the number of step timeouts tolerated before the
// engine advances the stage anyway (interview.c's retry_count > 3).
const maxStepRetry = 3

// ErrFull indicates the interview pool has no free slot.
var ErrFull = errors.New("interview: pool full")

// Config bounds the engine's fixed-capacity interview pool and its
// timing budgets, all in ticks (1ms nominal resolution).
type Config struct {
	MaxInterviews int      // I_MAX
	StepTimeout   ids.Tick // T_step
	TotalTimeout  ids.Tick // T_total
}

// CapabilityComputer is C7's entry point, invoked once an interview
// completes. Kept as an interface here so pkg/capability can depend on
// pkg/interview's types without an import cycle back.
type CapabilityComputer interface {
	Compute(eui64 ids.EUI64) error
}

type ctx struct {
	eui64      ids.EUI64
	stage      Stage
	retry      int
	startTick  ids.Tick
	stepTick   ids.Tick
	bindIdx    int // which endpoint/cluster pair Bindings is currently on
	pendCorrID ids.CorrID
	live       bool
}

// Engine is C6: the fixed-slot interview pool and its driver loop.
type Engine struct {
	mu    sync.Mutex
	slots []*ctx

	bus     *bus.Bus
	reg     *registry.Registry
	adapter *radio.Adapter
	cap     CapabilityComputer
	now     func() ids.Tick
	cfg     Config
}

// New creates an Engine. cap may be nil during bring-up (before C7 is
// wired); Complete then just marks the node Ready without computing
// capabilities.
func New(b *bus.Bus, reg *registry.Registry, adapter *radio.Adapter, cap CapabilityComputer, cfg Config, clock func() ids.Tick) *Engine {
	e := &Engine{
		slots:   make([]*ctx, cfg.MaxInterviews),
		bus:     b,
		reg:     reg,
		adapter: adapter,
		cap:     cap,
		now:     clock,
		cfg:     cfg,
	}
	b.Subscribe(events.RadioRange, e.handleEvent)
	return e
}

func (e *Engine) find(eui64 ids.EUI64) *ctx {
	for _, c := range e.slots {
		if c != nil && c.live && c.eui64 == eui64 {
			return c
		}
	}
	return nil
}

// Start begins an interview for eui64. Idempotent: an interview
// already in progress for eui64 returns nil without effect.
func (e *Engine) Start(eui64 ids.EUI64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.find(eui64) != nil {
		return nil
	}

	idx := -1
	for i, c := range e.slots {
		if c == nil || !c.live {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrFull
	}

	now := e.now()
	e.slots[idx] = &ctx{
		eui64:     eui64,
		stage:     StageInit,
		startTick: now,
		stepTick:  now,
		live:      true,
	}

	if err := e.reg.SetState(eui64, registry.StateInterviewing); err != nil {
		log.Warn().Err(err).Str("eui64", eui64.String()).Msg("interview: node state transition failed at start")
	}
	log.Info().Str("eui64", eui64.String()).Msg("interview: started")
	return nil
}

// Cancel aborts eui64's interview, if any, freeing its slot. A cancel
// of an interview not in progress is a no-op.
func (e *Engine) Cancel(eui64 ids.EUI64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.find(eui64); c != nil {
		c.live = false
	}
}

// Stage reports eui64's current interview stage, or StageInit if no
// interview is in progress.
func (e *Engine) Stage(eui64 ids.EUI64) Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.find(eui64); c != nil {
		return c.stage
	}
	return StageInit
}

// Poll drives every active interview one step. Intended to run at
// T_poll cadence from a scheduler task (spec §4.6's driver loop).
func (e *Engine) Poll() {
	e.mu.Lock()
	slots := make([]*ctx, len(e.slots))
	copy(slots, e.slots)
	e.mu.Unlock()

	now := e.now()
	for _, c := range slots {
		if c == nil || !c.live {
			continue
		}
		e.stepOne(c, now)
	}
}

func (e *Engine) stepOne(c *ctx, now ids.Tick) {
	if c.startTick.Since(now) > int32(e.cfg.TotalTimeout) {
		log.Warn().Str("eui64", c.eui64.String()).Msg("interview: total timeout, failing")
		e.fail(c)
		return
	}

	if c.stepTick.Since(now) > int32(e.cfg.StepTimeout) {
		c.retry++
		if c.retry > maxStepRetry {
			log.Warn().Str("eui64", c.eui64.String()).Stringer("stage", c.stage).Msg("interview: step timeout, advancing stage")
			c.retry = 0
			e.advance(c)
		}
		c.stepTick = now
	}

	e.execute(c)
}

// execute runs the action for c's current stage. ActiveEP/SimpleDesc
// discovery has no ZDO counterpart in radio.Stack (neither backend
// models Active_EP_req/Simple_Desc_req), so — exactly as the original
// firmware's zb_fake.c simulate_* helpers did even when compiled for
// real hardware — those two stages populate the registry directly.
// BasicAttr and Bindings instead submit real radio.Adapter commands
// and wait for the asynchronous confirm/report, matching how a live
// dongle would complete them.
func (e *Engine) execute(c *ctx) {
	switch c.stage {
	case StageInit:
		e.advance(c)

	case StageActiveEP:
		if err := e.reg.WithNode(c.eui64, populateActiveEndpoints); err != nil {
			log.Warn().Err(err).Str("eui64", c.eui64.String()).Msg("interview: node vanished during ActiveEP")
			e.fail(c)
			return
		}
		e.advance(c)

	case StageSimpleDesc:
		if err := e.reg.WithNode(c.eui64, populateSimpleDescriptors); err != nil {
			log.Warn().Err(err).Str("eui64", c.eui64.String()).Msg("interview: node vanished during SimpleDesc")
			e.fail(c)
			return
		}
		e.advance(c)

	case StageBasicAttr:
		if c.pendCorrID != ids.NoCorrID {
			return // awaiting the read-attributes confirm from handleEvent
		}
		corrID := e.bus.NewCorrID()
		attrIDs := []uint16{radio.AttrManufacturerName, radio.AttrModelIdentifier, radio.AttrPowerSource, radio.AttrSWBuildID}
		if err := e.adapter.ReadAttrs(c.eui64, basicEndpoint, radio.ClusterBasic, attrIDs, corrID); err != nil {
			log.Debug().Err(err).Str("eui64", c.eui64.String()).Msg("interview: basic attr read failed, retrying next step")
			return
		}
		c.pendCorrID = corrID

	case StageBindings:
		if c.pendCorrID != ids.NoCorrID {
			return // awaiting the previous bind's confirm
		}
		node, ok := e.reg.FindByEUI64(c.eui64)
		if !ok {
			e.fail(c)
			return
		}
		target, ok := nextBindTarget(node, c.bindIdx)
		if !ok {
			e.advance(c)
			return
		}
		corrID := e.bus.NewCorrID()
		if err := e.adapter.Bind(c.eui64, target.ep, target.cluster, corrID); err != nil {
			log.Debug().Err(err).Str("eui64", c.eui64.String()).Msg("interview: bind submit failed, retrying next step")
			return
		}
		c.pendCorrID = corrID

	case StageComplete:
		e.complete(c)

	case StageFailed:
		e.fail(c)
	}
}

const basicEndpoint uint8 = 1

// populateActiveEndpoints synthesizes the endpoint set interview.c's
// simulate_active_endpoints always produced: an HA On/Off-and-level
// light on endpoint 1 and an HA temperature sensor on endpoint 2.
func populateActiveEndpoints(n *registry.Node) {
	if _, ok := n.FindEndpoint(1); !ok {
		n.Endpoints = append(n.Endpoints, registry.Endpoint{ID: 1, Profile: 0x0104, Device: 0x0100})
	}
	if _, ok := n.FindEndpoint(2); !ok {
		n.Endpoints = append(n.Endpoints, registry.Endpoint{ID: 2, Profile: 0x0104, Device: 0x0302})
	}
}

// populateSimpleDescriptors mirrors interview.c's simulate_simple_descriptor:
// Basic+OnOff+LevelControl on endpoint 1, Basic+Temperature on endpoint 2.
func populateSimpleDescriptors(n *registry.Node) {
	if ep, ok := n.FindEndpoint(1); ok {
		addServerCluster(ep, radio.ClusterBasic)
		addServerCluster(ep, radio.ClusterOnOff)
		addServerCluster(ep, radio.ClusterLevelControl)
	}
	if ep, ok := n.FindEndpoint(2); ok {
		addServerCluster(ep, radio.ClusterBasic)
		addServerCluster(ep, radio.ClusterTemperature)
	}
}

func addServerCluster(ep *registry.Endpoint, id uint16) {
	if _, ok := ep.FindCluster(id); ok {
		return
	}
	ep.Clusters = append(ep.Clusters, registry.Cluster{ID: id, Direction: registry.DirectionServer})
}

type bindTarget struct {
	ep      uint8
	cluster uint16
}

// nextBindTarget returns the idx'th reportable (endpoint, cluster)
// pair worth binding — every server cluster other than Basic, which
// carries static identity attributes nobody reports. Returns ok=false
// once idx runs past the last one, ending the Bindings stage.
func nextBindTarget(n *registry.Node, idx int) (bindTarget, bool) {
	i := 0
	for _, ep := range n.Endpoints {
		for _, cl := range ep.Clusters {
			if cl.ID == radio.ClusterBasic {
				continue
			}
			if i == idx {
				return bindTarget{ep: ep.ID, cluster: cl.ID}, true
			}
			i++
		}
	}
	return bindTarget{}, false
}

func (e *Engine) advance(c *ctx) {
	c.pendCorrID = ids.NoCorrID
	c.bindIdx = 0
	if c.stage < StageComplete {
		c.stage++
	}
	c.stepTick = e.now()
	c.retry = 0
}

func (e *Engine) fail(c *ctx) {
	c.stage = StageFailed
	if err := e.reg.SetState(c.eui64, registry.StateStale); err != nil {
		log.Warn().Err(err).Str("eui64", c.eui64.String()).Msg("interview: failed but could not mark node stale")
	}
	c.live = false
}

func (e *Engine) complete(c *ctx) {
	if err := e.reg.SetState(c.eui64, registry.StateReady); err != nil {
		log.Warn().Err(err).Str("eui64", c.eui64.String()).Msg("interview: complete but node state transition failed")
	}
	if e.cap != nil {
		if err := e.cap.Compute(c.eui64); err != nil {
			log.Warn().Err(err).Str("eui64", c.eui64.String()).Msg("interview: capability compute failed")
		}
	}
	e.bus.Emit(events.CapStateChanged, 0, eui64Payload(c.eui64))
	log.Info().Str("eui64", c.eui64.String()).Msg("interview: complete")
	c.live = false
}

func eui64Payload(eui64 ids.EUI64) []byte {
	payload := make([]byte, 8)
	for i := 0; i < 8; i++ {
		payload[i] = byte(eui64 >> (8 * i))
	}
	return payload
}

// handleEvent watches the radio event stream for the confirms and
// attribute reports the BasicAttr/Bindings stages are waiting on.
func (e *Engine) handleEvent(ev bus.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Type {
	case events.ZBAttrReport:
		e.handleAttrReport(ev)

	case events.ZBCmdConfirm:
		if c := e.findByCorrID(ev.CorrID); c != nil && c.stage == StageBindings {
			c.bindIdx++
			c.pendCorrID = ids.NoCorrID
			c.stepTick = e.now()
		} else if c != nil {
			e.advance(c)
		}

	case events.ZBCmdError:
		if c := e.findByCorrID(ev.CorrID); c != nil {
			// Leave pendCorrID set to NoCorrID so the next Poll retries
			// the same stage action; the step-timeout/retry budget in
			// stepOne bounds how long this continues.
			c.pendCorrID = ids.NoCorrID
		}
	}
}

func (e *Engine) findByCorrID(corrID ids.CorrID) *ctx {
	if corrID == ids.NoCorrID {
		return nil
	}
	for _, c := range e.slots {
		if c != nil && c.live && c.pendCorrID == corrID {
			return c
		}
	}
	return nil
}

func (e *Engine) handleAttrReport(ev bus.Event) {
	if ev.PayloadLen < 14 {
		return
	}
	payload := ev.Payload[:ev.PayloadLen]
	var eui64 ids.EUI64
	for i := 0; i < 8; i++ {
		eui64 |= ids.EUI64(payload[i]) << (8 * i)
	}
	cluster := uint16(payload[9]) | uint16(payload[10])<<8
	attr := uint16(payload[11]) | uint16(payload[12])<<8
	valType := payload[13]
	value := payload[14:]

	if cluster != radio.ClusterBasic {
		return
	}
	c := e.find(eui64)
	if c == nil || c.stage != StageBasicAttr {
		return
	}

	if err := e.reg.WithNode(eui64, func(n *registry.Node) {
		applyBasicAttr(n, attr, valType, value)
	}); err != nil {
		log.Warn().Err(err).Str("eui64", eui64.String()).Msg("interview: basic attr report for vanished node")
		return
	}

	c.pendCorrID = ids.NoCorrID
	e.advance(c)
}

func applyBasicAttr(n *registry.Node, attr uint16, valType uint8, value []byte) {
	switch attr {
	case radio.AttrManufacturerName:
		n.Manufacturer = decodeZCLString(valType, value)
	case radio.AttrModelIdentifier:
		n.Model = decodeZCLString(valType, value)
	case radio.AttrSWBuildID:
		n.SWBuild = decodeZCLString(valType, value)
	case radio.AttrPowerSource:
		if len(value) >= 1 {
			n.PowerSource = value[0]
		}
	}
}

// zclOctetString is the ZCL data type id for a length-prefixed octet
// or character string (pkg/radio/ezspstack's decoder leaves the length
// byte in place as part of value).
const zclOctetString uint8 = 0x42

func decodeZCLString(valType uint8, value []byte) string {
	if valType == zclOctetString && len(value) >= 1 {
		return string(value[1:])
	}
	return string(value)
}
