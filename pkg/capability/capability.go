// Package capability is C7: the cluster-to-capability translation
// layer. It maintains a per-node fixed-slot capability cache, converts
// incoming attribute reports into stable capability values (applying
// C8's quirks), and turns outgoing commands back into radio.Adapter
// calls. Grounded on the original firmware's capability.c — its
// cap_info_table, cluster_map, and cap_compute_for_node/
// cap_handle_attribute_report/cap_execute_command triad — generalized
// from capability.c's event-emit-only command path into genuine
// radio submission per spec §4.7 ("derive the radio command ...
// submit via C4").
package capability

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/events"
	"zigbridge/pkg/ids"
	"zigbridge/pkg/quirks"
	"zigbridge/pkg/radio"
	"zigbridge/pkg/registry"
)

// ID is a stable capability identifier (cap_id_t in the original).
type ID uint8

const (
	Unknown ID = iota
	SwitchOn
	LightOn
	LightLevel
	LightColorTemp
	SensorTemperature
	SensorHumidity
	PowerWatts
	EnergyKWh
	idMax
)

// Info describes a capability's name, value kind, and unit.
type Info struct {
	Name string
	Kind quirks.ValueKind
	Unit string
}

var infoTable = [idMax]Info{
	Unknown:           {"unknown", quirks.KindInt, ""},
	SwitchOn:          {"switch.on", quirks.KindBool, ""},
	LightOn:           {"light.on", quirks.KindBool, ""},
	LightLevel:        {"light.level", quirks.KindInt, "%"},
	LightColorTemp:    {"light.color_temp", quirks.KindInt, "mireds"},
	SensorTemperature: {"sensor.temperature", quirks.KindFloat, "°C"},
	SensorHumidity:    {"sensor.humidity", quirks.KindFloat, "%"},
	PowerWatts:        {"power.watts", quirks.KindFloat, "W"},
	EnergyKWh:         {"energy.kwh", quirks.KindFloat, "kWh"},
}

// Lookup returns id's descriptive Info.
func Lookup(id ID) Info {
	if id >= idMax {
		return infoTable[Unknown]
	}
	return infoTable[id]
}

// ParseName resolves a capability's wire name back to its ID.
func ParseName(name string) ID {
	for i := ID(0); i < idMax; i++ {
		if infoTable[i].Name == name {
			return i
		}
	}
	return Unknown
}

func (id ID) String() string { return Lookup(id).Name }

type clusterCapEntry struct {
	cluster uint16
	attr    uint16
	cap     ID
}

// clusterMap is the cluster(+attr)-to-capability table (spec §4.7).
var clusterMap = []clusterCapEntry{
	{radio.ClusterOnOff, radio.AttrOnOff, LightOn},
	{radio.ClusterLevelControl, radio.AttrCurrentLevel, LightLevel},
	{radio.ClusterColorControl, radio.AttrColorTemperature, LightColorTemp},
	{radio.ClusterTemperature, radio.AttrMeasuredValue, SensorTemperature},
	{radio.ClusterHumidity, radio.AttrMeasuredValue, SensorHumidity},
	{radio.ClusterElectrical, radio.AttrInstantaneousDemand, PowerWatts},
	{radio.ClusterMetering, radio.AttrCurrentSummationDelivered, EnergyKWh},
}

func clusterForCap(id ID) (uint16, uint16, bool) {
	for _, e := range clusterMap {
		if e.cap == id {
			return e.cluster, e.attr, true
		}
	}
	return 0, 0, false
}

// ClusterFor exposes the capability->cluster reverse map to callers
// (the MQTT command intake) that need to resolve which endpoint on a
// node actually carries a capability before building a Command.
func ClusterFor(id ID) (cluster uint16, attr uint16, ok bool) {
	return clusterForCap(id)
}

// CapState is one capability's cached value for a node.
type CapState struct {
	ID        ID
	Value     quirks.Value
	Timestamp ids.Tick
	Valid     bool
}

// maxNodeCaps bounds how many distinct capabilities a single node may
// carry (capability.c's MAX_NODE_CAPS).
const maxNodeCaps = 8

type nodeCache struct {
	eui64 ids.EUI64
	caps  [maxNodeCaps]CapState
	count int
	valid bool
}

func (c *nodeCache) find(id ID) *CapState {
	for i := 0; i < c.count; i++ {
		if c.caps[i].ID == id {
			return &c.caps[i]
		}
	}
	return nil
}

// CmdType is a capability command's verb.
type CmdType int

const (
	CmdSet CmdType = iota
	CmdToggle
	CmdInc
	CmdDec
)

// capStep is the default increment/decrement step for Inc/Dec commands
// against int or float capabilities (spec §4.7 leaves the exact step
// unspecified; 10 units matches light.level's natural 0-100% scale).
const capStep = 10

// Command is a capability-layer command request (cap_command_t).
type Command struct {
	EUI64   ids.EUI64
	EP      uint8
	Cap     ID
	CmdType CmdType
	Value   quirks.Value
	CorrID  ids.CorrID
}

// ErrNotFound indicates the node or capability isn't tracked.
var ErrNotFound = errors.New("capability: not found")

// ErrUnsupported indicates the capability has no settable radio
// primitive in this bridge (sensors, color temperature).
var ErrUnsupported = errors.New("capability: no command path")

// Config bounds the mapper's fixed-capacity node cache table.
type Config struct {
	MaxNodes int
}

// Mapper is C7: the capability cache, report ingest, and command
// planner.
type Mapper struct {
	mu     sync.Mutex
	caches []*nodeCache

	bus     *bus.Bus
	reg     *registry.Registry
	adapter *radio.Adapter
	now     func() ids.Tick
}

// New creates a Mapper and subscribes it to attribute reports and
// capability commands on the bus.
func New(b *bus.Bus, reg *registry.Registry, adapter *radio.Adapter, cfg Config, clock func() ids.Tick) *Mapper {
	m := &Mapper{
		caches:  make([]*nodeCache, cfg.MaxNodes),
		bus:     b,
		reg:     reg,
		adapter: adapter,
		now:     clock,
	}
	b.Subscribe(events.RadioRange, m.handleRadioEvent)
	b.Subscribe(events.CapRange, m.handleCapEvent)
	return m
}

func (m *Mapper) findCache(eui64 ids.EUI64) *nodeCache {
	for _, c := range m.caches {
		if c != nil && c.valid && c.eui64 == eui64 {
			return c
		}
	}
	return nil
}

func (m *Mapper) allocCache(eui64 ids.EUI64) *nodeCache {
	for i, c := range m.caches {
		if c == nil {
			nc := &nodeCache{eui64: eui64, valid: true}
			m.caches[i] = nc
			return nc
		}
		if !c.valid {
			c.eui64 = eui64
			c.valid = true
			c.count = 0
			return c
		}
	}
	return nil
}

// Compute scans eui64's registry node and (re)populates its capability
// cache — one entry per cluster with a clusterMap match, whatever the
// cluster's direction; a capability seen on several endpoints gets one
// entry. Values
// start invalid; they're filled in as attribute reports arrive. This
// satisfies pkg/interview.CapabilityComputer.
func (m *Mapper) Compute(eui64 ids.EUI64) error {
	node, ok := m.reg.FindByEUI64(eui64)
	if !ok {
		return ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cache := m.findCache(eui64)
	if cache == nil {
		cache = m.allocCache(eui64)
	}
	if cache == nil {
		return fmt.Errorf("capability: no free cache slot for %s", eui64)
	}
	cache.count = 0

	now := m.now()
	for _, ep := range node.Endpoints {
		for _, cl := range ep.Clusters {
			for _, e := range clusterMap {
				if e.cluster != cl.ID {
					continue
				}
				if cache.find(e.cap) != nil {
					break
				}
				if cache.count >= maxNodeCaps {
					break
				}
				cache.caps[cache.count] = CapState{ID: e.cap, Timestamp: now}
				cache.count++
				break
			}
		}
	}

	log.Info().Str("eui64", eui64.String()).Int("count", cache.count).Msg("capability: computed")
	return nil
}

// GetState returns eui64's cached value for cap.
func (m *Mapper) GetState(eui64 ids.EUI64, cap ID) (CapState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cache := m.findCache(eui64)
	if cache == nil {
		return CapState{}, ErrNotFound
	}
	cs := cache.find(cap)
	if cs == nil {
		return CapState{}, ErrNotFound
	}
	return *cs, nil
}

func (m *Mapper) handleRadioEvent(ev bus.Event) {
	if ev.Type != events.ZBAttrReport {
		return
	}
	if ev.PayloadLen < 14 {
		return
	}
	payload := ev.Payload[:ev.PayloadLen]
	var eui64 ids.EUI64
	for i := 0; i < 8; i++ {
		eui64 |= ids.EUI64(payload[i]) << (8 * i)
	}
	ep := payload[8]
	cluster := binary.LittleEndian.Uint16(payload[9:11])
	attr := binary.LittleEndian.Uint16(payload[11:13])
	valType := payload[13]
	value := payload[14:]

	if err := m.handleReport(eui64, ep, cluster, attr, valType, value); err != nil && err != ErrNotFound {
		log.Warn().Err(err).Str("eui64", eui64.String()).Msg("capability: report ingest failed")
	}
}

// handleReport resolves cluster/attr to a capability, converts and
// quirk-transforms the raw value, updates the cache, and emits
// CAP_STATE_CHANGED.
func (m *Mapper) handleReport(eui64 ids.EUI64, ep uint8, cluster, attr uint16, valType uint8, raw []byte) error {
	var capID ID
	found := false
	for _, e := range clusterMap {
		if e.cluster == cluster && e.attr == attr {
			capID = e.cap
			found = true
			break
		}
	}
	if !found {
		return nil // unmapped attribute, not an error
	}

	m.mu.Lock()
	cache := m.findCache(eui64)
	if cache == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	cs := cache.find(capID)
	if cs == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.mu.Unlock()

	value := convertReport(capID, valType, raw)

	node, ok := m.reg.FindByEUI64(eui64)
	manufacturer, model := "", ""
	if ok {
		manufacturer, model = node.Manufacturer, node.Model
	}
	value = quirks.Apply(manufacturer, model, Lookup(capID).Name, value)

	m.mu.Lock()
	cs.Value = value
	cs.Timestamp = m.now()
	cs.Valid = true
	m.mu.Unlock()

	m.bus.Emit(events.CapStateChanged, 0, encodeCapPayload(eui64, capID, value))
	log.Debug().Str("eui64", eui64.String()).Stringer("cap", capID).Msg("capability: state changed")
	return nil
}

func convertReport(id ID, valType uint8, raw []byte) quirks.Value {
	switch id {
	case LightOn, SwitchOn:
		return quirks.Value{Kind: quirks.KindBool, B: decodeBool(raw)}
	case LightLevel:
		return quirks.Value{Kind: quirks.KindInt, I: int64(decodeUint8(raw)) * 100 / 254}
	case LightColorTemp:
		return quirks.Value{Kind: quirks.KindInt, I: int64(decodeUint16(raw))}
	case SensorTemperature:
		return quirks.Value{Kind: quirks.KindFloat, F: float64(decodeInt16(raw)) / 100.0}
	case SensorHumidity:
		return quirks.Value{Kind: quirks.KindFloat, F: float64(decodeUint16(raw)) / 100.0}
	case PowerWatts, EnergyKWh:
		return quirks.Value{Kind: quirks.KindFloat, F: float64(decodeLEUint(raw))}
	default:
		_ = valType
		return quirks.Value{}
	}
}

func decodeBool(v []byte) bool {
	return len(v) > 0 && v[0] != 0
}

func decodeUint8(v []byte) uint8 {
	if len(v) < 1 {
		return 0
	}
	return v[0]
}

func decodeUint16(v []byte) uint16 {
	if len(v) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

func decodeInt16(v []byte) int16 { return int16(decodeUint16(v)) }
func decodeLEUint(v []byte) uint64 {
	var out uint64
	for i, b := range v {
		if i >= 8 {
			break
		}
		out |= uint64(b) << (8 * i)
	}
	return out
}

func (m *Mapper) handleCapEvent(ev bus.Event) {
	if ev.Type != events.CapCommand {
		return
	}
	cmd, err := decodeCapCommand(ev)
	if err != nil {
		log.Warn().Err(err).Msg("capability: malformed command payload")
		return
	}
	if err := m.Execute(cmd); err != nil {
		log.Warn().Err(err).Str("eui64", cmd.EUI64.String()).Stringer("cap", cmd.Cap).Msg("capability: execute failed")
	}
}

// Execute reverse-maps cmd.Cap to a cluster, resolves Toggle/Inc/Dec
// against the current cached value, applies the inverse quirk
// transform, and submits the derived radio command via C4.
func (m *Mapper) Execute(cmd Command) error {
	cluster, _, ok := clusterForCap(cmd.Cap)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupported, cmd.Cap)
	}

	target := cmd.Value
	if cmd.CmdType != CmdSet {
		current, err := m.GetState(cmd.EUI64, cmd.Cap)
		if err != nil {
			return err
		}
		target = resolveCommand(cmd.CmdType, current.Value)
	}

	node, ok := m.reg.FindByEUI64(cmd.EUI64)
	manufacturer, model := "", ""
	if ok {
		manufacturer, model = node.Manufacturer, node.Model
	}
	target = quirks.ApplyInverse(manufacturer, model, Lookup(cmd.Cap).Name, target)

	switch cluster {
	case radio.ClusterOnOff:
		payload := radio.EncodeOnOff(radio.CmdOff)
		if target.B {
			payload = radio.EncodeOnOff(radio.CmdOn)
		}
		return m.adapter.SendOnOff(cmd.EUI64, cmd.EP, payload, cmd.CorrID)

	case radio.ClusterLevelControl:
		pct := int(target.I)
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		return m.adapter.SendLevel(cmd.EUI64, cmd.EP, pct, 0, cmd.CorrID)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, cmd.Cap)
	}
}

func resolveCommand(t CmdType, current quirks.Value) quirks.Value {
	switch t {
	case CmdToggle:
		current.B = !current.B
	case CmdInc:
		if current.Kind == quirks.KindFloat {
			current.F += capStep
		} else {
			current.I += capStep
		}
	case CmdDec:
		if current.Kind == quirks.KindFloat {
			current.F -= capStep
		} else {
			current.I -= capStep
		}
	}
	return current
}

// encodeCapPayload packs eui64(8) + capID(1) + kind(1) + value(8) into
// a CAP_STATE_CHANGED event payload.
func encodeCapPayload(eui64 ids.EUI64, id ID, v quirks.Value) []byte {
	payload := make([]byte, 18)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(eui64))
	payload[8] = byte(id)
	payload[9] = byte(v.Kind)
	switch v.Kind {
	case quirks.KindBool:
		if v.B {
			payload[10] = 1
		}
	case quirks.KindInt:
		binary.LittleEndian.PutUint64(payload[10:18], uint64(v.I))
	case quirks.KindFloat:
		binary.LittleEndian.PutUint64(payload[10:18], math.Float64bits(v.F))
	}
	return payload
}

// DecodeStatePayload unpacks a CAP_STATE_CHANGED event emitted by
// handleReport (18 bytes: eui64+capID+kind+value). Interview
// completion reuses the same event type with an 8-byte eui64-only
// payload as a plain "node ready" marker; callers that care about that
// distinction should check ev.PayloadLen before calling this.
func DecodeStatePayload(ev bus.Event) (ids.EUI64, ID, quirks.Value, error) {
	if ev.PayloadLen < 18 {
		return 0, Unknown, quirks.Value{}, fmt.Errorf("capability: short state payload (%d bytes)", ev.PayloadLen)
	}
	payload := ev.Payload[:ev.PayloadLen]

	eui64 := ids.EUI64(binary.LittleEndian.Uint64(payload[0:8]))
	capID := ID(payload[8])
	kind := quirks.ValueKind(payload[9])

	var v quirks.Value
	v.Kind = kind
	raw := binary.LittleEndian.Uint64(payload[10:18])
	switch kind {
	case quirks.KindBool:
		v.B = raw != 0
	case quirks.KindInt:
		v.I = int64(raw)
	case quirks.KindFloat:
		v.F = math.Float64frombits(raw)
	}
	return eui64, capID, v, nil
}

// decodeCapCommand unpacks a CAP_COMMAND event payload: eui64(8) +
// ep(1) + capID(1) + cmdType(1) + kind(1) + value(8).
func decodeCapCommand(ev bus.Event) (Command, error) {
	if ev.PayloadLen < 20 {
		return Command{}, fmt.Errorf("capability: short command payload (%d bytes)", ev.PayloadLen)
	}
	payload := ev.Payload[:ev.PayloadLen]

	var eui64 ids.EUI64
	for i := 0; i < 8; i++ {
		eui64 |= ids.EUI64(payload[i]) << (8 * i)
	}
	ep := payload[8]
	capID := ID(payload[9])
	cmdType := CmdType(payload[10])
	kind := quirks.ValueKind(payload[11])

	var v quirks.Value
	v.Kind = kind
	raw := binary.LittleEndian.Uint64(payload[12:20])
	switch kind {
	case quirks.KindBool:
		v.B = raw != 0
	case quirks.KindInt:
		v.I = int64(raw)
	case quirks.KindFloat:
		v.F = math.Float64frombits(raw)
	}

	return Command{EUI64: eui64, EP: ep, Cap: capID, CmdType: cmdType, Value: v, CorrID: ev.CorrID}, nil
}

// EncodeCommand packs cmd into a CAP_COMMAND event payload, for
// producers (the MQTT command-topic intake) that publish onto the bus
// rather than calling Execute directly.
func EncodeCommand(cmd Command) []byte {
	payload := make([]byte, 20)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(cmd.EUI64))
	payload[8] = cmd.EP
	payload[9] = byte(cmd.Cap)
	payload[10] = byte(cmd.CmdType)
	payload[11] = byte(cmd.Value.Kind)
	var raw uint64
	switch cmd.Value.Kind {
	case quirks.KindBool:
		if cmd.Value.B {
			raw = 1
		}
	case quirks.KindInt:
		raw = uint64(cmd.Value.I)
	case quirks.KindFloat:
		raw = math.Float64bits(cmd.Value.F)
	}
	binary.LittleEndian.PutUint64(payload[12:20], raw)
	return payload
}
