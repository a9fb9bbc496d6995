// Package discovery is C10: Home Assistant MQTT discovery. It emits
// (and retracts) discovery documents for a node's capabilities once
// the node reaches Ready, merging light.on/light.level into a single
// light entity with brightness per spec §4.10. Grounded on the
// original firmware's ha_disc.c: its component/device-class mapping,
// its bounded dedup'd pending queue for MQTT outages, and its
// unique_id/topic naming scheme.
package discovery

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/capability"
	"zigbridge/pkg/events"
	"zigbridge/pkg/ids"
	"zigbridge/pkg/mqtt"
	"zigbridge/pkg/registry"
)

const discoveryPrefix = "homeassistant"
const topicBase = "bridge"
const statusTopic = topicBase + "/status"

// maxPending bounds the dedup'd queue of nodes awaiting a discovery
// publish once MQTT reconnects (ha_disc.c's HA_MAX_PENDING).
const maxPending = 32

// Component is a Home Assistant MQTT-discovery component type.
type Component string

const (
	ComponentLight  Component = "light"
	ComponentSwitch Component = "switch"
	ComponentSensor Component = "sensor"
)

// device is the shared "device" object every discovery document
// embeds, letting Home Assistant group a node's entities together.
type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// lightConfig is the discovery document for a merged light.on (+
// optional light.level brightness) entity.
type lightConfig struct {
	Name                    string `json:"name"`
	UniqueID                string `json:"unique_id"`
	AvailabilityTopic       string `json:"availability_topic"`
	PayloadAvailable        string `json:"payload_available"`
	PayloadNotAvailable     string `json:"payload_not_available"`
	StateTopic              string `json:"state_topic"`
	CommandTopic            string `json:"command_topic"`
	ValueTemplate           string `json:"value_template"`
	StateValueTemplate      string `json:"state_value_template"`
	PayloadOn               string `json:"payload_on"`
	PayloadOff              string `json:"payload_off"`
	BrightnessStateTopic    string `json:"brightness_state_topic,omitempty"`
	BrightnessCommandTopic  string `json:"brightness_command_topic,omitempty"`
	BrightnessValueTemplate string `json:"brightness_value_template,omitempty"`
	BrightnessScale         int    `json:"brightness_scale,omitempty"`
	Device                  device `json:"device"`
}

// sensorConfig is the discovery document for a single-value sensor
// capability (temperature, humidity, power, energy) or a plain switch.
type sensorConfig struct {
	Name                string `json:"name"`
	UniqueID            string `json:"unique_id"`
	DeviceClass         string `json:"device_class,omitempty"`
	StateTopic          string `json:"state_topic"`
	CommandTopic        string `json:"command_topic,omitempty"`
	ValueTemplate       string `json:"value_template"`
	UnitOfMeasurement   string `json:"unit_of_measurement,omitempty"`
	AvailabilityTopic   string `json:"availability_topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
	Device              device `json:"device"`
}

// Config names the bridge as it appears in HA-discovery unique_ids.
type Config struct {
	BridgeID string
}

// Discovery is C10: it watches nodes reach Ready, publishes merged
// light / switch / sensor discovery documents for their capabilities,
// retracts them on device-left, and replays anything it couldn't send
// while MQTT was disconnected.
type Discovery struct {
	mu sync.Mutex

	bus     *bus.Bus
	reg     *registry.Registry
	mapper  *capability.Mapper
	adapter *mqtt.Adapter
	cfg     Config

	pending []ids.EUI64
}

// New creates a Discovery and subscribes it to the node-ready marker
// (CAP_STATE_CHANGED with an 8-byte payload), ZB_DEVICE_LEFT, and
// NET_UP.
func New(b *bus.Bus, reg *registry.Registry, mapper *capability.Mapper, adapter *mqtt.Adapter, cfg Config) *Discovery {
	if cfg.BridgeID == "" {
		cfg.BridgeID = "zigbridge"
	}
	d := &Discovery{bus: b, reg: reg, mapper: mapper, adapter: adapter, cfg: cfg}
	b.Subscribe(bus.Subscription{TypeMin: events.CapStateChanged, TypeMax: events.CapStateChanged}, d.handleCapStateChanged)
	b.Subscribe(bus.Subscription{TypeMin: events.ZBDeviceLeft, TypeMax: events.ZBDeviceLeft}, d.handleDeviceLeft)
	b.Subscribe(bus.Subscription{TypeMin: events.NetUp, TypeMax: events.NetUp}, d.handleNetUp)
	return d
}

func (d *Discovery) handleCapStateChanged(ev bus.Event) {
	if ev.PayloadLen != 8 {
		return // a real capability value, not the node-ready marker
	}
	eui64 := ids.EUI64(binary.LittleEndian.Uint64(ev.Payload[:8]))
	if err := d.PublishNode(eui64); err != nil {
		log.Warn().Err(err).Str("eui64", eui64.String()).Msg("discovery: publish failed")
	}
}

func (d *Discovery) handleDeviceLeft(ev bus.Event) {
	if ev.PayloadLen < 8 {
		return
	}
	eui64 := ids.EUI64(binary.LittleEndian.Uint64(ev.Payload[:8]))
	if err := d.UnpublishNode(eui64); err != nil {
		log.Warn().Err(err).Str("eui64", eui64.String()).Msg("discovery: unpublish failed")
	}
}

func (d *Discovery) handleNetUp(ev bus.Event) {
	flushed := d.FlushPending()
	if flushed > 0 {
		log.Info().Int("count", flushed).Msg("discovery: flushed pending publishes")
	}
}

// PublishNode emits discovery documents for every capability
// eui64's node carries, merging light.on+light.level into one light
// entity. If MQTT isn't connected the node is queued (bounded,
// dedup'd) for the next NET_UP instead of being dropped.
func (d *Discovery) PublishNode(eui64 ids.EUI64) error {
	if !d.adapter.Connected() {
		d.addPending(eui64)
		return nil
	}

	node, ok := d.reg.FindByEUI64(eui64)
	if !ok || node.State != registry.StateReady {
		return fmt.Errorf("discovery: %s not ready", eui64)
	}

	hasLightOn := d.hasCap(eui64, capability.LightOn)
	hasLightLevel := d.hasCap(eui64, capability.LightLevel)

	if hasLightOn {
		d.publishLight(eui64, node, hasLightLevel)
	}
	if d.hasCap(eui64, capability.SwitchOn) {
		d.publishSwitch(eui64, node)
	}
	for _, cap := range []capability.ID{capability.LightColorTemp, capability.SensorTemperature, capability.SensorHumidity, capability.PowerWatts, capability.EnergyKWh} {
		if d.hasCap(eui64, cap) {
			d.publishSensor(eui64, node, cap)
		}
	}
	return nil
}

// UnpublishNode retracts every document this bridge might have
// published for eui64, by publishing an empty retained payload at each
// of its possible config topics — mirroring ha_disc.c's
// ha_disc_unpublish_node, which removes unconditionally rather than
// tracking exactly which entities were actually sent.
func (d *Discovery) UnpublishNode(eui64 ids.EUI64) error {
	d.adapter.Publish(d.configTopic(ComponentLight, eui64, "light"), nil, true)
	d.adapter.Publish(d.configTopic(ComponentSwitch, eui64, capability.Lookup(capability.SwitchOn).Name), nil, true)
	for _, cap := range []capability.ID{capability.LightColorTemp, capability.SensorTemperature, capability.SensorHumidity, capability.PowerWatts, capability.EnergyKWh} {
		d.adapter.Publish(d.configTopic(ComponentSensor, eui64, capability.Lookup(cap).Name), nil, true)
	}
	return nil
}

// FlushPending retries every queued node, clearing it from the queue
// on success. Returns the number flushed.
func (d *Discovery) FlushPending() int {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	flushed := 0
	var retry []ids.EUI64
	for _, eui64 := range pending {
		if !d.adapter.Connected() {
			retry = append(retry, eui64)
			continue
		}
		if err := d.PublishNode(eui64); err != nil {
			log.Warn().Err(err).Str("eui64", eui64.String()).Msg("discovery: flush publish failed")
			continue
		}
		flushed++
	}

	d.mu.Lock()
	d.pending = append(d.pending, retry...)
	d.mu.Unlock()
	return flushed
}

func (d *Discovery) addPending(eui64 ids.EUI64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.pending {
		if e == eui64 {
			return // already queued
		}
	}
	if len(d.pending) >= maxPending {
		log.Warn().Str("eui64", eui64.String()).Msg("discovery: pending queue full, dropping")
		return
	}
	d.pending = append(d.pending, eui64)
}

func (d *Discovery) hasCap(eui64 ids.EUI64, cap capability.ID) bool {
	_, err := d.mapper.GetState(eui64, cap)
	return err == nil
}

func sanitize(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func (d *Discovery) configTopic(component Component, eui64 ids.EUI64, sanitizedSuffix string) string {
	return fmt.Sprintf("%s/%s/%s_%s_%s/config", discoveryPrefix, component, d.cfg.BridgeID, eui64.String(), sanitize(sanitizedSuffix))
}

func (d *Discovery) deviceOf(eui64 ids.EUI64, node *registry.Node) device {
	name := node.Friendly
	if name == "" {
		name = node.Model
	}
	if name == "" {
		name = "Zigbee " + eui64.String()
	}
	return device{
		Identifiers:  []string{fmt.Sprintf("%s_%s", d.cfg.BridgeID, eui64.String())},
		Name:         name,
		Manufacturer: node.Manufacturer,
		Model:        node.Model,
	}
}

func (d *Discovery) publishLight(eui64 ids.EUI64, node *registry.Node, hasLevel bool) {
	name := node.Friendly
	if name == "" {
		name = node.Model
	}
	if name == "" {
		name = "Zigbee Light"
	}

	onInfo := capability.Lookup(capability.LightOn)
	cfg := lightConfig{
		Name:                name,
		UniqueID:            fmt.Sprintf("%s_%s_light", d.cfg.BridgeID, eui64.String()),
		AvailabilityTopic:   statusTopic,
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		StateTopic:          fmt.Sprintf("%s/%s/%s/state", topicBase, eui64.String(), onInfo.Name),
		CommandTopic:        fmt.Sprintf("%s/%s/%s/set", topicBase, eui64.String(), onInfo.Name),
		ValueTemplate:       "{{ value_json.v }}",
		StateValueTemplate:  "{{ 'ON' if value_json.v else 'OFF' }}",
		PayloadOn:           `{"v":true}`,
		PayloadOff:          `{"v":false}`,
		Device:              d.deviceOf(eui64, node),
	}
	if hasLevel {
		levelInfo := capability.Lookup(capability.LightLevel)
		cfg.BrightnessStateTopic = fmt.Sprintf("%s/%s/%s/state", topicBase, eui64.String(), levelInfo.Name)
		cfg.BrightnessCommandTopic = fmt.Sprintf("%s/%s/%s/set", topicBase, eui64.String(), levelInfo.Name)
		cfg.BrightnessValueTemplate = "{{ (value_json.v | float * 2.55) | int }}"
		cfg.BrightnessScale = 255
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("discovery: marshal light config failed")
		return
	}
	d.adapter.Publish(d.configTopic(ComponentLight, eui64, "light"), data, true)
}

func (d *Discovery) publishSwitch(eui64 ids.EUI64, node *registry.Node) {
	info := capability.Lookup(capability.SwitchOn)
	name := node.Friendly
	if name == "" {
		name = node.Model
	}
	if name == "" {
		name = "Zigbee Switch"
	}
	cfg := sensorConfig{
		Name:                name,
		UniqueID:            fmt.Sprintf("%s_%s_%s", d.cfg.BridgeID, eui64.String(), sanitize(info.Name)),
		StateTopic:          fmt.Sprintf("%s/%s/%s/state", topicBase, eui64.String(), info.Name),
		CommandTopic:        fmt.Sprintf("%s/%s/%s/set", topicBase, eui64.String(), info.Name),
		ValueTemplate:       "{{ value_json.v }}",
		AvailabilityTopic:   statusTopic,
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		Device:              d.deviceOf(eui64, node),
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("discovery: marshal switch config failed")
		return
	}
	d.adapter.Publish(d.configTopic(ComponentSwitch, eui64, info.Name), data, true)
}

// deviceClassFor maps a capability to its HA sensor device_class, when
// one applies (ha_disc.c's switch over temperature/humidity).
func deviceClassFor(cap capability.ID) string {
	switch cap {
	case capability.SensorTemperature:
		return "temperature"
	case capability.SensorHumidity:
		return "humidity"
	case capability.PowerWatts:
		return "power"
	case capability.EnergyKWh:
		return "energy"
	default:
		return ""
	}
}

func (d *Discovery) publishSensor(eui64 ids.EUI64, node *registry.Node, cap capability.ID) {
	info := capability.Lookup(cap)
	deviceName := node.Friendly
	if deviceName == "" {
		deviceName = node.Model
	}
	if deviceName == "" {
		deviceName = "Zigbee Sensor"
	}
	cfg := sensorConfig{
		Name:                fmt.Sprintf("%s %s", deviceName, info.Name),
		UniqueID:            fmt.Sprintf("%s_%s_%s", d.cfg.BridgeID, eui64.String(), sanitize(info.Name)),
		DeviceClass:         deviceClassFor(cap),
		StateTopic:          fmt.Sprintf("%s/%s/%s/state", topicBase, eui64.String(), info.Name),
		ValueTemplate:       "{{ value_json.v }}",
		UnitOfMeasurement:   info.Unit,
		AvailabilityTopic:   statusTopic,
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		Device:              d.deviceOf(eui64, node),
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("discovery: marshal sensor config failed")
		return
	}
	d.adapter.Publish(d.configTopic(ComponentSensor, eui64, info.Name), data, true)
}
