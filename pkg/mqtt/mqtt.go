// Package mqtt is C9: the bridge's northbound MQTT transport. It
// publishes capability state, bridge status, and per-node meta
// documents, and decodes incoming command-topic messages back onto the
// event bus for C7 to act on. Grounded on eclipse/paho.mqtt.golang
// usage in the shelly-go transport client (client-option construction,
// token-wait-with-context connect, reconnect/state-callback pattern)
// and spec.md §4.9's topic scheme and payload shapes.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/capability"
	"zigbridge/pkg/events"
	"zigbridge/pkg/ids"
	"zigbridge/pkg/mqtt/schema"
	"zigbridge/pkg/quirks"
	"zigbridge/pkg/registry"
)

// State is the adapter's connection state machine (spec §4.9):
// Disconnected -> Connecting -> Connected -> Error, with a reconnect
// loop attempting Disconnected -> Connected on Config.ReconnectInterval.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config configures the MQTT adapter.
type Config struct {
	BrokerURI         string
	ClientID          string
	Keepalive         time.Duration
	ReconnectInterval time.Duration
}

const (
	topicPrefix  = "bridge"
	statusTopic  = topicPrefix + "/status"
	commandWild  = topicPrefix + "/+/+/set"
	commandParts = 4 // bridge/<eui64>/<cap>/set
)

// commandSchema validates incoming bridge/<eui64>/<cap>/set payloads
// before they're turned into a capability.Command, matching spec §6's
// "MQTT transport" boundary and SPEC_FULL's wiring of
// santhosh-tekuri/jsonschema/v6 to command-payload validation.
var commandSchema = json.RawMessage(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"v": {"type": ["boolean", "number"]}
	},
	"required": ["v"],
	"additionalProperties": false
}`)

type statePayload struct {
	V  any      `json:"v"`
	TS ids.Tick `json:"ts"`
}

type statusPayload struct {
	V string `json:"v"`
}

type metaPayload struct {
	IEEE         string `json:"ieee"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
}

// Adapter is C9: the MQTT transport. It owns a paho client, mirrors
// capability state changes onto state topics, and turns validated
// command-topic messages into CAP_COMMAND bus events.
type Adapter struct {
	mu     sync.Mutex
	client paho.Client
	state  State

	bus       *bus.Bus
	reg       *registry.Registry
	validator *schema.Validator
	now       func() ids.Tick

	cfg Config

	stateCallbacks []func(State)
}

// New creates an Adapter and subscribes it to CAP_STATE_CHANGED on the
// bus. Connect must be called separately to reach the broker.
func New(b *bus.Bus, reg *registry.Registry, cfg Config, clock func() ids.Tick) *Adapter {
	a := &Adapter{
		bus:       b,
		reg:       reg,
		validator: schema.NewValidator(),
		now:       clock,
		cfg:       cfg,
		state:     StateDisconnected,
	}
	b.Subscribe(bus.Subscription{TypeMin: events.CapStateChanged, TypeMax: events.CapStateChanged}, a.handleCapStateChanged)
	return a
}

// Connect opens the MQTT connection. On success the broker delivers
// callbacks asynchronously; Connect itself only waits for the initial
// handshake (or ctx to expire).
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.client != nil && a.client.IsConnected() {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	a.setState(StateConnecting)

	opts := paho.NewClientOptions().
		AddBroker(a.cfg.BrokerURI).
		SetClientID(a.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(a.cfg.ReconnectInterval).
		SetKeepAlive(a.cfg.Keepalive).
		SetWill(statusTopic, `{"v":"offline"}`, 0, true).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost)

	client := paho.NewClient(opts)
	token := client.Connect()

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		a.setState(StateError)
		return ctx.Err()
	case <-done:
		if token.Error() != nil {
			a.setState(StateError)
			return fmt.Errorf("mqtt: connect: %w", token.Error())
		}
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	return nil
}

// Close publishes a final retained offline status and disconnects.
// Graceful disconnect publishes status=offline first, per spec §4.9 —
// the broker-side last-will only fires on an ungraceful drop.
func (a *Adapter) Close() {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()
	if client == nil {
		return
	}
	a.publishRetained(statusTopic, statusPayload{V: "offline"})
	client.Disconnect(250)
	a.setState(StateDisconnected)
}

// State returns the adapter's current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// OnStateChange registers a callback invoked on every state
// transition.
func (a *Adapter) OnStateChange(cb func(State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateCallbacks = append(a.stateCallbacks, cb)
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	cbs := make([]func(State), len(a.stateCallbacks))
	copy(cbs, a.stateCallbacks)
	a.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

// onConnect runs on the paho library's own goroutine: it publishes the
// retained online status, subscribes to command topics, and emits
// NET_UP so pkg/discovery can flush its pending queue.
func (a *Adapter) onConnect(client paho.Client) {
	a.setState(StateConnected)
	a.publishRetained(statusTopic, statusPayload{V: "online"})

	token := client.Subscribe(commandWild, 0, a.handleCommand)
	token.Wait()
	if token.Error() != nil {
		log.Error().Err(token.Error()).Msg("mqtt: subscribe to command topics failed")
	}

	a.bus.Emit(events.NetUp, 0, nil)
}

func (a *Adapter) onConnectionLost(client paho.Client, err error) {
	log.Warn().Err(err).Msg("mqtt: connection lost")
	a.setState(StateError)
	a.bus.Emit(events.NetDown, 0, nil)
}

// handleCapStateChanged fans out CAP_STATE_CHANGED. pkg/interview's
// node-ready marker and pkg/capability's own state-change payload
// share this event type but not its shape: an 8-byte payload is the
// eui64-only "node interview complete" marker (publish meta), an
// 18-byte payload is a genuine capability value change (publish
// state).
func (a *Adapter) handleCapStateChanged(ev bus.Event) {
	if ev.PayloadLen == 8 {
		a.publishMeta(ev)
		return
	}
	a.publishState(ev)
}

func (a *Adapter) publishMeta(ev bus.Event) {
	var eui64 ids.EUI64
	for i := 0; i < 8; i++ {
		eui64 |= ids.EUI64(ev.Payload[i]) << (8 * i)
	}
	node, ok := a.reg.FindByEUI64(eui64)
	if !ok {
		return
	}
	payload := metaPayload{IEEE: eui64.String(), Manufacturer: node.Manufacturer, Model: node.Model}
	a.publishRetained(fmt.Sprintf("%s/%s/meta", topicPrefix, eui64.String()), payload)
}

func (a *Adapter) publishState(ev bus.Event) {
	eui64, capID, v, err := capability.DecodeStatePayload(ev)
	if err != nil {
		log.Warn().Err(err).Msg("mqtt: malformed state payload")
		return
	}
	topic := fmt.Sprintf("%s/%s/%s/state", topicPrefix, eui64.String(), capID.String())
	a.publish(topic, statePayload{V: valueToJSON(v), TS: ev.Timestamp}, false)
}

func valueToJSON(v quirks.Value) any {
	switch v.Kind {
	case quirks.KindBool:
		return v.B
	case quirks.KindFloat:
		return v.F
	default:
		return v.I
	}
}

// publish marshals payload to JSON and publishes at QoS 0, matching
// spec §6's "QoS 0 is sufficient".
func (a *Adapter) publish(topic string, payload any, retain bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("mqtt: marshal payload failed")
		return
	}
	a.Publish(topic, data, retain)
}

func (a *Adapter) publishRetained(topic string, payload any) {
	a.publish(topic, payload, true)
}

// Publish sends a pre-encoded payload (e.g. a Home Assistant discovery
// document) at QoS 0. A nil client (not yet connected) is a silent
// no-op — callers that need at-least-once delivery across outages
// (pkg/discovery) own their own pending queue rather than relying on
// this method to buffer.
func (a *Adapter) Publish(topic string, payload []byte, retain bool) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	token := client.Publish(topic, 0, retain, payload)
	token.Wait()
	if token.Error() != nil {
		log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt: publish failed")
	}
}

// Connected reports whether the adapter currently holds a live broker
// connection. pkg/discovery uses this to decide whether to publish a
// discovery document immediately or enqueue it for the next NET_UP.
func (a *Adapter) Connected() bool {
	return a.State() == StateConnected
}

// handleCommand parses a bridge/<hex-eui64>/<cap.name>/set message,
// validates its payload, resolves the node's endpoint for the named
// capability, and emits a CAP_COMMAND event for C7 to execute.
func (a *Adapter) handleCommand(client paho.Client, msg paho.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != commandParts || parts[0] != topicPrefix || parts[3] != "set" {
		log.Warn().Str("topic", msg.Topic()).Msg("mqtt: unrecognized command topic")
		return
	}

	eui64, err := ids.ParseEUI64(parts[1])
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: bad eui64 in command topic")
		return
	}
	capID := capability.ParseName(parts[2])
	if capID == capability.Unknown {
		log.Warn().Str("cap", parts[2]).Msg("mqtt: unknown capability in command topic")
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: command payload is not JSON")
		return
	}
	if err := a.validator.Validate(commandSchema, raw); err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: command payload failed validation")
		return
	}

	info := capability.Lookup(capID)
	value, err := decodeCommandValue(info.Kind, raw["v"])
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: command value type mismatch")
		return
	}

	ep, ok := a.resolveEndpoint(eui64, capID)
	if !ok {
		log.Warn().Str("eui64", eui64.String()).Stringer("cap", capID).Msg("mqtt: no endpoint carries capability")
		return
	}

	cmd := capability.Command{
		EUI64:   eui64,
		EP:      ep,
		Cap:     capID,
		CmdType: capability.CmdSet,
		Value:   value,
		CorrID:  a.bus.NewCorrID(),
	}
	a.bus.Publish(events.CapCommand, cmd.CorrID, 0, capability.EncodeCommand(cmd))
}

func decodeCommandValue(kind quirks.ValueKind, raw any) (quirks.Value, error) {
	switch kind {
	case quirks.KindBool:
		b, ok := raw.(bool)
		if !ok {
			return quirks.Value{}, fmt.Errorf("mqtt: expected boolean \"v\"")
		}
		return quirks.Value{Kind: quirks.KindBool, B: b}, nil
	case quirks.KindFloat:
		f, ok := raw.(float64)
		if !ok {
			return quirks.Value{}, fmt.Errorf("mqtt: expected numeric \"v\"")
		}
		return quirks.Value{Kind: quirks.KindFloat, F: f}, nil
	default:
		f, ok := raw.(float64)
		if !ok {
			return quirks.Value{}, fmt.Errorf("mqtt: expected numeric \"v\"")
		}
		return quirks.Value{Kind: quirks.KindInt, I: int64(f)}, nil
	}
}

// resolveEndpoint finds the endpoint on eui64's node whose cluster
// table carries capID's cluster, via capability.ClusterFor.
func (a *Adapter) resolveEndpoint(eui64 ids.EUI64, capID capability.ID) (uint8, bool) {
	cluster, _, ok := capability.ClusterFor(capID)
	if !ok {
		return 0, false
	}
	node, ok := a.reg.FindByEUI64(eui64)
	if !ok {
		return 0, false
	}
	for _, ep := range node.Endpoints {
		if _, ok := ep.FindCluster(cluster); ok {
			return ep.ID, true
		}
	}
	return 0, false
}
