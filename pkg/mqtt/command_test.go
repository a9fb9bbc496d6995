package mqtt

import (
	"testing"
	"time"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/capability"
	"zigbridge/pkg/events"
	"zigbridge/pkg/ids"
	"zigbridge/pkg/persist"
	"zigbridge/pkg/registry"
)

// fakeMessage is a minimal paho.Message test double: handleCommand
// never touches the paho.Client it's handed, only the message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestHandleCommandPreservesCorrIDOnBus(t *testing.T) {
	var tick ids.Tick = 1
	clock := func() ids.Tick { return tick }

	b := bus.New(32, 8, clock)
	store, err := persist.Open(t.TempDir()+"/mqtt-command.db", 8)
	if err != nil {
		t.Fatalf("persist.Open() error = %v", err)
	}
	defer store.Close()
	reg := registry.New(b, store, registry.Config{MaxNodes: 8}, clock)

	eui64 := ids.EUI64(0x1122334455667788)
	if _, err := reg.AddNode(eui64, ids.NWK(1)); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	cluster, _, ok := capability.ClusterFor(capability.LightOn)
	if !ok {
		t.Fatalf("ClusterFor(LightOn) ok = false")
	}
	if err := reg.WithNode(eui64, func(n *registry.Node) {
		n.Endpoints = []registry.Endpoint{{ID: 1, Clusters: []registry.Cluster{{ID: cluster}}}}
	}); err != nil {
		t.Fatalf("WithNode() error = %v", err)
	}

	cfg := Config{BrokerURI: "tcp://127.0.0.1:1", ClientID: "zigbridge-cmd-test", Keepalive: time.Second, ReconnectInterval: time.Second}
	a := New(b, reg, cfg, clock)

	var seenCorrID ids.CorrID
	var sawCommand bool
	b.Subscribe(events.CapRange, func(ev bus.Event) {
		if ev.Type == events.CapCommand {
			sawCommand = true
			seenCorrID = ev.CorrID
		}
	})

	msg := fakeMessage{
		topic:   "bridge/" + eui64.String() + "/" + capability.LightOn.String() + "/set",
		payload: []byte(`{"v": true}`),
	}
	a.handleCommand(nil, msg)
	b.Dispatch(10)

	if !sawCommand {
		t.Fatal("expected a CAP_COMMAND event on the bus")
	}
	if seenCorrID == ids.NoCorrID {
		t.Fatal("CAP_COMMAND event carries NoCorrID: the MQTT-allocated corr_id was dropped")
	}
}
