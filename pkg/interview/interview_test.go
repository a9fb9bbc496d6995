package interview_test

import (
	"context"
	"testing"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/ids"
	"zigbridge/pkg/interview"
	"zigbridge/pkg/persist"
	"zigbridge/pkg/radio"
	"zigbridge/pkg/radio/simstack"
	"zigbridge/pkg/registry"
)

type fakeCapability struct {
	computed []ids.EUI64
}

func (f *fakeCapability) Compute(eui64 ids.EUI64) error {
	f.computed = append(f.computed, eui64)
	return nil
}

func newHarness(t *testing.T, autoConfirm bool) (*interview.Engine, *bus.Bus, *registry.Registry, *radio.Adapter, *ids.Tick, *fakeCapability) {
	t.Helper()
	var tick ids.Tick = 1
	clock := func() ids.Tick { return tick }

	b := bus.New(128, 32, clock)
	stack := simstack.New(ids.EUI64(0x00124B0001020304), autoConfirm)
	adapter := radio.New(stack, b, radio.Config{MaxDevices: 8, MaxPending: 8, CmdTTL: 100000}, clock)
	ctx := context.Background()
	if err := adapter.Init(ctx); err != nil {
		t.Fatalf("adapter.Init() error = %v", err)
	}
	if err := adapter.StartCoordinator(ctx); err != nil {
		t.Fatalf("adapter.StartCoordinator() error = %v", err)
	}
	b.Dispatch(10)

	store, err := persist.Open(t.TempDir()+"/interview.db", 8)
	if err != nil {
		t.Fatalf("persist.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(b, store, registry.Config{MaxNodes: 8}, clock)
	cap := &fakeCapability{}
	eng := interview.New(b, reg, adapter, cap, interview.Config{MaxInterviews: 2, StepTimeout: 5000, TotalTimeout: 30000}, clock)
	return eng, b, reg, adapter, &tick, cap
}

func drive(eng *interview.Engine, b *bus.Bus, tick *ids.Tick, steps int) {
	for i := 0; i < steps; i++ {
		eng.Poll()
		b.Dispatch(64)
		*tick += 100
	}
}

func TestStartIsIdempotent(t *testing.T) {
	eng, _, reg, _, _, _ := newHarness(t, true)
	reg.AddNode(ids.EUI64(1), ids.NWK(1))

	if err := eng.Start(ids.EUI64(1)); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := eng.Start(ids.EUI64(1)); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
}

func TestStartFullPoolReturnsErrFull(t *testing.T) {
	eng, _, reg, _, _, _ := newHarness(t, true)
	reg.AddNode(ids.EUI64(1), ids.NWK(1))
	reg.AddNode(ids.EUI64(2), ids.NWK(2))
	reg.AddNode(ids.EUI64(3), ids.NWK(3))

	if err := eng.Start(ids.EUI64(1)); err != nil {
		t.Fatalf("Start(1) error = %v", err)
	}
	if err := eng.Start(ids.EUI64(2)); err != nil {
		t.Fatalf("Start(2) error = %v", err)
	}
	if err := eng.Start(ids.EUI64(3)); err != interview.ErrFull {
		t.Fatalf("Start(3) error = %v, want ErrFull", err)
	}
}

func TestInterviewReachesReadyAndPopulatesTopology(t *testing.T) {
	eng, b, reg, _, tick, cap := newHarness(t, true)
	reg.AddNode(ids.EUI64(0xAA), ids.NWK(1))

	if err := eng.Start(ids.EUI64(0xAA)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	drive(eng, b, tick, 20)

	node, ok := reg.FindByEUI64(ids.EUI64(0xAA))
	if !ok {
		t.Fatal("node vanished")
	}
	if node.State != registry.StateReady {
		t.Fatalf("node.State = %v, want Ready", node.State)
	}
	if len(node.Endpoints) != 2 {
		t.Fatalf("len(node.Endpoints) = %d, want 2", len(node.Endpoints))
	}
	ep1, ok := node.FindEndpoint(1)
	if !ok {
		t.Fatal("endpoint 1 missing")
	}
	if _, ok := ep1.FindCluster(radio.ClusterOnOff); !ok {
		t.Error("endpoint 1 missing OnOff cluster")
	}
	if _, ok := ep1.FindCluster(radio.ClusterLevelControl); !ok {
		t.Error("endpoint 1 missing LevelControl cluster")
	}
	ep2, ok := node.FindEndpoint(2)
	if !ok {
		t.Fatal("endpoint 2 missing")
	}
	if _, ok := ep2.FindCluster(radio.ClusterTemperature); !ok {
		t.Error("endpoint 2 missing Temperature cluster")
	}

	if eng.Stage(ids.EUI64(0xAA)) != interview.StageInit {
		t.Errorf("Stage() after completion = %v, want StageInit (slot freed)", eng.Stage(ids.EUI64(0xAA)))
	}
	if len(cap.computed) != 1 || cap.computed[0] != ids.EUI64(0xAA) {
		t.Errorf("capability compute called with %v, want [0xAA]", cap.computed)
	}
}

func TestInterviewTotalTimeoutMarksStale(t *testing.T) {
	eng, b, reg, _, tick, _ := newHarness(t, false)
	reg.AddNode(ids.EUI64(0xBB), ids.NWK(2))

	if err := eng.Start(ids.EUI64(0xBB)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// autoConfirm=false: no submission ever confirms, so BasicAttr and
	// then Bindings each wait out their step retries until the total
	// budget elapses.
	drive(eng, b, tick, 400)

	node, ok := reg.FindByEUI64(ids.EUI64(0xBB))
	if !ok {
		t.Fatal("node vanished")
	}
	if node.State != registry.StateStale {
		t.Fatalf("node.State = %v, want Stale after total timeout", node.State)
	}
}
