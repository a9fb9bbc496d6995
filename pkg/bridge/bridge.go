// Package bridge is the composition root: it wires C1–C10 together
// into a single running daemon the way cmd/api/main.go wired the
// teacher's controller/router/database, generalized here from a
// request-driven HTTP server into an event-driven daemon built around
// pkg/sched's cooperative task pool instead of goroutines-per-request.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/capability"
	"zigbridge/pkg/discovery"
	"zigbridge/pkg/events"
	"zigbridge/pkg/ids"
	"zigbridge/pkg/interview"
	"zigbridge/pkg/mqtt"
	"zigbridge/pkg/persist"
	"zigbridge/pkg/radio"
	"zigbridge/pkg/radio/ezspstack"
	"zigbridge/pkg/radio/simstack"
	"zigbridge/pkg/registry"
	"zigbridge/pkg/sched"
)

// Config bounds every fixed-capacity table in the bridge and selects
// its radio backend. Ticks are 1ms nominal resolution throughout
// (spec §3); the *Ms fields are task sleep periods in scheduler ticks.
type Config struct {
	DBPath        string
	DBWriteBuf    int
	SchedCapacity int

	// SerialPort selects the radio backend: empty or "sim" runs
	// pkg/radio/simstack against SimCoordinatorEUI64; anything else is
	// a device path handed to pkg/radio/ezspstack.
	SerialPort          string
	SimCoordinatorEUI64 ids.EUI64

	MaxNodes      int
	MaxDevices    int
	MaxPending    int
	MaxInterviews int

	CmdTTL       ids.Tick
	StepTimeout  ids.Tick
	TotalTimeout ids.Tick

	DispatchBatch      int
	DispatchIntervalMs int
	PollIntervalMs     int
	SweepIntervalMs    int
	PersistIntervalMs  int

	MQTT      mqtt.Config
	Discovery discovery.Config

	PermitJoinSeconds uint8
}

// DefaultConfig returns sane bring-up defaults; every caller is
// expected to override SerialPort, MQTT.BrokerURI and DBPath.
func DefaultConfig() Config {
	return Config{
		DBWriteBuf:          64,
		SchedCapacity:       16,
		SimCoordinatorEUI64: ids.EUI64(0x00124B0000000001),
		MaxNodes:            64,
		MaxDevices:          64,
		MaxPending:          16,
		MaxInterviews:       8,
		CmdTTL:              5000,
		StepTimeout:         2000,
		TotalTimeout:        30000,
		DispatchBatch:       32,
		DispatchIntervalMs:  20,
		PollIntervalMs:      100,
		SweepIntervalMs:     500,
		PersistIntervalMs:   1000,
	}
}

// Bridge owns every C1–C10 component and the scheduler tasks driving
// them. The zero value is not usable; construct with New.
type Bridge struct {
	cfg Config

	store *persist.Store
	bus   *bus.Bus
	sched *sched.Scheduler
	stack radio.Stack

	Radio     *radio.Adapter
	Registry  *registry.Registry
	Interview *interview.Engine
	Capability *capability.Mapper
	MQTT      *mqtt.Adapter
	Discovery *discovery.Discovery
}

// New opens the persistence store and constructs every component,
// wired against a shared event bus and a shared monotonic clock
// (the scheduler's own tick counter). It does not yet talk to the
// radio or the broker; call Run for that.
func New(cfg Config) (*Bridge, error) {
	store, err := persist.Open(cfg.DBPath, cfg.DBWriteBuf)
	if err != nil {
		return nil, fmt.Errorf("bridge: open store: %w", err)
	}

	s := sched.New(cfg.SchedCapacity)
	clock := s.NowTicks

	b := bus.New(256, 64, clock)

	var stack radio.Stack
	if cfg.SerialPort == "" || cfg.SerialPort == "sim" {
		stack = simstack.New(cfg.SimCoordinatorEUI64, true)
	} else {
		stack = ezspstack.New(cfg.SerialPort)
	}

	radioAdapter := radio.New(stack, b, radio.Config{
		MaxDevices: cfg.MaxDevices,
		MaxPending: cfg.MaxPending,
		CmdTTL:     cfg.CmdTTL,
	}, clock)

	reg := registry.New(b, store, registry.Config{MaxNodes: cfg.MaxNodes}, clock)
	mapper := capability.New(b, reg, radioAdapter, capability.Config{MaxNodes: cfg.MaxNodes}, clock)
	engine := interview.New(b, reg, radioAdapter, mapper, interview.Config{
		MaxInterviews: cfg.MaxInterviews,
		StepTimeout:   cfg.StepTimeout,
		TotalTimeout:  cfg.TotalTimeout,
	}, clock)

	mqttAdapter := mqtt.New(b, reg, cfg.MQTT, clock)
	disc := discovery.New(b, reg, mapper, mqttAdapter, cfg.Discovery)

	br := &Bridge{
		cfg:        cfg,
		store:      store,
		bus:        b,
		sched:      s,
		stack:      stack,
		Radio:      radioAdapter,
		Registry:   reg,
		Interview:  engine,
		Capability: mapper,
		MQTT:       mqttAdapter,
		Discovery:  disc,
	}

	b.Subscribe(bus.Subscription{TypeMin: events.ZBAnnounce, TypeMax: events.ZBAnnounce}, br.handleAnnounce)
	b.Subscribe(bus.Subscription{TypeMin: events.ZBDeviceLeft, TypeMax: events.ZBDeviceLeft}, br.handleDeviceLeft)

	return br, nil
}

// handleAnnounce reacts to a fresh or repeat device announce: new
// devices are registered and handed to the interview engine; a
// re-announce from an already-known node just refreshes its registry
// entry (NWK, last seen) and recovers it from Stale, matching spec invariant 4's
// "Stale may additionally recover to Ready on a fresh announce".
func (br *Bridge) handleAnnounce(ev bus.Event) {
	if ev.PayloadLen < 10 {
		return
	}
	eui64, nwk := decodeAnnounce(ev)

	if node, ok := br.Registry.FindByEUI64(eui64); ok {
		br.Registry.Touch(eui64, nwk)
		if node.State == registry.StateStale {
			if err := br.Registry.SetState(eui64, registry.StateReady); err != nil {
				log.Warn().Err(err).Str("eui64", eui64.String()).Msg("bridge: recover from stale failed")
			}
		}
		return
	}

	if _, err := br.Registry.AddNode(eui64, nwk); err != nil {
		log.Warn().Err(err).Str("eui64", eui64.String()).Msg("bridge: add node failed")
		return
	}
	if err := br.Registry.SetState(eui64, registry.StateInterviewing); err != nil {
		log.Warn().Err(err).Str("eui64", eui64.String()).Msg("bridge: enter interviewing failed")
		return
	}
	if err := br.Interview.Start(eui64); err != nil {
		log.Warn().Err(err).Str("eui64", eui64.String()).Msg("bridge: start interview failed")
	}
}

// handleDeviceLeft cancels any in-flight interview and drops the node
// from the registry. Also fires when RemoveNode itself emits
// ZB_DEVICE_LEFT (an admin-triggered removal); the second pass through
// here is a harmless no-op since the node is already gone.
func (br *Bridge) handleDeviceLeft(ev bus.Event) {
	if ev.PayloadLen < 8 {
		return
	}
	eui64 := decodeEUI64(ev)
	br.Interview.Cancel(eui64)
	if err := br.Registry.RemoveNode(eui64); err != nil && err != registry.ErrNotFound {
		log.Warn().Err(err).Str("eui64", eui64.String()).Msg("bridge: remove node failed")
	}
}

func decodeAnnounce(ev bus.Event) (ids.EUI64, ids.NWK) {
	payload := ev.Payload[:ev.PayloadLen]
	var eui64 uint64
	for i := 0; i < 8; i++ {
		eui64 |= uint64(payload[i]) << (8 * i)
	}
	nwk := uint16(payload[8]) | uint16(payload[9])<<8
	return ids.EUI64(eui64), ids.NWK(nwk)
}

func decodeEUI64(ev bus.Event) ids.EUI64 {
	payload := ev.Payload[:ev.PayloadLen]
	var eui64 uint64
	for i := 0; i < 8; i++ {
		eui64 |= uint64(payload[i]) << (8 * i)
	}
	return ids.EUI64(eui64)
}

// Run brings the radio up, restores registry state from disk,
// registers the scheduler tasks driving C1–C10, and blocks until ctx
// is cancelled. The scheduler itself (and therefore every task loop)
// runs cooperatively on a single internal goroutine; Run also starts
// the wall-clock tick source (driveTicks) on a separate goroutine.
func (br *Bridge) Run(ctx context.Context) error {
	if err := br.Registry.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("bridge: registry restore failed, starting empty")
	}

	if err := br.Radio.Init(ctx); err != nil {
		return fmt.Errorf("bridge: radio init: %w", err)
	}
	if err := br.Radio.StartCoordinator(ctx); err != nil {
		return fmt.Errorf("bridge: radio start coordinator: %w", err)
	}

	if _, err := br.sched.Create("bus-dispatch", 0, br.dispatchTask, nil); err != nil {
		return fmt.Errorf("bridge: create bus-dispatch task: %w", err)
	}
	if _, err := br.sched.Create("interview-poll", 0, br.interviewTask, nil); err != nil {
		return fmt.Errorf("bridge: create interview-poll task: %w", err)
	}
	if _, err := br.sched.Create("radio-sweep", 0, br.sweepTask, nil); err != nil {
		return fmt.Errorf("bridge: create radio-sweep task: %w", err)
	}
	if _, err := br.sched.Create("persist-flush", 0, br.persistTask, nil); err != nil {
		return fmt.Errorf("bridge: create persist-flush task: %w", err)
	}

	go br.sched.Start()
	go br.driveTicks(ctx)

	if err := br.MQTT.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("bridge: initial MQTT connect failed, will retry on reconnect")
	}

	<-ctx.Done()
	log.Info().Msg("bridge: shutting down")
	br.MQTT.Close()
	if err := br.Registry.Persist(); err != nil {
		log.Warn().Err(err).Msg("bridge: final registry persist failed")
	}
	if err := br.Radio.Close(); err != nil {
		log.Warn().Err(err).Msg("bridge: radio close failed")
	}
	return br.store.Close()
}

// Bus exposes the shared event bus, mainly for the admin/debug surface
// and tests; component wiring itself never needs callers to reach in
// here once New has returned.
func (br *Bridge) Bus() *bus.Bus { return br.bus }

// Scheduler exposes the task scheduler for the debug surface's
// /debug/stats (spec §5's task list).
func (br *Bridge) Scheduler() *sched.Scheduler { return br.sched }

// PersistPendingWrites reports the store's buffered-write count, for
// the debug surface's /debug/stats.
func (br *Bridge) PersistPendingWrites() int { return br.store.PendingWrites() }

// driveTicks is C1's external timer source (spec §4.1's
// tick_advance(), "driven by an external timer source"): a 1ms
// wall-clock ticker advancing the scheduler's monotonic tick counter.
func (br *Bridge) driveTicks(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			br.sched.TickAdvance(1)
		}
	}
}

func (br *Bridge) dispatchTask(t *sched.TaskHandle, _ any) {
	for {
		br.bus.Dispatch(br.cfg.DispatchBatch)
		t.Sleep(br.cfg.DispatchIntervalMs)
	}
}

func (br *Bridge) interviewTask(t *sched.TaskHandle, _ any) {
	for {
		br.Interview.Poll()
		t.Sleep(br.cfg.PollIntervalMs)
	}
}

func (br *Bridge) sweepTask(t *sched.TaskHandle, _ any) {
	for {
		br.Radio.SweepTimeouts()
		t.Sleep(br.cfg.SweepIntervalMs)
	}
}

func (br *Bridge) persistTask(t *sched.TaskHandle, _ any) {
	for {
		if err := br.Registry.Persist(); err != nil {
			log.Warn().Err(err).Msg("bridge: periodic registry persist failed")
		}
		t.Sleep(br.cfg.PersistIntervalMs)
	}
}
