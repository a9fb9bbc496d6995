// Package events defines the bridge's event taxonomy: the bus.Type
// values every component publishes and subscribes to. Centralizing
// the numeric partition here (system/radio/capability/persistence/
// user-reserved) keeps components decoupled from one another — they
// only depend on this package and pkg/bus, never on each other's
// internals.
package events

import "zigbridge/pkg/bus"

// System events.
const (
	Boot bus.Type = iota
	Log
	NetUp
	NetDown
)

// Radio events (C4), partition starting at 10.
const (
	ZBStackUp bus.Type = iota + 10
	ZBStackDown
	ZBDeviceJoined
	ZBDeviceLeft
	ZBAnnounce
	ZBDescEndpoints
	ZBDescClusters
	ZBAttrReport
	ZBCmdConfirm
	ZBCmdError
)

// Capability events (C7), partition starting at 30.
const (
	CapStateChanged bus.Type = iota + 30
	CapCommand
)

// Persistence events (C3), partition starting at 40.
const (
	PersistFlush bus.Type = iota + 40
)

// UserReservedMin is the first event type id available to
// non-core/user-defined subscribers (spec §6).
const UserReservedMin bus.Type = 100

// SysRange, RadioRange, CapRange, PersistRange are convenience
// Subscriptions spanning each partition, usable directly with
// bus.Bus.Subscribe.
var (
	SysRange     = bus.Subscription{TypeMin: Boot, TypeMax: NetDown}
	RadioRange   = bus.Subscription{TypeMin: ZBStackUp, TypeMax: ZBCmdError}
	CapRange     = bus.Subscription{TypeMin: CapStateChanged, TypeMax: CapCommand}
	PersistRange = bus.Subscription{TypeMin: PersistFlush, TypeMax: PersistFlush}
)
