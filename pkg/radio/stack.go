// Package radio implements the bridge's radio adapter (C4): the
// state machine, pending-command table, and address cache sitting on
// top of a pluggable Stack. Two Stack implementations exist —
// pkg/radio/ezspstack (real EZSP/ASH dongle) and pkg/radio/simstack
// (deterministic host simulation) — so the adapter and everything
// above it is identical in both deployments.
package radio

import (
	"context"

	"zigbridge/pkg/ids"
)

// SignalType enumerates the asynchronous network-lifecycle events a
// Stack reports to the adapter.
type SignalType int

const (
	SignalFormationOK SignalType = iota
	SignalFormationFailed
	SignalDeviceAnnounce
	SignalDeviceLeft
)

// Signal is an asynchronous network event delivered out-of-band from
// command submission.
type Signal struct {
	Type  SignalType
	EUI64 ids.EUI64
	NWK   ids.NWK
}

// Report is an incoming ZCL attribute report or read-attributes
// response, keyed by the short address the message arrived from.
type Report struct {
	NWK     ids.NWK
	EP      uint8
	Cluster uint16
	Attr    uint16
	ValType uint8
	Value   []byte
}

// SendStatus is the stack's asynchronous confirmation of a previously
// submitted command, correlated back by TSN.
type SendStatus struct {
	TSN     uint8
	Success bool
}

// CmdResult is returned synchronously by every Stack command
// submitter: the TSN the stack assigned (for later correlation via
// SendStatus) and any immediate submission error.
type CmdResult struct {
	TSN   uint8
	Valid bool
}

// Stack is the contract both radio backends implement. Submission
// methods return as soon as the command is handed to the radio
// library; completion is reported asynchronously via the registered
// callbacks.
type Stack interface {
	// Init allocates stack resources and starts any background I/O.
	Init(ctx context.Context) error
	// StartCoordinator resumes or forms a network. Idempotent.
	StartCoordinator(ctx context.Context) error
	// PermitJoin opens (duration>0) or closes (duration==0) the join window.
	PermitJoin(ctx context.Context, duration uint8) error
	// SendUnicast submits a ZCL cluster command to nwk/ep.
	SendUnicast(nwk ids.NWK, ep uint8, cluster uint16, payload []byte) (CmdResult, error)
	// ReadAttributes submits a ZCL Read Attributes request.
	ReadAttributes(nwk ids.NWK, ep uint8, cluster uint16, attrIDs []uint16) (CmdResult, error)
	// ConfigureReporting submits a ZCL Configure Reporting request.
	ConfigureReporting(nwk ids.NWK, ep uint8, cluster uint16, attr uint16, attrType uint8, minS, maxS uint16) (CmdResult, error)
	// Bind submits a ZDO Bind request naming the coordinator as destination.
	Bind(nwk ids.NWK, ep uint8, cluster uint16) (CmdResult, error)
	// CoordinatorEUI64 returns the local coordinator's extended address.
	CoordinatorEUI64() ids.EUI64

	// OnSignal/OnReport/OnSendStatus register the adapter's demux
	// callbacks. Called once, before Init.
	OnSignal(func(Signal))
	OnReport(func(Report))
	OnSendStatus(func(SendStatus))

	Close() error
}
