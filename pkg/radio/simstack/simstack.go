// Package simstack is the host-simulation radio.Stack variant: no
// serial port, no real NCP. It synthesizes TSNs, join announces, and
// send confirmations deterministically, grounded on the teacher's
// device.NullController "no radio available" fallback
// (pkg/device/null_controller.go) generalized here from a no-op into
// a fake that actually exercises the adapter's full contract, per the
// original firmware's zb_fake.c test-double pattern.
package simstack

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"zigbridge/pkg/ids"
	"zigbridge/pkg/radio"
)

// Stack is a deterministic, in-memory radio.Stack for tests and
// development without a dongle attached.
type Stack struct {
	mu            sync.Mutex
	coordinator   ids.EUI64
	tsnCounter    uint32
	onSignal      func(radio.Signal)
	onReport      func(radio.Report)
	onSendStatus  func(radio.SendStatus)
	autoConfirm   bool
	nextNodeNWK   uint32
	joinedDevices map[ids.EUI64]ids.NWK
	pendingTSNs   []uint8
}

// New creates a simulated stack. coordinatorEUI64 is the fake
// coordinator's own address. autoConfirm controls whether every
// submitted command immediately synthesizes a successful SendStatus
// (true is the useful default for deterministic tests).
func New(coordinatorEUI64 ids.EUI64, autoConfirm bool) *Stack {
	return &Stack{
		coordinator:   coordinatorEUI64,
		autoConfirm:   autoConfirm,
		nextNodeNWK:   1,
		joinedDevices: make(map[ids.EUI64]ids.NWK),
	}
}

func (s *Stack) Init(ctx context.Context) error {
	log.Info().Msg("simstack: initialized")
	return nil
}

func (s *Stack) StartCoordinator(ctx context.Context) error {
	if s.onSignal != nil {
		s.onSignal(radio.Signal{Type: radio.SignalFormationOK})
	}
	return nil
}

func (s *Stack) PermitJoin(ctx context.Context, duration uint8) error {
	log.Debug().Uint8("duration", duration).Msg("simstack: permit join")
	return nil
}

// SimulateJoin synthesizes a device-announce signal for a new device,
// as a test/demo driver would when no real device can join. Returns
// the NWK address assigned.
func (s *Stack) SimulateJoin(eui64 ids.EUI64) ids.NWK {
	s.mu.Lock()
	nwk := ids.NWK(s.nextNodeNWK)
	s.nextNodeNWK++
	s.joinedDevices[eui64] = nwk
	handler := s.onSignal
	s.mu.Unlock()

	if handler != nil {
		handler(radio.Signal{Type: radio.SignalDeviceAnnounce, EUI64: eui64, NWK: nwk})
	}
	return nwk
}

// SimulateLeave synthesizes a leave signal for a previously joined device.
func (s *Stack) SimulateLeave(eui64 ids.EUI64) {
	s.mu.Lock()
	delete(s.joinedDevices, eui64)
	handler := s.onSignal
	s.mu.Unlock()

	if handler != nil {
		handler(radio.Signal{Type: radio.SignalDeviceLeft, EUI64: eui64})
	}
}

// SimulateReport synthesizes an incoming attribute report from nwk.
func (s *Stack) SimulateReport(r radio.Report) {
	s.mu.Lock()
	handler := s.onReport
	s.mu.Unlock()
	if handler != nil {
		handler(r)
	}
}

func (s *Stack) nextTSN() uint8 {
	return uint8(atomic.AddUint32(&s.tsnCounter, 1))
}

// confirm queues tsn for delivery rather than invoking onSendStatus
// inline: the caller (SendUnicast et al.) hasn't returned its CmdResult
// yet at this point, so the adapter hasn't recorded the TSN in its
// pending table. Delivering synchronously here would have
// handleSendStatus's ResolveTSN miss the slot. FlushPendingConfirms
// delivers them once the adapter confirms the TSN is recorded.
func (s *Stack) confirm(tsn uint8) {
	if !s.autoConfirm {
		return
	}
	s.mu.Lock()
	s.pendingTSNs = append(s.pendingTSNs, tsn)
	s.mu.Unlock()
}

// FlushPendingConfirms delivers any SendStatus confirmations queued by
// confirm. Called by the adapter after it records a command's TSN.
func (s *Stack) FlushPendingConfirms() {
	s.mu.Lock()
	pending := s.pendingTSNs
	s.pendingTSNs = nil
	handler := s.onSendStatus
	s.mu.Unlock()

	if handler == nil {
		return
	}
	for _, tsn := range pending {
		handler(radio.SendStatus{TSN: tsn, Success: true})
	}
}

func (s *Stack) SendUnicast(nwk ids.NWK, ep uint8, cluster uint16, payload []byte) (radio.CmdResult, error) {
	tsn := s.nextTSN()
	s.confirm(tsn)
	return radio.CmdResult{TSN: tsn, Valid: true}, nil
}

func (s *Stack) ReadAttributes(nwk ids.NWK, ep uint8, cluster uint16, attrIDs []uint16) (radio.CmdResult, error) {
	tsn := s.nextTSN()
	s.confirm(tsn)
	return radio.CmdResult{TSN: tsn, Valid: true}, nil
}

func (s *Stack) ConfigureReporting(nwk ids.NWK, ep uint8, cluster, attr uint16, attrType uint8, minS, maxS uint16) (radio.CmdResult, error) {
	tsn := s.nextTSN()
	s.confirm(tsn)
	return radio.CmdResult{TSN: tsn, Valid: true}, nil
}

func (s *Stack) Bind(nwk ids.NWK, ep uint8, cluster uint16) (radio.CmdResult, error) {
	tsn := s.nextTSN()
	s.confirm(tsn)
	return radio.CmdResult{TSN: tsn, Valid: true}, nil
}

func (s *Stack) CoordinatorEUI64() ids.EUI64 { return s.coordinator }

func (s *Stack) OnSignal(f func(radio.Signal))         { s.mu.Lock(); s.onSignal = f; s.mu.Unlock() }
func (s *Stack) OnReport(f func(radio.Report))         { s.mu.Lock(); s.onReport = f; s.mu.Unlock() }
func (s *Stack) OnSendStatus(f func(radio.SendStatus)) { s.mu.Lock(); s.onSendStatus = f; s.mu.Unlock() }

func (s *Stack) Close() error {
	log.Info().Msg("simstack: closed")
	return nil
}
