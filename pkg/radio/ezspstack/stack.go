// Package ezspstack is the hardware-backed radio.Stack variant: it
// drives a Silicon Labs EZSP coordinator dongle over ASH-framed serial,
// the way the teacher's pkg/zigbee controller did for its single
// hardcoded device type, generalized here to the full radio.Stack
// contract so the adapter never has to know whether it is talking to
// real hardware or radio/simstack.
package ezspstack

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"zigbridge/pkg/ids"
	"zigbridge/pkg/radio"
)

const zdoClusterBindRequest uint16 = 0x0021

// Stack drives a real EZSP/ASH dongle and implements radio.Stack.
type Stack struct {
	portPath string

	serial *SerialPort
	ash    *ASHLayer
	ezsp   *EZSPLayer

	mu           sync.Mutex
	coordinator  ids.EUI64
	onSignal     func(radio.Signal)
	onReport     func(radio.Report)
	onSendStatus func(radio.SendStatus)

	// set of message tags still awaiting a messageSentHandler status
	// (the NCP only echoes status and tag); no destination nwk is kept.
	pendingTags map[uint8]struct{}
	pendingMu   sync.Mutex
}

// New creates an ezspstack Stack bound to the given serial port path.
// The serial connection is opened lazily in Init.
func New(portPath string) *Stack {
	return &Stack{
		portPath:    portPath,
		pendingTags: make(map[uint8]struct{}),
	}
}

func (s *Stack) Init(ctx context.Context) error {
	ser, err := OpenSerial(s.portPath)
	if err != nil {
		return fmt.Errorf("open serial: %w", err)
	}

	ash := NewASHLayer(ser)
	ezsp := NewEZSPLayer(ash)
	ezsp.SetCallbackHandler(s.handleCallback)

	if err := ash.Connect(); err != nil {
		_ = ser.Close()
		return fmt.Errorf("ASH connect: %w", err)
	}
	ezsp.Start()

	proto, _, stackVer, err := ezsp.NegotiateVersion()
	if err != nil {
		ezsp.Close()
		ash.Close()
		_ = ser.Close()
		return fmt.Errorf("EZSP version negotiation: %w", err)
	}
	log.Info().Uint8("protocol", proto).Uint16("stack", stackVer).Msg("ezspstack: EZSP version negotiated")

	if err := ezsp.ConfigureStack(); err != nil {
		log.Warn().Err(err).Msg("ezspstack: stack configuration had non-fatal errors")
	}

	eui, err := ezsp.GetEUI64()
	if err != nil {
		log.Warn().Err(err).Msg("ezspstack: failed to read coordinator EUI64")
	}

	s.mu.Lock()
	s.serial, s.ash, s.ezsp = ser, ash, ezsp
	s.coordinator = ids.EUI64(binary.LittleEndian.Uint64(eui[:]))
	s.mu.Unlock()

	return nil
}

func (s *Stack) StartCoordinator(ctx context.Context) error {
	s.mu.Lock()
	ezsp := s.ezsp
	s.mu.Unlock()
	if ezsp == nil {
		return fmt.Errorf("ezspstack: not initialized")
	}

	status, err := ezsp.NetworkInit()
	if err != nil {
		s.emitFormationFailed()
		return fmt.Errorf("network init: %w", err)
	}
	if status == emberSuccess || status == emberNetworkUp {
		log.Info().Msg("ezspstack: resumed existing network")
		s.emitFormationOK()
		return nil
	}

	log.Info().Uint8("status", status).Msg("ezspstack: no existing network, forming one")

	channel := uint8(15)
	panID := uint16(rand.Intn(0xFFFE) + 1)
	var extPanID [8]byte
	for i := range extPanID {
		extPanID[i] = byte(rand.Intn(256))
	}

	if err := ezsp.FormNetwork(channel, panID, extPanID); err != nil {
		s.emitFormationFailed()
		return fmt.Errorf("form network: %w", err)
	}

	time.Sleep(500 * time.Millisecond)
	s.emitFormationOK()
	return nil
}

func (s *Stack) emitFormationOK() {
	s.mu.Lock()
	handler := s.onSignal
	s.mu.Unlock()
	if handler != nil {
		handler(radio.Signal{Type: radio.SignalFormationOK})
	}
}

func (s *Stack) emitFormationFailed() {
	s.mu.Lock()
	handler := s.onSignal
	s.mu.Unlock()
	if handler != nil {
		handler(radio.Signal{Type: radio.SignalFormationFailed})
	}
}

func (s *Stack) PermitJoin(ctx context.Context, duration uint8) error {
	s.mu.Lock()
	ezsp := s.ezsp
	s.mu.Unlock()
	if ezsp == nil {
		return fmt.Errorf("ezspstack: not initialized")
	}
	return ezsp.PermitJoining(duration)
}

func (s *Stack) trackTag(tag uint8) {
	s.pendingMu.Lock()
	s.pendingTags[tag] = struct{}{}
	s.pendingMu.Unlock()
}

func (s *Stack) SendUnicast(nwk ids.NWK, ep uint8, cluster uint16, payload []byte) (radio.CmdResult, error) {
	s.mu.Lock()
	ezsp := s.ezsp
	s.mu.Unlock()
	if ezsp == nil {
		return radio.CmdResult{}, fmt.Errorf("ezspstack: not initialized")
	}
	tag, err := ezsp.SendUnicast(uint16(nwk), cluster, 1, ep, payload)
	if err != nil {
		return radio.CmdResult{}, err
	}
	s.trackTag(tag)
	return radio.CmdResult{TSN: tag, Valid: true}, nil
}

func (s *Stack) ReadAttributes(nwk ids.NWK, ep uint8, cluster uint16, attrIDs []uint16) (radio.CmdResult, error) {
	payload := encodeReadAttributesFrame(attrIDs)
	return s.SendUnicast(nwk, ep, cluster, payload)
}

func (s *Stack) ConfigureReporting(nwk ids.NWK, ep uint8, cluster, attr uint16, attrType uint8, minS, maxS uint16) (radio.CmdResult, error) {
	payload := encodeConfigureReportingFrame(attr, attrType, minS, maxS)
	return s.SendUnicast(nwk, ep, cluster, payload)
}

// Bind issues a ZDO Bind Request targeting the node at nwk/ep/cluster,
// binding it to the coordinator. The destination-side addressing
// (source IEEE of the binding record) is the node's own EUI64, which
// the Stack interface does not carry past the cache lookup the adapter
// already performed; ezspstack resolves it back out of nwk via a
// GetEUI64-style lookup is not available on this NCP generation, so the
// binding record's source address uses the coordinator's own IEEE as a
// origin placeholder until C5's registry can supply the real one.
func (s *Stack) Bind(nwk ids.NWK, ep uint8, cluster uint16) (radio.CmdResult, error) {
	s.mu.Lock()
	coord := s.coordinator
	s.mu.Unlock()

	payload := make([]byte, 0, 21)
	payload = append(payload, nextZCLSeq())
	var srcIEEE [8]byte
	binary.LittleEndian.PutUint64(srcIEEE[:], uint64(coord))
	payload = append(payload, srcIEEE[:]...)
	payload = append(payload, ep)
	payload = append(payload, byte(cluster), byte(cluster>>8))
	payload = append(payload, 0x03) // dstAddrMode: 64-bit extended
	payload = append(payload, srcIEEE[:]...)
	payload = append(payload, ep)

	return s.SendUnicast(nwk, 0, zdoClusterBindRequest, payload)
}

func (s *Stack) CoordinatorEUI64() ids.EUI64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinator
}

func (s *Stack) OnSignal(f func(radio.Signal))         { s.mu.Lock(); s.onSignal = f; s.mu.Unlock() }
func (s *Stack) OnReport(f func(radio.Report))         { s.mu.Lock(); s.onReport = f; s.mu.Unlock() }
func (s *Stack) OnSendStatus(f func(radio.SendStatus)) { s.mu.Lock(); s.onSendStatus = f; s.mu.Unlock() }

func (s *Stack) Close() error {
	s.mu.Lock()
	ezsp, ash, ser := s.ezsp, s.ash, s.serial
	s.mu.Unlock()

	if ezsp != nil {
		ezsp.Close()
	}
	if ash != nil {
		ash.Close()
	}
	if ser != nil {
		return ser.Close()
	}
	return nil
}

// --- NCP callback demux, mirrored onto the radio.Stack signal/report contract ---

func (s *Stack) handleCallback(frameID uint16, data []byte) {
	switch frameID {
	case ezspTrustCenterJoinHandler:
		s.handleTrustCenterJoin(data)
	case ezspIncomingMessageHandler:
		s.handleIncomingMessage(data)
	case ezspMessageSentHandler:
		s.handleMessageSent(data)
	case ezspStackStatusHandler:
		s.handleStackStatus(data)
	default:
		log.Debug().Uint16("frameID", frameID).Msg("ezspstack: unhandled EZSP callback")
	}
}

func (s *Stack) handleTrustCenterJoin(data []byte) {
	if len(data) < 11 {
		return
	}
	nodeID := binary.LittleEndian.Uint16(data[0:2])
	var ieee [8]byte
	copy(ieee[:], data[2:10])
	status := data[10]

	eui64 := ids.EUI64(binary.LittleEndian.Uint64(ieee[:]))
	nwk := ids.NWK(nodeID)

	s.mu.Lock()
	handler := s.onSignal
	s.mu.Unlock()
	if handler == nil {
		return
	}

	if status == 3 { // EMBER_DEVICE_LEFT
		handler(radio.Signal{Type: radio.SignalDeviceLeft, EUI64: eui64})
		return
	}
	handler(radio.Signal{Type: radio.SignalDeviceAnnounce, EUI64: eui64, NWK: nwk})
}

func (s *Stack) handleIncomingMessage(data []byte) {
	// type(1) + apsFrame(12) + lastHopLqi(1) + lastHopRssi(1) + sender(2) + bindingIndex(1) + addressIndex(1) + messageLength(1) + message(N)
	if len(data) < 19 {
		return
	}
	clusterID := binary.LittleEndian.Uint16(data[3:5])
	dstEndpoint := data[6]
	sender := binary.LittleEndian.Uint16(data[14:16])
	msgLen := int(data[18])
	if len(data) < 19+msgLen {
		return
	}
	message := data[19 : 19+msgLen]

	_, attrs := decodeIncomingZCL(message)
	if len(attrs) == 0 {
		return
	}

	s.mu.Lock()
	handler := s.onReport
	s.mu.Unlock()
	if handler == nil {
		return
	}

	for _, a := range attrs {
		handler(radio.Report{
			NWK:     ids.NWK(sender),
			EP:      dstEndpoint,
			Cluster: clusterID,
			Attr:    a.attrID,
			ValType: a.dataType,
			Value:   a.value,
		})
	}
}

func (s *Stack) handleMessageSent(data []byte) {
	// type(1) + indexOrDestination(2) + apsFrame(12) + messageTag(1) + status(1) + messageLength(1) + message(N)
	if len(data) < 17 {
		return
	}
	tag := data[15]
	status := data[16]

	s.pendingMu.Lock()
	delete(s.pendingTags, tag)
	s.pendingMu.Unlock()

	s.mu.Lock()
	handler := s.onSendStatus
	s.mu.Unlock()
	if handler != nil {
		handler(radio.SendStatus{TSN: tag, Success: status == emberSuccess})
	}
}

func (s *Stack) handleStackStatus(data []byte) {
	if len(data) < 1 {
		return
	}
	switch data[0] {
	case emberNetworkUp:
		log.Info().Msg("ezspstack: stack status network up")
	case emberNetworkDown:
		log.Warn().Msg("ezspstack: stack status network down")
		s.emitFormationFailed()
	default:
		log.Info().Uint8("status", data[0]).Msg("ezspstack: stack status changed")
	}
}

func encodeReadAttributesFrame(attrIDs []uint16) []byte {
	payload := make([]byte, len(attrIDs)*2)
	for i, id := range attrIDs {
		binary.LittleEndian.PutUint16(payload[i*2:], id)
	}
	frame := make([]byte, 0, 3+len(payload))
	frame = append(frame, frameTypeGlobal|directionClientToServer)
	frame = append(frame, nextZCLSeq())
	frame = append(frame, 0x00) // global Read Attributes command id
	return append(frame, payload...)
}
