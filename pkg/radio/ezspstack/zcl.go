package ezspstack

import "encoding/binary"

// ZCL global command ids relevant to decoding inbound traffic.
const (
	zclGlobalReadAttributesResponse uint8 = 0x01
	zclGlobalConfigureReporting     uint8 = 0x06
	zclGlobalReportAttributes       uint8 = 0x0A
)

const (
	frameTypeGlobal          uint8 = 0x00
	frameTypeClusterSpecific uint8 = 0x01
	directionClientToServer  uint8 = 0x00
)

var zclSeq uint8

func nextZCLSeq() uint8 {
	zclSeq++
	return zclSeq
}

// encodeConfigureReportingFrame builds a ZCL Configure Reporting command
// for a single attribute record (direction=0, report).
func encodeConfigureReportingFrame(attr uint16, attrType uint8, minS, maxS uint16) []byte {
	record := make([]byte, 0, 8)
	record = append(record, 0x00) // direction: 0 = attribute is reported
	record = append(record, byte(attr), byte(attr>>8))
	record = append(record, attrType)
	record = append(record, byte(minS), byte(minS>>8))
	record = append(record, byte(maxS), byte(maxS>>8))
	// reportableChange omitted: only required for analog data types, and
	// the bridge does not configure reporting on analog clusters that
	// need it today.

	frame := make([]byte, 0, 3+len(record))
	frame = append(frame, frameTypeGlobal|directionClientToServer)
	frame = append(frame, nextZCLSeq())
	frame = append(frame, zclGlobalConfigureReporting)
	return append(frame, record...)
}

// decodedAttr is one attribute value parsed out of an inbound ZCL frame.
type decodedAttr struct {
	attrID   uint16
	dataType uint8
	value    []byte
}

// decodeIncomingZCL parses the ZCL header of an inbound APS message and
// extracts any attribute values it carries, handling both a Read
// Attributes Response (status byte per attribute) and an unsolicited
// Report Attributes command (no status byte).
func decodeIncomingZCL(message []byte) (cmdID uint8, attrs []decodedAttr) {
	if len(message) < 3 {
		return 0, nil
	}
	frameControl := message[0]
	cmdID = message[2]
	payload := message[3:]

	isGlobal := frameControl&0x01 == 0
	if !isGlobal {
		return cmdID, nil
	}

	switch cmdID {
	case zclGlobalReadAttributesResponse:
		attrs = parseAttrsWithStatus(payload)
	case zclGlobalReportAttributes:
		attrs = parseAttrsNoStatus(payload)
	}
	return cmdID, attrs
}

func parseAttrsWithStatus(data []byte) []decodedAttr {
	var out []decodedAttr
	offset := 0
	for offset+4 <= len(data) {
		attrID := binary.LittleEndian.Uint16(data[offset:])
		offset += 2
		status := data[offset]
		offset++
		if status != 0x00 {
			continue
		}
		if offset >= len(data) {
			break
		}
		dataType := data[offset]
		offset++
		n := zclDataTypeLength(dataType, data[offset:])
		if n <= 0 || offset+n > len(data) {
			break
		}
		value := make([]byte, n)
		copy(value, data[offset:offset+n])
		out = append(out, decodedAttr{attrID: attrID, dataType: dataType, value: value})
		offset += n
	}
	return out
}

func parseAttrsNoStatus(data []byte) []decodedAttr {
	var out []decodedAttr
	offset := 0
	for offset+3 <= len(data) {
		attrID := binary.LittleEndian.Uint16(data[offset:])
		offset += 2
		dataType := data[offset]
		offset++
		n := zclDataTypeLength(dataType, data[offset:])
		if n <= 0 || offset+n > len(data) {
			break
		}
		value := make([]byte, n)
		copy(value, data[offset:offset+n])
		out = append(out, decodedAttr{attrID: attrID, dataType: dataType, value: value})
		offset += n
	}
	return out
}

func zclDataTypeLength(dataType uint8, data []byte) int {
	switch dataType {
	case 0x10, 0x20, 0x28, 0x30:
		return 1
	case 0x21, 0x29, 0x31:
		return 2
	case 0x22:
		return 3
	case 0x23, 0x2B:
		return 4
	case 0x25, 0x2D:
		return 6
	case 0x42:
		if len(data) < 1 {
			return -1
		}
		return 1 + int(data[0])
	default:
		return -1
	}
}
