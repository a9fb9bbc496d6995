package radio

import "encoding/binary"

// ZCL cluster ids exercised by the capability mapper (spec §4.7's
// cluster table), generalized from the teacher's On/Off-and-Level-only
// mapping to the full set this bridge supports.
const (
	ClusterBasic           uint16 = 0x0000
	ClusterOnOff           uint16 = 0x0006
	ClusterLevelControl    uint16 = 0x0008
	ClusterColorControl    uint16 = 0x0300
	ClusterTemperature     uint16 = 0x0402
	ClusterHumidity        uint16 = 0x0405
	ClusterElectrical      uint16 = 0x0702
	ClusterMetering        uint16 = 0x0B04
)

// Basic cluster attribute ids read during the interview's BasicAttr stage.
const (
	AttrManufacturerName uint16 = 0x0004
	AttrModelIdentifier  uint16 = 0x0005
	AttrPowerSource      uint16 = 0x0007
	AttrSWBuildID        uint16 = 0x4000
)

// ZCL attribute ids used by the capability table.
const (
	AttrOnOff            uint16 = 0x0000
	AttrCurrentLevel     uint16 = 0x0000
	AttrColorTemperature uint16 = 0x0007
	AttrMeasuredValue    uint16 = 0x0000 // shared by Temperature and Humidity clusters
	AttrInstantaneousDemand uint16 = 0x0400 // Electrical Measurement cluster
	AttrCurrentSummationDelivered uint16 = 0x0000 // Metering cluster
)

// ZCL command ids.
const (
	CmdOff    uint8 = 0x00
	CmdOn     uint8 = 0x01
	CmdToggle uint8 = 0x02

	CmdMoveToLevel          uint8 = 0x00
	CmdMoveToLevelWithOnOff uint8 = 0x04
)

// ZCL frame control bits.
const (
	frameTypeGlobal          uint8 = 0x00
	frameTypeClusterSpecific uint8 = 0x01
	directionClientToServer  uint8 = 0x00
)

const globalCmdReadAttributes uint8 = 0x00

var zclSeq uint8

func nextZCLSeq() uint8 {
	zclSeq++
	return zclSeq
}

func encodeClusterCommand(cmdID uint8, payload []byte) []byte {
	frame := make([]byte, 0, 3+len(payload))
	frame = append(frame, frameTypeClusterSpecific|directionClientToServer)
	frame = append(frame, nextZCLSeq())
	frame = append(frame, cmdID)
	return append(frame, payload...)
}

func encodeGlobalCommand(cmdID uint8, payload []byte) []byte {
	frame := make([]byte, 0, 3+len(payload))
	frame = append(frame, frameTypeGlobal|directionClientToServer)
	frame = append(frame, nextZCLSeq())
	frame = append(frame, cmdID)
	return append(frame, payload...)
}

// EncodeOnOff builds a ZCL On/Off cluster command (On/Off/Toggle).
func EncodeOnOff(cmd uint8) []byte {
	return encodeClusterCommand(cmd, nil)
}

// EncodeMoveToLevelWithOnOff builds a ZCL Level Control command.
// transitionTime is in 100ms units.
func EncodeMoveToLevelWithOnOff(level uint8, transitionTime uint16) []byte {
	payload := make([]byte, 3)
	payload[0] = level
	binary.LittleEndian.PutUint16(payload[1:3], transitionTime)
	return encodeClusterCommand(CmdMoveToLevelWithOnOff, payload)
}

// EncodeReadAttributes builds a ZCL Read Attributes global command.
func EncodeReadAttributes(attrIDs ...uint16) []byte {
	payload := make([]byte, len(attrIDs)*2)
	for i, id := range attrIDs {
		binary.LittleEndian.PutUint16(payload[i*2:], id)
	}
	return encodeGlobalCommand(globalCmdReadAttributes, payload)
}

// DecodeReadAttributesResponse extracts attrID -> value bytes from a
// ZCL Read Attributes Response payload (status byte per attribute,
// skipping failures).
func DecodeReadAttributesResponse(data []byte) map[uint16][]byte {
	result := make(map[uint16][]byte)
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
		valueLen := zclDataTypeLength(dataType, data[offset:])
		if valueLen <= 0 || offset+valueLen > len(data) {
			break
		}
		value := make([]byte, valueLen)
		copy(value, data[offset:offset+valueLen])
		result[attrID] = value
		offset += valueLen
	}
	return result
}

func zclDataTypeLength(dataType uint8, data []byte) int {
	switch dataType {
	case 0x10, 0x20, 0x28, 0x30: // bool, uint8, int8, enum8
		return 1
	case 0x21, 0x29, 0x31: // uint16, int16, enum16
		return 2
	case 0x22: // uint24
		return 3
	case 0x23, 0x2B: // uint32, int32
		return 4
	case 0x25, 0x2D: // uint48-ish / int48 (metering summation, truncated to 6 bytes)
		return 6
	case 0x42: // octet string
		if len(data) < 1 {
			return -1
		}
		return 1 + int(data[0])
	default:
		return -1
	}
}
