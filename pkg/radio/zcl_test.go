package radio

import "testing"

func TestEncodeOnOffFrameShape(t *testing.T) {
	frame := EncodeOnOff(CmdOn)
	if len(frame) != 3 {
		t.Fatalf("len(frame) = %d, want 3 (header only, no payload)", len(frame))
	}
	if frame[0] != frameTypeClusterSpecific|directionClientToServer {
		t.Errorf("frame control = 0x%02x, want cluster-specific/client-to-server", frame[0])
	}
	if frame[2] != CmdOn {
		t.Errorf("command id = 0x%02x, want CmdOn", frame[2])
	}
}

func TestEncodeMoveToLevelWithOnOffPayload(t *testing.T) {
	frame := EncodeMoveToLevelWithOnOff(254, 10)
	if len(frame) != 6 {
		t.Fatalf("len(frame) = %d, want 6 (3 header + level + 2 transition)", len(frame))
	}
	if frame[3] != 254 {
		t.Errorf("level = %d, want 254", frame[3])
	}
}

func TestReadAttributesRoundTrip(t *testing.T) {
	frame := EncodeReadAttributes(AttrOnOff)
	if len(frame) != 5 {
		t.Fatalf("len(frame) = %d, want 5 (3 header + 2 attr id)", len(frame))
	}

	// Simulate a device's Read Attributes Response: attrID(2) status(1)=0 type(1)=bool val(1)=1
	resp := []byte{0x00, 0x00, 0x00, 0x10, 0x01}
	attrs := DecodeReadAttributesResponse(resp)
	v, ok := attrs[AttrOnOff]
	if !ok {
		t.Fatal("DecodeReadAttributesResponse() missing AttrOnOff")
	}
	if len(v) != 1 || v[0] != 1 {
		t.Errorf("value = %v, want [1]", v)
	}
}

func TestDecodeReadAttributesResponseSkipsFailedStatus(t *testing.T) {
	// attrID(2) status(1)=0x86 (UNSUPPORTED_ATTRIBUTE), no value bytes follow
	resp := []byte{0x00, 0x00, 0x86}
	attrs := DecodeReadAttributesResponse(resp)
	if len(attrs) != 0 {
		t.Errorf("attrs = %v, want empty for a failed read", attrs)
	}
}
