package uapi

import "testing"

func TestCommandCapsuleRoundTrip(t *testing.T) {
	c := &CommandCapsule{
		Opcode:    OpcodeWrite,
		CommandID: 0x1234,
		NSID:      1,
		SGL1: SGLDescriptor{
			Address:     0xdeadbeefcafebabe,
			Length:      65536,
			KeyOrOffset: 0x1122,
			TypeSubtype: byte(SGLTypeKeyedDataBlock<<4 | SGLSubtypeAddress),
		},
		CDW10: 7,
	}

	buf := MarshalCommandCapsule(c)
	if len(buf) != CommandCapsuleSize {
		t.Fatalf("capsule size = %d, want %d", len(buf), CommandCapsuleSize)
	}

	var got CommandCapsule
	if err := UnmarshalCommandCapsule(buf, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if got.Opcode != c.Opcode || got.CommandID != c.CommandID || got.NSID != c.NSID || got.CDW10 != c.CDW10 {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
	if got.SGL1.Address != c.SGL1.Address {
		t.Fatalf("SGL address mismatch: got %x, want %x", got.SGL1.Address, c.SGL1.Address)
	}
	if got.SGL1.Length != c.SGL1.Length {
		t.Fatalf("SGL length mismatch: got %d, want %d", got.SGL1.Length, c.SGL1.Length)
	}
	if got.SGL1.KeyOrOffset != c.SGL1.KeyOrOffset {
		t.Fatalf("SGL key mismatch: got %x, want %x", got.SGL1.KeyOrOffset, c.SGL1.KeyOrOffset)
	}
	if !got.SGL1.IsKeyed() {
		t.Fatalf("expected keyed SGL descriptor")
	}
}

func TestSGLOffsetFormRoundTrip(t *testing.T) {
	c := &CommandCapsule{
		Opcode: OpcodeWrite,
		SGL1: SGLDescriptor{
			Address:     256, // offset into in-capsule buffer
			Length:      512,
			TypeSubtype: byte(SGLTypeDataBlock<<4 | SGLSubtypeOffset),
		},
	}
	buf := MarshalCommandCapsule(c)
	var got CommandCapsule
	if err := UnmarshalCommandCapsule(buf, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.SGL1.IsKeyed() {
		t.Fatalf("offset-form descriptor should not be keyed")
	}
	if got.SGL1.Address != 256 || got.SGL1.Length != 512 {
		t.Fatalf("got address=%d length=%d", got.SGL1.Address, got.SGL1.Length)
	}
	if got.SGL1.Subtype() != SGLSubtypeOffset {
		t.Fatalf("subtype = %x, want OFFSET", got.SGL1.Subtype())
	}
}

func TestResponseCapsuleRoundTrip(t *testing.T) {
	r := &ResponseCapsule{CommandSpecific: 42, SQID: 3}
	r.SetStatus(StatusDataSGLLengthInvalid, true)

	buf := MarshalResponseCapsule(r)
	if len(buf) != ResponseCapsuleSize {
		t.Fatalf("response capsule size = %d, want %d", len(buf), ResponseCapsuleSize)
	}

	var got ResponseCapsule
	if err := UnmarshalResponseCapsule(buf, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Status() != StatusDataSGLLengthInvalid {
		t.Fatalf("status = %x, want %x", got.Status(), StatusDataSGLLengthInvalid)
	}
	if got.StatusField&1 == 0 {
		t.Fatalf("expected phase bit set")
	}
	if got.CommandSpecific != 42 || got.SQID != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestConnectPrivateDataShortBlockRejected(t *testing.T) {
	var p ConnectPrivateData
	if err := UnmarshalConnectPrivateData([]byte{1, 2, 3}, &p); err == nil {
		t.Fatalf("expected error for short private data")
	}
}

func TestConnectPrivateDataRoundTrip(t *testing.T) {
	p := &ConnectPrivateData{RecFmt: 0, QID: 1, HRQSize: 64, HSQSize: 64}
	buf := MarshalConnectPrivateData(p)

	var got ConnectPrivateData
	if err := UnmarshalConnectPrivateData(buf, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}
