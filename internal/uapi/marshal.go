package uapi

import "encoding/binary"

// MarshalError is returned by Unmarshal on truncated input.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const ErrInsufficientData = MarshalError("insufficient data for unmarshaling")

// MarshalCommandCapsule encodes a command capsule to its 64-byte wire form.
func MarshalCommandCapsule(c *CommandCapsule) []byte {
	buf := make([]byte, CommandCapsuleSize)
	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint16(buf[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], c.CDW2)
	binary.LittleEndian.PutUint32(buf[12:16], c.CDW3)
	binary.LittleEndian.PutUint64(buf[16:24], c.MPTR)
	marshalSGL(buf[24:40], &c.SGL1)
	binary.LittleEndian.PutUint32(buf[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], c.CDW15)
	return buf
}

// UnmarshalCommandCapsule decodes a 64-byte command capsule.
func UnmarshalCommandCapsule(data []byte, c *CommandCapsule) error {
	if len(data) < CommandCapsuleSize {
		return ErrInsufficientData
	}
	c.Opcode = data[0]
	c.Flags = data[1]
	c.CommandID = binary.LittleEndian.Uint16(data[2:4])
	c.NSID = binary.LittleEndian.Uint32(data[4:8])
	c.CDW2 = binary.LittleEndian.Uint32(data[8:12])
	c.CDW3 = binary.LittleEndian.Uint32(data[12:16])
	c.MPTR = binary.LittleEndian.Uint64(data[16:24])
	unmarshalSGL(data[24:40], &c.SGL1)
	c.CDW10 = binary.LittleEndian.Uint32(data[40:44])
	c.CDW11 = binary.LittleEndian.Uint32(data[44:48])
	c.CDW12 = binary.LittleEndian.Uint32(data[48:52])
	c.CDW13 = binary.LittleEndian.Uint32(data[52:56])
	c.CDW14 = binary.LittleEndian.Uint32(data[56:60])
	c.CDW15 = binary.LittleEndian.Uint32(data[60:64])
	return nil
}

// marshalSGL packs a 16-byte SGL descriptor. The keyed form stores a
// 3-byte length at [8:11) and a 4-byte key at [11:15); the offset form
// stores a full 4-byte length at [8:12) and leaves [12:15) reserved. Both
// share the type/subtype byte at [15].
func marshalSGL(buf []byte, d *SGLDescriptor) {
	binary.LittleEndian.PutUint64(buf[0:8], d.Address)
	if d.Type() == SGLTypeKeyedDataBlock {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], d.Length&0x00ffffff)
		copy(buf[8:11], lenBuf[:3])
		binary.LittleEndian.PutUint32(buf[11:15], d.KeyOrOffset)
	} else {
		binary.LittleEndian.PutUint32(buf[8:12], d.Length)
		buf[12], buf[13], buf[14] = 0, 0, 0
	}
	buf[15] = d.TypeSubtype
}

func unmarshalSGL(data []byte, d *SGLDescriptor) {
	d.Address = binary.LittleEndian.Uint64(data[0:8])
	d.TypeSubtype = data[15]
	if d.Type() == SGLTypeKeyedDataBlock {
		var lenBuf [4]byte
		copy(lenBuf[:3], data[8:11])
		d.Length = binary.LittleEndian.Uint32(lenBuf[:])
		d.KeyOrOffset = binary.LittleEndian.Uint32(data[11:15])
	} else {
		d.Length = binary.LittleEndian.Uint32(data[8:12])
		d.KeyOrOffset = 0
	}
}

// MarshalResponseCapsule encodes a response capsule to its 16-byte wire form.
func MarshalResponseCapsule(r *ResponseCapsule) []byte {
	buf := make([]byte, ResponseCapsuleSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.CommandSpecific)
	binary.LittleEndian.PutUint32(buf[4:8], r.Reserved)
	binary.LittleEndian.PutUint16(buf[8:10], r.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], r.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], r.CommandID)
	binary.LittleEndian.PutUint16(buf[14:16], r.StatusField)
	return buf
}

// UnmarshalResponseCapsule decodes a 16-byte response capsule.
func UnmarshalResponseCapsule(data []byte, r *ResponseCapsule) error {
	if len(data) < ResponseCapsuleSize {
		return ErrInsufficientData
	}
	r.CommandSpecific = binary.LittleEndian.Uint32(data[0:4])
	r.Reserved = binary.LittleEndian.Uint32(data[4:8])
	r.SQHead = binary.LittleEndian.Uint16(data[8:10])
	r.SQID = binary.LittleEndian.Uint16(data[10:12])
	r.CommandID = binary.LittleEndian.Uint16(data[12:14])
	r.StatusField = binary.LittleEndian.Uint16(data[14:16])
	return nil
}

// MarshalConnectPrivateData encodes the host's CONNECT private data.
func MarshalConnectPrivateData(p *ConnectPrivateData) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], p.RecFmt)
	binary.LittleEndian.PutUint16(buf[2:4], p.QID)
	binary.LittleEndian.PutUint16(buf[4:6], p.HRQSize)
	binary.LittleEndian.PutUint16(buf[6:8], p.HSQSize)
	return buf
}

// UnmarshalConnectPrivateData decodes the host's CONNECT private data. The
// caller must check length against MinConnectPrivateDataLen itself, since
// a short block is a valid, non-fatal case — only trust HRQSize/HSQSize
// once the block meets the expected length.
func UnmarshalConnectPrivateData(data []byte, p *ConnectPrivateData) error {
	if len(data) < MinConnectPrivateDataLen {
		return ErrInsufficientData
	}
	p.RecFmt = binary.LittleEndian.Uint16(data[0:2])
	p.QID = binary.LittleEndian.Uint16(data[2:4])
	p.HRQSize = binary.LittleEndian.Uint16(data[4:6])
	p.HSQSize = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalAcceptPrivateData encodes the target's accept private data.
func MarshalAcceptPrivateData(p *AcceptPrivateData) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], p.RecFmt)
	binary.LittleEndian.PutUint16(buf[2:4], p.CRQSize)
	return buf
}

// UnmarshalAcceptPrivateData decodes the target's own accept private data,
// used by loopback ConnID implementations that have no real CM wire to
// round-trip CRQSize (the negotiated max_queue_depth) through.
func UnmarshalAcceptPrivateData(data []byte, p *AcceptPrivateData) error {
	if len(data) < 4 {
		return ErrInsufficientData
	}
	p.RecFmt = binary.LittleEndian.Uint16(data[0:2])
	p.CRQSize = binary.LittleEndian.Uint16(data[2:4])
	return nil
}

// MarshalRejectPrivateData encodes the target's reject private data.
func MarshalRejectPrivateData(p *RejectPrivateData) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf[0:2], p.Status)
	return buf
}
