package uapi

import "encoding/binary"

// Marshal converts a record to its little-endian wire form. Unknown types
// return nil.
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *PinRecord:
		return marshalPinRecord(val)
	case *GPUIORecord:
		return marshalGPUIORecord(val)
	case *RWCommand:
		return marshalRWCommand(val)
	default:
		return nil
	}
}

// Unmarshal decodes a wire record into v
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *PinRecord:
		return unmarshalPinRecord(data, val)
	case *GPUIORecord:
		return unmarshalGPUIORecord(data, val)
	case *RWCommand:
		return unmarshalRWCommand(data, val)
	default:
		return ErrInvalidType
	}
}

func marshalPinRecord(r *PinRecord) []byte {
	buf := make([]byte, PinRecordSize)

	binary.LittleEndian.PutUint64(buf[0:8], r.Address)
	binary.LittleEndian.PutUint64(buf[8:16], r.Size)
	binary.LittleEndian.PutUint64(buf[16:24], r.PeerToken)
	binary.LittleEndian.PutUint32(buf[24:28], r.VASpaceToken)
	binary.LittleEndian.PutUint32(buf[28:32], r.Pad)
	binary.LittleEndian.PutUint64(buf[32:40], r.Handle)

	return buf
}

func unmarshalPinRecord(data []byte, r *PinRecord) error {
	if len(data) < PinRecordSize {
		return ErrInsufficientData
	}

	r.Address = binary.LittleEndian.Uint64(data[0:8])
	r.Size = binary.LittleEndian.Uint64(data[8:16])
	r.PeerToken = binary.LittleEndian.Uint64(data[16:24])
	r.VASpaceToken = binary.LittleEndian.Uint32(data[24:28])
	r.Pad = binary.LittleEndian.Uint32(data[28:32])
	r.Handle = binary.LittleEndian.Uint64(data[32:40])

	return nil
}

func marshalGPUIORecord(r *GPUIORecord) []byte {
	buf := make([]byte, GPUIORecordSize)

	buf[0] = r.Opcode
	buf[1] = r.Flags
	binary.LittleEndian.PutUint16(buf[2:4], r.Control)
	binary.LittleEndian.PutUint16(buf[4:6], r.NBlocks)
	binary.LittleEndian.PutUint16(buf[6:8], r.Rsvd)
	binary.LittleEndian.PutUint64(buf[8:16], r.SLBA)
	binary.LittleEndian.PutUint32(buf[16:20], r.DSMgmt)
	binary.LittleEndian.PutUint32(buf[20:24], r.RefTag)
	binary.LittleEndian.PutUint16(buf[24:26], r.AppTag)
	binary.LittleEndian.PutUint16(buf[26:28], r.AppMask)
	binary.LittleEndian.PutUint32(buf[28:32], r.Rsvd2)
	binary.LittleEndian.PutUint64(buf[32:40], r.Handle)
	binary.LittleEndian.PutUint64(buf[40:48], r.MemOffset)

	return buf
}

func unmarshalGPUIORecord(data []byte, r *GPUIORecord) error {
	if len(data) < GPUIORecordSize {
		return ErrInsufficientData
	}

	r.Opcode = data[0]
	r.Flags = data[1]
	r.Control = binary.LittleEndian.Uint16(data[2:4])
	r.NBlocks = binary.LittleEndian.Uint16(data[4:6])
	r.Rsvd = binary.LittleEndian.Uint16(data[6:8])
	r.SLBA = binary.LittleEndian.Uint64(data[8:16])
	r.DSMgmt = binary.LittleEndian.Uint32(data[16:20])
	r.RefTag = binary.LittleEndian.Uint32(data[20:24])
	r.AppTag = binary.LittleEndian.Uint16(data[24:26])
	r.AppMask = binary.LittleEndian.Uint16(data[26:28])
	r.Rsvd2 = binary.LittleEndian.Uint32(data[28:32])
	r.Handle = binary.LittleEndian.Uint64(data[32:40])
	r.MemOffset = binary.LittleEndian.Uint64(data[40:48])

	return nil
}

// marshalRWCommand lays out the 64-byte submission queue entry
func marshalRWCommand(c *RWCommand) []byte {
	buf := make([]byte, RWCommandSize)

	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint16(buf[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)
	binary.LittleEndian.PutUint64(buf[8:16], c.Rsvd2)
	binary.LittleEndian.PutUint64(buf[16:24], c.Metadata)
	binary.LittleEndian.PutUint64(buf[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], c.PRP2)
	binary.LittleEndian.PutUint64(buf[40:48], c.SLBA)
	binary.LittleEndian.PutUint16(buf[48:50], c.Length)
	binary.LittleEndian.PutUint16(buf[50:52], c.Control)
	binary.LittleEndian.PutUint32(buf[52:56], c.DSMgmt)
	binary.LittleEndian.PutUint32(buf[56:60], c.RefTag)
	binary.LittleEndian.PutUint16(buf[60:62], c.AppTag)
	binary.LittleEndian.PutUint16(buf[62:64], c.AppMask)

	return buf
}

func unmarshalRWCommand(data []byte, c *RWCommand) error {
	if len(data) < RWCommandSize {
		return ErrInsufficientData
	}

	c.Opcode = data[0]
	c.Flags = data[1]
	c.CommandID = binary.LittleEndian.Uint16(data[2:4])
	c.NSID = binary.LittleEndian.Uint32(data[4:8])
	c.Rsvd2 = binary.LittleEndian.Uint64(data[8:16])
	c.Metadata = binary.LittleEndian.Uint64(data[16:24])
	c.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	c.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	c.SLBA = binary.LittleEndian.Uint64(data[40:48])
	c.Length = binary.LittleEndian.Uint16(data[48:50])
	c.Control = binary.LittleEndian.Uint16(data[50:52])
	c.DSMgmt = binary.LittleEndian.Uint32(data[52:56])
	c.RefTag = binary.LittleEndian.Uint32(data[56:60])
	c.AppTag = binary.LittleEndian.Uint16(data[60:62])
	c.AppMask = binary.LittleEndian.Uint16(data[62:64])

	return nil
}

// Error definitions
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)
