package uapi

import "unsafe"

// PinRecord is the pin/unpin ioctl argument.
//
//	struct donard_gpu_mem {
//	  __u64 address;
//	  __u64 size;
//	  __u64 p2pToken;
//	  __u32 vaSpaceToken;
//	  __u32 pad;
//	  __u64 handle;
//	};
type PinRecord struct {
	Address      uint64 // accelerator virtual address
	Size         uint64 // bytes to pin
	PeerToken    uint64 // peer-to-peer token
	VASpaceToken uint32 // address space token
	Pad          uint32 // padding
	Handle       uint64 // out: opaque handle
}

var _ [PinRecordSize]byte = [unsafe.Sizeof(PinRecord{})]byte{}

// GPUIORecord is the I/O submission ioctl argument.
type GPUIORecord struct {
	Opcode    uint8
	Flags     uint8
	Control   uint16
	NBlocks   uint16 // zero-based block count
	Rsvd      uint16
	SLBA      uint64
	DSMgmt    uint32
	RefTag    uint32
	AppTag    uint16
	AppMask   uint16
	Rsvd2     uint32
	Handle    uint64 // pinned memory handle
	MemOffset uint64 // byte offset into the pinned region
}

var _ [GPUIORecordSize]byte = [unsafe.Sizeof(GPUIORecord{})]byte{}

// RWCommand is an NVMe read/write/compare submission queue entry.
type RWCommand struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	Rsvd2     uint64
	Metadata  uint64
	PRP1      uint64
	PRP2      uint64
	SLBA      uint64
	Length    uint16 // zero-based block count
	Control   uint16
	DSMgmt    uint32
	RefTag    uint32
	AppTag    uint16
	AppMask   uint16
}

var _ [RWCommandSize]byte = [unsafe.Sizeof(RWCommand{})]byte{}

// IsDataTransfer reports whether the opcode moves data through PRPs.
func (c *RWCommand) IsDataTransfer() bool {
	switch c.Opcode {
	case NVMeCmdRead, NVMeCmdWrite, NVMeCmdCompare:
		return true
	}
	return false
}
