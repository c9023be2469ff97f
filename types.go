package donard

import (
	"github.com/sbates130272/nvme-donard/internal/bridge"
	"github.com/sbates130272/nvme-donard/internal/interfaces"
	"github.com/sbates130272/nvme-donard/internal/mapping"
	"github.com/sbates130272/nvme-donard/internal/nvme"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
	"github.com/sbates130272/nvme-donard/internal/registry"
	"github.com/sbates130272/nvme-donard/internal/uapi"
)

// Collaborator interfaces
type (
	Accelerator  = interfaces.Accelerator
	MMU          = interfaces.MMU
	CommandQueue = interfaces.CommandQueue
	PinRange     = interfaces.PinRange
	RevokeFunc   = interfaces.RevokeFunc
	Prot         = interfaces.Prot
)

const (
	ProtNone  = interfaces.ProtNone
	ProtRead  = interfaces.ProtRead
	ProtWrite = interfaces.ProtWrite
	ProtExec  = interfaces.ProtExec
)

// Page tables
type (
	PageTable = pagetable.Table
	PageSize  = pagetable.PageSize
	Page      = pagetable.Page
)

const (
	PageSize4KB   = pagetable.PageSize4KB
	PageSize64KB  = pagetable.PageSize64KB
	PageSize128KB = pagetable.PageSize128KB
)

// Handle is an opaque reference to a pinned region. The zero value is
// never a valid handle.
type Handle = registry.Handle

// NullHandle is the zero handle
const NullHandle = registry.Null

// HandleState is the lifecycle state of a handle
type HandleState = registry.State

const (
	HandleInvalid        = registry.StateInvalid
	HandlePinned         = registry.StatePinned
	HandleReleasePending = registry.StateReleasePending
)

type (
	VirtualRange = mapping.VirtualRange
	Mapping      = mapping.Mapping
	Namespace    = bridge.Namespace
	Opcode       = nvme.Opcode
	NVMeStatus   = nvme.Status
)

const (
	OpWrite   = nvme.OpWrite
	OpRead    = nvme.OpRead
	OpCompare = nvme.OpCompare
)

// PinRequest is the argument of Pin and Unpin. Pin fills in Handle.
type PinRequest struct {
	Address      uint64
	Size         uint64
	PeerToken    uint64
	VASpaceToken uint32
	Handle       Handle
}

func (r *PinRequest) pinRange() PinRange {
	return PinRange{
		Address:      r.Address,
		Size:         r.Size,
		PeerToken:    r.PeerToken,
		VASpaceToken: r.VASpaceToken,
	}
}

// MarshalBinary encodes r in the 40-byte pin record layout
func (r *PinRequest) MarshalBinary() ([]byte, error) {
	return uapi.Marshal(&uapi.PinRecord{
		Address:      r.Address,
		Size:         r.Size,
		PeerToken:    r.PeerToken,
		VASpaceToken: r.VASpaceToken,
		Handle:       uint64(r.Handle),
	}), nil
}

// UnmarshalBinary decodes a pin record
func (r *PinRequest) UnmarshalBinary(data []byte) error {
	var rec uapi.PinRecord
	if err := uapi.Unmarshal(data, &rec); err != nil {
		return err
	}
	*r = PinRequest{
		Address:      rec.Address,
		Size:         rec.Size,
		PeerToken:    rec.PeerToken,
		VASpaceToken: rec.VASpaceToken,
		Handle:       Handle(rec.Handle),
	}
	return nil
}

// IORequest is a block command whose data buffer lives in a pinned
// region. NBlocks is zero-based and Offset is a byte offset into the
// region.
type IORequest struct {
	Opcode  Opcode
	Flags   uint8
	NBlocks uint16
	SLBA    uint64
	Control uint16
	DSMgmt  uint32
	RefTag  uint32
	AppTag  uint16
	AppMask uint16
	Handle  Handle
	Offset  uint64
}

func (r *IORequest) command() bridge.Command {
	return bridge.Command{
		Opcode:  r.Opcode,
		Flags:   r.Flags,
		NBlocks: r.NBlocks,
		SLBA:    r.SLBA,
		Control: r.Control,
		DSMgmt:  r.DSMgmt,
		RefTag:  r.RefTag,
		AppTag:  r.AppTag,
		AppMask: r.AppMask,
	}
}

// MarshalBinary encodes r in the I/O record layout
func (r *IORequest) MarshalBinary() ([]byte, error) {
	return uapi.Marshal(&uapi.GPUIORecord{
		Opcode:    uint8(r.Opcode),
		Flags:     r.Flags,
		Control:   r.Control,
		NBlocks:   r.NBlocks,
		SLBA:      r.SLBA,
		DSMgmt:    r.DSMgmt,
		RefTag:    r.RefTag,
		AppTag:    r.AppTag,
		AppMask:   r.AppMask,
		Handle:    uint64(r.Handle),
		MemOffset: r.Offset,
	}), nil
}

// UnmarshalBinary decodes an I/O record
func (r *IORequest) UnmarshalBinary(data []byte) error {
	var rec uapi.GPUIORecord
	if err := uapi.Unmarshal(data, &rec); err != nil {
		return err
	}
	*r = IORequest{
		Opcode:  Opcode(rec.Opcode),
		Flags:   rec.Flags,
		NBlocks: rec.NBlocks,
		SLBA:    rec.SLBA,
		Control: rec.Control,
		DSMgmt:  rec.DSMgmt,
		RefTag:  rec.RefTag,
		AppTag:  rec.AppTag,
		AppMask: rec.AppMask,
		Handle:  Handle(rec.Handle),
		Offset:  rec.MemOffset,
	}
	return nil
}
