// Package interfaces defines the external collaborators the pinning core
// delegates to. Implementations must be safe for concurrent use.
package interfaces

import (
	"context"

	"github.com/sbates130272/nvme-donard/internal/nvme"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
	"github.com/sbates130272/nvme-donard/internal/uapi"
)

// PinRange identifies a region of accelerator memory and the tokens that
// authorize peer access to it.
type PinRange struct {
	Address      uint64
	Size         uint64
	PeerToken    uint64
	VASpaceToken uint32
}

// RevokeFunc is handed to the accelerator at pin time. The accelerator
// calls it, from any goroutine, when it reclaims the region on its own
// (process exit, device reset).
type RevokeFunc func()

// Accelerator is the vendor pin/unpin primitive.
type Accelerator interface {
	// Pin pins r and returns its physical page table. revoke must be
	// called if the accelerator later reclaims the region without a
	// matching Unpin.
	Pin(ctx context.Context, r PinRange, revoke RevokeFunc) (*pagetable.Table, error)

	// Unpin releases a region pinned with Pin. After a successful Unpin
	// the accelerator must not call the region's revoke callback.
	Unpin(ctx context.Context, r PinRange, table *pagetable.Table) error

	// FreeTable releases the page table of a revoked region. It is the
	// revoke path's counterpart to Unpin and is called at most once per
	// table.
	FreeTable(table *pagetable.Table) error
}

// Prot is a set of page protection bits. Values match PROT_READ,
// PROT_WRITE and PROT_EXEC.
type Prot uint32

const (
	ProtNone  Prot = 0x0
	ProtRead  Prot = 0x1
	ProtWrite Prot = 0x2
	ProtExec  Prot = 0x4
)

// MMU installs virtual-to-physical mappings in a caller's address space.
type MMU interface {
	// MapPage maps size bytes at virt to the physical range starting at
	// phys with the given protection.
	MapPage(ctx context.Context, virt, phys, size uint64, prot Prot) error

	// UnmapPage removes a mapping installed by MapPage.
	UnmapPage(ctx context.Context, virt, size uint64) error
}

// CommandQueue submits NVMe I/O commands and waits for their completion.
type CommandQueue interface {
	// ControllerPageSize returns the memory page size PRP entries are
	// expressed in.
	ControllerPageSize() uint32

	// Submit issues cmd. cmd.PRP1 is always set; when prpList is non-empty
	// the queue places it in an indirection page of its own and points
	// cmd.PRP2 at it before submission. Submit blocks until completion.
	Submit(ctx context.Context, cmd *uapi.RWCommand, prpList []uint64) (nvme.Status, error)
}
