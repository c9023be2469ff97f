// Package bridge turns a descriptor list into an NVMe read, write or
// compare command and submits it to a command queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sbates130272/nvme-donard/internal/interfaces"
	"github.com/sbates130272/nvme-donard/internal/logging"
	"github.com/sbates130272/nvme-donard/internal/nvme"
	"github.com/sbates130272/nvme-donard/internal/sgl"
	"github.com/sbates130272/nvme-donard/internal/uapi"
)

var (
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	ErrLengthMismatch    = errors.New("descriptor list does not match transfer length")
	ErrSubmitFailed      = errors.New("command submission failed")
	ErrCommandFailed     = errors.New("command completed with error status")
)

// Namespace identifies the target of a command
type Namespace struct {
	ID       uint32
	LBAShift uint8
}

// Command carries the storage fields of a read/write/compare command.
// NBlocks is zero-based.
type Command struct {
	Opcode  nvme.Opcode
	Flags   uint8
	NBlocks uint16
	SLBA    uint64
	Control uint16
	DSMgmt  uint32
	RefTag  uint32
	AppTag  uint16
	AppMask uint16
}

// Bridge submits data-transfer commands on one queue
type Bridge struct {
	queue  interfaces.CommandQueue
	logger *logging.Logger
	nextID atomic.Uint32
}

// New creates a bridge for queue
func New(queue interfaces.CommandQueue, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bridge{queue: queue, logger: logger}
}

// Submit translates list into PRP entries, issues cmd against ns and waits
// for completion. The list is released on every return path. The PRP
// layout must describe exactly the command's transfer length; a list that
// covers more or less, or cannot be expressed in controller pages, is
// rejected rather than truncated.
func (b *Bridge) Submit(ctx context.Context, list *sgl.List, ns Namespace, cmd Command) (nvme.Status, error) {
	defer list.Release()

	if !cmd.Opcode.IsDataTransfer() {
		return nvme.StatusInvalidOpcode, fmt.Errorf("%w: %#02x", ErrUnsupportedOpcode, uint8(cmd.Opcode))
	}

	want := nvme.TransferLength(cmd.NBlocks, ns.LBAShift)
	if list == nil {
		return nvme.StatusInvalidField, fmt.Errorf("%w: no descriptor list", ErrLengthMismatch)
	}
	if list.Length() != want {
		return nvme.StatusInvalidField, fmt.Errorf("%w: list covers %d bytes, transfer is %d", ErrLengthMismatch, list.Length(), want)
	}
	prp, mapped := nvme.BuildPRP(list.Segments(), want, b.queue.ControllerPageSize())
	if mapped != want {
		return nvme.StatusInvalidField, fmt.Errorf("%w: mapped %d of %d bytes", ErrLengthMismatch, mapped, want)
	}

	rw := &uapi.RWCommand{
		Opcode:    uint8(cmd.Opcode),
		Flags:     cmd.Flags,
		CommandID: uint16(b.nextID.Add(1)),
		NSID:      ns.ID,
		PRP1:      prp.PRP1,
		PRP2:      prp.PRP2,
		SLBA:      cmd.SLBA,
		Length:    cmd.NBlocks,
		Control:   cmd.Control,
		DSMgmt:    cmd.DSMgmt,
		RefTag:    cmd.RefTag,
		AppTag:    cmd.AppTag,
		AppMask:   cmd.AppMask,
	}

	if b.logger.Enabled(logging.LevelDebug) {
		b.logger.Debug("submitting command", "op", cmd.Opcode.String(), "nsid", ns.ID,
			"slba", cmd.SLBA, "nblocks", cmd.NBlocks, "prp_entries", prp.Entries())
	}

	status, err := b.queue.Submit(ctx, rw, prp.List)
	if err != nil {
		return status, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	if !status.OK() {
		return status, fmt.Errorf("%w: %v", ErrCommandFailed, status)
	}
	return status, nil
}
