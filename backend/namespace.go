package backend

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/sbates130272/nvme-donard/internal/constants"
	"github.com/sbates130272/nvme-donard/internal/interfaces"
	"github.com/sbates130272/nvme-donard/internal/logging"
	"github.com/sbates130272/nvme-donard/internal/nvme"
	"github.com/sbates130272/nvme-donard/internal/uapi"
)

// NamespaceConfig configures a simulated namespace
type NamespaceConfig struct {
	ID                 uint32
	LBAShift           uint8  // 0 for DefaultLBAShift
	Size               int64  // capacity in bytes
	ControllerPageSize uint32 // 0 for DefaultControllerPageSize
	Logger             *logging.Logger
}

// Namespace is a RAM-backed NVMe namespace. Data moves between its media
// and a PhysMem window by PRP entries, never through a host buffer of the
// caller's.
type Namespace struct {
	id       uint32
	lbaShift uint8
	nlb      uint64
	pageSize uint64
	media    *Memory
	bus      *PhysMem
	logger   *logging.Logger

	mu      sync.Mutex
	written *roaring.Bitmap

	commands atomic.Uint64
	failed   atomic.Uint64
}

// NewNamespace creates a namespace whose commands address bus
func NewNamespace(bus *PhysMem, cfg NamespaceConfig) (*Namespace, error) {
	if cfg.ID == 0 || cfg.ID == math.MaxUint32 {
		return nil, fmt.Errorf("invalid namespace id %d", cfg.ID)
	}
	if cfg.LBAShift == 0 {
		cfg.LBAShift = constants.DefaultLBAShift
	}
	if cfg.LBAShift < 9 || cfg.LBAShift > 16 {
		return nil, fmt.Errorf("invalid lba shift %d", cfg.LBAShift)
	}
	if cfg.ControllerPageSize == 0 {
		cfg.ControllerPageSize = constants.DefaultControllerPageSize
	}
	if ps := cfg.ControllerPageSize; ps < 4096 || ps&(ps-1) != 0 {
		return nil, fmt.Errorf("invalid controller page size %d", ps)
	}
	nlb := uint64(cfg.Size) >> cfg.LBAShift
	if nlb == 0 || nlb > math.MaxUint32 {
		return nil, fmt.Errorf("invalid namespace size %d", cfg.Size)
	}
	media, err := NewMemory(int64(nlb << cfg.LBAShift))
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Namespace{
		id:       cfg.ID,
		lbaShift: cfg.LBAShift,
		nlb:      nlb,
		pageSize: uint64(cfg.ControllerPageSize),
		media:    media,
		bus:      bus,
		logger:   logger.WithNamespace(cfg.ID),
		written:  roaring.New(),
	}, nil
}

// ID returns the namespace id
func (n *Namespace) ID() uint32 { return n.id }

// LBAShift returns log2 of the block size
func (n *Namespace) LBAShift() uint8 { return n.lbaShift }

// Blocks returns the capacity in logical blocks
func (n *Namespace) Blocks() uint64 { return n.nlb }

// ControllerPageSize implements interfaces.CommandQueue
func (n *Namespace) ControllerPageSize() uint32 { return uint32(n.pageSize) }

// Submit implements interfaces.CommandQueue. It executes cmd synchronously.
func (n *Namespace) Submit(ctx context.Context, cmd *uapi.RWCommand, prpList []uint64) (nvme.Status, error) {
	if err := ctx.Err(); err != nil {
		return nvme.StatusInternal, err
	}
	n.commands.Add(1)

	status := n.execute(cmd, prpList)
	if !status.OK() {
		n.failed.Add(1)
		n.logger.Debug("command failed", "opcode", nvme.Opcode(cmd.Opcode).String(),
			"slba", cmd.SLBA, "status", status.String())
	}
	return status, nil
}

func (n *Namespace) execute(cmd *uapi.RWCommand, prpList []uint64) nvme.Status {
	if cmd.NSID != n.id {
		return nvme.StatusInvalidNamespace
	}
	op := nvme.Opcode(cmd.Opcode)
	if !op.IsDataTransfer() {
		return nvme.StatusInvalidOpcode
	}
	nblocks := uint64(cmd.Length) + 1
	if cmd.SLBA >= n.nlb || nblocks > n.nlb-cmd.SLBA {
		return nvme.StatusLBARange
	}
	length := nvme.TransferLength(cmd.Length, n.lbaShift)

	chunks, ok := n.walkPRP(cmd, prpList, length)
	if !ok {
		return nvme.StatusInvalidField
	}

	off := int64(cmd.SLBA << n.lbaShift)
	buf := getBuffer(n.pageSize)
	defer putBuffer(buf)
	for _, c := range chunks {
		b := buf[:c.len]
		switch op {
		case nvme.OpWrite:
			if err := n.bus.ReadPhys(b, c.addr); err != nil {
				return nvme.StatusDataXferError
			}
			if _, err := n.media.WriteAt(b, off); err != nil {
				return nvme.StatusInternal
			}
		case nvme.OpRead:
			if _, err := n.media.ReadAt(b, off); err != nil {
				return nvme.StatusInternal
			}
			if err := n.bus.WritePhys(b, c.addr); err != nil {
				return nvme.StatusDataXferError
			}
		case nvme.OpCompare:
			if err := n.bus.ReadPhys(b, c.addr); err != nil {
				return nvme.StatusDataXferError
			}
			same, err := n.media.Compare(b, off)
			if err != nil {
				return nvme.StatusInternal
			}
			if !same {
				return nvme.StatusCompareFailed
			}
		}
		off += int64(c.len)
	}

	if op == nvme.OpWrite {
		n.mu.Lock()
		n.written.AddRange(cmd.SLBA, cmd.SLBA+nblocks)
		n.mu.Unlock()
	}
	return nvme.StatusSuccess
}

type chunk struct {
	addr uint64
	len  uint64
}

// walkPRP expands PRP1, PRP2 and the list into per-page transfers. Only
// PRP1 may carry an offset into its page.
func (n *Namespace) walkPRP(cmd *uapi.RWCommand, prpList []uint64, length uint64) ([]chunk, bool) {
	mask := n.pageSize - 1
	if cmd.PRP1 == 0 {
		return nil, false
	}
	first := min(length, n.pageSize-cmd.PRP1&mask)
	chunks := []chunk{{addr: cmd.PRP1, len: first}}
	remaining := length - first
	if remaining == 0 {
		return chunks, true
	}

	entries := prpList
	if len(entries) == 0 {
		if remaining > n.pageSize {
			return nil, false
		}
		entries = []uint64{cmd.PRP2}
	}
	for _, e := range entries {
		if remaining == 0 {
			break
		}
		if e == 0 || e&mask != 0 {
			return nil, false
		}
		c := min(remaining, n.pageSize)
		chunks = append(chunks, chunk{addr: e, len: c})
		remaining -= c
	}
	return chunks, remaining == 0
}

// Written reports whether block lba has ever been written
func (n *Namespace) Written(lba uint64) bool {
	if lba >= n.nlb {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.written.Contains(uint32(lba))
}

// WrittenBlocks returns the number of distinct blocks ever written
func (n *Namespace) WrittenBlocks() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.written.GetCardinality()
}

// Close releases the media
func (n *Namespace) Close() error {
	return n.media.Close()
}

// Stats returns a summary of the namespace
func (n *Namespace) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":           "namespace",
		"nsid":           n.id,
		"blocks":         n.nlb,
		"written_blocks": n.WrittenBlocks(),
		"commands":       n.commands.Load(),
		"failed":         n.failed.Load(),
	}
}

var _ interfaces.CommandQueue = (*Namespace)(nil)
