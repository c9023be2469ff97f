package backend

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/sbates130272/nvme-donard/internal/interfaces"
	"github.com/sbates130272/nvme-donard/internal/logging"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
)

// DefaultVABase is the first accelerator virtual address handed out when
// AcceleratorConfig.VABase is zero
const DefaultVABase = 0x2_0000_0000

// AcceleratorConfig configures a simulated accelerator
type AcceleratorConfig struct {
	PageSize pagetable.PageSize
	VABase   uint64
	Seed     int64 // frame shuffle seed
	Logger   *logging.Logger
}

// pin is one live pinned region. Regions are ordered by address, then by
// pin order, so the same range may be pinned more than once.
type pin struct {
	id     uint64
	rng    interfaces.PinRange
	table  *pagetable.Table
	revoke interfaces.RevokeFunc
}

func pinLess(a, b *pin) bool {
	if a.rng.Address != b.rng.Address {
		return a.rng.Address < b.rng.Address
	}
	return a.id < b.id
}

// Accelerator simulates a device whose memory can be pinned for peer
// access. Its virtual pages are backed by frames of a PhysMem window in
// shuffled order, so page tables are physically scattered.
type Accelerator struct {
	mem      *PhysMem
	class    pagetable.PageSize
	pageSize uint64
	vaBase   uint64
	frames   []int
	logger   *logging.Logger

	mu      sync.Mutex
	pins    *btree.BTreeG[*pin]
	revoked map[*pagetable.Table]struct{}
	nextID  uint64

	pinErr      error
	unpinErr    error
	unpinFails  int
	freed       int
	revokeCount int
}

// NewAccelerator creates an accelerator whose memory is mem
func NewAccelerator(mem *PhysMem, cfg AcceleratorConfig) (*Accelerator, error) {
	ps, err := cfg.PageSize.Bytes()
	if err != nil {
		return nil, err
	}
	if mem.Base()%ps != 0 {
		return nil, fmt.Errorf("physical base %#x not aligned to %s pages", mem.Base(), cfg.PageSize)
	}
	n := uint64(mem.Size()) / ps
	if n == 0 {
		return nil, fmt.Errorf("%d bytes hold no %s page", mem.Size(), cfg.PageSize)
	}
	vaBase := cfg.VABase
	if vaBase == 0 {
		vaBase = DefaultVABase
	}
	if vaBase%ps != 0 {
		return nil, fmt.Errorf("virtual base %#x not aligned to %s pages", vaBase, cfg.PageSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Accelerator{
		mem:      mem,
		class:    cfg.PageSize,
		pageSize: ps,
		vaBase:   vaBase,
		frames:   rand.New(rand.NewSource(cfg.Seed)).Perm(int(n)),
		logger:   logger,
		pins:     btree.NewG(8, pinLess),
		revoked:  make(map[*pagetable.Table]struct{}),
	}, nil
}

// PageSize returns the page-size class of every table the accelerator
// hands out
func (a *Accelerator) PageSize() pagetable.PageSize { return a.class }

// VABase returns the first accelerator virtual address
func (a *Accelerator) VABase() uint64 { return a.vaBase }

// VASize returns the number of bytes of accelerator virtual space
func (a *Accelerator) VASize() uint64 { return uint64(len(a.frames)) * a.pageSize }

// translate returns the physical address of virtual address va
func (a *Accelerator) translate(va uint64) (uint64, bool) {
	if va < a.vaBase || va-a.vaBase >= a.VASize() {
		return 0, false
	}
	off := va - a.vaBase
	frame := uint64(a.frames[off/a.pageSize])
	return a.mem.Base() + frame*a.pageSize + off%a.pageSize, true
}

// access walks [va, va+n) one page at a time
func (a *Accelerator) access(va uint64, n int, fn func(phys uint64, lo, hi int) error) error {
	for done := 0; done < n; {
		phys, ok := a.translate(va + uint64(done))
		if !ok {
			return fmt.Errorf("%w: virtual %#x", ErrBadAddress, va+uint64(done))
		}
		chunk := min(n-done, int(a.pageSize-(va+uint64(done))%a.pageSize))
		if err := fn(phys, done, done+chunk); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// WriteVirtual stores b at accelerator virtual address va, as a kernel
// running on the device would
func (a *Accelerator) WriteVirtual(b []byte, va uint64) error {
	return a.access(va, len(b), func(phys uint64, lo, hi int) error {
		return a.mem.WritePhys(b[lo:hi], phys)
	})
}

// ReadVirtual loads len(b) bytes from accelerator virtual address va
func (a *Accelerator) ReadVirtual(b []byte, va uint64) error {
	return a.access(va, len(b), func(phys uint64, lo, hi int) error {
		return a.mem.ReadPhys(b[lo:hi], phys)
	})
}

// Pin implements interfaces.Accelerator. The address must be page
// aligned and the range must lie inside the virtual space.
func (a *Accelerator) Pin(ctx context.Context, r interfaces.PinRange, revoke interfaces.RevokeFunc) (*pagetable.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pinErr != nil {
		return nil, a.pinErr
	}
	if r.Size == 0 || r.Address%a.pageSize != 0 || r.Address < a.vaBase {
		return nil, unix.EINVAL
	}
	first := (r.Address - a.vaBase) / a.pageSize
	n := (r.Size + a.pageSize - 1) / a.pageSize
	if first >= uint64(len(a.frames)) || n > uint64(len(a.frames))-first {
		return nil, unix.EINVAL
	}

	addrs := make([]uint64, n)
	for i := range addrs {
		addrs[i] = a.mem.Base() + uint64(a.frames[first+uint64(i)])*a.pageSize
	}
	table := pagetable.New(a.class, addrs...)

	a.nextID++
	a.pins.ReplaceOrInsert(&pin{id: a.nextID, rng: r, table: table, revoke: revoke})
	a.logger.Debug("accelerator pinned", "address", r.Address, "pages", n)
	return table, nil
}

// find returns the live pin at r.Address holding table
func (a *Accelerator) find(address uint64, table *pagetable.Table) *pin {
	var found *pin
	a.pins.AscendRange(&pin{rng: interfaces.PinRange{Address: address}}, &pin{rng: interfaces.PinRange{Address: address + 1}},
		func(p *pin) bool {
			if p.table == table {
				found = p
				return false
			}
			return true
		})
	return found
}

// Unpin implements interfaces.Accelerator
func (a *Accelerator) Unpin(_ context.Context, r interfaces.PinRange, table *pagetable.Table) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.find(r.Address, table)
	if p == nil {
		return unix.EINVAL
	}
	if p.rng.PeerToken != r.PeerToken || p.rng.VASpaceToken != r.VASpaceToken {
		return unix.EPERM
	}
	if a.unpinFails > 0 {
		a.unpinFails--
		return a.unpinErr
	}
	a.pins.Delete(p)
	a.logger.Debug("accelerator unpinned", "address", r.Address)
	return nil
}

// FreeTable implements interfaces.Accelerator
func (a *Accelerator) FreeTable(table *pagetable.Table) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.revoked[table]; !ok {
		return unix.EINVAL
	}
	delete(a.revoked, table)
	a.freed++
	return nil
}

// RevokeRange reclaims every pinned region overlapping [address,
// address+size) and returns how many there were. Revoke callbacks run
// after the accelerator's own lock is dropped.
func (a *Accelerator) RevokeRange(address, size uint64) int {
	end := address + size
	if end < address {
		end = ^uint64(0)
	}

	a.mu.Lock()
	var victims []*pin
	a.pins.AscendLessThan(&pin{rng: interfaces.PinRange{Address: end}}, func(p *pin) bool {
		if p.rng.Address+p.rng.Size > address {
			victims = append(victims, p)
		}
		return true
	})
	for _, p := range victims {
		a.pins.Delete(p)
		a.revoked[p.table] = struct{}{}
	}
	a.revokeCount += len(victims)
	a.mu.Unlock()

	for _, p := range victims {
		a.logger.Info("accelerator revoked region", "address", p.rng.Address, "size", p.rng.Size)
		if p.revoke != nil {
			p.revoke()
		}
	}
	return len(victims)
}

// RevokeAll reclaims every pinned region, as on device reset
func (a *Accelerator) RevokeAll() int {
	return a.RevokeRange(0, ^uint64(0))
}

// FailPin makes every Pin fail with err until called with nil
func (a *Accelerator) FailPin(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pinErr = err
}

// FailUnpin makes the next n Unpin calls fail with err
func (a *Accelerator) FailUnpin(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unpinFails = n
	a.unpinErr = err
}

// Pinned returns the number of live pinned regions
func (a *Accelerator) Pinned() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pins.Len()
}

// Stats returns a summary of the accelerator
func (a *Accelerator) Stats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	return map[string]interface{}{
		"type":         "accelerator",
		"page_size":    a.class.String(),
		"pinned":       a.pins.Len(),
		"revoked":      a.revokeCount,
		"tables_freed": a.freed,
		"unfreed":      len(a.revoked),
	}
}

var _ interfaces.Accelerator = (*Accelerator)(nil)
