package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/sbates130272/nvme-donard/internal/interfaces"
)

type pte struct {
	virt uint64
	phys uint64
	size uint64
	prot interfaces.Prot
}

func pteLess(a, b pte) bool { return a.virt < b.virt }

// AddressSpace is a process address space into which pinned pages can be
// mapped. Loads and stores through it reach the PhysMem window the
// mappings point at.
type AddressSpace struct {
	bus *PhysMem

	mu    sync.RWMutex
	pages *btree.BTreeG[pte]
}

// NewAddressSpace creates an empty address space over bus
func NewAddressSpace(bus *PhysMem) *AddressSpace {
	return &AddressSpace{bus: bus, pages: btree.NewG(16, pteLess)}
}

// MapPage implements interfaces.MMU
func (s *AddressSpace) MapPage(ctx context.Context, virt, phys, size uint64, prot interfaces.Prot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if size == 0 || virt+size < virt {
		return unix.EINVAL
	}
	if !s.bus.Contains(phys, size) {
		return unix.EFAULT
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.overlaps(virt, size) {
		return unix.EEXIST
	}
	s.pages.ReplaceOrInsert(pte{virt: virt, phys: phys, size: size, prot: prot})
	return nil
}

// overlaps reports whether any mapping intersects [virt, virt+size)
func (s *AddressSpace) overlaps(virt, size uint64) bool {
	hit := false
	s.pages.DescendLessOrEqual(pte{virt: virt + size - 1}, func(p pte) bool {
		hit = p.virt+p.size > virt
		return false
	})
	return hit
}

// UnmapPage implements interfaces.MMU
func (s *AddressSpace) UnmapPage(_ context.Context, virt, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages.Get(pte{virt: virt})
	if !ok || p.size != size {
		return unix.EINVAL
	}
	s.pages.Delete(p)
	return nil
}

// lookup returns the mapping holding virt
func (s *AddressSpace) lookup(virt uint64) (pte, bool) {
	var found pte
	ok := false
	s.pages.DescendLessOrEqual(pte{virt: virt}, func(p pte) bool {
		found, ok = p, virt-p.virt < p.size
		return false
	})
	return found, ok
}

func (s *AddressSpace) access(virt uint64, n int, need interfaces.Prot, fn func(phys uint64, lo, hi int) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for done := 0; done < n; {
		va := virt + uint64(done)
		p, ok := s.lookup(va)
		if !ok {
			return fmt.Errorf("%w: unmapped virtual %#x", ErrBadAddress, va)
		}
		if p.prot&need != need {
			return fmt.Errorf("%w: virtual %#x lacks protection %#x", ErrBadAddress, va, need)
		}
		chunk := min(n-done, int(p.virt+p.size-va))
		if err := fn(p.phys+(va-p.virt), done, done+chunk); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// Load copies len(b) bytes at virt into b. The range must be mapped
// readable.
func (s *AddressSpace) Load(b []byte, virt uint64) error {
	return s.access(virt, len(b), interfaces.ProtRead, func(phys uint64, lo, hi int) error {
		return s.bus.ReadPhys(b[lo:hi], phys)
	})
}

// Store copies b to virt. The range must be mapped writable.
func (s *AddressSpace) Store(b []byte, virt uint64) error {
	return s.access(virt, len(b), interfaces.ProtWrite, func(phys uint64, lo, hi int) error {
		return s.bus.WritePhys(b[lo:hi], phys)
	})
}

// Translate returns the physical address virt maps to
func (s *AddressSpace) Translate(virt uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.lookup(virt)
	if !ok {
		return 0, false
	}
	return p.phys + (virt - p.virt), true
}

// Mapped returns the number of installed pages
func (s *AddressSpace) Mapped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pages.Len()
}

var _ interfaces.MMU = (*AddressSpace)(nil)
