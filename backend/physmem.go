package backend

import (
	"errors"
	"fmt"
)

// ErrBadAddress is returned for a physical access outside the window
var ErrBadAddress = errors.New("bad physical address")

// PhysMem is a window of bus-addressable memory, standing in for an
// accelerator's BAR. Both the accelerator and the namespace reach it by
// physical address, which is what makes the transfers zero-copy.
type PhysMem struct {
	base uint64
	mem  *Memory
}

// NewPhysMem creates size bytes of memory at physical address base
func NewPhysMem(base uint64, size int64) (*PhysMem, error) {
	if base+uint64(size) < base {
		return nil, fmt.Errorf("window %#x+%d wraps", base, size)
	}
	mem, err := NewMemory(size)
	if err != nil {
		return nil, err
	}
	return &PhysMem{base: base, mem: mem}, nil
}

// Base returns the first physical address of the window
func (p *PhysMem) Base() uint64 { return p.base }

// Size returns the window size in bytes
func (p *PhysMem) Size() int64 { return p.mem.Size() }

// Contains reports whether [addr, addr+n) lies inside the window
func (p *PhysMem) Contains(addr, n uint64) bool {
	size := uint64(p.mem.Size())
	return addr >= p.base && addr-p.base <= size && n <= size-(addr-p.base)
}

func (p *PhysMem) offset(addr uint64, n int) (int64, error) {
	if !p.Contains(addr, uint64(n)) {
		return 0, fmt.Errorf("%w: %#x+%d", ErrBadAddress, addr, n)
	}
	return int64(addr - p.base), nil
}

// ReadPhys copies len(b) bytes at physical address addr into b
func (p *PhysMem) ReadPhys(b []byte, addr uint64) error {
	off, err := p.offset(addr, len(b))
	if err != nil {
		return err
	}
	_, err = p.mem.ReadAt(b, off)
	return err
}

// WritePhys copies b to physical address addr
func (p *PhysMem) WritePhys(b []byte, addr uint64) error {
	off, err := p.offset(addr, len(b))
	if err != nil {
		return err
	}
	_, err = p.mem.WriteAt(b, off)
	return err
}

// ComparePhys reports whether the bytes at physical address addr equal b
func (p *PhysMem) ComparePhys(b []byte, addr uint64) (bool, error) {
	off, err := p.offset(addr, len(b))
	if err != nil {
		return false, err
	}
	return p.mem.Compare(b, off)
}

// Close releases the window
func (p *PhysMem) Close() error {
	return p.mem.Close()
}
