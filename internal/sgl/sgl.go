// Package sgl translates a physical page table and a byte window into an
// ordered list of DMA segments.
package sgl

import (
	"errors"
	"fmt"

	"github.com/sbates130272/nvme-donard/internal/constants"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
)

var (
	// ErrInvalidLength is returned for a zero or oversized transfer length
	ErrInvalidLength = errors.New("invalid transfer length")

	// ErrInsufficientPages is returned when the table cannot cover the window
	ErrInsufficientPages = errors.New("insufficient physical pages for requested window")
)

// Segment is one contiguous DMA region.
type Segment struct {
	Addr uint64
	Len  uint32
}

// List is a descriptor list scoped to a single command submission.
// The caller must call Release when the command has completed.
type List struct {
	segs     []Segment
	capacity int
	length   uint64
	pageSize uint64
	released bool
}

// Segments returns the segments in transfer order. The slice is only valid
// until Release.
func (l *List) Segments() []Segment {
	return l.segs
}

// Len returns the number of segments actually used.
func (l *List) Len() int {
	return len(l.segs)
}

// Capacity returns the number of segments reserved when the list was built.
func (l *List) Capacity() int {
	return l.capacity
}

// Length returns the number of bytes the list covers.
func (l *List) Length() uint64 {
	return l.length
}

// PageSize returns the accelerator page size the list was built from.
func (l *List) PageSize() uint64 {
	return l.pageSize
}

// Release returns the segment storage to the pool. Calling Release more
// than once is a no-op.
func (l *List) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	putSegments(l.segs)
	l.segs = nil
}

// Build walks table from the page containing offset and emits one segment
// per page until length bytes are covered. The first segment starts at the
// in-page offset; every following segment starts at its page boundary.
func Build(table *pagetable.Table, offset, length uint64) (*List, error) {
	if length == 0 || length > constants.MaxTransferSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if table == nil {
		return nil, fmt.Errorf("%w: no page table", ErrInsufficientPages)
	}

	pageSize, err := table.PageSize.Bytes()
	if err != nil {
		return nil, err
	}

	entries := uint64(table.Entries())
	start := offset / pageSize
	inPage := offset % pageSize
	if start >= entries {
		return nil, fmt.Errorf("%w: offset %d beyond %d pages of %d bytes",
			ErrInsufficientPages, offset, entries, pageSize)
	}

	capacity := int(entries - start)
	l := &List{
		segs:     getSegments(capacity),
		capacity: capacity,
		pageSize: pageSize,
	}

	remaining := length
	for _, page := range table.Pages[start:] {
		if remaining == 0 {
			break
		}
		n := min(remaining, pageSize-inPage)
		l.segs = append(l.segs, Segment{
			Addr: page.PhysicalAddress + inPage,
			Len:  uint32(n),
		})
		inPage = 0
		remaining -= n
	}

	if remaining != 0 {
		l.Release()
		return nil, fmt.Errorf("%w: %d of %d bytes uncovered", ErrInsufficientPages, remaining, length)
	}

	l.length = length
	return l, nil
}
