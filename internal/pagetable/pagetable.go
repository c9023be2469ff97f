// Package pagetable describes the physical page tables handed back by an
// accelerator when a region of its memory is pinned for peer DMA.
package pagetable

import (
	"errors"
	"fmt"

	"github.com/sbates130272/nvme-donard/internal/constants"
)

// ErrUnsupportedPageSize is returned for a page-size class outside the
// known set.
var ErrUnsupportedPageSize = errors.New("unsupported page size class")

// PageSize is the page-size class of a table. The numeric values follow the
// accelerator driver's encoding.
type PageSize uint32

const (
	PageSize4KB   PageSize = 0
	PageSize64KB  PageSize = 1
	PageSize128KB PageSize = 2
)

// Bytes returns the size in bytes of one page of class s.
func (s PageSize) Bytes() (uint64, error) {
	switch s {
	case PageSize4KB:
		return constants.PageSize4K, nil
	case PageSize64KB:
		return constants.PageSize64K, nil
	case PageSize128KB:
		return constants.PageSize128K, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedPageSize, uint32(s))
	}
}

func (s PageSize) String() string {
	switch s {
	case PageSize4KB:
		return "4KB"
	case PageSize64KB:
		return "64KB"
	case PageSize128KB:
		return "128KB"
	default:
		return fmt.Sprintf("PageSize(%d)", uint32(s))
	}
}

// ClassForBytes returns the page-size class for a byte size.
func ClassForBytes(n uint64) (PageSize, error) {
	switch n {
	case constants.PageSize4K:
		return PageSize4KB, nil
	case constants.PageSize64K:
		return PageSize64KB, nil
	case constants.PageSize128K:
		return PageSize128KB, nil
	default:
		return 0, fmt.Errorf("%w: %d bytes", ErrUnsupportedPageSize, n)
	}
}

// Page is one physical page descriptor.
type Page struct {
	PhysicalAddress uint64
}

// Table is an ordered list of physical pages sharing a single page-size
// class. A Table must not be modified after it is returned by an
// accelerator.
type Table struct {
	PageSize PageSize
	Pages    []Page
}

// New builds a table from a class and a list of physical addresses.
func New(size PageSize, addrs ...uint64) *Table {
	pages := make([]Page, len(addrs))
	for i, a := range addrs {
		pages[i] = Page{PhysicalAddress: a}
	}
	return &Table{PageSize: size, Pages: pages}
}

// Entries returns the number of pages in the table.
func (t *Table) Entries() int {
	if t == nil {
		return 0
	}
	return len(t.Pages)
}

// Span returns the number of bytes covered by the table.
func (t *Table) Span() (uint64, error) {
	ps, err := t.PageSize.Bytes()
	if err != nil {
		return 0, err
	}
	return ps * uint64(t.Entries()), nil
}
