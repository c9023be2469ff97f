// Package mapping exposes the physical pages of a pinned region through a
// caller-supplied virtual range. Each Selector is owned by one session and
// holds at most one selected handle.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/sbates130272/nvme-donard/internal/interfaces"
	"github.com/sbates130272/nvme-donard/internal/logging"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
	"github.com/sbates130272/nvme-donard/internal/registry"
)

var (
	ErrNoSelection   = errors.New("no pinned region selected")
	ErrMappingFailed = errors.New("page mapping failed")
	ErrInvalidRange  = errors.New("invalid virtual range")
)

// Registry is the subset of the pin registry a Selector needs
type Registry interface {
	Acquire(h registry.Handle) (*pagetable.Table, func(), error)
	Valid(h registry.Handle) bool
}

// VirtualRange is the destination of a mapping
type VirtualRange struct {
	Start  uint64
	Length uint64
	Prot   interfaces.Prot
}

// Mapping records the pages installed by one EstablishMapping call.
type Mapping struct {
	Handle   registry.Handle
	Start    uint64
	PageSize uint64
	Prot     interfaces.Prot

	mu        sync.Mutex
	installed *roaring.Bitmap
}

// Pages returns the number of pages currently installed
func (m *Mapping) Pages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.installed.GetCardinality())
}

// Length returns the number of bytes currently mapped
func (m *Mapping) Length() uint64 {
	return uint64(m.Pages()) * m.PageSize
}

// Installed returns the table indexes of the installed pages in order
func (m *Mapping) Installed() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed.ToArray()
}

// Selector is a per-session selection slot plus the mapping operation that
// consumes it.
type Selector struct {
	reg    Registry
	mmu    interfaces.MMU
	logger *logging.Logger

	mu       sync.Mutex
	selected registry.Handle
}

// NewSelector creates an empty selector
func NewSelector(reg Registry, mmu interfaces.MMU, logger *logging.Logger) *Selector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Selector{reg: reg, mmu: mmu, logger: logger}
}

// Select stores h if it refers to a pinned region. An invalid handle
// clears any previous selection.
func (s *Selector) Select(h registry.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reg.Valid(h) {
		s.selected = registry.Null
		return fmt.Errorf("%w: %v", registry.ErrInvalidHandle, h)
	}
	s.selected = h
	return nil
}

// Deselect clears the selection
func (s *Selector) Deselect() {
	s.mu.Lock()
	s.selected = registry.Null
	s.mu.Unlock()
}

// ClearIf clears the selection if it is h and reports whether it did.
func (s *Selector) ClearIf(h registry.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != h || h == registry.Null {
		return false
	}
	s.selected = registry.Null
	return true
}

// Selected returns the current selection, registry.Null if none
func (s *Selector) Selected() registry.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// EstablishMapping installs the selected region's pages at consecutive
// page-sized virtual addresses starting at vr.Start. Mapping stops at the
// end of the table or at the last whole page that fits in vr; the rest of
// either is left unmapped. If an install fails, every page installed by
// this call is removed again before the error is returned.
func (s *Selector) EstablishMapping(ctx context.Context, vr VirtualRange) (*Mapping, error) {
	h, table, release, err := s.acquireSelected(vr)
	if err != nil {
		return nil, err
	}
	defer release()

	ps, err := table.PageSize.Bytes()
	if err != nil {
		return nil, err
	}
	if vr.Start%ps != 0 {
		return nil, fmt.Errorf("%w: start %#x not aligned to %s", ErrInvalidRange, vr.Start, table.PageSize)
	}

	m := &Mapping{
		Handle:    h,
		Start:     vr.Start,
		PageSize:  ps,
		Prot:      vr.Prot,
		installed: roaring.New(),
	}

	end := vr.Start + vr.Length
	virt := vr.Start
	for i, page := range table.Pages {
		if end-virt < ps {
			break
		}
		if err := s.mmu.MapPage(ctx, virt, page.PhysicalAddress, ps, vr.Prot); err != nil {
			s.logger.Warn("page install failed, rolling back", "handle", h.String(), "page", i,
				"installed", m.installed.GetCardinality(), "error", err)
			mapErr := fmt.Errorf("%w: page %d at %#x: %w", ErrMappingFailed, i, virt, err)
			if rbErr := s.unmap(ctx, m); rbErr != nil {
				return nil, errors.Join(mapErr, rbErr)
			}
			return nil, mapErr
		}
		m.installed.Add(uint32(i))
		virt += ps
	}

	s.logger.Debug("mapping established", "handle", h.String(), "start", vr.Start,
		"pages", m.installed.GetCardinality(), "page_size", table.PageSize.String())
	return m, nil
}

// acquireSelected resolves the selection and takes read access to its
// table under s.mu, so Select cannot change the target in between. A
// selection whose handle is no longer pinned is cleared.
func (s *Selector) acquireSelected(vr VirtualRange) (registry.Handle, *pagetable.Table, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.selected
	if h == registry.Null {
		return registry.Null, nil, nil, ErrNoSelection
	}
	if vr.Length == 0 || vr.Start+vr.Length < vr.Start {
		return registry.Null, nil, nil, fmt.Errorf("%w: start %#x length %#x", ErrInvalidRange, vr.Start, vr.Length)
	}

	table, release, err := s.reg.Acquire(h)
	if err != nil {
		s.selected = registry.Null
		return registry.Null, nil, nil, err
	}
	return h, table, release, nil
}

// Unmap removes every page still installed by m.
func (s *Selector) Unmap(ctx context.Context, m *Mapping) error {
	if m == nil {
		return nil
	}
	return s.unmap(ctx, m)
}

// unmap removes m's pages in reverse install order. Pages that fail to
// unmap stay recorded in m.
func (s *Selector) unmap(ctx context.Context, m *Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	idx := m.installed.ToArray()
	for i := len(idx) - 1; i >= 0; i-- {
		virt := m.Start + uint64(idx[i])*m.PageSize
		if err := s.mmu.UnmapPage(ctx, virt, m.PageSize); err != nil {
			errs = append(errs, fmt.Errorf("unmap %#x: %w", virt, err))
			continue
		}
		m.installed.Remove(idx[i])
	}
	return errors.Join(errs...)
}
