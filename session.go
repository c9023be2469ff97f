package donard

import (
	"context"
	"sync/atomic"

	"github.com/sbates130272/nvme-donard/internal/mapping"
	"github.com/sbates130272/nvme-donard/internal/nvme"
)

// Session is one caller's view of a Manager. Each session has its own
// selection slot, so concurrent callers never see each other's mapping
// target.
type Session struct {
	id     uint64
	m      *Manager
	sel    *mapping.Selector
	logger *Logger
	closed atomic.Bool
}

func newSession(m *Manager, id uint64) *Session {
	logger := m.logger.WithSession(id)
	return &Session{
		id:     id,
		m:      m,
		sel:    mapping.NewSelector(m.reg, m.mmu, logger),
		logger: logger,
	}
}

// ID returns the session identifier
func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) check(op string) error {
	if s.closed.Load() {
		return NewError(op, ErrCodeInvalidParameters, "session closed")
	}
	return nil
}

// Pin pins the region described by req and stores the new handle in
// req.Handle.
func (s *Session) Pin(ctx context.Context, req *PinRequest) error {
	if err := s.check("PIN"); err != nil {
		return err
	}
	if err := s.m.pin(ctx, req); err != nil {
		return err
	}
	s.logger.Debug("pinned", "handle", req.Handle.String(), "address", req.Address, "size", req.Size)
	return nil
}

// Unpin releases the region behind req.Handle. The tokens in req must be
// the ones it was pinned with. The session's selection is cleared first
// if it refers to the same handle.
func (s *Session) Unpin(ctx context.Context, req *PinRequest) error {
	if err := s.check("UNPIN"); err != nil {
		return err
	}
	if req != nil {
		s.sel.ClearIf(req.Handle)
	}
	return s.m.unpin(ctx, req)
}

// Select makes h the target of the next EstablishMapping. An invalid
// handle clears the selection.
func (s *Session) Select(h Handle) error {
	if err := s.check("SELECT_MMAP"); err != nil {
		return err
	}
	if err := s.sel.Select(h); err != nil {
		e := WrapError("SELECT_MMAP", err)
		e.Handle = uint64(h)
		return e
	}
	return nil
}

// Deselect clears the selection
func (s *Session) Deselect() {
	s.sel.Deselect()
}

// Selected returns the selected handle, NullHandle if none
func (s *Session) Selected() Handle {
	return s.sel.Selected()
}

// EstablishMapping maps the selected region's pages into vr. See
// mapping.Selector.EstablishMapping for the partial-mapping rules.
func (s *Session) EstablishMapping(ctx context.Context, vr VirtualRange) (*Mapping, error) {
	if err := s.check("MMAP"); err != nil {
		return nil, err
	}
	m, err := s.sel.EstablishMapping(ctx, vr)
	if err != nil {
		s.m.observer.ObserveMapping(0, false)
		return nil, WrapError("MMAP", err)
	}
	s.m.observer.ObserveMapping(uint64(m.Pages()), true)
	return m, nil
}

// Unmap tears down a mapping returned by EstablishMapping
func (s *Session) Unmap(ctx context.Context, m *Mapping) error {
	if err := s.sel.Unmap(ctx, m); err != nil {
		return WrapError("MUNMAP", err)
	}
	return nil
}

// SubmitIO issues req against ns. See Manager.SubmitIO.
func (s *Session) SubmitIO(ctx context.Context, ns Namespace, req *IORequest) (NVMeStatus, error) {
	if err := s.check("SUBMIT_IO"); err != nil {
		return nvme.StatusInvalidField, err
	}
	return s.m.SubmitIO(ctx, ns, req)
}

// Close clears the selection and detaches the session from its Manager.
// Regions pinned through the session stay pinned.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.sel.Deselect()
	s.m.detach(s.id)
	return nil
}
