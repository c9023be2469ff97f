// Package donard pins accelerator memory for zero-copy peer DMA to NVMe
// block storage.
//
// A Manager owns the pinned regions of one accelerator. Callers open a
// Session, pin regions through it, optionally map them into a virtual
// range, and submit read, write and compare commands whose data buffers
// are the pinned physical pages.
package donard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/sbates130272/nvme-donard/internal/bridge"
	"github.com/sbates130272/nvme-donard/internal/constants"
	"github.com/sbates130272/nvme-donard/internal/logging"
	"github.com/sbates130272/nvme-donard/internal/nvme"
	"github.com/sbates130272/nvme-donard/internal/registry"
	"github.com/sbates130272/nvme-donard/internal/sgl"
)

// Logger is the structured logger used throughout the package
type Logger = logging.Logger

// LogConfig configures NewLogger
type LogConfig = logging.Config

// NewLogger creates a structured logger
func NewLogger(config *LogConfig) *Logger {
	return logging.NewLogger(config)
}

// Options contains optional Manager settings
type Options struct {
	// Logger for debug/info messages (if nil, uses the package default)
	Logger *Logger

	// Observer receives lifecycle and I/O events in addition to the
	// built-in Metrics (if nil, only Metrics are recorded)
	Observer Observer

	// ReleaseBackOff returns the retry policy RetryPendingReleases applies
	// to each release-pending handle (if nil, DefaultReleaseRetries
	// attempts at ReleaseInterval)
	ReleaseBackOff func() backoff.BackOff

	// ReleaseInterval is the pause between default release retries
	ReleaseInterval time.Duration

	// MaxHandles bounds concurrently live handles (0 for the default)
	MaxHandles int
}

// DefaultReleaseInterval is the default pause between release retries
const DefaultReleaseInterval = 10 * time.Millisecond

// Manager owns every pinned region of one accelerator and the sessions
// that use them.
type Manager struct {
	accel Accelerator
	queue CommandQueue
	mmu   MMU

	reg    *registry.Registry
	bridge *bridge.Bridge

	logger   *Logger
	metrics  *Metrics
	observer Observer
	backOff  func() backoff.BackOff

	mu          sync.Mutex
	sessions    map[uint64]*Session
	nextSession uint64
	closed      atomic.Bool
}

// New creates a Manager over the given collaborators.
//
// Example:
//
//	bus, _ := backend.NewPhysMem(0x1_0000_0000, 64<<20)
//	accel, _ := backend.NewAccelerator(bus, backend.AcceleratorConfig{PageSize: donard.PageSize64KB})
//	ns, _ := backend.NewNamespace(bus, backend.NamespaceConfig{ID: 1, Size: 64 << 20})
//	m, err := donard.New(accel, ns, backend.NewAddressSpace(bus), nil)
func New(accel Accelerator, queue CommandQueue, mmu MMU, options *Options) (*Manager, error) {
	if accel == nil || queue == nil || mmu == nil {
		return nil, NewError("NEW", ErrCodeInvalidParameters, "accelerator, queue and mmu are required")
	}
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = multiObserver{observer, options.Observer}
	}

	newBackOff := options.ReleaseBackOff
	if newBackOff == nil {
		interval := options.ReleaseInterval
		if interval <= 0 {
			interval = DefaultReleaseInterval
		}
		newBackOff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), constants.DefaultReleaseRetries)
		}
	}

	m := &Manager{
		accel:    accel,
		queue:    queue,
		mmu:      mmu,
		logger:   logger,
		metrics:  metrics,
		observer: observer,
		backOff:  newBackOff,
		sessions: make(map[uint64]*Session),
	}
	m.reg = registry.New(registry.Config{
		Accelerator: accel,
		Logger:      logger,
		MaxHandles:  options.MaxHandles,
	})
	m.reg.OnDestroy(m.handleDestroyed)
	m.bridge = bridge.New(queue, logger)

	return m, nil
}

// handleDestroyed clears h from every session so that no selection
// outlives its handle.
func (m *Manager) handleDestroyed(h Handle, reason registry.Reason) {
	switch reason {
	case registry.ReasonUnpin:
		m.observer.ObserveDestroy(false)
	case registry.ReasonRevoke:
		m.observer.ObserveDestroy(true)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.sel.ClearIf(h) {
			s.logger.Debug("selection cleared", "handle", h.String(), "reason", reason.String())
		}
	}
}

// OpenSession creates a session with its own selection slot
func (m *Manager) OpenSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSession++
	s := newSession(m, m.nextSession)
	m.sessions[s.id] = s
	return s
}

func (m *Manager) detach(id uint64) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Sessions returns the number of open sessions
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) pin(ctx context.Context, req *PinRequest) error {
	if req == nil {
		return NewError("PIN", ErrCodeFault, "nil pin request")
	}
	if m.closed.Load() {
		return NewError("PIN", ErrCodeInvalidParameters, "manager closed")
	}

	h, err := m.reg.Pin(ctx, req.pinRange())
	m.observer.ObservePin(req.Size, err == nil)
	if err != nil {
		return WrapError("PIN", err)
	}
	req.Handle = h
	return nil
}

func (m *Manager) unpin(ctx context.Context, req *PinRequest) error {
	if req == nil {
		return NewError("UNPIN", ErrCodeFault, "nil pin request")
	}

	err := m.reg.Unpin(ctx, req.Handle, req.PeerToken, req.VASpaceToken)
	m.observer.ObserveUnpin(err == nil, errors.Is(err, registry.ErrReleasePending))
	if err != nil {
		e := WrapError("UNPIN", err)
		e.Handle = uint64(req.Handle)
		return e
	}
	return nil
}

// SubmitIO issues req against ns with the pinned region behind req.Handle
// as its data buffer. The region cannot be released until the command
// completes. A non-nil error with a non-zero status means the command ran
// and the device reported failure.
func (m *Manager) SubmitIO(ctx context.Context, ns Namespace, req *IORequest) (NVMeStatus, error) {
	if req == nil {
		return nvme.StatusInvalidField, NewError("SUBMIT_IO", ErrCodeFault, "nil I/O request")
	}
	if !req.Opcode.IsDataTransfer() {
		e := NewHandleError("SUBMIT_IO", req.Handle, ErrCodeInvalidParameters, "unsupported opcode "+req.Opcode.String())
		e.NSID = ns.ID
		return nvme.StatusInvalidOpcode, e
	}

	start := time.Now()
	length := nvme.TransferLength(req.NBlocks, ns.LBAShift)

	status, err := m.submit(ctx, ns, req, length)
	m.observer.ObserveSubmit(req.Opcode, length, uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		e := WrapError("SUBMIT_IO", err)
		e.Handle = uint64(req.Handle)
		e.NSID = ns.ID
		if m.logger.Enabled(logging.LevelDebug) {
			m.logger.WithHandle(uint64(req.Handle)).WithNamespace(ns.ID).
				WithRequest(req.Opcode.String(), req.SLBA).Debug("command failed", "error", err)
		}
		return status, e
	}
	return status, nil
}

func (m *Manager) submit(ctx context.Context, ns Namespace, req *IORequest, length uint64) (NVMeStatus, error) {
	table, release, err := m.reg.Acquire(req.Handle)
	if err != nil {
		return nvme.StatusInvalidField, err
	}
	defer release()

	list, err := sgl.Build(table, req.Offset, length)
	if err != nil {
		return nvme.StatusInvalidField, err
	}
	return m.bridge.Submit(ctx, list, ns, req.command())
}

// RetryPendingReleases retries the release of every release-pending
// handle with the configured backoff. Handles released or revoked by
// another path in the meantime count as released; a handle another Unpin
// is still releasing is retried until that Unpin settles. The returned error joins the failures.
func (m *Manager) RetryPendingReleases(ctx context.Context) error {
	var errs []error
	for _, h := range m.reg.Pending() {
		h := h
		op := func() error {
			m.observer.ObserveRetry()
			err := m.reg.RetryRelease(ctx, h)
			switch {
			case err == nil, errors.Is(err, registry.ErrRevoked):
				return nil
			case errors.Is(err, registry.ErrInvalidHandle):
				// Another release of h may still be in flight
				if m.reg.State(h) == registry.StateInvalid {
					return nil
				}
				return err
			case errors.Is(err, registry.ErrReleasePending):
				return err
			default:
				return backoff.Permanent(err)
			}
		}
		if err := backoff.Retry(op, backoff.WithContext(m.backOff(), ctx)); err != nil {
			e := WrapError("RETRY_RELEASE", err)
			e.Handle = uint64(h)
			errs = append(errs, e)
			continue
		}
		m.logger.Info("pending release completed", "handle", h.String())
	}
	return errors.Join(errs...)
}

// PendingReleases returns the handles whose release the accelerator has
// refused so far
func (m *Manager) PendingReleases() []Handle {
	return m.reg.Pending()
}

// HandleState returns the lifecycle state of h
func (m *Manager) HandleState(h Handle) HandleState {
	return m.reg.State(h)
}

// Revoke performs the accelerator-initiated release of h. Accelerators
// normally reach it through the callback handed to them at pin time.
func (m *Manager) Revoke(h Handle) error {
	if err := m.reg.Revoke(h); err != nil {
		e := WrapError("REVOKE", err)
		e.Handle = uint64(h)
		return e
	}
	return nil
}

// LiveHandles returns the number of handles not yet destroyed
func (m *Manager) LiveHandles() int {
	return m.reg.Live()
}

// Metrics returns the manager's metrics
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the metrics
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	return m.metrics.Snapshot()
}

// Close unpins every remaining pinned or release-pending handle and
// rejects further pins. Handles the accelerator still refuses are
// reported in the returned error and stay release-pending.
func (m *Manager) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	defer m.metrics.Stop()

	m.mu.Lock()
	for _, s := range m.sessions {
		s.sel.Deselect()
	}
	m.mu.Unlock()

	var errs []error
	for _, state := range []registry.State{registry.StatePinned, registry.StateReleasePending} {
		for _, h := range m.reg.Handles(state) {
			rng, err := m.reg.Range(h)
			if err != nil {
				continue
			}
			err = m.reg.Unpin(ctx, h, rng.PeerToken, rng.VASpaceToken)
			if err != nil && !errors.Is(err, registry.ErrInvalidHandle) && !errors.Is(err, registry.ErrRevoked) {
				e := WrapError("CLOSE", err)
				e.Handle = uint64(h)
				errs = append(errs, e)
			}
		}
	}

	m.logger.Info("manager closed", "live_handles", m.reg.Live())
	return errors.Join(errs...)
}
