// Package registry owns pinned accelerator regions. Callers only ever see
// opaque handles; the registry alone dereferences, releases and destroys
// the entries behind them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sbates130272/nvme-donard/internal/constants"
	"github.com/sbates130272/nvme-donard/internal/interfaces"
	"github.com/sbates130272/nvme-donard/internal/logging"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
)

var (
	ErrInvalidHandle     = errors.New("invalid handle")
	ErrInvalidParameters = errors.New("invalid pin parameters")
	ErrAccelerator       = errors.New("accelerator failure")
	ErrReleasePending    = errors.New("release pending")
	ErrRevoked           = errors.New("region revoked")
	ErrExhausted         = errors.New("handle arena exhausted")
)

// entry is the state behind one handle.
type entry struct {
	handle Handle
	rng    interfaces.PinRange
	state  atomic.Uint32

	// mu guards table. Release paths take it for writing after winning
	// the state transition, so they wait out every Acquire holder.
	mu    sync.RWMutex
	table *pagetable.Table
}

func (e *entry) load() State {
	return State(e.state.Load())
}

func (e *entry) cas(from, to State) bool {
	return e.state.CompareAndSwap(uint32(from), uint32(to))
}

type slot struct {
	gen   uint32
	entry *entry
}

// Registry tracks every pinned region of one accelerator.
type Registry struct {
	accel  interfaces.Accelerator
	logger *logging.Logger

	mu        sync.RWMutex
	slots     []slot
	free      []int
	live      int
	maxSlots  int
	onDestroy []func(Handle, Reason)
}

// Config holds registry construction parameters
type Config struct {
	Accelerator interfaces.Accelerator
	Logger      *logging.Logger
	MaxHandles  int // 0 means constants.MaxArenaSlots
}

// New creates an empty registry
func New(config Config) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	maxSlots := config.MaxHandles
	if maxSlots <= 0 {
		maxSlots = constants.MaxArenaSlots
	}
	return &Registry{
		accel:    config.Accelerator,
		logger:   logger,
		slots:    make([]slot, 0, min(maxSlots, constants.InitialArenaSlots)),
		maxSlots: maxSlots,
	}
}

// OnDestroy registers fn to be called, outside registry locks, every time
// a handle is destroyed.
func (r *Registry) OnDestroy(fn func(Handle, Reason)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDestroy = append(r.onDestroy, fn)
}

// Pin asks the accelerator to pin rng and returns a handle to it.
// Accelerator errors are wrapped with ErrAccelerator and remain reachable
// through errors.Is and errors.As.
func (r *Registry) Pin(ctx context.Context, rng interfaces.PinRange) (Handle, error) {
	if rng.Size == 0 {
		return Null, fmt.Errorf("%w: size must be non-zero", ErrInvalidParameters)
	}
	if rng.Address+rng.Size < rng.Address {
		return Null, fmt.Errorf("%w: range %#x+%#x wraps", ErrInvalidParameters, rng.Address, rng.Size)
	}

	e := &entry{rng: rng}
	e.state.Store(uint32(StatePinning))
	h, err := r.insert(e)
	if err != nil {
		return Null, err
	}

	table, err := r.accel.Pin(ctx, rng, func() { _ = r.Revoke(h) })
	if err != nil {
		r.logger.Warn("accelerator pin failed", "address", rng.Address, "size", rng.Size, "error", err)
		r.remove(h, ReasonPinFailed)
		return Null, fmt.Errorf("%w: %w", ErrAccelerator, err)
	}
	if table == nil {
		r.remove(h, ReasonPinFailed)
		return Null, fmt.Errorf("%w: accelerator returned no page table", ErrExhausted)
	}

	e.mu.Lock()
	e.table = table
	e.mu.Unlock()

	if !e.cas(StatePinning, StatePinned) {
		// The accelerator revoked the region before Pin returned; this
		// path owns the release.
		r.detachAndFree(e)
		r.remove(h, ReasonRevokedWhilePinning)
		return Null, fmt.Errorf("%w while pinning", ErrRevoked)
	}

	r.logger.Debug("pinned region", "handle", h.String(), "address", rng.Address,
		"size", rng.Size, "pages", table.Entries(), "page_size", table.PageSize.String())
	return h, nil
}

// Unpin releases the region behind h. The tokens must match the ones the
// region was pinned with. If the accelerator refuses, the handle moves to
// StateReleasePending: it is unusable but keeps its table until a later
// Unpin, RetryRelease or Revoke succeeds.
func (r *Registry) Unpin(ctx context.Context, h Handle, peerToken uint64, vaSpaceToken uint32) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	if e.rng.PeerToken != peerToken || e.rng.VASpaceToken != vaSpaceToken {
		return fmt.Errorf("%w: %v: token mismatch", ErrInvalidHandle, h)
	}
	if !e.cas(StatePinned, StateReleasing) && !e.cas(StateReleasePending, StateReleasing) {
		return fmt.Errorf("%w: %v is %v", ErrInvalidHandle, h, e.load())
	}
	return r.release(ctx, e)
}

// RetryRelease retries the accelerator release of a release-pending handle.
func (r *Registry) RetryRelease(ctx context.Context, h Handle) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	if !e.cas(StateReleasePending, StateReleasing) {
		return fmt.Errorf("%w: %v is %v", ErrInvalidHandle, h, e.load())
	}
	return r.release(ctx, e)
}

// release performs the unpin path once the caller has won the transition
// to StateReleasing.
func (r *Registry) release(ctx context.Context, e *entry) error {
	// Wait for in-flight Acquire holders
	e.mu.Lock()
	table := e.table
	e.mu.Unlock()

	if err := r.accel.Unpin(ctx, e.rng, table); err != nil {
		if !e.cas(StateReleasing, StateReleasePending) {
			// The accelerator reclaimed the region while we were unpinning
			r.detachAndFree(e)
			r.remove(e.handle, ReasonRevoke)
			r.logger.Info("region revoked during release", "handle", e.handle.String())
			return fmt.Errorf("%w during release: %w", ErrRevoked, err)
		}
		r.logger.Warn("accelerator unpin failed, release pending", "handle", e.handle.String(), "error", err)
		return fmt.Errorf("%w: %w: %w", ErrReleasePending, ErrAccelerator, err)
	}

	e.mu.Lock()
	e.table = nil
	e.mu.Unlock()
	r.remove(e.handle, ReasonUnpin)

	r.logger.Debug("unpinned region", "handle", e.handle.String())
	return nil
}

// Revoke is the accelerator-initiated release of h. It may run on any
// goroutine, concurrently with Unpin; exactly one of them releases the
// table and the other gets ErrInvalidHandle.
func (r *Registry) Revoke(h Handle) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}

	for {
		s := e.load()
		switch s {
		case StatePinning:
			if e.cas(StatePinning, StateRevokedWhilePinning) {
				r.logger.Debug("region revoked while pinning", "handle", h.String())
				return nil
			}
		case StatePinned, StateReleasePending:
			if e.cas(s, StateReleasing) {
				r.detachAndFree(e)
				r.remove(h, ReasonRevoke)
				r.logger.Info("region revoked by accelerator", "handle", h.String())
				return nil
			}
		case StateReleasing:
			// The release path sees this if its unpin fails
			if e.cas(StateReleasing, StateRevokedWhileReleasing) {
				return nil
			}
		default:
			return fmt.Errorf("%w: %v is %v", ErrInvalidHandle, h, s)
		}
	}
}

// detachAndFree clears the entry's table and hands it back through the
// revoke path.
func (r *Registry) detachAndFree(e *entry) {
	e.mu.Lock()
	table := e.table
	e.table = nil
	e.mu.Unlock()

	if table == nil {
		return
	}
	if err := r.accel.FreeTable(table); err != nil {
		r.logger.Error("failed to free revoked page table", "handle", e.handle.String(), "error", err)
	}
}

// Acquire returns read access to the page table behind h. The table stays
// valid, and no release path can proceed, until the returned function is
// called.
func (r *Registry) Acquire(h Handle) (*pagetable.Table, func(), error) {
	e, err := r.lookup(h)
	if err != nil {
		return nil, nil, err
	}

	e.mu.RLock()
	if s := e.load(); s != StatePinned || e.table == nil {
		e.mu.RUnlock()
		return nil, nil, fmt.Errorf("%w: %v is %v", ErrInvalidHandle, h, s)
	}
	return e.table, e.mu.RUnlock, nil
}

// Valid reports whether h refers to a pinned, usable region.
func (r *Registry) Valid(h Handle) bool {
	e, err := r.lookup(h)
	return err == nil && e.load() == StatePinned
}

// State returns the lifecycle state of h. Destroyed and forged handles
// report StateInvalid.
func (r *Registry) State(h Handle) State {
	e, err := r.lookup(h)
	if err != nil {
		return StateInvalid
	}
	return e.load()
}

// Range returns the pin range h was created with.
func (r *Registry) Range(h Handle) (interfaces.PinRange, error) {
	e, err := r.lookup(h)
	if err != nil {
		return interfaces.PinRange{}, err
	}
	return e.rng, nil
}

// Live returns the number of handles that have not been destroyed.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Handles returns every handle currently in the given state.
func (r *Registry) Handles(state State) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handle
	for i, s := range r.slots {
		if s.entry != nil && s.entry.load() == state {
			out = append(out, makeHandle(i, s.gen))
		}
	}
	return out
}

// Pending returns every release-pending handle.
func (r *Registry) Pending() []Handle {
	return r.Handles(StateReleasePending)
}

func (r *Registry) lookup(h Handle) (*entry, error) {
	idx, ok := h.index()
	if !ok {
		return nil, fmt.Errorf("%w: null handle", ErrInvalidHandle)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx >= len(r.slots) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	s := r.slots[idx]
	if s.entry == nil || s.gen != h.generation() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	return s.entry, nil
}

func (r *Registry) insert(e *entry) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		if len(r.slots) >= r.maxSlots {
			return Null, fmt.Errorf("%w: %d live handles", ErrExhausted, r.live)
		}
		r.slots = append(r.slots, slot{gen: 1})
		idx = len(r.slots) - 1
	}

	r.slots[idx].entry = e
	r.live++
	e.handle = makeHandle(idx, r.slots[idx].gen)
	return e.handle, nil
}

// remove destroys the entry behind h and retires h's generation.
func (r *Registry) remove(h Handle, reason Reason) {
	idx, ok := h.index()
	if !ok {
		return
	}

	r.mu.Lock()
	if idx >= len(r.slots) || r.slots[idx].gen != h.generation() || r.slots[idx].entry == nil {
		r.mu.Unlock()
		return
	}
	s := &r.slots[idx]
	s.entry.state.Store(uint32(StateDestroyed))
	s.entry = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r.free = append(r.free, idx)
	r.live--
	hooks := r.onDestroy
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(h, reason)
	}
}
