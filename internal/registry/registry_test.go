package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sbates130272/nvme-donard/internal/interfaces"
	"github.com/sbates130272/nvme-donard/internal/logging"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
)

// fakeAccel is a minimal accelerator that records its calls and keeps
// the revoke callback of every pinned range.
type fakeAccel struct {
	mu       sync.Mutex
	pinErr   error
	unpinErr error
	onPin    func(revoke interfaces.RevokeFunc)
	onUnpin  func(addr uint64)
	revokes  map[uint64]interfaces.RevokeFunc

	pins   atomic.Int32
	unpins atomic.Int32
	frees  atomic.Int32
}

func newFakeAccel() *fakeAccel {
	return &fakeAccel{revokes: make(map[uint64]interfaces.RevokeFunc)}
}

func (f *fakeAccel) Pin(_ context.Context, r interfaces.PinRange, revoke interfaces.RevokeFunc) (*pagetable.Table, error) {
	f.pins.Add(1)
	f.mu.Lock()
	err, hook := f.pinErr, f.onPin
	if err == nil {
		f.revokes[r.Address] = revoke
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(revoke)
	}
	n := (r.Size + 0xffff) / 0x10000
	addrs := make([]uint64, n)
	for i := range addrs {
		addrs[i] = 0x8000_0000 + r.Address + uint64(i)*0x10000
	}
	return pagetable.New(pagetable.PageSize64KB, addrs...), nil
}

func (f *fakeAccel) Unpin(_ context.Context, r interfaces.PinRange, _ *pagetable.Table) error {
	f.mu.Lock()
	err, hook := f.unpinErr, f.onUnpin
	f.mu.Unlock()
	if hook != nil {
		hook(r.Address)
	}
	if err != nil {
		return err
	}
	f.unpins.Add(1)
	return nil
}

func (f *fakeAccel) FreeTable(*pagetable.Table) error {
	f.frees.Add(1)
	return nil
}

func (f *fakeAccel) setUnpinErr(err error) {
	f.mu.Lock()
	f.unpinErr = err
	f.mu.Unlock()
}

func (f *fakeAccel) revoke(addr uint64) {
	f.mu.Lock()
	fn := f.revokes[addr]
	f.mu.Unlock()
	fn()
}

func testLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: logging.LevelError, Sync: true, NoColor: true})
}

func newTestRegistry(accel interfaces.Accelerator) *Registry {
	return New(Config{Accelerator: accel, Logger: testLogger()})
}

func pinRange(addr uint64) interfaces.PinRange {
	return interfaces.PinRange{Address: addr, Size: 0x40000, PeerToken: 0xfeed, VASpaceToken: 7}
}

func TestPinUnpinRoundTrip(t *testing.T) {
	ctx := context.Background()
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	for i := 0; i < 16; i++ {
		rng := pinRange(uint64(i) << 24)
		h, err := reg.Pin(ctx, rng)
		require.NoError(t, err)
		require.NotEqual(t, Null, h)
		assert.Equal(t, StatePinned, reg.State(h))
		assert.True(t, reg.Valid(h))

		require.NoError(t, reg.Unpin(ctx, h, rng.PeerToken, rng.VASpaceToken))
		assert.False(t, reg.Valid(h))
		assert.Equal(t, StateInvalid, reg.State(h))
	}

	assert.Zero(t, reg.Live())
	assert.EqualValues(t, 16, accel.pins.Load())
	assert.EqualValues(t, 16, accel.unpins.Load())
	assert.Zero(t, accel.frees.Load())
}

func TestPinInvalidParameters(t *testing.T) {
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	_, err := reg.Pin(context.Background(), interfaces.PinRange{Address: 0x1000})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = reg.Pin(context.Background(), interfaces.PinRange{Address: ^uint64(0) - 10, Size: 0x1000})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	assert.Zero(t, accel.pins.Load())
	assert.Zero(t, reg.Live())
}

func TestPinAcceleratorErrorPassesThrough(t *testing.T) {
	accel := newFakeAccel()
	accel.pinErr = syscall.EINVAL
	reg := newTestRegistry(accel)

	h, err := reg.Pin(context.Background(), pinRange(0))
	assert.Equal(t, Null, h)
	assert.ErrorIs(t, err, ErrAccelerator)
	assert.ErrorIs(t, err, syscall.EINVAL)

	var errno syscall.Errno
	require.True(t, errors.As(err, &errno))
	assert.Equal(t, syscall.EINVAL, errno)
	assert.Zero(t, reg.Live())
}

func TestPinExhausted(t *testing.T) {
	accel := newFakeAccel()
	reg := New(Config{Accelerator: accel, MaxHandles: 2, Logger: testLogger()})
	ctx := context.Background()

	_, err := reg.Pin(ctx, pinRange(0))
	require.NoError(t, err)
	h, err := reg.Pin(ctx, pinRange(1<<24))
	require.NoError(t, err)

	_, err = reg.Pin(ctx, pinRange(2<<24))
	assert.ErrorIs(t, err, ErrExhausted)

	// A freed slot can be reused
	require.NoError(t, reg.Unpin(ctx, h, 0xfeed, 7))
	_, err = reg.Pin(ctx, pinRange(2<<24))
	assert.NoError(t, err)
}

func TestForgedAndStaleHandles(t *testing.T) {
	ctx := context.Background()
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	rng := pinRange(0)
	live, err := reg.Pin(ctx, rng)
	require.NoError(t, err)

	stale, err := reg.Pin(ctx, pinRange(1<<24))
	require.NoError(t, err)
	require.NoError(t, reg.Unpin(ctx, stale, rng.PeerToken, rng.VASpaceToken))

	tests := []struct {
		name string
		h    Handle
	}{
		{"null", Null},
		{"index only", Handle(1)},
		{"out of range", makeHandle(1000, 1)},
		{"wrong generation", live + 1<<32},
		{"destroyed", stale},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, reg.Unpin(ctx, tt.h, rng.PeerToken, rng.VASpaceToken), ErrInvalidHandle)
			assert.ErrorIs(t, reg.Revoke(tt.h), ErrInvalidHandle)
			_, _, err := reg.Acquire(tt.h)
			assert.ErrorIs(t, err, ErrInvalidHandle)
			assert.False(t, reg.Valid(tt.h))
		})
	}

	assert.EqualValues(t, 1, accel.unpins.Load())
	assert.True(t, reg.Valid(live))
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(newFakeAccel())

	h1, err := reg.Pin(ctx, pinRange(0))
	require.NoError(t, err)
	require.NoError(t, reg.Unpin(ctx, h1, 0xfeed, 7))

	h2, err := reg.Pin(ctx, pinRange(0))
	require.NoError(t, err)

	i1, _ := h1.index()
	i2, _ := h2.index()
	assert.Equal(t, i1, i2, "slot should be reused")
	assert.NotEqual(t, h1, h2)
	assert.False(t, reg.Valid(h1))
	assert.True(t, reg.Valid(h2))
}

func TestUnpinTokenMismatch(t *testing.T) {
	ctx := context.Background()
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	h, err := reg.Pin(ctx, pinRange(0))
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Unpin(ctx, h, 0xbad, 7), ErrInvalidHandle)
	assert.ErrorIs(t, reg.Unpin(ctx, h, 0xfeed, 8), ErrInvalidHandle)
	assert.Equal(t, StatePinned, reg.State(h))
	assert.Zero(t, accel.unpins.Load())

	require.NoError(t, reg.Unpin(ctx, h, 0xfeed, 7))
}

func TestUnpinFailureLeavesReleasePending(t *testing.T) {
	ctx := context.Background()
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	h, err := reg.Pin(ctx, pinRange(0))
	require.NoError(t, err)

	accel.setUnpinErr(syscall.EBUSY)
	err = reg.Unpin(ctx, h, 0xfeed, 7)
	assert.ErrorIs(t, err, ErrReleasePending)
	assert.ErrorIs(t, err, ErrAccelerator)
	assert.ErrorIs(t, err, syscall.EBUSY)

	assert.Equal(t, StateReleasePending, reg.State(h))
	assert.False(t, reg.Valid(h))
	assert.Equal(t, []Handle{h}, reg.Pending())
	assert.Equal(t, 1, reg.Live())

	_, _, err = reg.Acquire(h)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	// Still failing: stays pending
	assert.ErrorIs(t, reg.RetryRelease(ctx, h), ErrReleasePending)
	assert.Equal(t, StateReleasePending, reg.State(h))

	accel.setUnpinErr(nil)
	require.NoError(t, reg.RetryRelease(ctx, h))
	assert.Empty(t, reg.Pending())
	assert.Zero(t, reg.Live())
	assert.ErrorIs(t, reg.RetryRelease(ctx, h), ErrInvalidHandle)
}

func TestRepeatedUnpinRetriesPendingRelease(t *testing.T) {
	ctx := context.Background()
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	h, err := reg.Pin(ctx, pinRange(0))
	require.NoError(t, err)

	accel.setUnpinErr(syscall.EAGAIN)
	require.Error(t, reg.Unpin(ctx, h, 0xfeed, 7))

	accel.setUnpinErr(nil)
	require.NoError(t, reg.Unpin(ctx, h, 0xfeed, 7))
	assert.Zero(t, reg.Live())
}

func TestRevokeFreesTable(t *testing.T) {
	ctx := context.Background()
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	var (
		mu      sync.Mutex
		reasons []Reason
	)
	reg.OnDestroy(func(_ Handle, r Reason) {
		mu.Lock()
		reasons = append(reasons, r)
		mu.Unlock()
	})

	h, err := reg.Pin(ctx, pinRange(0))
	require.NoError(t, err)

	accel.revoke(0)
	assert.EqualValues(t, 1, accel.frees.Load())
	assert.False(t, reg.Valid(h))
	assert.Zero(t, reg.Live())

	// The revoked handle is already gone
	assert.ErrorIs(t, reg.Unpin(ctx, h, 0xfeed, 7), ErrInvalidHandle)
	assert.ErrorIs(t, reg.Revoke(h), ErrInvalidHandle)
	assert.Zero(t, accel.unpins.Load())
	assert.Equal(t, []Reason{ReasonRevoke}, reasons)
}

func TestRevokeReleasePending(t *testing.T) {
	ctx := context.Background()
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	h, err := reg.Pin(ctx, pinRange(0))
	require.NoError(t, err)
	accel.setUnpinErr(syscall.EIO)
	require.Error(t, reg.Unpin(ctx, h, 0xfeed, 7))

	require.NoError(t, reg.Revoke(h))
	assert.EqualValues(t, 1, accel.frees.Load())
	assert.Zero(t, reg.Live())
	assert.Empty(t, reg.Pending())
}

func TestRevokeDuringPin(t *testing.T) {
	accel := newFakeAccel()
	accel.onPin = func(revoke interfaces.RevokeFunc) { revoke() }
	reg := newTestRegistry(accel)

	var reason atomic.Int32
	reason.Store(-1)
	reg.OnDestroy(func(_ Handle, r Reason) { reason.Store(int32(r)) })

	h, err := reg.Pin(context.Background(), pinRange(0))
	assert.ErrorIs(t, err, ErrRevoked)
	assert.Equal(t, Null, h)
	assert.EqualValues(t, 1, accel.frees.Load())
	assert.Zero(t, accel.unpins.Load())
	assert.EqualValues(t, ReasonRevokedWhilePinning, reason.Load())
	assert.Zero(t, reg.Live())
}

func TestRevokeDuringRelease(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		unpinErr error
		wantErr  error
		reason   Reason
		frees    int32
	}{
		{"unpin refused", syscall.EINVAL, ErrRevoked, ReasonRevoke, 1},
		{"unpin succeeded", nil, nil, ReasonUnpin, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			accel := newFakeAccel()
			reg := newTestRegistry(accel)
			h, err := reg.Pin(ctx, pinRange(0))
			require.NoError(t, err)

			var reasons []Reason
			reg.OnDestroy(func(_ Handle, r Reason) { reasons = append(reasons, r) })
			accel.setUnpinErr(tt.unpinErr)
			accel.onUnpin = func(addr uint64) {
				accel.revoke(addr)
				assert.Equal(t, StateRevokedWhileReleasing, reg.State(h))
			}

			err = reg.Unpin(ctx, h, 0xfeed, 7)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotErrorIs(t, err, ErrReleasePending)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []Reason{tt.reason}, reasons)
			assert.EqualValues(t, tt.frees, accel.frees.Load())
			assert.Zero(t, reg.Live())
			assert.Empty(t, reg.Pending())
		})
	}
}

func TestAcquireHoldsOffRelease(t *testing.T) {
	ctx := context.Background()
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	h, err := reg.Pin(ctx, pinRange(0))
	require.NoError(t, err)

	table, release, err := reg.Acquire(h)
	require.NoError(t, err)
	require.Equal(t, 4, table.Entries())

	done := make(chan error, 1)
	go func() { done <- reg.Unpin(ctx, h, 0xfeed, 7) }()

	select {
	case err := <-done:
		t.Fatalf("unpin completed while table was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, accel.unpins.Load())

	release()
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, accel.unpins.Load())
}

func TestConcurrentRevokeAndUnpin(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		accel := newFakeAccel()
		reg := newTestRegistry(accel)

		h, err := reg.Pin(ctx, pinRange(0))
		require.NoError(t, err)

		var g errgroup.Group
		var unpinErr, revokeErr error
		start := make(chan struct{})
		g.Go(func() error {
			<-start
			unpinErr = reg.Unpin(ctx, h, 0xfeed, 7)
			return nil
		})
		g.Go(func() error {
			<-start
			revokeErr = reg.Revoke(h)
			return nil
		})
		close(start)
		require.NoError(t, g.Wait())

		released := accel.unpins.Load() + accel.frees.Load()
		require.EqualValues(t, 1, released, "iteration %d: table released %d times", i, released)
		require.Zero(t, reg.Live())

		if unpinErr == nil {
			assert.ErrorIs(t, revokeErr, ErrInvalidHandle)
		} else {
			assert.NoError(t, revokeErr)
			assert.ErrorIs(t, unpinErr, ErrInvalidHandle)
		}
	}
}

func TestConcurrentPinUnpin(t *testing.T) {
	ctx := context.Background()
	accel := newFakeAccel()
	reg := newTestRegistry(accel)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				rng := pinRange(uint64(w)<<32 | uint64(i)<<16)
				h, err := reg.Pin(ctx, rng)
				if err != nil {
					return err
				}
				_, release, err := reg.Acquire(h)
				if err != nil {
					return err
				}
				release()
				if err := reg.Unpin(ctx, h, rng.PeerToken, rng.VASpaceToken); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, reg.Live())
	assert.EqualValues(t, 800, accel.unpins.Load())
}

func TestHandleEncoding(t *testing.T) {
	h := makeHandle(5, 9)
	idx, ok := h.index()
	require.True(t, ok)
	assert.Equal(t, 5, idx)
	assert.EqualValues(t, 9, h.generation())
	assert.Equal(t, "0x900000006", h.String())

	_, ok = Null.index()
	assert.False(t, ok)
}

func TestStateAndReasonNames(t *testing.T) {
	assert.Equal(t, "pinned", StatePinned.String())
	assert.Equal(t, "revoked-while-releasing", StateRevokedWhileReleasing.String())
	assert.Equal(t, "State(99)", State(99).String())

	assert.Equal(t, "unpin", ReasonUnpin.String())
	assert.Equal(t, "revoke", ReasonRevoke.String())
	assert.Equal(t, "pin-failed", ReasonPinFailed.String())
	assert.Equal(t, "revoked-while-pinning", ReasonRevokedWhilePinning.String())
	assert.Equal(t, "Reason(7)", Reason(7).String())
}
