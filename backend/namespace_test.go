package backend

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbates130272/nvme-donard/internal/nvme"
	"github.com/sbates130272/nvme-donard/internal/uapi"
)

func newTestNamespace(t *testing.T) (*Namespace, *PhysMem) {
	t.Helper()
	bus, err := NewPhysMem(testPhysBase, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	ns, err := NewNamespace(bus, NamespaceConfig{ID: 1, Size: 1 << 20, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { ns.Close() })
	return ns, bus
}

func rw(op uint8, slba uint64, nblocks uint16, prp1, prp2 uint64) *uapi.RWCommand {
	return &uapi.RWCommand{Opcode: op, NSID: 1, SLBA: slba, Length: nblocks - 1, PRP1: prp1, PRP2: prp2}
}

func TestNamespaceConfig(t *testing.T) {
	bus, err := NewPhysMem(testPhysBase, 4096)
	require.NoError(t, err)
	defer bus.Close()

	for _, cfg := range []NamespaceConfig{
		{ID: 0, Size: 1 << 20},
		{ID: 1, Size: 100},
		{ID: 1, Size: 1 << 20, LBAShift: 8},
		{ID: 1, Size: 1 << 20, ControllerPageSize: 6000},
	} {
		_, err := NewNamespace(bus, cfg)
		assert.Error(t, err, "%+v", cfg)
	}

	ns, err := NewNamespace(bus, NamespaceConfig{ID: 7, Size: 1 << 20, LBAShift: 12})
	require.NoError(t, err)
	defer ns.Close()
	assert.Equal(t, uint64(256), ns.Blocks())
	assert.Equal(t, uint32(4096), ns.ControllerPageSize())
}

func TestNamespaceWriteReadCompare(t *testing.T) {
	ns, bus := newTestNamespace(t)
	ctx := context.Background()

	// 12K spread over three scattered pages, the first entered mid-page
	src := []uint64{testPhysBase + 0x8000 + 0x800, testPhysBase + 0x2000, testPhysBase + 0x5000}
	pattern := make([]byte, 12<<10)
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}
	require.NoError(t, bus.WritePhys(pattern[:0x800], src[0]))
	require.NoError(t, bus.WritePhys(pattern[0x800:0x800+4096], src[1]))
	require.NoError(t, bus.WritePhys(pattern[0x800+4096:0x800+8192], src[2]))
	require.NoError(t, bus.WritePhys(pattern[0x800+8192:], testPhysBase+0x9000))

	// 0x800 + 4096 + 4096 + 0x800 bytes: PRP1 plus a three entry list
	list := []uint64{src[1], src[2], testPhysBase + 0x9000}
	status, err := ns.Submit(ctx, rw(uapi.NVMeCmdWrite, 10, 24, src[0], 0), list)
	require.NoError(t, err)
	require.Equal(t, nvme.StatusSuccess, status)
	assert.Equal(t, uint64(24), ns.WrittenBlocks())
	assert.True(t, ns.Written(10))
	assert.True(t, ns.Written(33))
	assert.False(t, ns.Written(34))

	// Read it back into one contiguous two-page buffer and a third page
	dst := testPhysBase + 0x40000
	status, err = ns.Submit(ctx, rw(uapi.NVMeCmdRead, 10, 24, dst, 0), []uint64{dst + 4096, dst + 8192})
	require.NoError(t, err)
	require.Equal(t, nvme.StatusSuccess, status)
	got := make([]byte, len(pattern))
	require.NoError(t, bus.ReadPhys(got, dst))
	assert.True(t, bytes.Equal(pattern, got))

	status, err = ns.Submit(ctx, rw(uapi.NVMeCmdCompare, 10, 8, dst, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, nvme.StatusSuccess, status)

	require.NoError(t, bus.WritePhys([]byte{0xff}, dst+100))
	status, err = ns.Submit(ctx, rw(uapi.NVMeCmdCompare, 10, 8, dst, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, nvme.StatusCompareFailed, status)
}

func TestNamespaceTwoEntryPRP(t *testing.T) {
	ns, bus := newTestNamespace(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x5a}, 4096)
	require.NoError(t, bus.WritePhys(data[:1024], testPhysBase+3072))
	require.NoError(t, bus.WritePhys(data[1024:], testPhysBase+0x10000))

	status, err := ns.Submit(ctx, rw(uapi.NVMeCmdWrite, 0, 8, testPhysBase+3072, testPhysBase+0x10000), nil)
	require.NoError(t, err)
	require.Equal(t, nvme.StatusSuccess, status)

	status, err = ns.Submit(ctx, rw(uapi.NVMeCmdRead, 0, 8, testPhysBase+0x20000, 0), nil)
	require.NoError(t, err)
	require.Equal(t, nvme.StatusSuccess, status)
	got := make([]byte, 4096)
	require.NoError(t, bus.ReadPhys(got, testPhysBase+0x20000))
	assert.Equal(t, data, got)
}

func TestNamespaceCommandErrors(t *testing.T) {
	ns, _ := newTestNamespace(t)
	ctx := context.Background()
	nlb := ns.Blocks()

	wrongNS := rw(uapi.NVMeCmdRead, 0, 1, testPhysBase, 0)
	wrongNS.NSID = 2

	tests := []struct {
		name   string
		cmd    *uapi.RWCommand
		list   []uint64
		status nvme.Status
	}{
		{"wrong namespace", wrongNS, nil, nvme.StatusInvalidNamespace},
		{"flush", rw(uapi.NVMeCmdFlush, 0, 1, testPhysBase, 0), nil, nvme.StatusInvalidOpcode},
		{"slba past end", rw(uapi.NVMeCmdRead, nlb, 1, testPhysBase, 0), nil, nvme.StatusLBARange},
		{"run past end", rw(uapi.NVMeCmdRead, nlb-4, 8, testPhysBase, 0), nil, nvme.StatusLBARange},
		{"no prp1", rw(uapi.NVMeCmdRead, 0, 1, 0, 0), nil, nvme.StatusInvalidField},
		{"misaligned prp2", rw(uapi.NVMeCmdRead, 0, 16, testPhysBase, testPhysBase+0x3001), nil, nvme.StatusInvalidField},
		{"short list", rw(uapi.NVMeCmdRead, 0, 24, testPhysBase, 0), []uint64{testPhysBase + 0x1000}, nvme.StatusInvalidField},
		{"three pages without list", rw(uapi.NVMeCmdRead, 0, 24, testPhysBase, testPhysBase+0x1000), nil, nvme.StatusInvalidField},
		{"outside bus", rw(uapi.NVMeCmdRead, 0, 8, testPhysBase+1<<20, 0), nil, nvme.StatusDataXferError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			status, err := ns.Submit(ctx, tt.cmd, tt.list)
			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
		})
	}

	stats := ns.Stats()
	assert.Equal(t, uint64(len(tests)), stats["failed"])
	assert.Zero(t, ns.WrittenBlocks())

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := ns.Submit(canceled, rw(uapi.NVMeCmdRead, 0, 1, testPhysBase, 0), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
