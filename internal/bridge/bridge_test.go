package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbates130272/nvme-donard/internal/logging"
	"github.com/sbates130272/nvme-donard/internal/nvme"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
	"github.com/sbates130272/nvme-donard/internal/sgl"
	"github.com/sbates130272/nvme-donard/internal/uapi"
)

type fakeQueue struct {
	pageSize uint32
	status   nvme.Status
	err      error
	cmds     []uapi.RWCommand
	lists    [][]uint64
}

func (q *fakeQueue) ControllerPageSize() uint32 { return q.pageSize }

func (q *fakeQueue) Submit(_ context.Context, cmd *uapi.RWCommand, prpList []uint64) (nvme.Status, error) {
	q.cmds = append(q.cmds, *cmd)
	q.lists = append(q.lists, append([]uint64(nil), prpList...))
	return q.status, q.err
}

func newTestBridge(q *fakeQueue) *Bridge {
	return New(q, logging.NewLogger(&logging.Config{Level: logging.LevelError, Sync: true, NoColor: true}))
}

func buildList(t *testing.T, class pagetable.PageSize, pages int, offset, length uint64) (*sgl.List, *pagetable.Table) {
	t.Helper()
	ps, err := class.Bytes()
	require.NoError(t, err)
	addrs := make([]uint64, pages)
	for i := range addrs {
		addrs[i] = 0x2_0000_0000 + uint64(pages-i)*ps*2
	}
	tbl := pagetable.New(class, addrs...)
	l, err := sgl.Build(tbl, offset, length)
	require.NoError(t, err)
	return l, tbl
}

func TestSubmitSinglePage(t *testing.T) {
	q := &fakeQueue{pageSize: 4096}
	b := newTestBridge(q)
	l, tbl := buildList(t, pagetable.PageSize4KB, 1, 0, 4096)

	cmd := Command{Opcode: nvme.OpRead, NBlocks: 7, SLBA: 100, Control: 0x4000, DSMgmt: 3, RefTag: 9, AppTag: 1, AppMask: 2}
	status, err := b.Submit(context.Background(), l, Namespace{ID: 1, LBAShift: 9}, cmd)
	require.NoError(t, err)
	assert.Equal(t, nvme.StatusSuccess, status)
	assert.Nil(t, l.Segments(), "list must be released")

	require.Len(t, q.cmds, 1)
	got := q.cmds[0]
	got.CommandID = 0
	want := uapi.RWCommand{
		Opcode:  uapi.NVMeCmdRead,
		NSID:    1,
		PRP1:    tbl.Pages[0].PhysicalAddress,
		SLBA:    100,
		Length:  7,
		Control: 0x4000,
		DSMgmt:  3,
		RefTag:  9,
		AppTag:  1,
		AppMask: 2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, q.lists[0])
}

func TestSubmitTwoPagesInline(t *testing.T) {
	q := &fakeQueue{pageSize: 4096}
	b := newTestBridge(q)
	l, tbl := buildList(t, pagetable.PageSize4KB, 2, 0, 8192)

	_, err := b.Submit(context.Background(), l, Namespace{ID: 1, LBAShift: 12}, Command{Opcode: nvme.OpWrite, NBlocks: 1})
	require.NoError(t, err)
	assert.Equal(t, tbl.Pages[0].PhysicalAddress, q.cmds[0].PRP1)
	assert.Equal(t, tbl.Pages[1].PhysicalAddress, q.cmds[0].PRP2)
	assert.Empty(t, q.lists[0])
}

func TestSubmitPRPList(t *testing.T) {
	q := &fakeQueue{pageSize: 4096}
	b := newTestBridge(q)
	// One 64K accelerator page splits into 16 controller pages
	l, tbl := buildList(t, pagetable.PageSize64KB, 2, 0, 1<<16)

	_, err := b.Submit(context.Background(), l, Namespace{ID: 2, LBAShift: 9}, Command{Opcode: nvme.OpWrite, NBlocks: 127})
	require.NoError(t, err)

	base := tbl.Pages[0].PhysicalAddress
	assert.Equal(t, base, q.cmds[0].PRP1)
	assert.Zero(t, q.cmds[0].PRP2, "queue owns the list pointer")
	require.Len(t, q.lists[0], 15)
	for i, e := range q.lists[0] {
		assert.Equal(t, base+uint64(i+1)*4096, e)
	}
}

func TestSubmitLengthMismatch(t *testing.T) {
	q := &fakeQueue{pageSize: 4096}
	b := newTestBridge(q)
	l, _ := buildList(t, pagetable.PageSize4KB, 4, 0, 4096)

	_, err := b.Submit(context.Background(), l, Namespace{ID: 1, LBAShift: 9}, Command{Opcode: nvme.OpRead, NBlocks: 15})
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Empty(t, q.cmds)
	assert.Nil(t, l.Segments())
}

func TestSubmitLongerListRejected(t *testing.T) {
	q := &fakeQueue{pageSize: 4096}
	b := newTestBridge(q)
	l, _ := buildList(t, pagetable.PageSize4KB, 4, 0, 4*4096)

	status, err := b.Submit(context.Background(), l, Namespace{ID: 1, LBAShift: 9}, Command{Opcode: nvme.OpRead, NBlocks: 7})
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Equal(t, nvme.StatusInvalidField, status)
	assert.Empty(t, q.cmds)
}

func TestSubmitInexpressibleLayout(t *testing.T) {
	// Controller pages larger than the accelerator's leave every 4K
	// segment ending inside a controller page.
	q := &fakeQueue{pageSize: 1 << 16}
	b := newTestBridge(q)
	l, _ := buildList(t, pagetable.PageSize4KB, 3, 0, 8192)

	_, err := b.Submit(context.Background(), l, Namespace{ID: 1, LBAShift: 9}, Command{Opcode: nvme.OpRead, NBlocks: 15})
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Empty(t, q.cmds)
}

func TestSubmitUnsupportedOpcode(t *testing.T) {
	q := &fakeQueue{pageSize: 4096}
	b := newTestBridge(q)
	l, _ := buildList(t, pagetable.PageSize4KB, 1, 0, 4096)

	status, err := b.Submit(context.Background(), l, Namespace{ID: 1, LBAShift: 9}, Command{Opcode: nvme.Opcode(uapi.NVMeCmdFlush), NBlocks: 7})
	assert.ErrorIs(t, err, ErrUnsupportedOpcode)
	assert.Equal(t, nvme.StatusInvalidOpcode, status)
	assert.Empty(t, q.cmds)
	assert.Nil(t, l.Segments())
}

func TestSubmitNilList(t *testing.T) {
	b := newTestBridge(&fakeQueue{pageSize: 4096})
	_, err := b.Submit(context.Background(), nil, Namespace{ID: 1, LBAShift: 9}, Command{Opcode: nvme.OpRead})
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestSubmitErrorStatus(t *testing.T) {
	q := &fakeQueue{pageSize: 4096, status: nvme.StatusCompareFailed}
	b := newTestBridge(q)
	l, _ := buildList(t, pagetable.PageSize4KB, 1, 0, 4096)

	status, err := b.Submit(context.Background(), l, Namespace{ID: 1, LBAShift: 9}, Command{Opcode: nvme.OpCompare, NBlocks: 7})
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, nvme.StatusCompareFailed, status)
	assert.Nil(t, l.Segments())
}

func TestSubmitQueueError(t *testing.T) {
	qerr := errors.New("queue stopped")
	q := &fakeQueue{pageSize: 4096, err: qerr}
	b := newTestBridge(q)
	l, _ := buildList(t, pagetable.PageSize4KB, 1, 0, 4096)

	_, err := b.Submit(context.Background(), l, Namespace{ID: 1, LBAShift: 9}, Command{Opcode: nvme.OpWrite, NBlocks: 7})
	assert.ErrorIs(t, err, ErrSubmitFailed)
	assert.ErrorIs(t, err, qerr)
	assert.Nil(t, l.Segments())
}

func TestSubmitAssignsCommandIDs(t *testing.T) {
	q := &fakeQueue{pageSize: 4096}
	b := newTestBridge(q)
	for i := 0; i < 3; i++ {
		l, _ := buildList(t, pagetable.PageSize4KB, 1, 0, 4096)
		_, err := b.Submit(context.Background(), l, Namespace{ID: 1, LBAShift: 9}, Command{Opcode: nvme.OpRead, NBlocks: 7})
		require.NoError(t, err)
	}
	assert.NotEqual(t, q.cmds[0].CommandID, q.cmds[1].CommandID)
	assert.NotEqual(t, q.cmds[1].CommandID, q.cmds[2].CommandID)
}
