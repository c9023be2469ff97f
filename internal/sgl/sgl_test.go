package sgl

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbates130272/nvme-donard/internal/constants"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
)

// scatteredTable returns a table of n pages whose physical addresses are
// deliberately non-contiguous.
func scatteredTable(class pagetable.PageSize, n int) *pagetable.Table {
	ps, _ := class.Bytes()
	addrs := make([]uint64, n)
	for i := range addrs {
		addrs[i] = 0x10_0000_0000 + uint64(n-i)*ps*3
	}
	return pagetable.New(class, addrs...)
}

func TestBuildFullTable(t *testing.T) {
	for _, class := range []pagetable.PageSize{pagetable.PageSize4KB, pagetable.PageSize64KB, pagetable.PageSize128KB} {
		class := class
		t.Run(class.String(), func(t *testing.T) {
			const n = 8
			tbl := scatteredTable(class, n)
			ps, _ := class.Bytes()

			l, err := Build(tbl, 0, n*ps)
			require.NoError(t, err)
			defer l.Release()

			want := make([]Segment, n)
			for i, p := range tbl.Pages {
				want[i] = Segment{Addr: p.PhysicalAddress, Len: uint32(ps)}
			}
			if diff := cmp.Diff(want, l.Segments()); diff != "" {
				t.Errorf("segments mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, n, l.Capacity())
			assert.Equal(t, uint64(n)*ps, l.Length())
		})
	}
}

func TestBuildHalfPageOffset(t *testing.T) {
	tbl := scatteredTable(pagetable.PageSize64KB, 4)
	const ps = constants.PageSize64K

	l, err := Build(tbl, ps/2, ps)
	require.NoError(t, err)
	defer l.Release()

	want := []Segment{
		{Addr: tbl.Pages[0].PhysicalAddress + ps/2, Len: ps / 2},
		{Addr: tbl.Pages[1].PhysicalAddress, Len: ps / 2},
	}
	if diff := cmp.Diff(want, l.Segments()); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildStartsMidTable(t *testing.T) {
	tbl := scatteredTable(pagetable.PageSize4KB, 10)
	const ps = constants.PageSize4K

	l, err := Build(tbl, 3*ps+100, 2*ps)
	require.NoError(t, err)
	defer l.Release()

	want := []Segment{
		{Addr: tbl.Pages[3].PhysicalAddress + 100, Len: ps - 100},
		{Addr: tbl.Pages[4].PhysicalAddress, Len: ps},
		{Addr: tbl.Pages[5].PhysicalAddress, Len: 100},
	}
	if diff := cmp.Diff(want, l.Segments()); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	// Capacity is reserved from the start page to the end of the table
	assert.Equal(t, 7, l.Capacity())
	assert.Equal(t, 3, l.Len())
}

func TestBuildInsufficientPages(t *testing.T) {
	const n = 4
	tbl := scatteredTable(pagetable.PageSize4KB, n)
	const ps = constants.PageSize4K
	total := uint64(n * ps)

	tests := []struct {
		name           string
		offset, length uint64
	}{
		{"one byte past end", 0, total + 1},
		{"offset plus length past end", ps, total},
		{"offset at end", total, 1},
		{"offset far beyond", 100 * total, ps},
		{"last byte overruns", total - 1, 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			l, err := Build(tbl, tt.offset, tt.length)
			assert.Nil(t, l)
			assert.True(t, errors.Is(err, ErrInsufficientPages), "got %v", err)
		})
	}
}

func TestBuildRejectsLength(t *testing.T) {
	tbl := scatteredTable(pagetable.PageSize128KB, 2)

	_, err := Build(tbl, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = Build(tbl, 0, constants.MaxTransferSize+1)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestBuildUnsupportedPageSize(t *testing.T) {
	tbl := pagetable.New(pagetable.PageSize(9), 0x1000, 0x2000)
	_, err := Build(tbl, 0, 10)
	assert.ErrorIs(t, err, pagetable.ErrUnsupportedPageSize)
}

// The summed segment length equals the requested length for every build
// that succeeds, and the build fails exactly when the window overruns.
func TestBuildCoverageProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	classes := []pagetable.PageSize{pagetable.PageSize4KB, pagetable.PageSize64KB, pagetable.PageSize128KB}

	for i := 0; i < 2000; i++ {
		class := classes[rng.Intn(len(classes))]
		ps, _ := class.Bytes()
		n := 1 + rng.Intn(40)
		tbl := scatteredTable(class, n)
		total := uint64(n) * ps

		offset := uint64(rng.Int63n(int64(total + ps)))
		length := 1 + uint64(rng.Int63n(int64(total)))

		l, err := Build(tbl, offset, length)
		if offset+length > total {
			require.ErrorIs(t, err, ErrInsufficientPages, "offset=%d length=%d total=%d", offset, length, total)
			continue
		}
		require.NoError(t, err, "offset=%d length=%d total=%d", offset, length, total)

		var sum uint64
		for j, s := range l.Segments() {
			sum += uint64(s.Len)
			if j > 0 {
				require.Zero(t, s.Addr%ps, "segment %d not page aligned", j)
			}
		}
		require.Equal(t, length, sum)
		require.LessOrEqual(t, l.Len(), n-int(offset/ps))
		l.Release()
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tbl := scatteredTable(pagetable.PageSize4KB, 2)
	l, err := Build(tbl, 0, 10)
	require.NoError(t, err)

	l.Release()
	l.Release()
	assert.Nil(t, l.Segments())

	var nilList *List
	nilList.Release()
}

func TestSegmentPoolBuckets(t *testing.T) {
	tests := []struct {
		n       int
		wantCap int
	}{
		{1, constants.SegmentBucketSmall},
		{constants.SegmentBucketSmall, constants.SegmentBucketSmall},
		{constants.SegmentBucketSmall + 1, constants.SegmentBucketMedium},
		{constants.SegmentBucketLarge, constants.SegmentBucketLarge},
		{constants.SegmentBucketHuge, constants.SegmentBucketHuge},
		{constants.SegmentBucketHuge + 1, constants.SegmentBucketHuge + 1},
	}

	for _, tt := range tests {
		s := getSegments(tt.n)
		assert.Len(t, s, 0)
		assert.Equal(t, tt.wantCap, cap(s), "n=%d", tt.n)
		putSegments(s)
	}
}

func BenchmarkBuild64K(b *testing.B) {
	tbl := scatteredTable(pagetable.PageSize64KB, 256)
	for i := 0; i < b.N; i++ {
		l, err := Build(tbl, 4096, 1<<20)
		if err != nil {
			b.Fatal(err)
		}
		l.Release()
	}
}
