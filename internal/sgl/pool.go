package sgl

import (
	"sync"

	"github.com/sbates130272/nvme-donard/internal/constants"
)

// segmentPool provides pooled segment slices so that per-request descriptor
// lists do not allocate on the I/O path. Buckets are sized in segments;
// requests larger than the biggest bucket are allocated directly and not
// returned.
//
// Uses the *[]Segment pattern to avoid sync.Pool interface allocation overhead.
var segmentPool = struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
	huge   sync.Pool
}{
	small:  sync.Pool{New: func() any { s := make([]Segment, constants.SegmentBucketSmall); return &s }},
	medium: sync.Pool{New: func() any { s := make([]Segment, constants.SegmentBucketMedium); return &s }},
	large:  sync.Pool{New: func() any { s := make([]Segment, constants.SegmentBucketLarge); return &s }},
	huge:   sync.Pool{New: func() any { s := make([]Segment, constants.SegmentBucketHuge); return &s }},
}

// getSegments returns a zero-length slice with capacity of at least n.
func getSegments(n int) []Segment {
	switch {
	case n <= constants.SegmentBucketSmall:
		return (*segmentPool.small.Get().(*[]Segment))[:0]
	case n <= constants.SegmentBucketMedium:
		return (*segmentPool.medium.Get().(*[]Segment))[:0]
	case n <= constants.SegmentBucketLarge:
		return (*segmentPool.large.Get().(*[]Segment))[:0]
	case n <= constants.SegmentBucketHuge:
		return (*segmentPool.huge.Get().(*[]Segment))[:0]
	default:
		return make([]Segment, 0, n)
	}
}

// putSegments returns a slice to its bucket by capacity.
func putSegments(s []Segment) {
	c := cap(s)
	s = s[:c]
	clear(s)
	switch c {
	case constants.SegmentBucketSmall:
		segmentPool.small.Put(&s)
	case constants.SegmentBucketMedium:
		segmentPool.medium.Put(&s)
	case constants.SegmentBucketLarge:
		segmentPool.large.Put(&s)
	case constants.SegmentBucketHuge:
		segmentPool.huge.Put(&s)
		// Non-standard capacities are left to the GC
	}
}
