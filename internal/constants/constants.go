package constants

import "math"

// Accelerator page-size classes in bytes
const (
	PageSize4K   = 4 * 1024
	PageSize64K  = 64 * 1024
	PageSize128K = 128 * 1024
)

// Transfer limits
const (
	// HostPageSize is the host page size used to bound a single transfer
	HostPageSize = 4096

	// MaxTransferSize is the largest byte length a descriptor list may cover
	MaxTransferSize = math.MaxInt32 - HostPageSize

	// DefaultControllerPageSize is the NVMe memory page size (CC.MPS = 0)
	DefaultControllerPageSize = 4096

	// DefaultLBAShift is the default namespace LBA shift (512-byte sectors)
	DefaultLBAShift = 9
)

// Descriptor pool buckets, in segments
const (
	SegmentBucketSmall  = 16
	SegmentBucketMedium = 128
	SegmentBucketLarge  = 1024
	SegmentBucketHuge   = 8192
)

// Registry sizing
const (
	// InitialArenaSlots is the number of handle slots reserved up front
	InitialArenaSlots = 64

	// MaxArenaSlots bounds the number of concurrently live handles
	MaxArenaSlots = 1 << 20
)

// Release retry defaults
const (
	// DefaultReleaseRetries is the number of attempts made per
	// release-pending handle by RetryPendingReleases
	DefaultReleaseRetries = 5
)
