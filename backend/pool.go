package backend

import "sync"

// Bounce buffers carry one controller page between the namespace media and
// the physical window. They are bucketed by the page sizes controllers
// commonly report; anything else is allocated per command.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size4k  = 4 * 1024
	size16k = 16 * 1024
	size64k = 64 * 1024
)

var bouncePool = struct {
	pool4k  sync.Pool
	pool16k sync.Pool
	pool64k sync.Pool
}{
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool16k: sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
}

// getBuffer returns a buffer of exactly size bytes. Caller must call
// putBuffer when done.
func getBuffer(size uint64) []byte {
	switch {
	case size <= size4k:
		return (*bouncePool.pool4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*bouncePool.pool16k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*bouncePool.pool64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// putBuffer returns a buffer to the pool its capacity belongs to
func putBuffer(buf []byte) {
	buf = buf[:cap(buf)]
	switch cap(buf) {
	case size4k:
		bouncePool.pool4k.Put(&buf)
	case size16k:
		bouncePool.pool16k.Put(&buf)
	case size64k:
		bouncePool.pool64k.Put(&buf)
	}
}
