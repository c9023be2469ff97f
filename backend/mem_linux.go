//go:build linux

package backend

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func allocate(size int64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func release(b []byte) error {
	return unix.Munmap(b)
}

// zero hands whole pages back to the kernel and clears the edges by hand
func zero(b []byte) error {
	ps := os.Getpagesize()
	head := 0
	if r := uintptr(unsafe.Pointer(unsafe.SliceData(b))) % uintptr(ps); r != 0 {
		head = min(len(b), ps-int(r))
	}
	tail := len(b) - (len(b)-head)%ps
	if tail > head {
		if err := unix.Madvise(b[head:tail], unix.MADV_DONTNEED); err != nil {
			return err
		}
	}
	clear(b[:head])
	clear(b[tail:])
	return nil
}
