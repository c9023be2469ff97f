// Package backend provides simulated devices for the pinning core: an
// accelerator with pinnable memory, an NVMe namespace that moves data by
// PRP, and an address space to map pinned pages into.
package backend

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for an access that falls outside a store
var ErrOutOfRange = errors.New("access out of range")

// Memory is a fixed-size byte store. On Linux the bytes live in an
// anonymous mapping so that large stores are only backed once touched.
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex
}

// NewMemory creates a zeroed store of the specified size
func NewMemory(size int64) (*Memory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid memory size %d", size)
	}
	data, err := allocate(size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	return &Memory{data: data, size: size}, nil
}

func (m *Memory) check(n int, off int64) error {
	if m.data == nil {
		return errors.New("memory closed")
	}
	if off < 0 || off > m.size || int64(n) > m.size-off {
		return fmt.Errorf("%w: %d bytes at %d of %d", ErrOutOfRange, n, off, m.size)
	}
	return nil
}

// ReadAt copies len(p) bytes at off into p. Unlike io.ReaderAt a short
// read is an error.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(len(p), off); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt copies p into the store at off
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(len(p), off); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Compare reports whether the bytes at off equal p
func (m *Memory) Compare(p []byte, off int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(len(p), off); err != nil {
		return false, err
	}
	return string(m.data[off:off+int64(len(p))]) == string(p), nil
}

// Size returns the store size in bytes
func (m *Memory) Size() int64 {
	return m.size
}

// Close releases the backing bytes
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return nil
	}
	err := release(m.data)
	m.data = nil
	return err
}

// Discard zeroes length bytes at offset, clamped to the store
func (m *Memory) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil || offset >= m.size {
		return nil
	}
	end := min(offset+length, m.size)
	return zero(m.data[offset:end])
}

// Stats returns a summary of the store
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
	}
}
