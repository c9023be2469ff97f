package donard

import (
	"context"
	"sync"

	"github.com/sbates130272/nvme-donard/internal/nvme"
	"github.com/sbates130272/nvme-donard/internal/uapi"
)

// MockAccelerator provides a mock implementation of Accelerator for
// testing. Every pin gets a table of pages of one size class at
// deliberately scattered physical addresses, and every call is counted.
type MockAccelerator struct {
	class    PageSize
	pageSize uint64
	physBase uint64

	mu       sync.RWMutex
	pinErr    error
	unpinErr  error
	unpinHook func(PinRange)
	revokes   map[uint64]RevokeFunc
	pinned    map[uint64]*PageTable

	// Method call tracking
	pinCalls   int
	unpinCalls int
	freeCalls  int
}

// NewMockAccelerator creates a mock accelerator handing out pages of the
// given size class
func NewMockAccelerator(class PageSize) *MockAccelerator {
	ps, err := class.Bytes()
	if err != nil {
		ps = PageSize64K
	}
	return &MockAccelerator{
		class:    class,
		pageSize: ps,
		physBase: 0x20_0000_0000,
		revokes:  make(map[uint64]RevokeFunc),
		pinned:   make(map[uint64]*PageTable),
	}
}

// Pin implements the Accelerator interface
func (m *MockAccelerator) Pin(ctx context.Context, r PinRange, revoke RevokeFunc) (*PageTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pinCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.pinErr != nil {
		return nil, m.pinErr
	}

	n := (r.Size + m.pageSize - 1) / m.pageSize
	addrs := make([]uint64, n)
	for i := range addrs {
		// Reverse order so that no two pages are physically adjacent
		addrs[i] = m.physBase + r.Address + (n-uint64(i))*2*m.pageSize
	}
	table := &PageTable{PageSize: m.class, Pages: make([]Page, n)}
	for i, a := range addrs {
		table.Pages[i] = Page{PhysicalAddress: a}
	}

	m.revokes[r.Address] = revoke
	m.pinned[r.Address] = table
	return table, nil
}

// Unpin implements the Accelerator interface
func (m *MockAccelerator) Unpin(_ context.Context, r PinRange, _ *PageTable) error {
	m.mu.RLock()
	hook := m.unpinHook
	m.mu.RUnlock()
	if hook != nil {
		hook(r)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.unpinCalls++
	if m.unpinErr != nil {
		return m.unpinErr
	}
	delete(m.revokes, r.Address)
	delete(m.pinned, r.Address)
	return nil
}

// FreeTable implements the Accelerator interface
func (m *MockAccelerator) FreeTable(table *PageTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freeCalls++
	for addr, t := range m.pinned {
		if t == table {
			delete(m.pinned, addr)
			delete(m.revokes, addr)
		}
	}
	return nil
}

// Testing utility methods

// SetPinError makes every following Pin fail with err (nil to clear)
func (m *MockAccelerator) SetPinError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinErr = err
}

// SetUnpinError makes every following Unpin fail with err (nil to clear)
func (m *MockAccelerator) SetUnpinError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpinErr = err
}

// SetUnpinHook makes every following Unpin call fn before deciding its
// result. fn runs without the mock's lock held, so it may block.
func (m *MockAccelerator) SetUnpinHook(fn func(PinRange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpinHook = fn
}

// Revoke invokes the revoke callback of the region pinned at address, as
// the accelerator would on process exit. It reports whether a callback
// was found.
func (m *MockAccelerator) Revoke(address uint64) bool {
	m.mu.RLock()
	fn := m.revokes[address]
	m.mu.RUnlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// Table returns the page table handed out for the region at address
func (m *MockAccelerator) Table(address uint64) *PageTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinned[address]
}

// Pinned returns the number of regions the accelerator still holds
func (m *MockAccelerator) Pinned() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pinned)
}

// CallCounts returns the number of times each method has been called
func (m *MockAccelerator) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"pin":   m.pinCalls,
		"unpin": m.unpinCalls,
		"free":  m.freeCalls,
	}
}

// MockMMU provides a mock implementation of MMU that records installed
// pages.
type MockMMU struct {
	mu     sync.RWMutex
	pages  map[uint64]MockMapping
	mapErr error
	failAt int

	// Method call tracking
	mapCalls   int
	unmapCalls int
}

// MockMapping is one page installed in a MockMMU
type MockMapping struct {
	Phys uint64
	Size uint64
	Prot Prot
}

// NewMockMMU creates an empty mock MMU
func NewMockMMU() *MockMMU {
	return &MockMMU{pages: make(map[uint64]MockMapping)}
}

// MapPage implements the MMU interface
func (m *MockMMU) MapPage(_ context.Context, virt, phys, size uint64, prot Prot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mapCalls++
	if m.mapErr != nil && m.mapCalls >= m.failAt {
		return m.mapErr
	}
	m.pages[virt] = MockMapping{Phys: phys, Size: size, Prot: prot}
	return nil
}

// UnmapPage implements the MMU interface
func (m *MockMMU) UnmapPage(_ context.Context, virt, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unmapCalls++
	delete(m.pages, virt)
	return nil
}

// FailFrom makes the nth and every later MapPage call fail with err,
// counting from the calls made so far
func (m *MockMMU) FailFrom(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt = m.mapCalls + n
	m.mapErr = err
}

// Translate returns the page installed at virt
func (m *MockMMU) Translate(virt uint64) (MockMapping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[virt]
	return p, ok
}

// Mapped returns the number of installed pages
func (m *MockMMU) Mapped() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

// MockCommandQueue provides a mock implementation of CommandQueue that
// records submitted commands and completes them with a fixed status.
type MockCommandQueue struct {
	pageSize uint32

	mu       sync.RWMutex
	status   NVMeStatus
	err      error
	commands []uapi.RWCommand
	prpLists [][]uint64
}

// NewMockCommandQueue creates a queue with the given controller page size
func NewMockCommandQueue(pageSize uint32) *MockCommandQueue {
	return &MockCommandQueue{pageSize: pageSize}
}

// ControllerPageSize implements the CommandQueue interface
func (q *MockCommandQueue) ControllerPageSize() uint32 {
	return q.pageSize
}

// Submit implements the CommandQueue interface
func (q *MockCommandQueue) Submit(ctx context.Context, cmd *uapi.RWCommand, prpList []uint64) (NVMeStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nvme.StatusInternal, err
	}
	q.commands = append(q.commands, *cmd)
	q.prpLists = append(q.prpLists, append([]uint64(nil), prpList...))
	return q.status, q.err
}

// SetCompletion makes every following command complete with status and err
func (q *MockCommandQueue) SetCompletion(status NVMeStatus, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status, q.err = status, err
}

// Commands returns copies of the submitted commands
func (q *MockCommandQueue) Commands() []uapi.RWCommand {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]uapi.RWCommand(nil), q.commands...)
}

// PRPLists returns the PRP list submitted with each command
func (q *MockCommandQueue) PRPLists() [][]uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([][]uint64(nil), q.prpLists...)
}

// Compile-time interface checks
var (
	_ Accelerator  = (*MockAccelerator)(nil)
	_ MMU          = (*MockMMU)(nil)
	_ CommandQueue = (*MockCommandQueue)(nil)
)
