//go:build !unix

package osmem

import (
	"sync"
	"time"
	"unsafe"
)

// HeapBackend stands in for a real OS backend on platforms without a unix
// mmap surface (notably js/wasm and Windows, neither of which this module
// targets for production use). It satisfies the Backend contract using
// pinned Go heap allocations instead of OS reservations: decommit and reset
// are no-ops beyond zeroing, since the Go runtime — not this process —
// owns the underlying pages.
//
// Arenas built on HeapBackend still exercise every bit of the bitmap,
// registry, and purge logic; they just don't return physical memory to the
// OS the way the unix backend does.
type HeapBackend struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
}

// NewBackend returns the platform Backend; on non-unix platforms this is
// HeapBackend.
func NewBackend() *HeapBackend {
	return &HeapBackend{regions: make(map[uintptr][]byte)}
}

var _ Backend = (*HeapBackend)(nil)

func (b *HeapBackend) alloc(size, alignment uintptr) uintptr {
	buf := make([]byte, size+alignment)
	raw := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	aligned := (raw + alignment - 1) &^ (alignment - 1)

	b.mu.Lock()
	b.regions[aligned] = buf
	b.mu.Unlock()
	return aligned
}

func (b *HeapBackend) AllocAligned(size, alignment uintptr, commit bool, allowLarge *bool) (uintptr, error) {
	if allowLarge != nil {
		*allowLarge = false
	}
	if alignment == 0 {
		alignment = 1
	}
	return b.alloc(size, alignment), nil
}

func (b *HeapBackend) AllocAlignedOffset(size, alignment, offset uintptr, commit bool, allowLarge *bool) (uintptr, error) {
	// offset-aligned reservations are rare enough off the arena fast path
	// (the arena search order never takes this with align_offset != 0) that
	// a conservative over-reservation is acceptable here.
	return b.AllocAligned(size+offset, alignment, commit, allowLarge)
}

func (b *HeapBackend) FreeAligned(ptr, size, alignment, offset uintptr, wasCommitted bool) error {
	b.mu.Lock()
	delete(b.regions, ptr)
	b.mu.Unlock()
	return nil
}

func (b *HeapBackend) FreeEx(ptr, size uintptr, wasCommitted bool) error {
	b.mu.Lock()
	delete(b.regions, ptr)
	b.mu.Unlock()
	return nil
}

func (b *HeapBackend) Commit(ptr, size uintptr) (bool, error) { return true, nil }

func (b *HeapBackend) Decommit(ptr, size uintptr) error {
	clearRange(ptr, size)
	return nil
}

func (b *HeapBackend) Reset(ptr, size uintptr) error {
	clearRange(ptr, size)
	return nil
}

func clearRange(ptr, size uintptr) {
	s := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
	clear(s)
}

func (b *HeapBackend) AllocHugeOSPages(pages int, node int, timeout time.Duration) (uintptr, int, uintptr, error) {
	return 0, 0, 0, ErrUnsupported
}

func (b *HeapBackend) FreeHugePages(ptr, size uintptr) error { return ErrUnsupported }
