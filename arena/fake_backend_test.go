package arena_test

import (
	"sync/atomic"
	"time"
)

// fakeBackend hands out non-overlapping fake addresses without touching
// real memory, so arena bookkeeping (bitmaps, memid encoding, search order)
// can be exercised without mmap and without depending on the host platform.
type fakeBackend struct {
	next        atomic.Uint64
	commits     atomic.Int32
	decommits   atomic.Int32
	resets      atomic.Int32
	failAlloc   bool
	commitErr   error
}

const fakeRegionStride = uint64(1) << 34 // keep regions far enough apart to never "overlap"

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{}
	b.next.Store(fakeRegionStride) // keep 0 reserved for "no address"
	return b
}

func (b *fakeBackend) AllocAligned(size, alignment uintptr, commit bool, allowLarge *bool) (uintptr, error) {
	if b.failAlloc {
		return 0, errOOM
	}
	ptr := b.next.Add(fakeRegionStride)
	*allowLarge = false
	return uintptr(ptr), nil
}

func (b *fakeBackend) AllocAlignedOffset(size, alignment, offset uintptr, commit bool, allowLarge *bool) (uintptr, error) {
	return b.AllocAligned(size, alignment, commit, allowLarge)
}

func (b *fakeBackend) FreeAligned(ptr, size, alignment, offset uintptr, wasCommitted bool) error {
	return nil
}

func (b *fakeBackend) FreeEx(ptr, size uintptr, wasCommitted bool) error { return nil }

func (b *fakeBackend) Commit(ptr, size uintptr) (bool, error) {
	b.commits.Add(1)
	if b.commitErr != nil {
		return false, b.commitErr
	}
	return false, nil
}

func (b *fakeBackend) Decommit(ptr, size uintptr) error {
	b.decommits.Add(1)
	return nil
}

func (b *fakeBackend) Reset(ptr, size uintptr) error {
	b.resets.Add(1)
	return nil
}

func (b *fakeBackend) AllocHugeOSPages(pages, node int, timeout time.Duration) (uintptr, int, uintptr, error) {
	if b.failAlloc {
		return 0, 0, 0, errOOM
	}
	ptr := b.next.Add(fakeRegionStride)
	return uintptr(ptr), pages, uintptr(pages) * (1 << 30), nil
}

func (b *fakeBackend) FreeHugePages(ptr, size uintptr) error { return nil }

// fakeNUMA reports a fixed node/count, overridable per test.
type fakeNUMA struct {
	node  int
	count int
}

func (n fakeNUMA) Node() int      { return n.node }
func (n fakeNUMA) NodeCount() int { return n.count }

var errOOM = fakeError("fake backend: out of memory")

type fakeError string

func (e fakeError) Error() string { return string(e) }
