// Package osmem is the arena subsystem's collaboration boundary with the
// operating system: reserve, commit, decommit, reset, and huge-page
// primitives, plus the NUMA and clock queries the allocator and purge engine
// need. Spec §6 lists these as external collaborators the arena subsystem
// consumes rather than implements; this package is where that consumption
// actually happens for a real process instead of a mock.
package osmem

import (
	"errors"
	"time"
)

// ErrOutOfMemory is returned when the OS refuses a reservation or commit.
var ErrOutOfMemory = errors.New("osmem: out of memory")

// ErrUnsupported is returned by operations this platform's Backend cannot
// perform, e.g. huge pages on a platform with no such concept.
var ErrUnsupported = errors.New("osmem: unsupported on this platform")

// Backend is the OS memory primitive surface the arena subsystem needs.
// Sizes and addresses are in bytes; all offsets are already validated by the
// caller (the arena package enforces alignment and size preconditions before
// ever reaching here).
type Backend interface {
	// AllocAligned reserves size bytes aligned to alignment, optionally
	// committing it up front and optionally backing it with large/huge
	// pages. allowLarge is updated in place to report whether large pages
	// were actually used.
	AllocAligned(size, alignment uintptr, commit bool, allowLarge *bool) (ptr uintptr, err error)

	// AllocAlignedOffset is AllocAligned but the returned pointer satisfies
	// (ptr+offset)%alignment == 0 rather than ptr%alignment == 0.
	AllocAlignedOffset(size, alignment, offset uintptr, commit bool, allowLarge *bool) (ptr uintptr, err error)

	// FreeAligned releases a region obtained from AllocAligned or
	// AllocAlignedOffset.
	FreeAligned(ptr, size, alignment, offset uintptr, wasCommitted bool) error

	// FreeEx releases a region without alignment bookkeeping, for backends
	// that reserved it directly (e.g. huge pages).
	FreeEx(ptr, size uintptr, wasCommitted bool) error

	// Commit ensures the given range is backed by physical memory.
	// commitZeroed reports whether the OS is known to hand back zeroed
	// pages as a side effect of this call.
	Commit(ptr, size uintptr) (commitZeroed bool, err error)

	// Decommit drops the physical backing of a range; the range remains
	// reserved (no other allocation may reuse the address range) but is no
	// longer committed.
	Decommit(ptr, size uintptr) error

	// Reset advises the OS that a range's contents are no longer needed; the
	// mapping and commit state are left untouched, but physical frames may
	// be reclaimed lazily.
	Reset(ptr, size uintptr) error

	// AllocHugeOSPages reserves the given number of 1GiB huge pages on the
	// given NUMA node (-1 for "any"), waiting up to timeout. It reports how
	// many pages were actually reserved, which may be fewer than requested.
	AllocHugeOSPages(pages int, node int, timeout time.Duration) (ptr uintptr, pagesReserved int, size uintptr, err error)

	// FreeHugePages releases a region obtained from AllocHugeOSPages.
	FreeHugePages(ptr, size uintptr) error
}

// NUMA reports process placement and topology.
type NUMA interface {
	// Node returns the NUMA node the calling goroutine's OS thread currently
	// runs on, or -1 if unknown.
	Node() int

	// NodeCount returns the number of NUMA nodes visible to the process, at
	// least 1.
	NodeCount() int
}

// Clock is the millisecond clock the purge engine schedules against. It is
// satisfied by *SystemClock (built on github.com/benbjohnson/clock), which
// lets tests fast-forward virtual time instead of sleeping for real delays.
type Clock interface {
	NowMS() int64
}
