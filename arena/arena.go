// Package arena implements the arena subsystem of a general-purpose memory
// allocator: a lock-free, thread-shared block allocator over a fixed array
// of arenas, each partitioned by an atomic bitmap, plus a deferred purge
// engine that reclaims physical backing without losing track of which
// virtual pages remain reserved.
//
// An Arena is a large, contiguous region of OS memory from which blocks of
// BlockSize are carved; a Registry publishes arenas to every thread; an
// Allocator ties a Registry to an OS collaborator and a purge schedule. The
// arena subsystem sits between the raw OS page allocator and whatever
// per-thread segment allocator a caller builds on top of it — it does not
// itself manage small objects, free lists, or per-thread caches.
package arena

import (
	"sync/atomic"

	"github.com/flier/mimarena/internal/bitmap"
	"github.com/flier/mimarena/internal/osmem"
)

const (
	// SegmentAlign is the alignment every address this package returns
	// satisfies; the next allocator tier (out of scope here) builds
	// segments on top of it.
	SegmentAlign = 8 << 20 // 8MiB

	// BlockSize is the arena's unit of allocation: four segments, 32MiB
	// canonically.
	BlockSize = 4 * SegmentAlign

	// ArenaMinObjSize is the smallest request the arena path will accept;
	// anything smaller falls through to OS-direct allocation.
	ArenaMinObjSize = BlockSize / 2

	// NMax is the number of arena slots a Registry holds. The architectural
	// ceiling is 126, since an arena id must fit in the memid's 7-bit field;
	// NMax is kept well under that so registry scans stay cheap.
	NMax = 64

	// NMaxCeiling is the hard limit imposed by the memid encoding itself.
	NMaxCeiling = 126
)

// cacheLinePad separates an Arena's hot atomics (searchIdx, purgeExpire)
// from its cold descriptor fields so two arenas adjacent in the registry's
// backing array don't false-share a cache line under concurrent alloc/free
// traffic. 64 bytes covers every mainstream x86-64 and arm64 part; the
// actual detected line size (which can exceed this on some arm64 cores) is
// only ever used for logging, in NewAllocator, since Go struct layout needs
// a compile-time constant.
type cacheLinePad [64]byte

// Arena is one contiguous, pre-reserved region of OS memory, partitioned
// into BlockSize blocks and tracked by four bitmaps. Every field here is
// immutable after publication into a Registry except the four bitmaps,
// searchIdx, and purgeExpire.
type Arena struct {
	_ [0]func() // prevent equality comparisons; identity is by pointer

	id        ID
	exclusive bool

	start      uintptr
	blockCount int
	fieldCount int

	numaNode      int
	isLarge       bool
	allowDecommit bool
	isZeroInit    bool

	// owned is true when this Arena reserved its own region (ReserveOSMemory)
	// and is therefore responsible for eventually freeing it; false when the
	// region was supplied externally (ManageOSMemory). Neither path is ever
	// actually torn down during a process's life — arenas, once published,
	// live until the process exits — so this flag documents the distinction
	// rather than driving a Close method.
	owned   bool
	backend osmem.Backend

	searchIdx   atomic.Uint32
	purgeExpire atomic.Int64
	_           cacheLinePad

	inuse     *bitmap.Bitmap
	dirty     *bitmap.Bitmap
	committed *bitmap.Bitmap // nil: region is unconditionally committed
	purge     *bitmap.Bitmap // nil: decommit is disallowed
}

// blockCountOf returns ceil(size / BlockSize).
func blockCountOf(size uint64) int {
	return int((size + BlockSize - 1) / BlockSize)
}

// newArena builds a descriptor for a region [start, start+size), laying out
// its bitmaps and pre-claiming any trailing pad bits so they are never
// handed out.
func newArena(start uintptr, size uint64, isCommitted, isLarge, isZero bool, numaNode int, exclusive, owned bool, backend osmem.Backend) *Arena {
	if isLarge {
		isCommitted = true
	}
	allowDecommit := !isLarge && !isCommitted

	blockCount := int(size / BlockSize)
	fieldCount := (blockCount + bitmap.FieldBits - 1) / bitmap.FieldBits

	a := &Arena{
		id:            NoArena,
		exclusive:     exclusive,
		start:         start,
		blockCount:    blockCount,
		fieldCount:    fieldCount,
		numaNode:      numaNode,
		isLarge:       isLarge,
		allowDecommit: allowDecommit,
		isZeroInit:    isZero,
		owned:         owned,
		backend:       backend,
		inuse:         bitmap.New(fieldCount * bitmap.FieldBits),
		dirty:         bitmap.New(fieldCount * bitmap.FieldBits),
	}

	if allowDecommit {
		a.committed = bitmap.New(fieldCount * bitmap.FieldBits)
		a.purge = bitmap.New(fieldCount * bitmap.FieldBits)
	}
	if a.committed != nil && isCommitted {
		a.committed.ClaimAcross(fieldCount*bitmap.FieldBits, bitmap.NewIndex(0, 0))
	}

	// Claim leftover trailing bits so they are never allocated.
	post := fieldCount*bitmap.FieldBits - blockCount
	if post > 0 {
		postIdx := bitmap.NewIndex(fieldCount-1, bitmap.FieldBits-post)
		a.inuse.ClaimAcross(post, postIdx)
	}

	return a
}

// addr returns the address of the block at the given bitmap index.
func (a *Arena) addr(idx bitmap.Index) uintptr {
	return a.start + uintptr(idx)*BlockSize
}

// ID returns the arena's registry-assigned id, or NoArena if it has not been
// published yet.
func (a *Arena) ID() ID { return a.id }

// Exclusive reports whether this arena only accepts allocations that name it
// explicitly.
func (a *Arena) Exclusive() bool { return a.exclusive }

// NUMANode returns the arena's associated NUMA node, or -1 for "any".
func (a *Arena) NUMANode() int { return a.numaNode }

// IsLarge reports whether the region is huge/large-page backed.
func (a *Arena) IsLarge() bool { return a.isLarge }

// AllowDecommit reports whether blocks in this arena may ever be
// decommitted.
func (a *Arena) AllowDecommit() bool { return a.allowDecommit }

// BlockCount returns the number of BlockSize blocks this arena holds.
func (a *Arena) BlockCount() int { return a.blockCount }

// Area returns the arena's address range, for introspection.
func (a *Arena) Area() (ptr uintptr, size uint64) {
	return a.start, uint64(a.blockCount) * BlockSize
}

// suitableFor reports whether this arena accepts an allocation that named
// req as its required arena: exclusive arenas refuse anything but their own
// id; non-exclusive arenas refuse a request that named a *different*
// specific arena.
func (a *Arena) suitableFor(req ID) bool {
	return (!a.exclusive && req == NoArena) || a.id == req
}
