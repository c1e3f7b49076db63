package arena

import (
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"

	"github.com/flier/mimarena/internal/bitmap"
	"github.com/flier/mimarena/pkg/opt"
)

// AllocRequest describes a single allocation against an Allocator.
type AllocRequest struct {
	// Size is the number of bytes requested. It is rounded up to a whole
	// number of blocks internally.
	Size uint64

	// Commit requests the returned memory be immediately backed by physical
	// pages. The allocator may hand back committed memory even when this is
	// false (arenas that never decommit always are), and reports the actual
	// state back through the Commit field after the call.
	Commit bool

	// Large requests huge/large-page backed memory when available. Like
	// Commit, the actual outcome is reported back after the call.
	Large bool

	// ArenaID restricts the search to one specific arena. opt.None means
	// "any suitable arena, then OS fallback".
	ArenaID opt.Option[ID]

	// NUMANode prefers arenas local to the given node before falling back to
	// any node. opt.None uses the caller's current node, as reported by the
	// Allocator's NUMA collaborator.
	NUMANode opt.Option[int]
}

// AllocResult is what a successful Alloc returns.
type AllocResult struct {
	Ptr    uintptr
	Size   uint64
	Commit bool
	Large  bool
	Zero   bool
	MemID  MemID
}

// Allocator ties a Registry to the OS collaborators and options that decide
// how a request is satisfied: which arena (if any) it's drawn from, whether
// it falls through to the OS, and how its eventual free is scheduled for
// purge.
type Allocator struct {
	registry *Registry
	opts     Options

	reserveMu sync.Mutex  // serializes eager-reservation so concurrent misses don't over-reserve
	purging   atomic.Bool // guarantees only one goroutine sweeps the registry for expired purges at a time
}

// NewAllocator builds an Allocator with the given options applied over the
// package defaults.
func NewAllocator(options ...Option) *Allocator {
	var opts Options
	for _, o := range options {
		o(&opts)
	}
	opts.normalize()
	opts.Log.Verbose("init", "arena: allocator ready",
		zap.Int("cache_line", cpuid.CPU.CacheLine),
		zap.Uint64("arena_reserve", opts.ArenaReserve))

	return &Allocator{registry: NewRegistry(), opts: opts}
}

// Registry exposes the allocator's backing registry for introspection
// (ManageOSMemory/ReserveOSMemory publish into it).
func (al *Allocator) Registry() *Registry { return al.registry }

// Alloc satisfies a request, searching arenas in the order spec §4.4 lays
// out: the caller's specific arena if named, then NUMA-local arenas
// (numaNode < 0 "any" counts as local to every caller), then NUMA-remote
// arenas, then (if no arena could serve it) an eagerly reserved fresh
// arena, then direct OS allocation unless LimitOSAlloc forbids it. Every
// pass skips a large-page arena unless the request itself asked for large
// pages.
func (al *Allocator) Alloc(req AllocRequest) (AllocResult, error) {
	blocks := blockCountOf(req.Size)
	if blocks == 0 {
		blocks = 1
	}

	if req.Size < ArenaMinObjSize && req.ArenaID.IsNone() {
		return al.allocFromOS(req)
	}

	node := req.NUMANode.UnwrapOrElse(al.opts.NUMA.Node)

	wantID := req.ArenaID.UnwrapOrDefault()

	if res, ok := al.scan(req, blocks, func(a *Arena) bool {
		return a.suitableFor(wantID) && (a.numaNode < 0 || a.numaNode == node) && (req.Large || !a.isLarge)
	}); ok {
		return res, nil
	}

	if req.ArenaID.IsSome() {
		// The caller named one specific arena; it couldn't serve this
		// request, and no other arena is a substitute.
		return AllocResult{}, ErrOutOfMemory
	}

	if res, ok := al.scan(req, blocks, func(a *Arena) bool {
		return a.suitableFor(wantID) && a.numaNode >= 0 && a.numaNode != node && (req.Large || !a.isLarge)
	}); ok {
		return res, nil
	}

	if res, ok, err := al.allocFromFreshArena(req, blocks, node); err != nil {
		return AllocResult{}, err
	} else if ok {
		return res, nil
	}

	if al.opts.LimitOSAlloc {
		al.opts.Log.Warning("arena: limit_os_alloc set, refusing OS fallback",
			zap.Uint64("size", req.Size))
		return AllocResult{}, ErrOutOfMemory
	}

	return al.allocFromOS(req)
}

// scan walks every registered arena matching pred, attempting allocFrom on
// each until one succeeds.
func (al *Allocator) scan(req AllocRequest, blocks int, pred func(*Arena) bool) (AllocResult, bool) {
	var (
		res AllocResult
		ok  bool
	)
	al.registry.Each(func(a *Arena) bool {
		if !pred(a) {
			return true
		}
		if r, claimed := al.allocFrom(a, req, blocks); claimed {
			res, ok = r, true
			return false
		}
		return true
	})
	return res, ok
}

// allocFrom attempts to claim `blocks` contiguous blocks from a, bringing
// them to the requested commit/large state and reporting the claim's
// memid. This is the arena subsystem's hot path (spec §4.4/§4.5).
func (al *Allocator) allocFrom(a *Arena, req AllocRequest, blocks int) (AllocResult, bool) {
	hint := int(a.searchIdx.Load())
	idx, ok := a.inuse.TryFindFrom(hint, blocks)
	if !ok {
		return AllocResult{}, false
	}
	a.searchIdx.Store(uint32(idx.Field()))

	// The dirty bitmap only ever gets set, never cleared, so a claim that
	// finds a block's bit still unset means this allocator has never handed
	// that block out before: the claim is zero if and only if every one of
	// its blocks is such a block and the arena's own backing memory started
	// zeroed (ManageOSMemory's isZero). The inuse claim above keeps other
	// allocators off these bits between the check and the set.
	allWereZero := true
	for i := 0; i < blocks; i++ {
		if a.dirty.IsClaimedAcross(1, idx+bitmap.Index(i)) {
			allWereZero = false
			break
		}
	}
	a.dirty.ClaimAcross(blocks, idx)
	isZero := allWereZero && a.isZeroInit

	ptr := a.addr(idx)
	size := uint64(blocks) * BlockSize

	commitZeroed := false
	committed := true
	if a.committed != nil && !a.committed.IsClaimedAcross(blocks, idx) {
		committed = false
		if req.Commit {
			var err error
			commitZeroed, err = al.opts.Backend.Commit(ptr, size)
			if err != nil {
				al.opts.Log.Warning("arena: commit failed", zap.Error(err))
				a.inuse.UnclaimAcross(blocks, idx)
				return AllocResult{}, false
			}
			a.committed.ClaimAcross(blocks, idx)
			committed = true
		}
	}
	if a.purge != nil {
		a.purge.UnclaimAcross(blocks, idx) // fresh claim cancels any pending purge on these bits
	}

	if commitZeroed {
		isZero = true
	}

	memid := newMemID(a.id, a.exclusive, idx)

	return AllocResult{
		Ptr:    ptr,
		Size:   size,
		Commit: committed,
		Large:  a.isLarge,
		Zero:   isZero,
		MemID:  memid,
	}, true
}

// allocFromFreshArena reserves a brand-new arena sized to ArenaReserve (or
// to the request if larger) and immediately serves req from it.
func (al *Allocator) allocFromFreshArena(req AllocRequest, blocks int, node int) (AllocResult, bool, error) {
	if al.opts.ArenaReserve == 0 {
		return AllocResult{}, false, nil
	}

	al.reserveMu.Lock()
	defer al.reserveMu.Unlock()

	// Another goroutine may have already reserved an arena that now
	// satisfies us while we waited for the lock.
	if res, ok := al.scan(req, blocks, func(a *Arena) bool {
		return a.suitableFor(NoArena) && (a.numaNode < 0 || a.numaNode == node) && (req.Large || !a.isLarge)
	}); ok {
		return res, true, nil
	}

	size := al.opts.ArenaReserve
	if need := uint64(blocks) * BlockSize; need > size {
		size = need
	}

	allowLarge := req.Large
	ptr, err := al.opts.Backend.AllocAligned(uintptr(size), SegmentAlign, req.Commit, &allowLarge)
	if err != nil {
		al.opts.Log.Warning("arena: eager reserve failed", zap.Uint64("size", size), zap.Error(err))
		return AllocResult{}, false, nil
	}

	a := newArena(ptr, size, req.Commit, allowLarge, req.Commit, node, false, true, al.opts.Backend)
	if _, err := al.registry.Add(a); err != nil {
		al.opts.Log.Warning("arena: reserved memory but registry is full", zap.Error(err))
		al.opts.Backend.FreeAligned(ptr, uintptr(size), SegmentAlign, 0, req.Commit)
		return AllocResult{}, false, nil
	}

	res, ok := al.allocFrom(a, req, blocks)
	return res, ok, nil
}

// allocFromOS satisfies a request directly from the OS, bypassing the
// registry entirely. The returned memid is OSDirect.
func (al *Allocator) allocFromOS(req AllocRequest) (AllocResult, error) {
	allowLarge := req.Large
	ptr, err := al.opts.Backend.AllocAligned(uintptr(req.Size), SegmentAlign, req.Commit, &allowLarge)
	if err != nil {
		return AllocResult{}, err
	}

	return AllocResult{
		Ptr:    ptr,
		Size:   req.Size,
		Commit: req.Commit,
		Large:  allowLarge,
		Zero:   req.Commit,
		MemID:  OSDirect,
	}, nil
}

// Free releases blocks previously handed out by Alloc. Like the original
// this is modelled on, Free cannot fail in a way the caller can act on: a
// double-free or a bogus memid is logged and dropped rather than returned
// as an error (spec §7).
func (al *Allocator) Free(memid MemID, ptr uintptr, size uint64) {
	if memid.IsOS() {
		if err := al.opts.Backend.FreeEx(ptr, uintptr(size), true); err != nil {
			al.opts.Log.Warning("arena: OS free failed", zap.Error(err))
		}
		return
	}

	slot, idx, _ := memid.arenaIndex()
	a := al.registry.Get(idFromSlot(slot))
	if a == nil {
		al.opts.Log.Error("EINVAL", "arena: free from non-existent arena",
			zap.Error(ErrBadMemID), zap.Uint64("memid", uint64(memid)))
		return
	}

	blocks := int(size / BlockSize)
	if blocks == 0 {
		blocks = 1
	}

	if idx.Field() >= a.fieldCount || int(idx)+blocks > a.fieldCount*bitmap.FieldBits {
		al.opts.Log.Error("EINVAL", "arena: free from non-existent arena block",
			zap.Error(ErrBadMemID), zap.Uint8("arena", uint8(a.id)), zap.Uint64("memid", uint64(memid)))
		return
	}

	// Schedule the purge while the range is still marked in-use, so no
	// concurrent allocator can claim these blocks before the purge bits are
	// set (it would otherwise be possible for a freshly allocated block to
	// end up with its purge bit set, breaking the inuse/purge invariant).
	if a.allowDecommit && a.committed != nil {
		al.schedulePurge(a, idx, blocks)
	}

	if !a.inuse.UnclaimAcross(blocks, idx) {
		al.opts.Log.Error("EAGAIN", "arena: trying to free an already freed block",
			zap.Error(ErrDoubleFree), zap.Uint8("arena", uint8(a.id)), zap.Uint64("index", uint64(idx)))
		return
	}
}
