package arena

import (
	"time"

	"go.uber.org/zap"
)

// ManageOSMemory registers an externally-supplied region [start, start+size)
// as an arena the allocator may draw blocks from. The caller retains
// ownership of the region — the arena subsystem never frees memory it was
// handed this way (spec §9's owned-vs-borrowed distinction).
//
// isCommitted and isLarge describe the region's current state; exclusive
// restricts the arena to allocations that name its ID explicitly.
func (al *Allocator) ManageOSMemory(start uintptr, size uint64, isCommitted, isLarge, isZero, exclusive bool, numaNode int) (ID, error) {
	if size < BlockSize {
		return NoArena, ErrRegionTooSmall
	}

	a := newArena(start, size, isCommitted, isLarge, isZero, numaNode, exclusive, false, al.opts.Backend)
	id, err := al.registry.Add(a)
	if err != nil {
		al.opts.Log.Warning("arena: manage_os_memory: registry full", zap.Error(err))
		return NoArena, err
	}
	return id, nil
}

// ReserveOSMemory reserves a fresh region from the OS and registers it as an
// arena the allocator owns. Once registered, the region is never released
// while the process runs. size is rounded up to a whole number of blocks.
func (al *Allocator) ReserveOSMemory(size uint64, commit, allowLarge, exclusive bool) (ID, error) {
	blocks := blockCountOf(size)
	aligned := uint64(blocks) * BlockSize

	large := allowLarge
	ptr, err := al.opts.Backend.AllocAligned(uintptr(aligned), SegmentAlign, commit, &large)
	if err != nil {
		al.opts.Log.Warning("arena: reserve_os_memory failed", zap.Uint64("size", aligned), zap.Error(err))
		return NoArena, err
	}

	node := al.opts.NUMA.Node()
	a := newArena(ptr, aligned, commit, large, commit, node, exclusive, true, al.opts.Backend)

	id, err := al.registry.Add(a)
	if err != nil {
		al.opts.Backend.FreeAligned(ptr, uintptr(aligned), SegmentAlign, 0, commit)
		return NoArena, err
	}
	return id, nil
}

// ReserveHugeOSPagesAt reserves a run of 1GiB huge pages on a specific NUMA
// node and registers the result as an exclusive, large, committed arena.
// timeout bounds how long the OS is given to satisfy the request; a partial
// reservation (fewer pages than asked) is still registered.
func (al *Allocator) ReserveHugeOSPagesAt(pages, node int, timeout time.Duration) (ID, error) {
	ptr, reserved, size, err := al.opts.Backend.AllocHugeOSPages(pages, node, timeout)
	if err != nil {
		al.opts.Log.Warning("arena: reserve_huge_os_pages_at failed",
			zap.Int("pages", pages), zap.Int("node", node), zap.Error(err))
		return NoArena, err
	}
	if reserved == 0 {
		return NoArena, ErrOutOfMemory
	}

	a := newArena(ptr, size, true, true, true, node, true, true, al.opts.Backend)
	id, regErr := al.registry.Add(a)
	if regErr != nil {
		al.opts.Backend.FreeHugePages(ptr, size)
		return NoArena, regErr
	}
	return id, nil
}

// ReserveHugeOSPagesInterleave reserves pages huge pages spread evenly
// across every NUMA node visible to the process, one ReserveHugeOSPagesAt
// call per node.
func (al *Allocator) ReserveHugeOSPagesInterleave(pages int, timeout time.Duration) error {
	nodes := al.opts.NUMA.NodeCount()
	if nodes <= 0 {
		nodes = 1
	}

	perNode := pages / nodes
	remainder := pages % nodes
	if perNode == 0 && remainder == 0 {
		return nil
	}

	for n := 0; n < nodes; n++ {
		want := perNode
		if n < remainder {
			want++
		}
		if want == 0 {
			continue
		}
		if _, err := al.ReserveHugeOSPagesAt(want, n, timeout); err != nil {
			return err
		}
	}
	return nil
}

// ReserveHugeOSPages reserves pages huge pages interleaved across all NUMA
// nodes, waiting up to timeoutMsecs milliseconds.
//
// Deprecated: use ReserveHugeOSPagesInterleave, which takes a time.Duration
// instead of a millisecond count.
func (al *Allocator) ReserveHugeOSPages(pages int, timeoutMsecs int) error {
	return al.ReserveHugeOSPagesInterleave(pages, time.Duration(timeoutMsecs)*time.Millisecond)
}
