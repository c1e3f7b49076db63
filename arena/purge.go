package arena

import (
	"go.uber.org/zap"

	"github.com/flier/mimarena/internal/bitmap"
)

// schedulePurge marks the n blocks starting at idx as pending purge. If no
// delay is configured, or the allocator is still in its preloading window
// (spec §4.5), the purge runs immediately instead of being scheduled.
func (al *Allocator) schedulePurge(a *Arena, idx bitmap.Index, blocks int) {
	if a.purge == nil {
		return
	}
	if al.opts.ArenaPurgeDelay <= 0 || al.opts.preloading {
		al.purgeRange(a, idx, blocks)
		return
	}

	a.purge.ClaimAcross(blocks, idx)
	al.bumpPurgeExpire(a)
}

// bumpPurgeExpire schedules a's next purge sweep at now+delay if none is
// pending, and otherwise leaves the existing deadline alone — except that a
// deadline is never allowed to sit further than 2*delay in the future,
// which would otherwise let a steady trickle of frees starve the purge
// sweep indefinitely.
func (al *Allocator) bumpPurgeExpire(a *Arena) {
	delay := al.opts.ArenaPurgeDelay.Milliseconds()
	if delay <= 0 {
		return
	}
	now := al.opts.Clock.NowMS()
	cap := now + 2*delay

	for {
		cur := a.purgeExpire.Load()
		next := now + delay
		if cur != 0 {
			if cur <= cap {
				return
			}
			next = cap
		}
		if a.purgeExpire.CompareAndSwap(cur, next) {
			return
		}
	}
}

// purgeRange executes an immediate purge of the n blocks starting at idx:
// either a decommit (dropping the committed bit and the physical backing)
// or a reset (advising the OS the pages are reusable while staying
// committed), per Options.ResetDecommits. Decommit is never used during
// preloading, matching the "don't decommit during early startup" rule spec
// §4.5 calls out.
//
// A decommit clears the purge bits along with the committed bit: the range
// is no longer backed, so there is nothing left for a later sweep to
// revisit. A reset leaves the purge bits set instead — the range stays
// committed. The sweep that ran the reset has already zeroed purgeExpire,
// so the range is reset again only by a sweep after a later schedulePurge
// in the same arena re-arms the deadline; if one of its blocks is
// reallocated first, allocFrom clears that block's purge bit.
func (al *Allocator) purgeRange(a *Arena, idx bitmap.Index, blocks int) {
	ptr := a.addr(idx)
	size := uint64(blocks) * BlockSize

	if al.opts.ResetDecommits && a.allowDecommit && !al.opts.preloading {
		if a.purge != nil {
			a.purge.UnclaimAcross(blocks, idx)
		}
		if a.committed != nil {
			a.committed.UnclaimAcross(blocks, idx)
		}
		if err := al.opts.Backend.Decommit(ptr, size); err != nil {
			al.opts.Log.Warning("arena: decommit failed", zap.Error(err))
		}
		return
	}

	if err := al.opts.Backend.Reset(ptr, size); err != nil {
		al.opts.Log.Warning("arena: reset failed", zap.Error(err))
	}
}

// tryPurgeArena sweeps one arena's purge bitmap for runs of scheduled
// blocks and purges every run it finds, provided the arena's scheduled
// deadline has passed (or force skips that check). It claims the sweep by
// CAS-ing purgeExpire back to zero, so two concurrent callers never purge
// the same arena's pending ranges twice.
//
// Each field is walked bit by bit rather than pre-computing a whole
// contiguous run and handing it to purgeRun once: if a concurrent
// allocator holds the head of what looked like one long scheduled run,
// purgeRun's claim shrinks to whatever it could actually get, and the scan
// resumes at the very next bit instead of abandoning the rest of the
// original run — otherwise free, still-scheduled blocks past the conflict
// would go unpurged until some unrelated Free bumped the expiry again.
// This mirrors the original's bitidx += bitlen advance in
// mi_arena_try_purge, where bitlen is whatever length the claim actually
// got, not the length first scanned.
func (al *Allocator) tryPurgeArena(a *Arena, force bool) int {
	if a.purge == nil {
		return 0
	}

	expire := a.purgeExpire.Load()
	if expire == 0 {
		return 0
	}
	if !force && al.opts.Clock.NowMS() < expire {
		return 0
	}
	if !a.purgeExpire.CompareAndSwap(expire, 0) {
		return 0
	}

	purged := 0
	for f := 0; f < a.purge.FieldCount(); f++ {
		purged += al.purgeField(a, f)
	}
	return purged
}

// purgeField walks one field's purge bitmap left to right, purging the
// longest run it can claim starting at each still-scheduled bit and then
// resuming immediately after however much it actually claimed.
func (al *Allocator) purgeField(a *Arena, field int) int {
	purged := 0
	bit := 0
	for bit < bitmap.FieldBits {
		word := a.purge.LoadField(field)
		if word&(uint64(1)<<uint(bit)) == 0 {
			bit++
			continue
		}

		bitlen := 1
		for bit+bitlen < bitmap.FieldBits && word&(uint64(1)<<uint(bit+bitlen)) != 0 {
			bitlen++
		}

		n, claimed := al.purgeRun(a, field, bit, bitlen)
		purged += n
		if claimed == 0 {
			claimed = 1 // make progress past a bit nothing could claim
		}
		bit += claimed
	}
	return purged
}

// purgeRun claims the inuse bits for a scheduled-purge run before touching
// any OS page, shrinking the run one bit at a time until the claim
// succeeds. This is what makes a purge sweep safe against a concurrent
// allocator: while a range's inuse bits read as claimed by the sweep, no
// allocator search can land on it, so the sweep can never decommit memory
// that an allocation just handed out. A block reallocated between the
// purge being scheduled and this sweep running simply fails the claim and
// is excluded from the run the sweep proceeds with. It returns both the
// number of blocks actually purged and the length of the run it managed to
// claim (which may be shorter than bitlen, or zero).
func (al *Allocator) purgeRun(a *Arena, field, start, bitlen int) (purged, claimed int) {
	for bitlen > 0 {
		idx := bitmap.NewIndex(field, start)
		if a.inuse.TryClaimExact(bitlen, idx) {
			word := a.purge.LoadField(field)
			purged = al.purgeScheduledSubruns(a, field, start, bitlen, word)
			a.inuse.UnclaimAcross(bitlen, idx)
			return purged, bitlen
		}
		bitlen--
	}
	return 0, 0
}

// purgeScheduledSubruns re-checks the purge word after claiming inuse,
// since a sub-range may have been allocated-and-unscheduled between the
// initial scan and the claim, and purges each maximal run still marked.
func (al *Allocator) purgeScheduledSubruns(a *Arena, field, start, bitlen int, word uint64) int {
	purged := 0
	end := start + bitlen
	bit := start
	for bit < end {
		if word&(uint64(1)<<uint(bit)) == 0 {
			bit++
			continue
		}
		s := bit
		for bit < end && word&(uint64(1)<<uint(bit)) != 0 {
			bit++
		}
		al.purgeRange(a, bitmap.NewIndex(field, s), bit-s)
		purged += bit - s
	}
	return purged
}

// TryPurgeAll sweeps the registry for arenas whose purge deadline has
// passed (or, with force, every arena with anything pending) and purges
// them. Only one goroutine performs a sweep at a time; a concurrent caller
// returns immediately rather than blocking, matching the bounded,
// best-effort nature of the purge engine (spec §4.5 — purge is never on
// the allocation fast path).
func (al *Allocator) TryPurgeAll(force bool) {
	if !al.purging.CompareAndSwap(false, true) {
		return
	}
	defer al.purging.Store(false)

	al.registry.Each(func(a *Arena) bool {
		al.tryPurgeArena(a, force)
		return true
	})
}
