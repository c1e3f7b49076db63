package arena_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/mimarena/arena"
	"github.com/flier/mimarena/internal/osmem"
	"github.com/flier/mimarena/pkg/opt"
)

// TestScenarioFreeThenReallocReusesAddress exercises the simplest end-to-end
// path: claim a block, free it, claim the same size again, and see the same
// address come back out of the same arena.
func TestScenarioFreeThenReallocReusesAddress(t *testing.T) {
	Convey("Given one arena with a single free block", t, func() {
		al := arena.NewAllocator(
			arena.WithBackend(newFakeBackend()),
			arena.WithNUMA(fakeNUMA{node: 0, count: 1}),
		)
		id, err := al.ManageOSMemory(0x70000, arena.BlockSize, true, false, false, false, 0)
		So(err, ShouldBeNil)

		first, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize, ArenaID: opt.Some(id)})
		So(err, ShouldBeNil)

		al.Free(first.MemID, first.Ptr, first.Size)

		second, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize, ArenaID: opt.Some(id)})
		So(err, ShouldBeNil)

		Convey("the freed address is handed back out", func() {
			So(second.Ptr, ShouldEqual, first.Ptr)
			So(second.MemID, ShouldEqual, first.MemID)
		})
	})
}

// TestScenarioExclusiveArenaRefusesUnrestrictedRequests exercises spec
// §4.6's exclusivity rule end to end: an exclusive arena never satisfies a
// request that didn't name it, even when it's the only arena with room.
func TestScenarioExclusiveArenaRefusesUnrestrictedRequests(t *testing.T) {
	Convey("Given only an exclusive arena with free space", t, func() {
		al := arena.NewAllocator(
			arena.WithBackend(newFakeBackend()),
			arena.WithNUMA(fakeNUMA{node: 0, count: 1}),
			arena.WithLimitOSAlloc(true),
		)
		_, err := al.ManageOSMemory(0x80000, arena.BlockSize, true, false, false, true, 0)
		So(err, ShouldBeNil)

		Convey("an unrestricted request fails rather than using the exclusive arena", func() {
			_, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize})
			So(err, ShouldEqual, arena.ErrOutOfMemory)
		})
	})
}

// TestScenarioCommitOnDemand exercises spec §4.4/§4.5: an arena created
// uncommitted pays the OS commit cost once when a claim asks for commit,
// and a claim that doesn't ask for commit never calls the OS at all.
func TestScenarioCommitOnDemand(t *testing.T) {
	Convey("Given an uncommitted arena", t, func() {
		backend := newFakeBackend()
		al := arena.NewAllocator(
			arena.WithBackend(backend),
			arena.WithNUMA(fakeNUMA{node: 0, count: 1}),
		)
		id, err := al.ManageOSMemory(0x90000, arena.BlockSize*2, false, false, true, false, 0)
		So(err, ShouldBeNil)

		Convey("the first committed claim triggers exactly one OS commit", func() {
			res, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize, Commit: true, ArenaID: opt.Some(id)})
			So(err, ShouldBeNil)
			So(res.Commit, ShouldBeTrue)
			So(backend.commits.Load(), ShouldEqual, int32(1))
		})

		Convey("an uncommitted claim never touches the OS", func() {
			res, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize, Commit: false, ArenaID: opt.Some(id)})
			So(err, ShouldBeNil)
			So(res.Commit, ShouldBeFalse)
			So(backend.commits.Load(), ShouldEqual, int32(0))
		})
	})
}

// TestScenarioPurgeThenFreshClaimCancelsPurge exercises the purge-cancel
// rule: if a block is freed (scheduling a purge), then claimed again before
// the purge fires, the purge must never run against memory that's live
// again.
func TestScenarioPurgeThenFreshClaimCancelsPurge(t *testing.T) {
	Convey("Given a freed block with a purge scheduled", t, func() {
		backend := newFakeBackend()
		mock := clock.NewMock()
		al := arena.NewAllocator(
			arena.WithBackend(backend),
			arena.WithNUMA(fakeNUMA{node: 0, count: 1}),
			arena.WithClock(osmem.NewClock(mock)),
			arena.WithArenaPurgeDelay(10*time.Millisecond),
			arena.WithResetDecommits(true),
		)
		id, err := al.ManageOSMemory(0xA0000, arena.BlockSize, false, false, true, false, 0)
		So(err, ShouldBeNil)

		first, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize, Commit: true, ArenaID: opt.Some(id)})
		So(err, ShouldBeNil)
		al.Free(first.MemID, first.Ptr, first.Size)

		// Reclaim the same (only) block before the purge delay elapses.
		_, err = al.Alloc(arena.AllocRequest{Size: arena.BlockSize, Commit: true, ArenaID: opt.Some(id)})
		So(err, ShouldBeNil)

		mock.Add(11 * time.Millisecond)
		al.TryPurgeAll(true)

		Convey("the reclaimed, still-live block is never decommitted", func() {
			So(backend.decommits.Load(), ShouldEqual, int32(0))
		})
	})
}

// TestScenarioRegistryFullFallsBackToOS exercises spec §4.4's last resort:
// once every arena slot is taken, a new request that can't be satisfied by
// an eager reservation still succeeds straight from the OS rather than
// failing outright.
func TestScenarioRegistryFullFallsBackToOS(t *testing.T) {
	Convey("Given a registry at capacity and LimitOSAlloc unset", t, func() {
		al := arena.NewAllocator(
			arena.WithBackend(newFakeBackend()),
			arena.WithNUMA(fakeNUMA{node: 0, count: 1}),
		)
		for i := 0; i < arena.NMax; i++ {
			_, err := al.ManageOSMemory(uintptr(i+1)<<32, arena.BlockSize, true, false, false, false, 0)
			So(err, ShouldBeNil)
		}
		// Exhaust every arena's single block.
		for i := 0; i < arena.NMax; i++ {
			_, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize})
			So(err, ShouldBeNil)
		}

		Convey("the next request still succeeds, served directly by the OS", func() {
			res, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize})
			So(err, ShouldBeNil)
			So(res.MemID.IsOS(), ShouldBeTrue)
		})
	})
}
