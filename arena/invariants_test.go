package arena_test

import (
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/mimarena/arena"
	"github.com/flier/mimarena/pkg/opt"
)

// TestAllocationsNeverOverlap claims every block in an arena through a
// deterministic alloc/free/alloc churn pattern and checks that no two live
// allocations ever share an address range — the bitmap-claim invariant the
// whole subsystem rests on.
func TestAllocationsNeverOverlap(t *testing.T) {
	Convey("Given an arena with 8 blocks and a churning allocation pattern", t, func() {
		al := arena.NewAllocator(
			arena.WithBackend(newFakeBackend()),
			arena.WithNUMA(fakeNUMA{node: 0, count: 1}),
		)

		const blockTotal = 8
		id, err := al.ManageOSMemory(0x60000, blockTotal*arena.BlockSize, true, false, false, false, 0)
		So(err, ShouldBeNil)

		type live struct {
			memid arena.MemID
			ptr   uintptr
			size  uint64
		}
		var held []live

		claim := func(blocks int) {
			res, err := al.Alloc(arena.AllocRequest{
				Size:    uint64(blocks) * arena.BlockSize,
				ArenaID: opt.Some(id),
			})
			So(err, ShouldBeNil)

			for _, h := range held {
				overlaps := res.Ptr < h.ptr+h.size && h.ptr < res.Ptr+res.Size
				So(overlaps, ShouldBeFalse)
			}
			held = append(held, live{res.MemID, res.Ptr, res.Size})
		}

		release := func(i int) {
			h := held[i]
			al.Free(h.memid, h.ptr, h.size)
			held = append(held[:i], held[i+1:]...)
		}

		Convey("a sequence of claims and releases never produces an overlap", func() {
			claim(2)
			claim(1)
			claim(3)
			release(0)
			claim(2)
			release(1)
			release(0)
			claim(4)

			So(len(held), ShouldBeGreaterThan, 0)
		})

		Convey("the arena refuses a claim once its blocks are exhausted", func() {
			claim(blockTotal)
			_, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize, ArenaID: opt.Some(id)})
			So(err, ShouldEqual, arena.ErrOutOfMemory)
		})
	})
}

// TestConcurrentAllocationsNeverOverlap drives many goroutines allocating
// and freeing single-block requests against one shared arena with no
// external lock, matching spec §5's "no mutexes on the hot path" model and
// the law that any two concurrent successful allocations' ranges are
// disjoint. Run with -race.
func TestConcurrentAllocationsNeverOverlap(t *testing.T) {
	Convey("Given one arena and many goroutines churning single-block allocations", t, func() {
		al := arena.NewAllocator(
			arena.WithBackend(newFakeBackend()),
			arena.WithNUMA(fakeNUMA{node: 0, count: 1}),
		)

		const blockTotal = 64
		id, err := al.ManageOSMemory(0x6F0000, blockTotal*arena.BlockSize, true, false, false, false, 0)
		So(err, ShouldBeNil)

		const (
			workers    = 16
			iterations = 200
		)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			live     = map[uintptr]bool{}
			overlaps int
		)

		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < iterations; i++ {
					res, err := al.Alloc(arena.AllocRequest{Size: arena.BlockSize, ArenaID: opt.Some(id)})
					if err != nil {
						continue
					}

					mu.Lock()
					if live[res.Ptr] {
						overlaps++
					}
					live[res.Ptr] = true
					mu.Unlock()

					// Clear the tracking entry before the real Free call, not
					// after: the address only becomes claimable again once
					// Free returns, so unmarking first keeps this goroutine's
					// own bookkeeping from racing a legitimate reallocation by
					// another goroutine that wins the address right after our
					// Free executes.
					mu.Lock()
					delete(live, res.Ptr)
					mu.Unlock()

					al.Free(res.MemID, res.Ptr, res.Size)
				}
			}()
		}
		wg.Wait()

		Convey("no two live allocations ever shared an address", func() {
			So(overlaps, ShouldEqual, 0)
		})
	})
}
