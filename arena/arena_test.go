package arena_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/mimarena/arena"
	"github.com/flier/mimarena/pkg/opt"
)

func TestArenaInvariants(t *testing.T) {
	Convey("Given an arena sized to span two bitmap fields with a ragged tail", t, func() {
		al := arena.NewAllocator(
			arena.WithBackend(newFakeBackend()),
			arena.WithNUMA(fakeNUMA{node: 0, count: 1}),
		)

		// 70 blocks needs two 64-bit fields; the top 58 bits of field 1 are
		// padding that must never be handed out.
		blocks := 70
		size := uint64(blocks) * arena.BlockSize
		id, err := al.ManageOSMemory(0x10000, size, true, false, true, false, 0)
		So(err, ShouldBeNil)

		a := al.Registry().Get(id)
		So(a, ShouldNotBeNil)
		So(a.BlockCount(), ShouldEqual, blocks)

		Convey("Area reports exactly the registered extent", func() {
			ptr, reportedSize := a.Area()
			So(ptr, ShouldEqual, uintptr(0x10000))
			So(reportedSize, ShouldEqual, uint64(blocks)*arena.BlockSize)
		})

		Convey("only BlockCount blocks are ever allocatable, never the field padding", func() {
			claimed := 0
			for {
				_, err := al.Alloc(arena.AllocRequest{
					Size:    arena.BlockSize,
					ArenaID: opt.Some(id),
				})
				if err != nil {
					break
				}
				claimed++
				if claimed > blocks+1 {
					t.Fatal("claimed more blocks than the arena has; trailing padding leaked")
				}
			}
			So(claimed, ShouldEqual, blocks)
		})
	})
}
