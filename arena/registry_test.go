package arena_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/mimarena/arena"
)

func TestRegistry(t *testing.T) {
	Convey("Given an allocator backed by a fake OS", t, func() {
		al := arena.NewAllocator(
			arena.WithBackend(newFakeBackend()),
			arena.WithNUMA(fakeNUMA{node: 0, count: 1}),
		)

		Convey("ManageOSMemory publishes an arena and assigns it an id", func() {
			id, err := al.ManageOSMemory(0x1000, arena.BlockSize, true, false, false, false, 0)
			So(err, ShouldBeNil)
			So(id, ShouldNotEqual, arena.NoArena)
			So(al.Registry().Len(), ShouldEqual, 1)
		})

		Convey("ManageOSMemory rejects a region smaller than one block", func() {
			_, err := al.ManageOSMemory(0x1000, arena.BlockSize/2, true, false, false, false, 0)
			So(err, ShouldEqual, arena.ErrRegionTooSmall)
		})

		Convey("Registering beyond capacity fails with ErrRegistryFull", func() {
			for i := 0; i < arena.NMax; i++ {
				_, err := al.ManageOSMemory(uintptr(i+1)<<32, arena.BlockSize, true, false, false, false, 0)
				So(err, ShouldBeNil)
			}
			_, err := al.ManageOSMemory(uintptr(arena.NMax+1)<<32, arena.BlockSize, true, false, false, false, 0)
			So(err, ShouldEqual, arena.ErrRegistryFull)
		})
	})
}
