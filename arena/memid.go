package arena

import "github.com/flier/mimarena/internal/bitmap"

// ID names one arena in a Registry. The zero ID means "no arena / OS
// direct". IDs 1..NMax name a published arena at registry slot ID-1.
type ID uint8

// NoArena is the sentinel ID meaning "not arena-owned" or "no specific arena
// requested".
const NoArena ID = 0

// maxID is the largest ID the 7-bit field in MemID can hold.
const maxID = 0x7F

func idFromSlot(slot int) ID { return ID(slot + 1) }

func (id ID) slot() int { return int(id) - 1 }

// MemID is the handle returned with every arena allocation, encoding which
// arena and which bitmap range backs it. Its encoder (newMemID) and decoder
// (arenaIndex) are unexported, so callers above the arena package inspect it
// through IsOS and IsSuitable; MemID itself is a defined uint64, so a caller
// can still convert it to and from a raw integer.
//
// Layout, low to high bits: bits 0..6 = id, bit 7 = exclusive, bits 8..
// = bitmap index (field and bit packed by the bitmap package).
type MemID uint64

// OSDirect is the MemID for memory obtained straight from the OS, owned by
// no arena. It is the all-zero value.
const OSDirect MemID = 0

const (
	memidIDBits  = 7
	memidIDMask  = (uint64(1) << memidIDBits) - 1
	memidExclBit = uint64(1) << memidIDBits
	memidIdxShift = memidIDBits + 1
)

func newMemID(id ID, exclusive bool, idx bitmap.Index) MemID {
	v := uint64(id) & memidIDMask
	if exclusive {
		v |= memidExclBit
	}
	v |= uint64(idx) << memidIdxShift
	return MemID(v)
}

// IsOS reports whether this MemID denotes direct OS allocation rather than
// an arena-owned block.
func (m MemID) IsOS() bool { return m == OSDirect }

// arenaIndex decodes the (slot, bitmapIndex) pair for everything except
// OSDirect.
func (m MemID) arenaIndex() (slot int, idx bitmap.Index, exclusive bool) {
	id := ID(uint64(m) & memidIDMask)
	exclusive = uint64(m)&memidExclBit != 0
	idx = bitmap.Index(uint64(m) >> memidIdxShift)
	return id.slot(), idx, exclusive
}

// IsSuitable reports whether a memid satisfies a request for req: true if
// the memid's arena isn't exclusive and the requester didn't name a
// specific arena, or if the requester named exactly this memid's arena.
func (m MemID) IsSuitable(req ID) bool {
	if m.IsOS() {
		return req == NoArena
	}
	slot, _, exclusive := m.arenaIndex()
	id := idFromSlot(slot)
	return (!exclusive && req == NoArena) || id == req
}
