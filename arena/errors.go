package arena

import "errors"

// Errors the arena subsystem surfaces. Spec §7: no error here is fatal —
// the call that produced one returns a zero value, never panics.
// ErrDoubleFree and ErrBadMemID are only logged through a Sink; the others
// are returned to the caller (and on some paths also logged).
var (
	// ErrRegistryFull is returned when a registry already holds NMax
	// arenas and can't publish another.
	ErrRegistryFull = errors.New("arena: registry is full")

	// ErrOutOfMemory is returned by Alloc when no arena can serve a request
	// and OS fallback is not allowed (a specific arena was named, or
	// LimitOSAlloc is set), and by ReserveHugeOSPagesAt when no page could
	// be reserved. An OS refusal elsewhere comes back as the backend's own
	// error.
	ErrOutOfMemory = errors.New("arena: out of memory")

	// ErrDoubleFree is logged (never returned to a Free caller, which has no
	// return value to report it through) when a free targets blocks that
	// were already free.
	ErrDoubleFree = errors.New("arena: double free")

	// ErrBadMemID is logged when a MemID names an arena slot or bitmap
	// range that doesn't exist.
	ErrBadMemID = errors.New("arena: free with bogus memid")

	// ErrRegionTooSmall is returned by ManageOSMemory when the supplied
	// region can't hold even one block.
	ErrRegionTooSmall = errors.New("arena: region smaller than one block")
)
