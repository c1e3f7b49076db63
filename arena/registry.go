package arena

import (
	"sync/atomic"
)

// Registry publishes a fixed-capacity set of arenas to every goroutine that
// holds a pointer to it. Registration is append-only and lock-free: a slot,
// once published, is never cleared (spec §3's lifecycle — arenas are never
// destroyed), so readers never need to guard against a slot disappearing
// out from under them.
type Registry struct {
	slots [NMax]atomic.Pointer[Arena]
	count atomic.Int32
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add publishes arena into the next free slot and returns its assigned ID.
// It fails with ErrRegistryFull once NMax arenas have been published.
func (r *Registry) Add(a *Arena) (ID, error) {
	slot := int(r.count.Add(1)) - 1
	if slot >= NMax {
		r.count.Add(-1)
		return NoArena, ErrRegistryFull
	}

	a.id = idFromSlot(slot)
	r.slots[slot].Store(a)
	return a.id, nil
}

// Get returns the arena published at id, or nil if id is out of range or
// its slot hasn't been published yet (a transient state visible only to a
// reader racing Add).
func (r *Registry) Get(id ID) *Arena {
	slot := id.slot()
	if slot < 0 || slot >= NMax {
		return nil
	}
	return r.slots[slot].Load()
}

// Len returns the number of arenas published so far.
func (r *Registry) Len() int {
	n := int(r.count.Load())
	if n > NMax {
		n = NMax
	}
	return n
}

// Each calls fn for every published arena, in slot order, stopping early if
// fn returns false. A slot that raced Add and hasn't stored its pointer yet
// is simply skipped for this pass — the allocator's search order tolerates
// a freshly-added arena being invisible to one scan, since the next arena
// or the OS fallback still satisfies the request.
func (r *Registry) Each(fn func(*Arena) bool) {
	for i := 0; i < r.Len(); i++ {
		a := r.slots[i].Load()
		if a == nil {
			continue
		}
		if !fn(a) {
			return
		}
	}
}
