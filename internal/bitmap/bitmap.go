// Package bitmap implements a lock-free, thread-shared atomic bitmap: an
// array of fixed-width words whose bits are claimed and unclaimed with
// CAS-retry loops instead of a lock.
//
// This is the one primitive the arena subsystem's hot path goes through for
// every allocation and every free; every method here must be linearisable,
// matching the contract the arena package consumes. The CAS-retry shape is
// the same one the older xsync.AtomicFloat64 in this module's history used
// for compare-and-swap style updates, generalized from a single word to an
// array of words and from "replace" to "claim a run of n bits".
package bitmap

import "sync/atomic"

// FieldBits is the width, in bits, of one bitmap field.
const FieldBits = 64

// Index identifies a single bit within a Bitmap as an absolute bit offset,
// i.e. field*FieldBits+bit. It is opaque to callers outside this package
// except for the field/bit accessors, which the arena package needs to
// iterate fields during a purge sweep.
type Index uint64

// NewIndex builds an Index from a field index and a bit offset within that
// field.
func NewIndex(field, bit int) Index {
	return Index(uint64(field)*FieldBits + uint64(bit))
}

// Field returns the field index this Index falls in.
func (i Index) Field() int { return int(i / FieldBits) }

// Bit returns the bit offset within Field().
func (i Index) Bit() int { return int(i % FieldBits) }

// Bitmap is an array of atomic words, each FieldBits wide, addressed by
// (field, bit). The zero Bitmap has no fields; use New to allocate one sized
// to hold at least n bits.
type Bitmap struct {
	fields []atomic.Uint64
}

// New allocates a Bitmap with enough fields to hold at least n bits.
func New(n int) *Bitmap {
	fieldCount := (n + FieldBits - 1) / FieldBits
	if fieldCount == 0 {
		fieldCount = 1
	}
	return &Bitmap{fields: make([]atomic.Uint64, fieldCount)}
}

// FieldCount returns the number of words backing this bitmap.
func (b *Bitmap) FieldCount() int { return len(b.fields) }

// LoadField returns the raw bits of field i. Used by the purge sweep, which
// needs to walk every field looking for scheduled-purge runs.
func (b *Bitmap) LoadField(i int) uint64 { return b.fields[i].Load() }

func mask(bit, n int) uint64 {
	if n >= FieldBits {
		return ^uint64(0)
	}
	return ((uint64(1) << n) - 1) << bit
}

// TryClaim attempts to claim n consecutive zero bits anywhere in the bitmap,
// starting the search at field 0. It is try_claim(n) from the arena
// subsystem's bitmap contract.
func (b *Bitmap) TryClaim(n int) (Index, bool) {
	return b.TryFindFrom(0, n)
}

// TryFindFrom attempts to claim n consecutive zero bits, starting the search
// at field hint and wrapping around the bitmap if necessary. On success it
// returns the Index of the first claimed bit.
func (b *Bitmap) TryFindFrom(hint, n int) (Index, bool) {
	fc := len(b.fields)
	if fc == 0 || n <= 0 {
		return 0, false
	}
	hint %= fc

	for step := 0; step < fc; step++ {
		f := (hint + step) % fc

		if idx, ok := b.tryClaimStartingInField(f, n); ok {
			return idx, true
		}
	}
	return 0, false
}

// tryClaimStartingInField looks for a run of n zero bits that begins inside
// field f. Runs that fit entirely within the field are claimed with a single
// CAS; runs that reach the field's high bit are retried as a cross-field
// claim via TryClaimExact, which is the only place that needs to reason
// about multiple fields at once.
func (b *Bitmap) tryClaimStartingInField(f, n int) (Index, bool) {
retryField:
	for {
		word := b.fields[f].Load()
		bit, runLen, spansEnd := longestZeroRunFrom(word, 0)

		for bit < FieldBits {
			if runLen >= n {
				m := mask(bit, n)
				if b.fields[f].CompareAndSwap(word, word|m) {
					return NewIndex(f, bit), true
				}
				// Lost the race; reload and rescan this field from scratch.
				continue retryField
			}

			if spansEnd && f+1 < len(b.fields) {
				if b.TryClaimExact(n, NewIndex(f, bit)) {
					return NewIndex(f, bit), true
				}
				// The cross-field attempt failed because some bit in the
				// range was set concurrently; there is no better run left
				// starting in this field.
				return 0, false
			}

			// No usable run at this bit; skip past it and keep scanning
			// the same (stale) word snapshot for the next zero run.
			next := bit + max(runLen, 1)
			if next >= FieldBits {
				return 0, false
			}
			bit, runLen, spansEnd = longestZeroRunFrom(word, next)
		}
		return 0, false
	}
}

// longestZeroRunFrom scans word starting at bit `from` and returns the start
// of the next zero run at or after `from`, its length, and whether the run
// touches bit 63 (a candidate for a cross-field span).
func longestZeroRunFrom(word uint64, from int) (start, length int, spansEnd bool) {
	bit := from
	for bit < FieldBits && word&(1<<bit) != 0 {
		bit++
	}
	if bit >= FieldBits {
		return FieldBits, 0, false
	}
	start = bit
	for bit < FieldBits && word&(1<<bit) == 0 {
		bit++
	}
	length = bit - start
	spansEnd = bit == FieldBits
	return start, length, spansEnd
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ClaimAcross sets exactly the n bits starting at idx, which may span field
// boundaries. It reports whether any of those bits was zero before the set
// (the caller uses this to detect "any uncommitted?").
func (b *Bitmap) ClaimAcross(n int, idx Index) (anyWasZero bool) {
	b.forEachSpan(n, idx, func(f, bit, width int) {
		m := mask(bit, width)
		for {
			word := b.fields[f].Load()
			if word&m != m {
				anyWasZero = true
			}
			if b.fields[f].CompareAndSwap(word, word|m) {
				return
			}
		}
	})
	return anyWasZero
}

// UnclaimAcross clears exactly the n bits starting at idx. It reports
// whether all of those bits were set before the clear; false indicates a
// double-free (some bit in the range was already clear).
func (b *Bitmap) UnclaimAcross(n int, idx Index) (allWereSet bool) {
	allWereSet = true
	b.forEachSpan(n, idx, func(f, bit, width int) {
		m := mask(bit, width)
		for {
			word := b.fields[f].Load()
			if word&m != m {
				allWereSet = false
			}
			if b.fields[f].CompareAndSwap(word, word&^m) {
				return
			}
		}
	})
	return allWereSet
}

// IsClaimedAcross reports whether all n bits starting at idx are set.
func (b *Bitmap) IsClaimedAcross(n int, idx Index) bool {
	all := true
	b.forEachSpanReadOnly(n, idx, func(f, bit, width int) {
		m := mask(bit, width)
		if b.fields[f].Load()&m != m {
			all = false
		}
	})
	return all
}

// TryClaimExact attempts to set exactly the n bits starting at idx, but only
// if all of them are currently zero. It either claims the whole range
// atomically (from the caller's point of view) or claims nothing.
func (b *Bitmap) TryClaimExact(n int, idx Index) bool {
	type span struct{ f, bit, width int }
	var spans []span
	b.forEachSpanReadOnly(n, idx, func(f, bit, width int) {
		spans = append(spans, span{f, bit, width})
	})

	claimed := spans[:0:0]
	for _, s := range spans {
		m := mask(s.bit, s.width)
		word := b.fields[s.f].Load()
		if word&m != 0 {
			// Bits already taken; roll back whatever this call already
			// claimed in earlier fields of the same span.
			for _, c := range claimed {
				cm := mask(c.bit, c.width)
				for {
					w := b.fields[c.f].Load()
					if b.fields[c.f].CompareAndSwap(w, w&^cm) {
						break
					}
				}
			}
			return false
		}
		if !b.fields[s.f].CompareAndSwap(word, word|m) {
			// Lost a race on this field; roll back and fail rather than
			// retry here. The caller (a purge sweep or a search) moves on
			// to a fresh position, so a plain failure is an acceptable and
			// simple response here rather than an inner retry loop.
			for _, c := range claimed {
				cm := mask(c.bit, c.width)
				for {
					w := b.fields[c.f].Load()
					if b.fields[c.f].CompareAndSwap(w, w&^cm) {
						break
					}
				}
			}
			return false
		}
		claimed = append(claimed, s)
	}
	return true
}

// forEachSpan splits the n-bit range starting at idx into per-field
// sub-ranges and invokes fn(field, bitInField, widthInField) for each,
// in ascending field order.
func (b *Bitmap) forEachSpan(n int, idx Index, fn func(f, bit, width int)) {
	b.forEachSpanReadOnly(n, idx, fn)
}

func (b *Bitmap) forEachSpanReadOnly(n int, idx Index, fn func(f, bit, width int)) {
	f := idx.Field()
	bit := idx.Bit()
	remaining := n
	for remaining > 0 {
		width := FieldBits - bit
		if width > remaining {
			width = remaining
		}
		fn(f, bit, width)
		remaining -= width
		f++
		bit = 0
	}
}
