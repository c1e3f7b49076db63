//go:build unix

package osmem

import "unsafe"

// unsafePointer returns the address backing a []byte obtained from mmap.
func unsafePointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// toBytes reinterprets a raw address and length as a []byte, for the
// munmap/mprotect/madvise calls that take a []byte instead of a pointer.
func toBytes(ptr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}
