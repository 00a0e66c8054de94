package mimalloc

import "unsafe"

// Small raw-memory helpers shared by alloc.go and aligned.go.

func byteSliceFor(addr uintptr, n int) []byte {
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func zeroFill(addr uintptr, n int) {
	b := byteSliceFor(addr, n)
	for i := range b {
		b[i] = 0
	}
}

func zeroRange(addr uintptr, n int) { zeroFill(addr, n) }

func copyBytes(dst, src uintptr, n int) {
	copy(byteSliceFor(dst, n), byteSliceFor(src, n))
}
