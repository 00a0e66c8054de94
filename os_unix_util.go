//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

package mimalloc

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func unsafePointerOf(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// byteSliceAt reconstructs a []byte header over an already-mapped region
// so it can be passed to the golang.org/x/sys/unix mmap-family calls, which
// only need the address and length, not the original slice object — mmap'd
// memory sits outside the Go heap and is never moved by the GC.
func byteSliceAt(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func mapHugeFlag() int {
	// MAP_HUGETLB is Linux-only; other unixes treat allow-large as a
	// best-effort no-op handled by the fallback path in reserve.
	if hugeTLBSupported {
		return unix.MAP_HUGETLB
	}
	return 0
}

func numaNodeCountLinux() int {
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return 1
	}
	n := 0
	for _, e := range entries {
		if len(e.Name()) > 4 && e.Name()[:4] == "node" {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}
