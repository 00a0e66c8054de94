// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

// Modifications (c) 2024 The Mimalloc-Go Authors.

package mimalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type unixOS struct{}

func newOSMemory() osMemory { return unixOS{} }

func osPageSizeImpl() int { return unix.Getpagesize() }

func (unixOS) reserve(size int, commit, allowLarge bool) (uintptr, bool, bool, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if allowLarge {
		flags |= mapHugeFlag()
	}
	isLarge := allowLarge && mapHugeFlag() != 0
	b, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		if allowLarge {
			// Fall back without the huge-page hint; large pages are a
			// best-effort hint, never a requirement (§4.A).
			isLarge = false
			b, err = unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
		}
		if err != nil {
			return 0, false, false, fmt.Errorf("mimalloc: reserve %d bytes: %w", size, err)
		}
	}
	addr := uintptr(unsafePointerOf(b))
	if addr%uintptr(osPageSizeImpl()) != 0 {
		return 0, false, false, fmt.Errorf("mimalloc: mmap returned unaligned address")
	}
	// Anonymous mmap is always zero-filled by the kernel.
	return addr, isLarge, true, nil
}

func (unixOS) commit(addr uintptr, size int) (bool, error) {
	// Anonymous mappings are already accessible; mprotect re-asserts
	// read/write in case a prior decommit dropped permissions.
	if err := unix.Mprotect(byteSliceAt(addr, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return false, fmt.Errorf("mimalloc: commit %d bytes at %#x: %w", size, addr, err)
	}
	return false, nil
}

func (unixOS) decommit(addr uintptr, size int) (bool, error) {
	b := byteSliceAt(addr, size)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return true, fmt.Errorf("mimalloc: decommit %d bytes at %#x: %w", size, addr, err)
	}
	return true, nil
}

func (unixOS) reset(addr uintptr, size int) error {
	b := byteSliceAt(addr, size)
	return unix.Madvise(b, unix.MADV_FREE)
}

func (unixOS) protect(addr uintptr, size int, readWrite bool) error {
	prot := unix.PROT_NONE
	if readWrite {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(byteSliceAt(addr, size), prot)
}

func (unixOS) release(addr uintptr, size int) error {
	return unix.Munmap(byteSliceAt(addr, size))
}

func (u unixOS) reserveHuge(size int, numaHint int) (uintptr, bool, error) {
	addr, _, isZero, err := u.reserve(size, true, true)
	return addr, isZero, err
}

func (unixOS) numaNodeCount() int    { return numaNodeCountLinux() }
func (unixOS) currentNUMANode() int  { return 0 }
