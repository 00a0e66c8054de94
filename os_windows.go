// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2024 The Mimalloc-Go Authors.

package mimalloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

type windowsOS struct{}

func newOSMemory() osMemory { return windowsOS{} }

func osPageSizeImpl() int {
	var si windows.SystemInfo
	windows.GetSystemInfo(&si)
	return int(si.PageSize)
}

// handleMap tracks the file-mapping handle behind each reserved address so
// release() can close it later: reserve is a CreateFileMapping +
// MapViewOfFile pair, and tearing it down needs both the mapped address
// (UnmapViewOfFile) and the handle (CloseHandle).
var (
	handleMapMu sync.Mutex
	handleMap   = map[uintptr]windows.Handle{}
)

func (windowsOS) reserve(size int, commit, allowLarge bool) (uintptr, bool, bool, error) {
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, uint32(int64(size)>>32), uint32(size), nil)
	if err != nil {
		return 0, false, false, fmt.Errorf("mimalloc: CreateFileMapping: %w", err)
	}
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return 0, false, false, fmt.Errorf("mimalloc: MapViewOfFile: %w", err)
	}
	handleMapMu.Lock()
	handleMap[addr] = h
	handleMapMu.Unlock()
	return addr, false, true, nil
}

func (windowsOS) commit(addr uintptr, size int) (bool, error) {
	_, err := windows.VirtualAlloc(addr, uintptr(size), windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return false, err
}

func (windowsOS) decommit(addr uintptr, size int) (bool, error) {
	return true, windows.VirtualFree(addr, uintptr(size), windows.MEM_DECOMMIT)
}

func (windowsOS) reset(addr uintptr, size int) error {
	_, err := windows.VirtualAlloc(addr, uintptr(size), windows.MEM_RESET, windows.PAGE_READWRITE)
	return err
}

func (windowsOS) protect(addr uintptr, size int, readWrite bool) error {
	prot := uint32(windows.PAGE_NOACCESS)
	if readWrite {
		prot = windows.PAGE_READWRITE
	}
	var old uint32
	return windows.VirtualProtect(addr, uintptr(size), prot, &old)
}

func (windowsOS) release(addr uintptr, size int) error {
	_ = size
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return err
	}
	handleMapMu.Lock()
	h, ok := handleMap[addr]
	delete(handleMap, addr)
	handleMapMu.Unlock()
	if ok {
		return windows.CloseHandle(h)
	}
	return nil
}

func (w windowsOS) reserveHuge(size int, numaHint int) (uintptr, bool, error) {
	addr, _, isZero, err := w.reserve(size, true, true)
	return addr, isZero, err
}

func (windowsOS) numaNodeCount() int   { return 1 }
func (windowsOS) currentNUMANode() int { return 0 }
