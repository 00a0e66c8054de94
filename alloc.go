package mimalloc

import "fmt"

// External allocation API, heap-scoped. A public malloc/free shim would
// bind these to a per-thread default heap automatically; here the caller
// supplies the heap (and, for Free, the ThreadContext) explicitly.

// AllocZero is like Alloc except the returned memory is guaranteed
// all-zero (§8 zero-init laws). A page's is_zero flag (§3) records
// whether its blocks were known-zero from a fresh OS mapping; AllocZero
// does not consult it, since a block may have been reused across an
// intervening free before this allocation.
func (h *Heap) AllocZero(size int) (uintptr, error) {
	addr, err := h.Alloc(size)
	if err != nil || addr == 0 {
		return addr, err
	}
	zeroFill(addr, GoodSize(size))
	return addr, nil
}

// CallocN computes count*size with overflow checking before allocating
// zeroed memory (§6, §7 OVERFLOW).
func (h *Heap) CallocN(count, size int) (uintptr, error) {
	if count < 0 || size < 0 {
		return 0, fmt.Errorf("mimalloc: negative count or size")
	}
	if count != 0 && size > (1<<62)/count {
		return 0, ErrOverflow
	}
	return h.AllocZero(count * size)
}

// Realloc grows or shrinks the block at addr to newSize, copying
// min(old, new) bytes and freeing the old block when it cannot grow in
// place (§6 realloc).
func (h *Heap) Realloc(tc *ThreadContext, addr uintptr, newSize int) (uintptr, error) {
	if addr == 0 {
		return h.Alloc(newSize)
	}
	if newSize == 0 {
		Free(tc, addr)
		return 0, nil
	}
	old := UsableSize(addr)
	if newSize <= old {
		return addr, nil
	}
	next, err := h.Alloc(newSize)
	if err != nil {
		return 0, err
	}
	copyBytes(next, addr, minInt(old, newSize))
	Free(tc, addr)
	return next, nil
}

// ReallocZero is like Realloc but zero-fills the extension when growing
// (§8 zero-realloc law).
func (h *Heap) ReallocZero(tc *ThreadContext, addr uintptr, newSize int) (uintptr, error) {
	old := UsableSize(addr)
	next, err := h.Realloc(tc, addr, newSize)
	if err != nil || next == 0 {
		return next, err
	}
	if newSize > old {
		zeroRange(next+uintptr(old), newSize-old)
	}
	return next, nil
}

// ReallocAligned is Realloc with an alignment constraint on the result;
// since the core never guarantees in-place growth preserves alignment it
// always reallocates through AllocAligned when alignment is required
// beyond the natural one.
func (h *Heap) ReallocAligned(tc *ThreadContext, addr uintptr, newSize, align int) (uintptr, error) {
	if align <= naturalAlignFor(newSize) {
		return h.Realloc(tc, addr, newSize)
	}
	old := UsableSize(addr)
	next, err := h.AllocAligned(newSize, align, 0)
	if err != nil || next == 0 {
		return next, err
	}
	if addr != 0 {
		copyBytes(next, addr, minInt(old, newSize))
		Free(tc, addr)
	}
	return next, nil
}

// UsableSize returns the block size backing addr, minus any alignment
// padding (§6 usable_size).
func UsableSize(addr uintptr) int {
	if addr == 0 {
		return 0
	}
	seg := segmentFromAddr(addr)
	if seg == nil {
		return 0
	}
	slice := int((addr - seg.base) / sliceSizeDefault)
	p := seg.pageForSlice(slice)
	if p == nil {
		return 0
	}
	blockStart := resolveBlockStart(p, addr)
	return p.blockSize - int(addr-blockStart)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
