package mimalloc

import "fmt"

// §4.I Aligned-allocation overlay. For alignment <= block_size the bin's
// natural alignment already suffices; otherwise the request is inflated
// and the returned pointer rounded up, with has_aligned set on the page
// so Free (via resolveBlockStart, heap.go) can recover the true block
// start.

// AllocAligned allocates size bytes aligned to align bytes, optionally
// offset so that (ptr+offset)%align==0 rather than ptr%align==0
// (§4.I aligned_at).
func (h *Heap) AllocAligned(size, align, offset int) (uintptr, error) {
	if align == 0 || (align&(align-1)) != 0 {
		return 0, fmt.Errorf("mimalloc: alignment %d is not a power of two", align)
	}
	if align <= naturalAlignFor(size) && offset == 0 {
		return h.Alloc(size)
	}

	extra := align - 1
	if offset != 0 {
		extra += offset
	}
	total := size + extra
	if total < size { // overflow
		return 0, ErrOverflow
	}

	raw, err := h.Alloc(total)
	if err != nil {
		return 0, err
	}
	if raw == 0 {
		return 0, nil
	}

	aligned := roundUpPtr(raw+uintptr(offset), uintptr(align)) - uintptr(offset)
	seg := segmentFromAddr(raw)
	if seg != nil {
		slice := int((raw - seg.base) / sliceSizeDefault)
		if p := seg.pageForSlice(slice); p != nil {
			p.hasAligned = true
		}
	}
	return aligned, nil
}

func naturalAlignFor(size int) int {
	// Blocks sit at multiples of their size from a slice-aligned start, so
	// the guaranteed alignment is the largest power of two dividing it.
	g := GoodSize(size)
	a := 1
	for a < maxNaturalAlign && g%(a*2) == 0 {
		a *= 2
	}
	return a
}

const maxNaturalAlign = 16

func roundUpPtr(n, m uintptr) uintptr {
	return (n + m - 1) &^ (m - 1)
}
