package mimalloc

import "testing"

func TestReallocGrowsAndPreservesContent(t *testing.T) {
	tc := Acquire(nil)
	h := NewHeap(tc)

	addr, err := h.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b := byteSliceFor(addr, 16)
	for i := range b {
		b[i] = byte(i + 1)
	}

	next, err := h.Realloc(tc, addr, 512)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if next == 0 {
		t.Fatal("Realloc returned nil pointer")
	}
	got := byteSliceFor(next, 16)
	for i := 0; i < 16; i++ {
		if got[i] != byte(i+1) {
			t.Fatalf("byte %d = %d, want %d after realloc", i, got[i], i+1)
		}
	}
	Free(tc, next)
}

func TestReallocShrinkIsNoOp(t *testing.T) {
	tc := Acquire(nil)
	h := NewHeap(tc)

	addr, err := h.Alloc(512)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	next, err := h.Realloc(tc, addr, 16)
	if err != nil {
		t.Fatalf("Realloc shrink: %v", err)
	}
	if next != addr {
		t.Fatalf("Realloc to a smaller size should keep the same block: got %#x, want %#x", next, addr)
	}
	Free(tc, addr)
}

func TestReallocZeroFillsExtension(t *testing.T) {
	tc := Acquire(nil)
	h := NewHeap(tc)

	addr, err := h.AllocZero(16)
	if err != nil {
		t.Fatalf("AllocZero: %v", err)
	}
	b := byteSliceFor(addr, 16)
	for i := range b {
		b[i] = 0xFF
	}

	next, err := h.ReallocZero(tc, addr, 256)
	if err != nil {
		t.Fatalf("ReallocZero: %v", err)
	}
	grown := byteSliceFor(next, 256)
	for i := 16; i < 256; i++ {
		if grown[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0 in the zero-filled extension", i, grown[i])
		}
	}
	Free(tc, next)
}

func TestCallocNOverflowDetected(t *testing.T) {
	tc := Acquire(nil)
	h := NewHeap(tc)
	_, err := h.CallocN(1<<40, 1<<40)
	if err != ErrOverflow {
		t.Fatalf("CallocN overflow: got %v, want ErrOverflow", err)
	}
}

func TestCallocNZeroesAllocation(t *testing.T) {
	tc := Acquire(nil)
	h := NewHeap(tc)
	addr, err := h.CallocN(16, 8)
	if err != nil {
		t.Fatalf("CallocN: %v", err)
	}
	for _, v := range byteSliceFor(addr, 16*8) {
		if v != 0 {
			t.Fatal("CallocN must return zeroed memory")
		}
	}
	Free(tc, addr)
}

func TestFreeNilIsNoOp(t *testing.T) {
	tc := Acquire(nil)
	Free(tc, 0) // must not panic
}

func TestUsableSizeOfUnknownAddrIsZero(t *testing.T) {
	if got := UsableSize(0); got != 0 {
		t.Fatalf("UsableSize(0) = %d, want 0", got)
	}
}
