package mimalloc

import "testing"

func TestSpanBinMonotonic(t *testing.T) {
	prev := -1
	for _, n := range []int{1, 2, 3, 4, 7, 8, 9, 100, 1000, 1 << 20} {
		b := spanBin(n)
		if b < prev {
			t.Fatalf("spanBin(%d) = %d regressed below previous %d", n, b, prev)
		}
		if b < 0 || b > 11 {
			t.Fatalf("spanBin(%d) = %d out of range", n, b)
		}
		prev = b
	}
}

func TestSegmentAllocReleaseCoalesces(t *testing.T) {
	world := NewSubprocess()
	seg, err := newSegment(world, 1, slicesPerSegment, pageKindSmall, false)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}

	start, ok := seg.allocSlices(10)
	if !ok {
		t.Fatal("allocSlices(10) failed on a fresh segment")
	}
	if start != 0 {
		t.Fatalf("first allocation should start at slice 0, got %d", start)
	}
	if seg.usedSlices != 10 {
		t.Fatalf("usedSlices = %d, want 10", seg.usedSlices)
	}

	start2, ok := seg.allocSlices(5)
	if !ok {
		t.Fatal("allocSlices(5) failed")
	}
	if start2 != 10 {
		t.Fatalf("second allocation should start at slice 10, got %d", start2)
	}

	seg.releaseSlices(start, 10)
	seg.releaseSlices(start2, 5)

	if seg.usedSlices != 0 {
		t.Fatalf("usedSlices = %d, want 0 after releasing everything", seg.usedSlices)
	}
	// After both releases coalesce with each other and the remaining tail,
	// the whole segment should again be allocatable as a single span.
	whole, ok := seg.allocSlices(seg.sliceCount)
	if !ok {
		t.Fatal("expected released spans to coalesce back into one span covering the whole segment")
	}
	if whole != 0 {
		t.Fatalf("coalesced span should start at 0, got %d", whole)
	}
}

func TestSegmentAllocExhaustion(t *testing.T) {
	world := NewSubprocess()
	seg, err := newSegment(world, 1, slicesPerSegment, pageKindSmall, false)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}
	if _, ok := seg.allocSlices(seg.sliceCount); !ok {
		t.Fatal("expected to allocate the entire segment in one span")
	}
	if _, ok := seg.allocSlices(1); ok {
		t.Fatal("expected allocation to fail once the segment is fully used")
	}
}

func TestSegmentAbandonAndClaim(t *testing.T) {
	world := NewSubprocess()
	seg, err := newSegment(world, 1, slicesPerSegment, pageKindSmall, false)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}
	if !seg.abandon(1) {
		t.Fatal("abandon should succeed for the current owner")
	}
	if !seg.isAbandoned() {
		t.Fatal("segment should report abandoned after a successful abandon")
	}
	if seg.abandon(1) {
		t.Fatal("abandon should fail once already abandoned")
	}
	if !seg.tryClaim(2) {
		t.Fatal("tryClaim should succeed on an abandoned segment")
	}
	if seg.isAbandoned() {
		t.Fatal("segment should no longer be abandoned after a successful claim")
	}
	if seg.tryClaim(3) {
		t.Fatal("tryClaim should fail on a segment that is not abandoned")
	}
}

func TestSegmentBaseMasking(t *testing.T) {
	world := NewSubprocess()
	seg, err := newSegment(world, 1, slicesPerSegment, pageKindSmall, false)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}
	defer seg.release()

	interior := seg.base + 12345
	if segmentBase(interior) != seg.base {
		t.Fatalf("segmentBase(%#x) = %#x, want %#x", interior, segmentBase(interior), seg.base)
	}
	if lookupSegment(seg.base) != seg {
		t.Fatal("lookupSegment did not resolve the freshly registered segment")
	}
}
