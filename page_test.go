package mimalloc

import "testing"

func newTestPage(t *testing.T, blockSize int) (*Segment, *Page) {
	t.Helper()
	world := NewSubprocess()
	seg, err := newSegment(world, 1, slicesPerSegment, pageKindSmall, false)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}
	p := newPage(seg, 0, 1, blockSize, pageKindSmall, 0)
	p.extend()
	return seg, p
}

func TestPageExtendFillsFreeList(t *testing.T) {
	_, p := newTestPage(t, 32)
	if p.capacity == 0 {
		t.Fatal("extend should commit at least one block")
	}
	if p.free == 0 {
		t.Fatal("extend should leave blocks on the free list")
	}
	count := 0
	cur := p.free
	for cur != 0 {
		count++
		cur = decodeNext(blockAt(cur).next, p.cookie)
	}
	if count != p.capacity {
		t.Fatalf("free list length = %d, want capacity %d", count, p.capacity)
	}
}

func TestPageAllocBlockIncrementsUsed(t *testing.T) {
	_, p := newTestPage(t, 32)
	addr := p.allocBlock()
	if addr == 0 {
		t.Fatal("allocBlock returned 0 from a non-empty free list")
	}
	if p.used != 1 {
		t.Fatalf("used = %d, want 1", p.used)
	}
}

// TestAllocBlockEscalatesBeforeMarkingFull pins the fix for the escalation
// ladder: a page with many more reserved blocks than committed ones must
// extend() for another geometric slab instead of parking itself in FULL
// the instant its currently-committed blocks run out.
func TestAllocBlockEscalatesBeforeMarkingFull(t *testing.T) {
	_, p := newTestPage(t, 32)
	if p.reserved <= p.capacity {
		t.Fatalf("test page must reserve more blocks than initially committed (reserved=%d, capacity=%d)", p.reserved, p.capacity)
	}

	p.allocBlock() // drains the single block committed by newTestPage's extend()

	if p.inFull {
		t.Fatal("page must extend() for another slab before being marked FULL while slices remain uncommitted")
	}
	if p.capacity <= 1 {
		t.Fatalf("capacity = %d, want > 1 after the escalation ladder committed another slab", p.capacity)
	}
	if p.free == 0 {
		t.Fatal("the newly committed slab's blocks should be on the free list")
	}
}

func TestAllocBlockMarksFullOnlyOnceReservedExhausted(t *testing.T) {
	world := NewSubprocess()
	seg, err := newSegment(world, 1, slicesPerSegment, pageKindSmall, false)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}
	// blockSize == sliceSizeDefault gives reserved == capacity == 1 right
	// away, so the very first allocBlock should legitimately mark FULL.
	p := newPage(seg, 0, 1, sliceSizeDefault, pageKindSmall, 0)
	p.extend()
	if p.reserved != p.capacity {
		t.Fatalf("expected reserved == capacity for a single-slice, single-block page, got reserved=%d capacity=%d", p.reserved, p.capacity)
	}

	p.allocBlock()

	if !p.inFull {
		t.Fatal("a page with no more reserved blocks to extend into should be marked FULL once its free list empties")
	}
}

func TestPageFreeByOwnerRoundTrip(t *testing.T) {
	_, p := newTestPage(t, 32)
	addr := p.allocBlock()
	p.freeByOwner(addr)
	if p.used != 0 {
		t.Fatalf("used = %d, want 0 after freeing the only live block", p.used)
	}
	if !p.isRetirable() {
		t.Fatal("page with used==0 and no pending remote frees should be retirable")
	}

	p.collect(false)
	if p.free == 0 {
		t.Fatal("collect should migrate localFree back onto free")
	}
}

func TestPageRemoteFreeThenCollect(t *testing.T) {
	_, p := newTestPage(t, 32)
	addr := p.allocBlock()

	p.freeRemote(addr, false)
	if p.threadFree.Load() == 0 {
		t.Fatal("freeRemote should leave a non-zero threadFree head")
	}

	before := p.used
	p.collectThreadFree()
	if p.used != before-1 {
		t.Fatalf("used = %d, want %d after collecting one remote free", p.used, before-1)
	}
	if p.free == 0 {
		t.Fatal("collected remote-freed block should land on free")
	}
}

func TestPageFullStateTransition(t *testing.T) {
	world := NewSubprocess()
	tc := Acquire(world)
	h := NewHeap(tc)

	seg, err := newSegment(world, tc.id, slicesPerSegment, pageKindSmall, false)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}
	p := newPage(seg, 0, 1, 4096, pageKindSmall, h.cookie)
	p.heap = h
	p.homeBin = binOf(4096)
	p.capacity, p.reserved = 1, 1
	p.free = dataStart(p)
	blockAt(p.free).next = encodeNext(0, p.cookie)
	h.queues[p.homeBin].pushBack(p)

	addr := p.allocBlock()
	if !p.inFull {
		t.Fatal("page with an empty free list and no pending frees should be marked FULL")
	}
	if h.queues[binFull].first != p {
		t.Fatal("FULL page should be queued on the heap's FULL queue")
	}

	p.freeRemote(addr, true)
	p.collect(true)
	if p.inFull {
		t.Fatal("page should leave FULL once a free block is available again")
	}
	if h.queues[p.homeBin].first != p {
		t.Fatal("page should be re-queued onto its home bin after leaving FULL")
	}
}

func TestCookieEncodeDecodeRoundTrip(t *testing.T) {
	cookie := uintptr(0xDEADBEEFCAFEBABE)
	for _, v := range []uintptr{0, 1, 0xFFFFFFFF, cookie} {
		enc := encodeNext(v, cookie)
		if decodeNext(enc, cookie) != v {
			t.Fatalf("encode/decode round trip failed for %#x", v)
		}
	}
}
