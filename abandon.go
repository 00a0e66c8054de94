package mimalloc

import "sync/atomic"

// atomicSegPtr is a lock-free Treiber-stack head: an atomic.Pointer[Segment]
// with a CAS helper, used for the process-wide abandoned-segment queue
// (§4.H step 3).
type atomicSegPtr struct {
	p atomic.Pointer[Segment]
}

func (a *atomicSegPtr) load() *Segment { return a.p.Load() }
func (a *atomicSegPtr) cas(old, next *Segment) bool { return a.p.CompareAndSwap(old, next) }

// abandonPage implements §4.H step 1: CAS the page's thread_free state to
// NEVER_DELAYED_FREE so any later remote free takes the terminal slow
// path instead of racing the now-gone owner.
func abandonPage(p *Page) {
	for {
		old := p.threadFree.Load()
		newVal := (old &^ uintptr(delayedMask)) | uintptr(delayedNever)
		if p.threadFree.CompareAndSwap(old, newVal) {
			return
		}
	}
}

// abandonThreadSegments implements thread_done's hand-off (§4.F step 2,
// §4.H): every heap's non-empty pages' segments become ABANDONED and are
// pushed onto the subprocess abandoned queue; pages that are already
// empty are freed instead of abandoned (§4.H step 4).
func abandonThreadSegments(tc *ThreadContext) {
	abandonedSegs := map[*Segment]bool{}
	for _, h := range tc.heaps {
		for _, q := range h.queues {
			for p := q.first; p != nil; {
				next := p.next
				if p.used == 0 {
					q.remove(p)
					p.freeToSegment()
				} else {
					abandonPage(p)
					abandonedSegs[p.segment] = true
				}
				p = next
			}
		}
	}
	owner := tc.id
	for seg := range abandonedSegs {
		if seg.isEmpty() {
			_ = seg.release()
			continue
		}
		seg.abandon(owner)
	}
}

// reclaimAbandoned opportunistically pops up to quota segments off the
// subprocess abandoned queue and adopts their non-empty pages into tc's
// backing heap (§4.H). Heap tags and no_reclaim flags are not consulted.
func reclaimAbandoned(tc *ThreadContext, quota int) {
	owner := tc.id
	for i := 0; i < quota; i++ {
		seg := tc.world.popAbandoned()
		if seg == nil {
			return
		}
		if !seg.tryClaim(owner) {
			// Lost the race to another thread; the segment stays on
			// nobody's queue now, so push it back for a later try.
			tc.world.pushAbandoned(seg)
			continue
		}
		adoptSegment(tc, seg)
	}
}

// adoptSegment walks an abandoned (now re-owned) segment's pages, folding
// non-empty ones into the adopting thread's backing heap and returning
// empty ones to the segment's own free-span tracker.
func adoptSegment(tc *ThreadContext, seg *Segment) {
	target := tc.backing
	seen := map[*Page]bool{}
	for i := 0; i < seg.sliceCount; i++ {
		m := seg.slices[i]
		if !m.isFirst || m.page == nil || seen[m.page] {
			continue
		}
		p := m.page
		seen[p] = true
		p.collect(true)
		if p.used == 0 {
			p.freeToSegment()
			continue
		}
		p.heap = target
		p.inFull = false
		bin := binOf(p.blockSize)
		if p.kind == pageKindLarge || p.kind == pageKindHuge {
			bin = binHuge
		}
		p.homeBin = bin
		target.queues[bin].pushBack(p)
	}
	tc.pushSegment(seg)
}

// claimOnRemoteFree implements §4.H's alternative reclaim path: a free
// that discovers its target segment is ABANDONED claims it directly,
// skipping the abandoned-queue round trip entirely. No heap-tag check is
// made.
func claimOnRemoteFree(tc *ThreadContext, seg *Segment) bool {
	if !seg.isAbandoned() {
		return false
	}
	owner := tc.id
	if !seg.tryClaim(owner) {
		return false
	}
	adoptSegment(tc, seg)
	return true
}
