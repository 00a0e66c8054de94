package mimalloc

import (
	"sync/atomic"
	"unsafe"
)

// delayed-free state, carried in the bottom two bits of a page's
// thread_free tagged pointer (§4.G).
type delayedState uintptr

const (
	delayedNone    delayedState = 0 // NONE
	delayedUse     delayedState = 1 // USE: set by a remote free into a FULL page; the block still goes onto threadFree
	delayedFreeing delayedState = 2 // FREEING: never set by this package (there is no thread_delayed_free list)
	delayedNever   delayedState = 3 // NEVER: page is being destroyed, remote frees take the slow path
	delayedMask    delayedState = 3
)

// block is the smallest user-visible unit: page.blockSize bytes. When
// free, its first word stores the (possibly cookie-encoded) link to the
// next free block.
type block struct {
	next uintptr // encoded per page.cookie; see cookie.go
}

func blockAt(addr uintptr) *block { return (*block)(unsafe.Pointer(addr)) }

// Page is a run of contiguous slices holding blocks of a single size
// class. used = capacity - |free| - |localFree|: an owner free decrements
// used at once, while a block on threadFree stays counted until
// collectThreadFree drains it. blockSize never changes; used==0 implies
// eligible for retirement.
type Page struct {
	segment   *Segment
	sliceIdx  int
	sliceLen  int
	blockSize int

	capacity int // blocks currently committed
	reserved int // <= page data area / blockSize
	used     int // blocks in use, incl. those on threadFree (not localFree)

	free      uintptr // head of owner-only free list
	localFree uintptr // owner-freed during current alloc batch

	// threadFree packs a block pointer (upper bits) with a delayedState
	// (lower 2 bits); modified by remote frees via CAS only.
	threadFree atomic.Uintptr

	cookie uintptr // XOR cookie for free-list links; the owning heap's cookie (see cookie.go)

	inFull      bool
	hasAligned  bool
	isZero      bool
	isCommitted bool
	isReset     bool
	kind        pageKind

	heap    *Heap
	homeBin int // the heap.queues index this page lives in when not FULL
	next    *Page
	prev    *Page

	retireCountdown int // reset to RetireCycles when used drops to 0; see maybeRetire
}

func dataStart(p *Page) uintptr {
	return p.segment.base + uintptr(p.sliceIdx*sliceSizeDefault) + uintptr(pageHeaderReserve)
}

// pageHeaderReserve is kept as a named zero constant so dataStart's
// arithmetic stays explicit even though Page lives out-of-line as a normal
// Go-GC'd struct (referenced from the segment's slice array) rather than
// as a header embedded inline at the front of its mmap'd region — no
// header bytes need to be reserved from the slice's data area.
const pageHeaderReserve = 0

// newPage carves count slices starting at sliceIdx of segment seg into a
// fresh page for the given block size, with no blocks committed yet
// (lazy extension, §4.C page_extend).
func newPage(seg *Segment, sliceIdx, count, blockSize int, kind pageKind, cookie uintptr) *Page {
	p := &Page{
		segment:   seg,
		sliceIdx:  sliceIdx,
		sliceLen:  count,
		blockSize: blockSize,
		reserved:  (count * sliceSizeDefault) / blockSize,
		cookie:    cookie,
		kind:      kind,
	}
	seg.placePage(sliceIdx, count, blockSize, kind, p)
	return p
}

// allocBlock pops the head of p.free, the page's sole fast-path
// operation. Callers must ensure p.free is non-empty, or call
// extendOrCollect first.
func (p *Page) allocBlock() uintptr {
	b := p.free
	p.free = decodeNext(blockAt(b).next, p.cookie)
	p.used++
	if p.free == 0 && !p.extendOrCollect() {
		p.tryMarkFull()
	}
	return b
}

// extendOrCollect implements §4.C alloc_block's escalation ladder: grow
// capacity if slices remain uncommitted, else drain localFree, else drain
// threadFree. Returns false if the page has no more blocks to offer at
// all, meaning the caller must fetch a new page.
func (p *Page) extendOrCollect() bool {
	if p.free != 0 {
		return true
	}
	if p.reserved > p.capacity {
		p.extend()
		return p.free != 0
	}
	p.collect(false)
	return p.free != 0
}

// extend grows capacity by a geometric step capped at 512 blocks, linking
// the newly committed, uninitialised blocks into free (§4.C page_extend).
func (p *Page) extend() {
	step := p.capacity
	if step < 1 {
		step = 1
	}
	if step > 512 {
		step = 512
	}
	if remain := p.reserved - p.capacity; step > remain {
		step = remain
	}
	if step <= 0 {
		return
	}
	base := dataStart(p) + uintptr(p.capacity*p.blockSize)
	off := int(base - p.segment.base)
	if err := p.segment.ensureCommitted(off, step*p.blockSize); err != nil {
		return
	}
	p.isCommitted = true
	for i := step - 1; i >= 0; i-- {
		addr := base + uintptr(i*p.blockSize)
		blockAt(addr).next = encodeNext(p.free, p.cookie)
		p.free = addr
	}
	p.capacity += step
	// Freshly committed slices come straight from an anonymous OS mapping
	// (always zero-filled, §4.A); once any block has been reused after a
	// free+realloc cycle this no longer holds for the page as a whole.
	if p.capacity == step {
		p.isZero = true
	}
}

// collect migrates localFree into free, then (if still empty or force)
// drains threadFree, matching page_collect's two-stage refill. No
// generation counter is kept.
func (p *Page) collect(force bool) {
	if p.localFree != 0 {
		if p.free != 0 {
			// Splice the existing free list after localFree's tail so
			// neither list loses blocks.
			tail := p.localFree
			for {
				next := decodeNext(blockAt(tail).next, p.cookie)
				if next == 0 {
					break
				}
				tail = next
			}
			blockAt(tail).next = encodeNext(p.free, p.cookie)
		}
		p.free, p.localFree = p.localFree, 0
	}
	if p.free == 0 || force {
		p.collectThreadFree()
	}
}

// collectThreadFree CAS-swaps threadFree's head to empty (preserving no
// state, since collection always happens from the owner thread which can
// freely reset delayed state to NONE) and chains the collected blocks onto
// free, adjusting used by the chain length (§4.G "page_thread_free_collect").
func (p *Page) collectThreadFree() {
	var old uintptr
	for {
		old = p.threadFree.Load()
		if old&uintptr(delayedMask) == uintptr(delayedNever) {
			return
		}
		head := old &^ uintptr(delayedMask)
		if head == 0 {
			return
		}
		if p.threadFree.CompareAndSwap(old, uintptr(delayedNone)) {
			// Walk the collected chain once to count it, then splice its
			// tail onto the existing free list.
			count := 0
			tail := head
			for {
				count++
				next := decodeNext(blockAt(tail).next, p.cookie)
				if next == 0 {
					break
				}
				tail = next
			}
			blockAt(tail).next = encodeNext(p.free, p.cookie)
			p.free = head
			p.used -= count
			if p.inFull && p.free != 0 {
				p.unmarkFull()
			}
			return
		}
	}
}

// freeByOwner implements the owner side of §4.C free_block: push onto
// localFree, decrement used, flag for retirement once used reaches zero.
func (p *Page) freeByOwner(addr uintptr) {
	blockAt(addr).next = encodeNext(p.localFree, p.cookie)
	p.localFree = addr
	p.used--
	if p.used == 0 {
		p.retireCountdown = retireCyclesOf(p.heap)
	}
}

// freeRemote implements the non-owner side: a CAS loop onto threadFree
// preserving the low delayed-state bits, the allocator's single point of
// cross-thread contention (§4.G, §5).
func (p *Page) freeRemote(addr uintptr, useDelayed bool) {
	for {
		old := p.threadFree.Load()
		state := delayedState(old & uintptr(delayedMask))
		if state == delayedNever {
			// Terminal: page is being destroyed. Slow path updates
			// heap-level accounting directly instead of enqueueing.
			atomic.AddInt64(&p.heap.world.stats.DeferredOnDestroyedPage, 1)
			return
		}
		head := old &^ uintptr(delayedMask)
		blockAt(addr).next = encodeNext(head, p.cookie)
		newState := state
		if useDelayed && state == delayedNone {
			newState = delayedUse
		}
		newHead := (addr &^ uintptr(delayedMask)) | uintptr(newState)
		if p.threadFree.CompareAndSwap(old, newHead) {
			return
		}
	}
}

// tryMarkFull transitions a page whose free list just emptied into the
// FULL state, moving it from its home bin queue into the heap's FULL
// parking queue (§4.C state machine, §3 in_full flag).
func (p *Page) tryMarkFull() {
	if p.inFull || p.capacity < p.reserved || p.localFree != 0 || p.threadFree.Load()&^uintptr(delayedMask) != 0 {
		return
	}
	p.inFull = true
	if p.heap == nil {
		return
	}
	p.heap.queues[p.homeBin].remove(p)
	p.heap.queues[binFull].pushBack(p)
}

// unmarkFull transitions a FULL page back to PARTIAL once collectThreadFree
// drains remote frees into it, re-queueing it into its home bin (§4.C
// "Remote free into a FULL page ... causes re-queue"). Owner frees into a
// FULL page do not call it.
func (p *Page) unmarkFull() {
	if !p.inFull {
		return
	}
	p.inFull = false
	if p.heap == nil {
		return
	}
	p.heap.queues[binFull].remove(p)
	p.heap.queues[p.homeBin].pushBack(p)
}

// isRetirable reports used==0 with no pending remote work, i.e. eligible
// to return slices to its segment (§4.C state machine).
func (p *Page) isRetirable() bool {
	return p.used == 0 && p.localFree == 0 && p.threadFree.Load()&^uintptr(delayedMask) == 0
}

// freeToSegment detaches the page and returns its slices (§4.C page_free).
func (p *Page) freeToSegment() {
	seg := p.segment
	if p.heap != nil && p.heap.world != nil && p.heap.world.opts.PurgeDecommits {
		seg.decommitRange(p.sliceIdx*sliceSizeDefault, p.sliceLen*sliceSizeDefault)
		p.isCommitted = false
	}
	for i := 0; i < p.sliceLen; i++ {
		seg.slices[p.sliceIdx+i] = sliceMeta{}
	}
	seg.releaseSlices(p.sliceIdx, p.sliceLen)
	if p.heap != nil && p.heap.world != nil {
		atomic.AddInt64(&p.heap.world.stats.PagesRetired, 1)
	}
}
