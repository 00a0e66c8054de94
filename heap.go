package mimalloc

import (
	"fmt"
)

// maxSearch bounds how many pages in a bin's queue are probed before
// giving up and fetching a fresh page (§4.E alloc step 2).
const maxSearch = 8

// HeapTag distinguishes heaps of the same thread. It is recorded on the
// heap only: abandoned-segment adoption (abandon.go) does not consult it
// and always adopts pages into the reclaiming thread's backing heap.
type HeapTag uint8

const DefaultHeapTag HeapTag = 0

// pageQueue is the per-bin queue of pages a heap owns for one size class.
type pageQueue struct {
	first, last *Page
	blockSize   int
}

func (q *pageQueue) pushBack(p *Page) {
	p.next, p.prev = nil, q.last
	if q.last != nil {
		q.last.next = p
	} else {
		q.first = p
	}
	q.last = p
}

func (q *pageQueue) remove(p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		q.first = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		q.last = p.prev
	}
	p.next, p.prev = nil, nil
}

// Heap is a user-facing allocation context (§4.E). Carries the
// pages_free_direct fast array, per-bin page queues, and identifies its
// owning thread and arena.
type Heap struct {
	world     *Subprocess
	threadCtx *ThreadContext
	tag       HeapTag
	arenaID   int // -1 if unconstrained
	cookie    uintptr
	noReclaim bool // forbids destroy; may reclaim pages from ended threads

	direct [smallWsizeMax + 1]*Page // fast-path lookup by small wsize
	queues [queueCount]*pageQueue

	backing *Heap // nil for the backing heap itself
}

func newPageQueues() [queueCount]*pageQueue {
	var qs [queueCount]*pageQueue
	for i := range qs {
		qs[i] = &pageQueue{blockSize: blockSize(i)}
	}
	return qs
}

// NewHeap creates a destructible heap on the calling thread's context.
func NewHeap(tc *ThreadContext) *Heap {
	return newHeapTagged(tc, DefaultHeapTag, -1, false)
}

// NewHeapInArena records arenaID on the heap (§4.E new_in_arena). Page
// acquisition does not consult it: the heap's pages come from the same
// thread segments as any other heap's.
func NewHeapInArena(tc *ThreadContext, arenaID int) *Heap {
	return newHeapTagged(tc, DefaultHeapTag, arenaID, false)
}

// NewHeapEx mirrors heap_new_ex: tag, destroy-allowed, arena.
func NewHeapEx(tc *ThreadContext, tag HeapTag, allowDestroy bool, arenaID int) *Heap {
	return newHeapTagged(tc, tag, arenaID, !allowDestroy)
}

func newHeapTagged(tc *ThreadContext, tag HeapTag, arenaID int, noReclaim bool) *Heap {
	h := &Heap{
		world:     tc.world,
		threadCtx: tc,
		tag:       tag,
		arenaID:   arenaID,
		cookie:    nextHeapCookie(tc),
		noReclaim: noReclaim,
		queues:    newPageQueues(),
		backing:   tc.backing,
	}
	tc.heaps = append(tc.heaps, h)
	return h
}

func retireCyclesOf(h *Heap) int {
	if h == nil || h.world == nil {
		return 16
	}
	return h.world.opts.RetireCycles
}

// Alloc implements §4.E's fast/slow allocation path.
func (h *Heap) Alloc(size int) (uintptr, error) {
	if size < 0 {
		return 0, fmt.Errorf("mimalloc: negative size")
	}
	if size == 0 {
		return 0, nil
	}
	if isLargeRequest(size) {
		return h.allocLarge(size)
	}

	wsize := (size + wordSize - 1) / wordSize
	if wsize <= smallWsizeMax && wsize >= 1 {
		if p := h.direct[wsize]; p != nil && p.free != 0 {
			addr := p.allocBlock()
			if p.free == 0 {
				h.direct[wsize] = h.nextDirectCandidate(wsize)
			}
			return addr, nil
		}
	}

	bin := binOf(size)
	p, err := h.findOrCreatePage(bin)
	if err != nil {
		return 0, err
	}
	addr := p.allocBlock()
	if wsize <= smallWsizeMax && wsize >= 1 {
		h.direct[wsize] = p
	}
	return addr, nil
}

// nextDirectCandidate re-derives the direct-slot cache after its page ran
// dry, scanning the same bin's queue for another page with free blocks.
func (h *Heap) nextDirectCandidate(wsize int) *Page {
	bin := wsizeToBin(wsize)
	q := h.queues[bin]
	for p := q.first; p != nil; p = p.next {
		if p.free != 0 || p.extendOrCollect() {
			return p
		}
	}
	return nil
}

// findOrCreatePage implements the slow path: walk the bin's queue bounded
// by maxSearch, rotating exhausted pages to the tail, else request a fresh
// page from the segment allocator.
func (h *Heap) findOrCreatePage(bin int) (*Page, error) {
	q := h.queues[bin]
	tries := 0
	for p := q.first; p != nil && tries < maxSearch; {
		next := p.next // pushBack below clears p.next
		tries++
		if p.extendOrCollect() {
			return p, nil
		}
		q.remove(p)
		q.pushBack(p)
		p = next
	}
	return h.newPageForBin(bin)
}

func (h *Heap) newPageForBin(bin int) (*Page, error) {
	bs := blockSize(bin)
	if bs == 0 {
		return nil, fmt.Errorf("mimalloc: invalid bin %d", bin)
	}
	kind := pageKindSmall
	if bs > 8*1024 {
		kind = pageKindMedium
	}
	sliceCount := roundUp(bs*8, sliceSizeDefault) / sliceSizeDefault
	if sliceCount < 1 {
		sliceCount = 1
	}

	seg, startSlice, err := h.threadCtx.acquireSlices(sliceCount, kind)
	if err != nil {
		return nil, err
	}
	p := newPage(seg, startSlice, sliceCount, bs, kind, h.cookie)
	p.heap = h
	p.homeBin = bin
	p.extend()
	h.queues[bin].pushBack(p)
	return p, nil
}

// allocLarge handles the single-page-one-block LARGE/HUGE path (§4.B
// point 4): one page occupies exactly as many slices as the request
// needs, with its own dedicated segment once the request exceeds half a
// segment.
func (h *Heap) allocLarge(size int) (uintptr, error) {
	kind := pageKindLarge
	sliceCount := roundUp(size, sliceSizeDefault) / sliceSizeDefault
	if size > segmentSizeDefault/2 {
		kind = pageKindHuge
	}
	seg, startSlice, err := h.threadCtx.acquireSlices(sliceCount, kind)
	if err != nil {
		return 0, err
	}
	// blockSize is the full slice-rounded span so UsableSize matches
	// GoodSize's large-request path (§8 usable_size(alloc(s))==good_size(s)).
	blockBytes := sliceCount * sliceSizeDefault
	p := newPage(seg, startSlice, sliceCount, blockBytes, kind, h.cookie)
	p.heap = h
	p.homeBin = binHuge
	p.capacity, p.reserved, p.used = 1, 1, 0
	if err := seg.ensureCommitted(startSlice*sliceSizeDefault, blockBytes); err != nil {
		return 0, err
	}
	p.isCommitted = true
	p.free = dataStart(p)
	blockAt(p.free).next = encodeNext(0, p.cookie)
	h.queues[binHuge].pushBack(p)
	return p.allocBlock(), nil
}

// Free resolves the owning page from the block address and dispatches to
// the owner or remote free path. tc identifies the calling thread (see
// tls.go's ThreadContext doc comment for why this is explicit rather than
// scraped from the runtime); a public malloc/free shim is what would hide
// this parameter from end users.
func Free(tc *ThreadContext, addr uintptr) {
	if addr == 0 {
		return
	}
	seg := segmentFromAddr(addr)
	if seg == nil {
		return
	}
	if claimOnRemoteFree(tc, seg) {
		// seg is now owned by tc; fall through to the owner path below
		// using the freshly adopted page state.
	}
	slice := int((addr - seg.base) / sliceSizeDefault)
	p := seg.pageForSlice(slice)
	if p == nil {
		return
	}
	block := resolveBlockStart(p, addr)
	if seg.threadID.Load() == tc.id {
		p.freeByOwner(block)
		maybeRetire(p)
		return
	}
	useDelayed := p.heap != nil && p.heap.world.shouldUseDelayedFree(p)
	p.freeRemote(block, useDelayed)
}

func maybeRetire(p *Page) {
	if !p.isRetirable() {
		return
	}
	p.retireCountdown--
	if p.retireCountdown > 0 || p.heap == nil {
		return
	}
	h := p.heap
	h.queueOf(p).remove(p)
	h.clearDirect(p)
	p.freeToSegment()
}

// queueOf returns the pageQueue p currently lives in, which may not be
// its home bin if a remote free's unmarkFull already re-queued it out of
// binFull since the caller last looked.
func (h *Heap) queueOf(p *Page) *pageQueue {
	if p.inFull {
		return h.queues[binFull]
	}
	return h.queues[p.homeBin]
}

// clearDirect drops any direct-array fast-path slot that still points at
// p, so a retired page's memory is never handed out again via a stale
// cached pointer once its slices are back in the segment's free-span
// tracker.
func (h *Heap) clearDirect(p *Page) {
	for w, candidate := range h.direct {
		if candidate == p {
			h.direct[w] = nil
		}
	}
}

// Collect drains thread_free and local_free on every page, retires empty
// pages, and (if force) releases cached segments (§4.E collect).
func (h *Heap) Collect(force bool) {
	for _, q := range h.queues {
		for p := q.first; p != nil; {
			next := p.next
			p.collect(force)
			if p.isRetirable() {
				// p.collect may have already moved p out of q (e.g. a FULL
				// page whose threadFree drain made it non-full again via
				// unmarkFull) so it must be unqueued from wherever it lives
				// now, not from the queue this loop started at.
				h.queueOf(p).remove(p)
				h.clearDirect(p)
				p.freeToSegment()
			}
			p = next
		}
	}
	if force {
		h.threadCtx.releaseSegmentCache()
	}
}

// Destroy unlinks every page of this heap, including ones still in use,
// and returns their memory directly to segments. Caller is responsible
// for not touching any block allocated from h afterward (§4.E destroy).
func (h *Heap) Destroy() error {
	if h.noReclaim {
		return fmt.Errorf("mimalloc: heap created with no_reclaim forbids destroy")
	}
	for _, q := range h.queues {
		for p := q.first; p != nil; {
			next := p.next
			q.remove(p)
			h.clearDirect(p)
			p.freeToSegment()
			p = next
		}
	}
	h.removeFromThreadContext()
	return nil
}

// Delete migrates still-owned non-empty pages into the backing heap of
// the same thread and releases empty ones; safe when blocks remain live
// (§4.E delete).
func (h *Heap) Delete() {
	backing := h.backing
	if backing == nil {
		backing = h.threadCtx.backing
	}
	for bin, q := range h.queues {
		for p := q.first; p != nil; {
			next := p.next
			q.remove(p)
			if p.used == 0 {
				h.clearDirect(p)
				p.freeToSegment()
			} else {
				p.heap = backing
				h.clearDirect(p)
				backing.queues[bin].pushBack(p)
			}
			p = next
		}
	}
	h.removeFromThreadContext()
}

func (h *Heap) removeFromThreadContext() {
	heaps := h.threadCtx.heaps
	for i, candidate := range heaps {
		if candidate == h {
			h.threadCtx.heaps = append(heaps[:i], heaps[i+1:]...)
			break
		}
	}
}

// ContainsBlock reports whether addr was allocated from a page owned by h.
func (h *Heap) ContainsBlock(addr uintptr) bool {
	seg := segmentFromAddr(addr)
	if seg == nil {
		return false
	}
	slice := int((addr - seg.base) / sliceSizeDefault)
	p := seg.pageForSlice(slice)
	return p != nil && p.heap == h
}

// VisitBlocks calls visit for every block currently allocated (or, if
// visitAll, every block including free ones) across h's pages.
func (h *Heap) VisitBlocks(visitAll bool, visit func(addr uintptr, size int) bool) {
	for _, q := range h.queues {
		for p := q.first; p != nil; p = p.next {
			free := freeSetOf(p)
			for i := 0; i < p.capacity; i++ {
				addr := dataStart(p) + uintptr(i*p.blockSize)
				if !visitAll {
					if _, isFree := free[addr]; isFree {
						continue
					}
				}
				if !visit(addr, p.blockSize) {
					return
				}
			}
		}
	}
}

func freeSetOf(p *Page) map[uintptr]struct{} {
	set := map[uintptr]struct{}{}
	for _, head := range []uintptr{p.free, p.localFree} {
		cur := head
		for cur != 0 {
			set[cur] = struct{}{}
			cur = decodeNext(blockAt(cur).next, p.cookie)
		}
	}
	cur := p.threadFree.Load() &^ uintptr(delayedMask)
	for cur != 0 {
		set[cur] = struct{}{}
		cur = decodeNext(blockAt(cur).next, p.cookie)
	}
	return set
}

func segmentFromAddr(addr uintptr) *Segment {
	base := segmentBase(addr)
	return lookupSegment(base)
}

// resolveBlockStart recovers the true block start for an aligned
// allocation by rounding down within the page using block_size, per §4.I.
func resolveBlockStart(p *Page, addr uintptr) uintptr {
	if !p.hasAligned {
		return addr
	}
	off := addr - dataStart(p)
	off -= off % uintptr(p.blockSize)
	return dataStart(p) + off
}
