package mimalloc

import (
	"sync/atomic"
)

// §4.B segment allocator. A segment is a large OS region aligned to
// segmentSizeDefault and subdivided into fixed-size slices; a page
// occupies one or more consecutive slices. Masking a pointer with
// segmentSizeDefault recovers the segment base (§6's
// block→page→segment arithmetic) for any pointer in the segment's first
// segmentSizeDefault bytes, which is the whole of an ordinary segment.
const (
	segmentSizeDefault = 64 * 1024 * 1024 // 64 MiB
	sliceSizeDefault   = 64 * 1024        // 64 KiB
	slicesPerSegment   = segmentSizeDefault / sliceSizeDefault
	commitUnitSize     = 2 * 1024 * 1024 // §9: 2 MiB large-page commit granularity
)

type pageKind uint8

const (
	pageKindSmall pageKind = iota
	pageKindMedium
	pageKindLarge
	pageKindHuge
)

const segmentOwnerAbandoned = -1

// sliceMeta describes one slice of a segment's head-of-segment slice
// array. A slice that begins a page carries the page's metadata directly;
// any other slice belonging to that page carries a back-offset to the
// first slice, so an arbitrary interior pointer can locate the owning page
// in O(1) (§4.B point 2).
type sliceMeta struct {
	isFirst    bool
	backOffset int // slices back to the first slice of this page, if !isFirst
	sliceCount int // length of the page's span, valid on the first slice
	page       *Page
}

// freeSpan is a node in the segment's by-length free-span bins (§4.B
// point 3): a run of [start, start+count) slices not currently backing
// any page.
type freeSpan struct {
	start, count int
	prev, next   *freeSpan
}

// Segment is a large OS-backed region carved into slices. Owned by
// exactly one thread at a time; ownership transfers to ABANDONED via a
// single CAS on thread exit (§4.H) and back via CAS on adoption.
type Segment struct {
	base       uintptr
	size       int
	sliceCount int
	kind       pageKind
	subproc    *Subprocess

	slices []sliceMeta

	// spanBins[b] holds free spans whose slice count falls in
	// [2^b, 2^(b+1)); allocation does a first-fit search starting at
	// bin(n) and climbing upward.
	spanBins [12]*freeSpan

	commitBitmap []uint64 // one bit per commitUnitSize region
	isLarge      bool

	threadID      atomic.Int64 // owning thread id, or segmentOwnerAbandoned
	abandonedNext atomic.Pointer[Segment]

	usedSlices int // slices currently handed out to pages, empty or not
}

func spanBin(count int) int {
	b := 0
	for (1 << uint(b+1)) <= count {
		b++
		if b == 11 {
			break
		}
	}
	return b
}

// newSegment reserves a segmentSizeDefault-aligned region of at least minSlices slices
// (rounded up to segmentSizeDefault for small/medium/large segments, or to
// an exact fit for a dedicated huge segment) and initialises its slice
// array and free-span bins.
func newSegment(world *Subprocess, ownerID int64, minSlices int, kind pageKind, eagerCommit bool) (*Segment, error) {
	size := segmentSizeDefault
	if kind == pageKindHuge {
		size = roundUp(minSlices*sliceSizeDefault, osPageSize())
	}
	// Every segment, huge ones included, is aligned to segmentSizeDefault
	// (not to its own size) so segmentBase's mask recovers the true base
	// from the start of a huge segment's block; interior pointers more than
	// segmentSizeDefault bytes into a huge segment mask to a different base.
	addr, isLarge, _, err := reserveAligned(size, segmentSizeDefault, eagerCommit)
	if err != nil {
		return nil, err
	}

	sc := size / sliceSizeDefault
	commitUnits := (size + commitUnitSize - 1) / commitUnitSize
	seg := &Segment{
		base:         addr,
		size:         size,
		sliceCount:   sc,
		kind:         kind,
		subproc:      world,
		slices:       make([]sliceMeta, sc),
		commitBitmap: make([]uint64, (commitUnits+63)/64),
		isLarge:      isLarge,
	}
	seg.threadID.Store(ownerID)
	seg.addFreeSpan(0, sc)
	atomic.AddInt64(&world.stats.SegmentsCreated, 1)
	atomic.AddInt64(&world.stats.ReservedBytes, int64(size))
	world.registerSegment(seg)
	return seg, nil
}

// reserveAligned over-reserves by `align` extra bytes and releases the
// unaligned head/tail, per §4.B point 1's documented technique.
func reserveAligned(size, align int, eagerCommit bool) (uintptr, bool, bool, error) {
	addr, isLarge, isZero, err := theOS.reserve(size+align, eagerCommit, true)
	if err != nil {
		return 0, false, false, err
	}
	aligned := (addr + uintptr(align) - 1) &^ (uintptr(align) - 1)
	if head := aligned - addr; head > 0 {
		_ = theOS.release(addr, int(head))
	}
	tailStart := aligned + uintptr(size)
	if tail := (addr + uintptr(size+align)) - tailStart; tail > 0 {
		_ = theOS.release(tailStart, int(tail))
	}
	return aligned, isLarge, isZero, nil
}

func segmentBase(ptr uintptr) uintptr {
	return ptr &^ uintptr(segmentSizeDefault-1)
}

// addFreeSpan inserts [start, start+count) into the appropriate span bin.
func (s *Segment) addFreeSpan(start, count int) {
	if count <= 0 {
		return
	}
	fs := &freeSpan{start: start, count: count}
	b := spanBin(count)
	fs.next = s.spanBins[b]
	if fs.next != nil {
		fs.next.prev = fs
	}
	s.spanBins[b] = fs
	s.slices[start].isFirst = false
	s.slices[start].page = nil
}

func (s *Segment) removeFreeSpan(fs *freeSpan) {
	b := spanBin(fs.count)
	switch {
	case fs.prev == nil:
		s.spanBins[b] = fs.next
	default:
		fs.prev.next = fs.next
	}
	if fs.next != nil {
		fs.next.prev = fs.prev
	}
}

// allocSlices finds, via first-fit climbing from bin(n) upward, a free
// span of at least n slices, splits it, and returns the start slice index.
func (s *Segment) allocSlices(n int) (int, bool) {
	startBin := spanBin(n)
	for b := startBin; b < len(s.spanBins); b++ {
		for fs := s.spanBins[b]; fs != nil; fs = fs.next {
			if fs.count < n {
				continue
			}
			start := fs.start
			s.removeFreeSpan(fs)
			if remain := fs.count - n; remain > 0 {
				s.addFreeSpan(start+n, remain)
			}
			s.usedSlices += n
			return start, true
		}
	}
	return 0, false
}

// releaseSlices returns [start, start+n) to the free-span tracker, merging
// with physically adjacent free spans (§4.B point 3's local coalescing).
func (s *Segment) releaseSlices(start, n int) {
	s.usedSlices -= n
	// Merge with a free span immediately to the left.
	if start > 0 {
		if left := s.findSpanEndingAt(start); left != nil {
			s.removeFreeSpan(left)
			start = left.start
			n += left.count
		}
	}
	// Merge with a free span immediately to the right.
	if end := start + n; end < s.sliceCount {
		if right := s.findSpanStartingAt(end); right != nil {
			s.removeFreeSpan(right)
			n += right.count
		}
	}
	s.addFreeSpan(start, n)
}

func (s *Segment) findSpanEndingAt(slice int) *freeSpan {
	for _, head := range s.spanBins {
		for fs := head; fs != nil; fs = fs.next {
			if fs.start+fs.count == slice {
				return fs
			}
		}
	}
	return nil
}

func (s *Segment) findSpanStartingAt(slice int) *freeSpan {
	for _, head := range s.spanBins {
		for fs := head; fs != nil; fs = fs.next {
			if fs.start == slice {
				return fs
			}
		}
	}
	return nil
}

// placePage records a page's first-slice metadata and back-offsets for the
// rest of its span, per §4.B point 2.
func (s *Segment) placePage(start, count int, blockSize int, kind pageKind, p *Page) {
	s.slices[start] = sliceMeta{isFirst: true, sliceCount: count, page: p}
	for i := 1; i < count; i++ {
		s.slices[start+i] = sliceMeta{isFirst: false, backOffset: i}
	}
}

// pageForSlice follows a possible back-offset to the first slice and
// returns its page, the O(1) block→page resolution §6 requires.
func (s *Segment) pageForSlice(slice int) *Page {
	m := s.slices[slice]
	if m.isFirst {
		return m.page
	}
	first := slice - m.backOffset
	return s.slices[first].page
}

// isAbandoned reports whether the segment's owner CAS'd out on thread exit.
func (s *Segment) isAbandoned() bool {
	return s.threadID.Load() == segmentOwnerAbandoned
}

// tryClaim attempts to take ownership of an abandoned segment via CAS,
// per §4.H's "re-owns it by CAS-ing segment.thread_id to its own id".
func (s *Segment) tryClaim(newOwner int64) bool {
	return s.threadID.CompareAndSwap(segmentOwnerAbandoned, newOwner)
}

// abandon transitions the segment to ABANDONED and pushes it onto the
// subprocess-wide abandoned queue (§4.H steps 2-3).
func (s *Segment) abandon(prevOwner int64) bool {
	if !s.threadID.CompareAndSwap(prevOwner, segmentOwnerAbandoned) {
		return false
	}
	s.subproc.pushAbandoned(s)
	atomic.AddInt64(&s.subproc.stats.AbandonedSegments, 1)
	return true
}

// release returns the segment's memory to the OS.
func (s *Segment) release() error {
	s.subproc.unregisterSegment(s)
	atomic.AddInt64(&s.subproc.stats.SegmentsCreated, -1)
	atomic.AddInt64(&s.subproc.stats.ReservedBytes, -int64(s.size))
	return theOS.release(s.base, s.size)
}

func (s *Segment) isEmpty() bool { return s.usedSlices == 0 }

// commitUnit returns the commitBitmap index covering the byte offset off
// from the segment's base.
func commitUnit(off int) int { return off / commitUnitSize }

// ensureCommitted commits every commitUnitSize region overlapping
// [off, off+n) that isn't already marked committed in commitBitmap,
// implementing §4.B.5's lazy, unit-granularity commit policy: a page's
// extend only pays for the OS pages its newly-claimed blocks actually
// touch, not its whole span up front.
func (s *Segment) ensureCommitted(off, n int) error {
	first := commitUnit(off)
	last := commitUnit(off + n - 1)
	for u := first; u <= last; u++ {
		word, bit := u/64, uint(u%64)
		if s.commitBitmap[word]&(1<<bit) != 0 {
			continue
		}
		unitStart := u * commitUnitSize
		unitLen := commitUnitSize
		if unitStart+unitLen > s.size {
			unitLen = s.size - unitStart
		}
		if _, err := theOS.commit(s.base+uintptr(unitStart), unitLen); err != nil {
			return err
		}
		s.commitBitmap[word] |= 1 << bit
	}
	return nil
}

// decommitRange decommits every commitUnitSize region fully contained in
// [off, off+n) (never a partially-overlapping one, so a neighbouring
// page's still-live data is never touched) and clears its bit, the other
// half of §4.B.5's commit/purge policy.
func (s *Segment) decommitRange(off, n int) {
	first := (off + commitUnitSize - 1) / commitUnitSize
	last := (off + n) / commitUnitSize
	for u := first; u < last; u++ {
		word, bit := u/64, uint(u%64)
		if s.commitBitmap[word]&(1<<bit) == 0 {
			continue
		}
		unitStart := u * commitUnitSize
		unitLen := commitUnitSize
		if unitStart+unitLen > s.size {
			unitLen = s.size - unitStart
		}
		_, _ = theOS.decommit(s.base+uintptr(unitStart), unitLen)
		s.commitBitmap[word] &^= 1 << bit
	}
}
