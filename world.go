package mimalloc

import "sync"

// Stats is a snapshot of process/subprocess-wide counters. Not formatted
// or printed here; callers build presentation on top.
type Stats struct {
	SegmentsCreated         int64
	ReservedBytes           int64
	AbandonedSegments       int64
	PagesRetired            int64
	DeferredOnDestroyedPage int64
}

// Subprocess is a logical isolation boundary for abandonment/reclaim
// across a group of threads within one process. It owns the lock-free
// abandoned-segment queue and the process-wide option table for threads
// that belong to it.
type Subprocess struct {
	opts Options

	abandonedHead atomicSegPtr

	stats Stats
}

// NewSubprocess creates an isolated allocator realm: its own abandoned
// queue and option table, so threads in one realm never adopt another
// realm's abandoned segments (§4.H). Pointer resolution (block -> segment)
// is process-global regardless of realm, since a given address only ever
// belongs to one segment.
func NewSubprocess(opts ...Option) *Subprocess {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Subprocess{opts: o}
}

// defaultSubprocess is the process-wide realm used when callers don't
// construct their own (§9 "model as a single AllocatorWorld value created
// at initialisation").
var defaultSubprocess = NewSubprocess()

// AllocatorWorld wraps one default Subprocess. Most callers never touch
// this directly: Acquire(nil) uses the package-level defaultSubprocess,
// which belongs to no AllocatorWorld.
type AllocatorWorld struct {
	Default *Subprocess
}

// NewAllocatorWorld constructs a fresh world with its own default realm,
// for tests or embedders that want full isolation from the package-level
// default.
func NewAllocatorWorld(opts ...Option) *AllocatorWorld {
	return &AllocatorWorld{Default: NewSubprocess(opts...)}
}

// globalSegments is the process-wide base-address -> *Segment registry
// backing the §6 block->page->segment arithmetic. A real mimalloc recovers
// the segment purely from masking the pointer, with no lookup at all,
// because the segment header lives at the masked address in the same
// address space. Go cannot safely reinterpret arbitrary mmap'd bytes as a
// live *Segment (the GC must never see a fabricated pointer into
// unmanaged memory), so this registry is the Go-safe equivalent: the mask
// still gives O(1) segment *base*, and the map gives the segment object
// for that base. Read-mostly and keyed by a value already unique per
// segment, so it is guarded by one process-wide RWMutex: every Free,
// UsableSize and ContainsBlock takes the read lock, and the write lock is
// taken only when a segment is registered or released.
var (
	globalSegmentsMu sync.RWMutex
	globalSegments   = map[uintptr]*Segment{}
)

func (w *Subprocess) registerSegment(s *Segment) {
	globalSegmentsMu.Lock()
	globalSegments[s.base] = s
	globalSegmentsMu.Unlock()
}

func (w *Subprocess) unregisterSegment(s *Segment) {
	globalSegmentsMu.Lock()
	delete(globalSegments, s.base)
	globalSegmentsMu.Unlock()
}

// lookupSegment resolves a segment base address through the global
// registry; used by the package-level Free function (§6).
func lookupSegment(base uintptr) *Segment {
	globalSegmentsMu.RLock()
	s := globalSegments[base]
	globalSegmentsMu.RUnlock()
	return s
}

// pushAbandoned implements the lock-free Treiber-stack push side of the
// process-wide abandoned queue (§4.H step 3).
func (w *Subprocess) pushAbandoned(s *Segment) {
	for {
		old := w.abandonedHead.load()
		s.abandonedNext.Store(old)
		if w.abandonedHead.cas(old, s) {
			return
		}
	}
}

// popAbandoned pops at most one segment off the queue, subject to the
// caller's own max_segment_reclaim quota (enforced by the caller loop in
// abandon.go's reclaimAbandoned).
func (w *Subprocess) popAbandoned() *Segment {
	for {
		old := w.abandonedHead.load()
		if old == nil {
			return nil
		}
		next := old.abandonedNext.Load()
		if w.abandonedHead.cas(old, next) {
			return old
		}
	}
}

func (w *Subprocess) shouldUseDelayedFree(p *Page) bool {
	// Once the page is flagged full, remote frees also set its delayed
	// state to USE (§4.G). The blocks still go onto the page's threadFree
	// list, which the owner drains in collect; there is no separate
	// delayed-free list.
	return p.inFull
}

// Stats returns a snapshot of this subprocess's counters.
func (w *Subprocess) Stats() Stats {
	return Stats{
		SegmentsCreated:         loadInt64(&w.stats.SegmentsCreated),
		ReservedBytes:           loadInt64(&w.stats.ReservedBytes),
		AbandonedSegments:       loadInt64(&w.stats.AbandonedSegments),
		PagesRetired:            loadInt64(&w.stats.PagesRetired),
		DeferredOnDestroyedPage: loadInt64(&w.stats.DeferredOnDestroyedPage),
	}
}
