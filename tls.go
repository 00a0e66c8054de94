package mimalloc

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// DeferredFreeFunc is the user-registered callback invoked from the
// allocation slow path (§4.G "Deferred-free hook"): never from the
// owner's fast path, never from a remote free, at most once per
// allocation that hits the slow path, skipped while recurse is set.
type DeferredFreeFunc func(force bool, heartbeat uint64, arg any)

// ThreadContext is the per-thread state of §4.F: the backing heap, the
// stack of prior default heaps, the per-thread segment cache, the
// heartbeat counter and the recurse guard.
//
// Go gives no portable way to read "the current OS thread id" the way a
// native mimalloc port would use thread-local storage, and this package
// deliberately avoids scraping the runtime's internal goroutine id (no
// pack example does that either — see DESIGN.md's Open Question note).
// Instead, a caller that wants real §4.F semantics pins a goroutine to
// its OS thread with runtime.LockOSThread and acquires one ThreadContext
// for it; NewHeap, Free and the Realloc family then take that context
// explicitly, and a Heap keeps the context it was created on.
type ThreadContext struct {
	id      int64
	world   *Subprocess
	backing *Heap
	heaps   []*Heap

	defaultStack []*Heap // set_default return-previous stack

	segmentCache []*Segment // small per-thread cache absorbing create/destroy bursts
	maxCacheLen  int

	heartbeat atomic.Uint64
	recurse   bool

	deferredFree    DeferredFreeFunc
	deferredFreeArg any

	heapCookieSeed uint64
}

var threadIDCounter atomic.Int64

// Acquire creates a new ThreadContext bound to the given Subprocess (or
// the process-wide default if world is nil), with its backing heap already
// installed as the default heap so GetDefault never returns nil
// (§4.F "Thread startup").
func Acquire(world *Subprocess) *ThreadContext {
	if world == nil {
		world = defaultSubprocess
	}
	tc := &ThreadContext{
		id:             threadIDCounter.Add(1),
		world:          world,
		maxCacheLen:    4,
		heapCookieSeed: randomUint64(),
	}
	tc.backing = newHeapTagged(tc, DefaultHeapTag, -1, true)
	tc.defaultStack = []*Heap{tc.backing}
	return tc
}

func (tc *ThreadContext) defaultHeap() *Heap {
	return tc.defaultStack[len(tc.defaultStack)-1]
}

// SetDefault installs h as the thread's default heap, returning the
// previous one (§6 heap_set_default).
func (tc *ThreadContext) SetDefault(h *Heap) *Heap {
	prev := tc.defaultHeap()
	tc.defaultStack = append(tc.defaultStack, h)
	return prev
}

// GetDefault returns the thread's current default heap.
func (tc *ThreadContext) GetDefault() *Heap { return tc.defaultHeap() }

// GetBacking returns the thread's non-destructible backing heap.
func (tc *ThreadContext) GetBacking() *Heap { return tc.backing }

// RegisterDeferredFree installs the single deferred-free callback for
// this thread context (§4.G).
func (tc *ThreadContext) RegisterDeferredFree(fn DeferredFreeFunc, arg any) {
	tc.deferredFree = fn
	tc.deferredFreeArg = arg
}

// onSlowPath is called once from acquireSlices, i.e. each time an
// allocation needs fresh slices from the segment layer (never from the
// fast path, never from a free), driving the heartbeat and the
// deferred-free hook under the recurse guard (§4.F, §4.G). Slow-path
// allocations served by a page already queued in the heap do not call it.
func (tc *ThreadContext) onSlowPath(force bool) {
	tc.heartbeat.Add(1)
	if tc.deferredFree == nil || tc.recurse {
		return
	}
	tc.recurse = true
	defer func() { tc.recurse = false }()
	tc.deferredFree(force, tc.heartbeat.Load(), tc.deferredFreeArg)
}

// acquireSlices is the heap's hook into the segment allocator (§4.B/§4.F):
// first reclaim abandoned segments opportunistically (adopted ones join
// the thread's segment cache), then try the cached segments, else create
// a fresh one.
func (tc *ThreadContext) acquireSlices(n int, kind pageKind) (*Segment, int, error) {
	tc.onSlowPath(false)

	if tc.world.opts.MaxSegmentReclaim > 0 {
		reclaimAbandoned(tc, tc.world.opts.MaxSegmentReclaim)
	}

	// HUGE pages always get a dedicated, exactly-sized segment (§4.B point
	// 4); everything else shares the thread's ordinary segment cache,
	// since one segment can host small/medium/large pages side by side.
	if kind != pageKindHuge {
		for _, seg := range tc.segmentCache {
			if seg.kind == pageKindHuge {
				continue
			}
			if start, ok := seg.allocSlices(n); ok {
				return seg, start, nil
			}
		}
	}

	eager := tc.world.opts.EagerCommit
	seg, err := newSegment(tc.world, tc.id, n, kind, eager)
	if err != nil {
		return nil, 0, err
	}
	if kind != pageKindHuge {
		tc.pushSegment(seg)
	}
	start, ok := seg.allocSlices(n)
	if !ok {
		return nil, 0, ErrOOM
	}
	return seg, start, nil
}

func (tc *ThreadContext) pushSegment(seg *Segment) {
	for _, existing := range tc.segmentCache {
		if existing == seg {
			return
		}
	}
	tc.segmentCache = append(tc.segmentCache, seg)
}

// releaseSegmentCache returns every fully-empty cached segment to the OS
// (§4.B point 6, §4.E collect(force)). maxCacheLen is not consulted here
// or in pushSegment, so the cache length is not capped.
func (tc *ThreadContext) releaseSegmentCache() {
	kept := tc.segmentCache[:0]
	for _, seg := range tc.segmentCache {
		if seg.isEmpty() {
			_ = seg.release()
			continue
		}
		kept = append(kept, seg)
	}
	tc.segmentCache = kept
}

// Done implements thread_done (§4.F): abandon pages still in use, release
// empty ones, return cached segments to the OS.
func (tc *ThreadContext) Done() {
	abandonThreadSegments(tc)
	tc.releaseSegmentCache()
	tc.heaps = nil
}

func nextHeapCookie(tc *ThreadContext) uintptr {
	return uintptr(randomUint64() ^ tc.heapCookieSeed)
}

func randomUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(threadIDCounter.Add(1)) * 0x9E3779B97F4A7C15
	}
	return binary.LittleEndian.Uint64(b[:])
}

func loadInt64(p *int64) int64 { return atomic.LoadInt64(p) }
