package mimalloc

// Options holds the recognised, process-wide configuration settings from
// the allocator's external interface (§6). It is read-mostly after
// AllocatorWorld construction; there is no internal global lock guarding
// it, matching the "no allocator-internal global locks on hot paths" rule
// — options are read with plain loads, never on the alloc/free fast path.
type Options struct {
	ShowErrors  bool
	ShowStats   bool
	Verbose     bool
	MaxErrors   int
	MaxWarnings int

	ReserveHugeOSPages   int
	ReserveHugeOSPagesAt int
	ReserveOSMemory      int64
	AllowLargeOSPages    bool

	PurgeDecommits   bool
	PurgeDelayMS     int
	PurgeExtendDelay int

	ArenaReserve      int64
	ArenaEagerCommit  bool
	EagerCommit       bool
	EagerCommitDelay  int
	UseNUMANodes      int
	DisallowOSAlloc   bool
	LimitOSAlloc      int64
	MaxSegmentReclaim int

	DestroyOnExit         bool
	ArenaPurgeMult        int
	AbandonedReclaimOnFree bool
	DisallowArenaAlloc    bool
	VisitAbandoned        bool
	RetryOnOOM            bool

	// RetireCycles is the value an owner free that empties a page sets its
	// retire countdown to; maybeRetire then decrements it once and returns
	// the page to its segment only if it reached zero, which happens when
	// RetireCycles is 1 or less. Heap.Collect retires empty pages
	// regardless of this setting.
	RetireCycles int

	ErrorCallback ErrorFunc
}

// DefaultOptions mirrors mimalloc's conservative defaults: lazy commit,
// small purge delay, modest reclaim quota. Free-list encoding is not an
// option (see cookie.go).
func DefaultOptions() Options {
	return Options{
		MaxErrors:         16,
		MaxWarnings:       16,
		PurgeDelayMS:      10,
		PurgeExtendDelay:  1,
		EagerCommitDelay:  1,
		MaxSegmentReclaim: 16,
		ArenaPurgeMult:    2,
		RetireCycles:      16,
		ErrorCallback:     defaultErrorFunc,
	}
}

// Option mutates an Options value; used by NewAllocatorWorld and
// NewSubprocess for functional-option style construction.
type Option func(*Options)

func WithEagerCommit() Option             { return func(o *Options) { o.EagerCommit = true } }
func WithPurgeDecommits() Option          { return func(o *Options) { o.PurgeDecommits = true } }
func WithPurgeDelayMS(ms int) Option      { return func(o *Options) { o.PurgeDelayMS = ms } }
func WithAllowLargeOSPages() Option       { return func(o *Options) { o.AllowLargeOSPages = true } }
func WithMaxSegmentReclaim(n int) Option  { return func(o *Options) { o.MaxSegmentReclaim = n } }
func WithRetireCycles(n int) Option       { return func(o *Options) { o.RetireCycles = n } }
func WithErrorCallback(f ErrorFunc) Option {
	return func(o *Options) {
		if f != nil {
			o.ErrorCallback = f
		}
	}
}
func WithDestroyOnExit() Option { return func(o *Options) { o.DestroyOnExit = true } }
