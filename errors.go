package mimalloc

import "errors"

// Error kinds per the allocator's error-handling design. None of these are
// raised as panics during normal allocation failure; they surface through
// returned errors or through a user-registered ErrorFunc.
var (
	ErrOOM             = errors.New("mimalloc: out of memory")
	ErrOverflow        = errors.New("mimalloc: size*count overflows")
	ErrInvalidPointer  = errors.New("mimalloc: pointer not owned by this allocator")
	ErrCorruptFreeList = errors.New("mimalloc: corrupt free list")
	ErrDoubleFree      = errors.New("mimalloc: double free")
	ErrTimeout         = errors.New("mimalloc: operation timed out")
)

// ErrorFunc is the type of the user callback stored in
// Options.ErrorCallback for INVALID_POINTER, CORRUPT_FREE_LIST and
// DOUBLE_FREE conditions. No code path in this package invokes it: Free
// silently ignores a pointer it cannot resolve, and free-list links are not
// checked for corruption or double frees.
type ErrorFunc func(err error, block uintptr)

func defaultErrorFunc(err error, block uintptr) {
	// Does nothing.
}
