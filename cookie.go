package mimalloc

// Free-list link encoding (§9 "Cookie encoded free list" / §4.C secure
// mode). Each next pointer is XOR-encoded with its page's cookie, which is
// the owning heap's random cookie (newHeapTagged); a page built with a
// zero cookie gets identity encode/decode with the same data layout.
// There is no separate non-secure build, and decoded links are not
// range-checked at pop time.

func encodeNext(next, cookie uintptr) uintptr { return next ^ cookie }
func decodeNext(encoded, cookie uintptr) uintptr { return encoded ^ cookie }
