package mimalloc

import "testing"

func TestGoodSizeIdempotent(t *testing.T) {
	for _, s := range []int{1, 7, 8, 9, 17, 31, 32, 63, 64, 100, 1000, 1 << 16} {
		g1 := GoodSize(s)
		g2 := GoodSize(g1)
		if g1 != g2 {
			t.Fatalf("GoodSize not idempotent for %d: %d != %d", s, g1, g2)
		}
		if g1 < s {
			t.Fatalf("GoodSize(%d) = %d is smaller than request", s, g1)
		}
	}
}

func TestGoodSizeMonotonic(t *testing.T) {
	prev := 0
	for s := 1; s <= 1<<14; s++ {
		g := GoodSize(s)
		if g < prev {
			t.Fatalf("GoodSize regressed at %d: %d < %d", s, g, prev)
		}
		prev = g
	}
}

func TestBinOfSmallIsUnique(t *testing.T) {
	seen := map[int]int{}
	for w := 1; w <= smallWsizeMax; w++ {
		b := wsizeToBin(w)
		if other, ok := seen[b]; ok && other != w {
			t.Fatalf("bin %d reused by wsize %d and %d", b, other, w)
		}
		seen[b] = w
	}
}

func TestBinOfFragmentationBound(t *testing.T) {
	// §4.D: at most ~16% internal fragmentation above the small range.
	for w := smallWsizeMax + 1; w <= mediumObjWsizeMax; w *= 2 {
		b := wsizeToBin(w)
		served := binWsize[b]
		if served < w {
			t.Fatalf("bin %d serves %d words but requested %d", b, served, w)
		}
		frag := float64(served-w) / float64(w)
		if frag > 0.17 {
			t.Fatalf("fragmentation %.3f exceeds bound for wsize %d (bin %d serves %d)", frag, w, b, served)
		}
	}
}
