package memory_test

import (
	"testing"

	"github.com/dicridon/distore/memory"
	"github.com/dicridon/distore/tools/tassert"
)

func TestBitmapClaimAll(t *testing.T) {
	region := make([]byte, 64)
	bm := memory.MakeBitmap(region, 64)
	seen := make(map[int]bool, 64)
	for i := 0; i < 64; i++ {
		pos, ok := bm.GetEmpty()
		tassert.Fatalf(t, ok, "slot %d: exhausted early", i)
		tassert.Fatalf(t, !seen[pos], "slot %d handed out twice", pos)
		seen[pos] = true
	}
	_, ok := bm.GetEmpty()
	tassert.Fatalf(t, !ok, "claimed more slots than exist")
}

func TestBitmapUnset(t *testing.T) {
	region := make([]byte, 8)
	bm := memory.MakeBitmap(region, 16)
	for i := 0; i < 16; i++ {
		bm.GetEmpty()
	}
	bm.Unset(9)
	pos, ok := bm.FindEmpty()
	tassert.Fatalf(t, ok && pos == 9, "find after unset: pos=%d ok=%t", pos, ok)
	pos, ok = bm.GetEmpty()
	tassert.Fatalf(t, ok && pos == 9, "get after unset: pos=%d ok=%t", pos, ok)
	_, ok = bm.GetEmpty()
	tassert.Fatalf(t, !ok, "slot leaked")
}
