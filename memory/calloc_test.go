package memory_test

import (
	"testing"

	"github.com/dicridon/distore/memory"
	"github.com/dicridon/distore/tools/tassert"
)

func smallGeometry(t *testing.T) {
	old := memory.SegmentSize
	memory.SegmentSize = 1 << 20
	t.Cleanup(func() { memory.SegmentSize = old })
}

func newBoundAllocator(t *testing.T) *memory.ComputeNodeAllocator {
	smallGeometry(t)
	a := &memory.ComputeNodeAllocator{}
	base := memory.NewPointer(0, memory.PageSize)
	a.ApplyForMemory(base, base)
	return a
}

func TestClassOf(t *testing.T) {
	cases := []struct {
		size int
		want memory.AllocClass
	}{
		{1, memory.Chunk16}, {16, memory.Chunk16}, {17, memory.Chunk32},
		{32, memory.Chunk32}, {33, memory.Chunk64}, {100, memory.Chunk128},
		{362, memory.Chunk512}, {426, memory.Chunk512}, {554, memory.Chunk1024},
		{2048, memory.Chunk2048}, {2049, memory.Chunk4096}, {4096, memory.Chunk4096},
	}
	for _, c := range cases {
		got := memory.ClassOf(c.size)
		tassert.Errorf(t, got == c.want, "ClassOf(%d) = %s, want %s", c.size, got, c.want)
	}
}

func TestAllocatePreconditions(t *testing.T) {
	a := newBoundAllocator(t)
	h := a.Register()
	_, err := a.Allocate(h, 0)
	tassert.Fatalf(t, err == memory.ErrSizeZero, "zero size: %v", err)
	_, err = a.Allocate(h, memory.PageSize+1)
	tassert.Fatalf(t, err == memory.ErrTooLarge, "oversize: %v", err)
}

func TestAllocateWithoutSegment(t *testing.T) {
	a := &memory.ComputeNodeAllocator{}
	h := a.Register()
	_, err := a.Allocate(h, 64)
	tassert.Fatalf(t, err == memory.ErrNoSegment, "no segment: %v", err)
}

func TestAllocateNoOverlap(t *testing.T) {
	a := newBoundAllocator(t)
	h := a.Register()

	type chunk struct {
		addr uint64
		size int
	}
	var (
		sizes  = []int{24, 64, 100, 500, 554, 16}
		chunks []chunk
	)
	for i := 0; i < 600; i++ {
		size := sizes[i%len(sizes)]
		p, err := a.Allocate(h, size)
		tassert.CheckFatal(t, err)
		chunks = append(chunks, chunk{p.Address(), memory.ClassOf(size).Size()})
	}
	for i := range chunks {
		for j := i + 1; j < len(chunks); j++ {
			x, y := chunks[i], chunks[j]
			overlap := x.addr < y.addr+uint64(y.size) && y.addr < x.addr+uint64(x.size)
			tassert.Fatalf(t, !overlap, "chunks overlap: [%x,+%d) and [%x,+%d)",
				x.addr, x.size, y.addr, y.size)
		}
	}
}

func TestAllocateAcrossHandles(t *testing.T) {
	a := newBoundAllocator(t)
	h1, h2 := a.Register(), a.Register()
	p1, err := a.Allocate(h1, 512)
	tassert.CheckFatal(t, err)
	p2, err := a.Allocate(h2, 512)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, p1.Page() != p2.Page(), "two handles share a page")
}

func TestAllocateSegmentExhaustion(t *testing.T) {
	a := newBoundAllocator(t)
	h := a.Register()
	// a 1MiB segment holds 255 grantable pages; a full page group takes 8,
	// and big chunks burn a page per 4096 bytes
	for i := 0; ; i++ {
		_, err := a.Allocate(h, 4096)
		if err != nil {
			tassert.Fatalf(t, err == memory.ErrNoSegment, "iter %d: %v", i, err)
			break
		}
		tassert.Fatalf(t, i < 1024, "segment never exhausted")
	}
	// a fresh lease revives the same handle
	base2 := memory.NewPointer(0, uint64(memory.PageSize)+uint64(memory.SegmentSize))
	a.ApplyForMemory(base2, memory.NewPointer(0, memory.PageSize))
	_, err := a.Allocate(h, 4096)
	tassert.CheckFatal(t, err)
}

func TestFreeIsBookkeepingOnly(t *testing.T) {
	a := newBoundAllocator(t)
	h := a.Register()
	p, err := a.Allocate(h, 64)
	tassert.CheckFatal(t, err)
	a.Free(p)
	// offsets never rewind: the freed slot is not handed out again
	q, err := a.Allocate(h, 64)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, q != p, "freed chunk immediately reused")
}
