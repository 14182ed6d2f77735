package memory

import (
	"sync"
)

// MemoryNodeAllocator grants whole segments out of a memory node's pool.
// The bitmap lives in the pool's reserved first page; segment addresses are
// pool offsets, so they travel directly inside remote pointers.
type MemoryNodeAllocator struct {
	mtx    sync.Mutex
	region []byte
	bitmap *Bitmap
}

func MakeAllocator(region []byte) *MemoryNodeAllocator {
	usable := int64(len(region)) - PageSize
	count := int(usable / SegmentSize)
	return &MemoryNodeAllocator{
		region: region,
		bitmap: MakeBitmap(region, count),
	}
}

// Allocate grants one segment and returns its pool offset, or false when
// the pool is exhausted.
func (a *MemoryNodeAllocator) Allocate() (uint64, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	no, ok := a.bitmap.GetEmpty()
	if !ok {
		return 0, false
	}
	return uint64(PageSize) + uint64(no)*uint64(SegmentSize), true
}

// Deallocate recycles a previously granted segment.
func (a *MemoryNodeAllocator) Deallocate(addr uint64) {
	a.mtx.Lock()
	pos := (addr - PageSize) / uint64(SegmentSize)
	a.bitmap.Unset(int(pos))
	a.mtx.Unlock()
}
