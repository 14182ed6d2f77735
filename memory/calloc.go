package memory

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrSizeZero  = errors.New("zero-size allocation")
	ErrTooLarge  = errors.New("allocation larger than a page")
	ErrNoSegment = errors.New("current segment exhausted")
	// ErrOutOfMemory is returned by the owner once a segment request to the
	// cluster also fails.
	ErrOutOfMemory = errors.New("remote memory exhausted")
)

// GroupHandle is a worker's ticket into the allocator; the worker is the
// only reader of its group, so the hot path takes no lock.
type GroupHandle struct {
	group *PageGroup
}

// ComputeNodeAllocator hands out remote addresses in size-classed chunks
// from pages the node has leased. It never talks to the cluster itself: on
// ErrNoSegment the owner requests a segment and calls ApplyForMemory.
type ComputeNodeAllocator struct {
	mtx     sync.Mutex
	tracker SegmentTracker
}

// ApplyForMemory binds a freshly granted segment to the tracker.
func (a *ComputeNodeAllocator) ApplyForMemory(seg, base Pointer) {
	a.mtx.Lock()
	a.tracker.AssignNewSeg(seg, base)
	a.mtx.Unlock()
}

// Register creates a worker's handle; the page group itself is allocated
// lazily on first use.
func (a *ComputeNodeAllocator) Register() *GroupHandle { return &GroupHandle{} }

// Allocate returns a chunk of the class covering size. Within one handle,
// same-class allocations never overlap until the page is exhausted; across
// handles, addresses are distinct because page groups are disjoint.
func (a *ComputeNodeAllocator) Allocate(h *GroupHandle, size int) (Pointer, error) {
	if size == 0 {
		return 0, ErrSizeZero
	}
	if size > PageSize {
		return 0, ErrTooLarge
	}

	if h.group == nil {
		if err := a.refill(h); err != nil {
			return 0, err
		}
	}

	ac := ClassOf(size)
	switch h.group.Available(ac) {
	case AllocOK:
	case AllocEmptyPage:
		if err := a.refillSinglePage(h, ac); err != nil {
			return 0, err
		}
	case AllocEmptyPageGroup:
		if err := a.refill(h); err != nil {
			return 0, err
		}
	}

	p := h.group.Allocate(ac)
	if p.IsNull() {
		return 0, ErrNoSegment
	}
	return p, nil
}

// Free returns a chunk to its owning mirror. Bookkeeping only; reclamation
// is deferred.
func (a *ComputeNodeAllocator) Free(p Pointer) {
	a.mtx.Lock()
	if m, ok := a.tracker.mirrorOf(p.Page()); ok {
		m.Free(p)
	}
	a.mtx.Unlock()
}

func (a *ComputeNodeAllocator) refill(h *GroupHandle) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if !a.tracker.Available(GroupPages) {
		return ErrNoSegment
	}
	h.group = a.tracker.OfferPageGroup()
	return nil
}

func (a *ComputeNodeAllocator) refillSinglePage(h *GroupHandle, ac AllocClass) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if !a.tracker.Available(GroupPages) {
		return ErrNoSegment
	}
	for i, p := range h.group.pages {
		if p.desc.class == ac && !p.Available() {
			np := a.tracker.OfferPage()
			np.desc.initialize(ac)
			h.group.pages[i] = np
			break
		}
	}
	return nil
}
