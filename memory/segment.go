package memory

import (
	"github.com/dicridon/distore/cmn/debug"
)

// SegmentSize is the lease granularity from a memory node. A variable so
// tests can shrink the geometry; production leaves the default.
var SegmentSize = int64(1) << 30

// Segment is one leased region. The first page is reserved metadata;
// remaining pages are handed out one at a time.
type Segment struct {
	Seg  Pointer
	Base Pointer // the node's global base, not this segment's
	// offset counts pages handed out, starting past the reserved one
	offset         int64
	availablePages int64
	mirrors        map[Pointer]*PageMirror
}

func NewSegment(seg, base Pointer) *Segment {
	return &Segment{
		Seg:            seg,
		Base:           base,
		offset:         1,
		availablePages: SegmentSize/PageSize - 1,
		mirrors:        make(map[Pointer]*PageMirror),
	}
}

// SegmentTracker owns every segment this compute node has leased and hands
// out pages from the current one. Callers serialize access.
type SegmentTracker struct {
	current  *Segment
	segments map[Pointer]*Segment
}

func (t *SegmentTracker) AssignNewSeg(seg, base Pointer) {
	if t.segments == nil {
		t.segments = make(map[Pointer]*Segment)
	}
	s := NewSegment(seg, base)
	t.current = s
	t.segments[seg] = s
}

func (t *SegmentTracker) Available(request int64) bool {
	return t.current != nil && t.current.availablePages >= request
}

func (t *SegmentTracker) OfferPage() *PageMirror {
	cur := t.current
	debug.Assert(cur != nil && cur.availablePages > 0)
	m := &PageMirror{}
	m.desc.clear()
	page := cur.Seg.Offset(uint64(cur.offset) * PageSize)
	off := page.Address() - cur.Base.Address()
	m.pageID = off/PageSize - 1
	m.pageBase = page

	cur.mirrors[page] = m
	cur.availablePages--
	cur.offset++
	return m
}

func (t *SegmentTracker) OfferPageGroup() *PageGroup {
	g := &PageGroup{}
	for i := range g.pages {
		g.pages[i] = t.OfferPage()
	}
	return g
}

// mirrorOf locates the mirror owning a page across all segments.
func (t *SegmentTracker) mirrorOf(page Pointer) (*PageMirror, bool) {
	for _, s := range t.segments {
		if m, ok := s.mirrors[page]; ok {
			return m, true
		}
	}
	return nil, false
}
