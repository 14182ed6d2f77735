package memory

import (
	"math/bits"

	"github.com/dicridon/distore/cmn/debug"
)

// AllocClass indexes the size-class table; classes are assigned to a page
// lazily on first use and never change afterwards.
type AllocClass int

const (
	Chunk16 AllocClass = iota
	Chunk32
	Chunk64
	Chunk128
	Chunk256
	Chunk512
	Chunk1024
	Chunk2048
	Chunk4096
	ChunkUnknown
)

var classSizes = [...]int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

func (ac AllocClass) Size() int {
	debug.Assert(ac >= Chunk16 && ac <= Chunk4096)
	return classSizes[ac]
}

func (ac AllocClass) String() string {
	if ac == ChunkUnknown {
		return "ChunkUnknown"
	}
	names := [...]string{"Chunk16", "Chunk32", "Chunk64", "Chunk128", "Chunk256",
		"Chunk512", "Chunk1024", "Chunk2048", "Chunk4096"}
	return names[ac]
}

// ClassOf maps a request size to the smallest class whose chunk covers it.
// Callers validate 0 < size <= PageSize.
func ClassOf(size int) AllocClass {
	debug.Assert(size > 0 && size <= PageSize)
	chunks := (size-1)/16 + 1
	return AllocClass(bits.Len(uint(chunks) - 1))
}

// AllocStatus is a page group's answer to "can you serve this class".
type AllocStatus int

const (
	AllocOK AllocStatus = iota
	// AllocEmptyPage: the group has a matching-class page but it is
	// exhausted; refill that single page.
	AllocEmptyPage
	// AllocEmptyPageGroup: no page matches and none is unassigned; refill
	// the whole group.
	AllocEmptyPageGroup
)

// PageDesc is the compute-local descriptor of one remote page. offset only
// grows; freeing adjusts emptySlots and reclamation is deferred.
type PageDesc struct {
	emptySlots int
	class      AllocClass
	synced     uint8 // reserved for reclamation sync, never driven
	offset     int
}

func (d *PageDesc) initialize(ac AllocClass) {
	d.class = ac
	d.emptySlots = PageSize / ac.Size()
	d.synced = 0
	d.offset = 0
}

func (d *PageDesc) clear() {
	d.emptySlots = 0
	d.class = ChunkUnknown
	d.synced = 0
	d.offset = 0
}

// PageMirror shadows one remote page.
type PageMirror struct {
	desc     PageDesc
	pageID   uint64
	pageBase Pointer
}

// Allocate always succeeds; the caller guarantees availability.
func (m *PageMirror) Allocate() Pointer {
	debug.Assert(m.desc.class != ChunkUnknown)
	m.desc.emptySlots--
	p := m.pageBase.Offset(uint64(m.desc.offset * m.desc.class.Size()))
	m.desc.offset++
	return p
}

func (m *PageMirror) Available() bool {
	total := PageSize / m.desc.class.Size()
	return m.desc.offset < total
}

// Free records a returned chunk; no remote traffic.
func (m *PageMirror) Free(p Pointer) bool {
	if m.pageBase != p.Page() {
		return false
	}
	m.desc.emptySlots++
	return true
}

// GroupPages is the working-set width of one compute worker.
const GroupPages = 8

// PageGroup is a worker's set of page mirrors; one group is bound to one
// worker for its lifetime.
type PageGroup struct {
	pages [GroupPages]*PageMirror
}

func (g *PageGroup) Allocate(ac AllocClass) Pointer {
	for _, p := range g.pages {
		if p.desc.class == ac && p.Available() {
			return p.Allocate()
		}
		if p.desc.class == ChunkUnknown {
			p.desc.initialize(ac)
			return p.Allocate()
		}
	}
	return 0
}

func (g *PageGroup) Available(ac AllocClass) AllocStatus {
	haveClass := false
	for _, p := range g.pages {
		if p.desc.class == ChunkUnknown {
			return AllocOK
		}
		if p.desc.class == ac {
			if p.Available() {
				return AllocOK
			}
			haveClass = true
		}
	}
	if haveClass {
		return AllocEmptyPage
	}
	return AllocEmptyPageGroup
}

func (g *PageGroup) Free(p Pointer) bool {
	for _, m := range g.pages {
		if m.Free(p) {
			return true
		}
	}
	return false
}
