// Package transport implements the one-sided data plane between a compute
// worker and a memory node's byte pool. The contract mirrors an RDMA queue
// pair: each (worker, node) pair owns one connection with a 4KiB registered
// scratch buffer; posted operations complete strictly in order on that
// connection, and nothing is shared across workers.
//
// Two implementations are provided: a framed TCP wire (the deployment
// stand-in for RDMA verbs, which are out of scope) and an in-process
// loopback over a shared region, used by tests and single-process runs.
package transport

import (
	"github.com/pkg/errors"

	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/cmn/debug"
)

// BufSize is the registered scratch buffer size per connection.
const BufSize = 4096

// WR is one write request in a batched post.
type WR struct {
	Addr uint64
	Src  []byte
}

// Conn is a one-sided channel to a single memory node's pool. Read and
// Write block until completion. PostRead posts without waiting; every
// posted read must be retired by exactly one Poll, in posting order.
type Conn interface {
	Read(buf []byte, addr uint64) error
	Write(src []byte, addr uint64) error
	WriteBatch(wrs []WR) error
	PostRead(buf []byte, addr uint64) error
	Poll() error
	Close() error
}

// Device opens connections; one Device serves the whole process, one Conn
// serves one (worker, memory node) pair.
type Device interface {
	Open(ni *cmn.NodeInfo) (Conn, error)
}

// Endpoint couples a Conn with its scratch buffer. Fetch returns a slice
// into the scratch buffer that is valid only until the next Fetch or
// PostFetch on this endpoint; callers consume or copy before re-fetching.
type Endpoint struct {
	conn Conn
	buf  [BufSize]byte
}

func NewEndpoint(c Conn) *Endpoint { return &Endpoint{conn: c} }

// Buffer exposes the scratch buffer for modify-in-place flows.
func (ep *Endpoint) Buffer() []byte { return ep.buf[:] }

func (ep *Endpoint) Fetch(addr uint64, size int) ([]byte, error) {
	debug.Assert(size <= BufSize, "fetch larger than scratch buffer")
	if err := ep.conn.Read(ep.buf[:size], addr); err != nil {
		return nil, errors.Wrap(err, "fetch")
	}
	return ep.buf[:size], nil
}

// Write sends size bytes to addr. A nil src writes the current scratch
// contents, supporting fetch-modify-write without a copy.
func (ep *Endpoint) Write(addr uint64, size int, src []byte) error {
	debug.Assert(size <= BufSize, "write larger than scratch buffer")
	if src == nil {
		src = ep.buf[:size]
	}
	return ep.conn.Write(src[:size], addr)
}

// WriteBatch posts all WRs as one multi-WR send and waits for completion.
func (ep *Endpoint) WriteBatch(wrs []WR) error { return ep.conn.WriteBatch(wrs) }

// PostFetch posts an async read of size bytes from addr into the scratch
// buffer at off. Retire with Poll; the region is valid after Poll returns.
func (ep *Endpoint) PostFetch(addr uint64, off, size int) error {
	debug.Assert(off+size <= BufSize, "async fetch outside scratch buffer")
	return ep.conn.PostRead(ep.buf[off:off+size], addr)
}

func (ep *Endpoint) Poll() error { return ep.conn.Poll() }

func (ep *Endpoint) Close() error { return ep.conn.Close() }
