// Package concurrency implements the winner/waiter handover protocol that
// serializes writers on one data node: contenders elect a winner by CAS-ing
// the node's context slot; losers hand their operation over through the
// winner's request queue and wait for the verdict; the winner batches all
// pending work into a single remote round-trip.
package concurrency

import (
	"runtime"
	"time"

	"github.com/dicridon/distore/cmn/atomic"
	"github.com/dicridon/distore/cmn/debug"
	"github.com/dicridon/distore/cmn/mono"
)

// OpType is a context's declared operation; a loser only hands over to a
// winner of the same type.
type OpType int32

const (
	OpInsert OpType = iota
	OpUpdate
	OpDelete // reserved; no KV delete is wired
)

// Submission window: a winner accepts at most this many handovers per round.
const maxDepth = 4

// Request states. A request is claimed by the winner before being applied;
// a waiter that times out abandons it instead, and an abandoned request is
// skipped by the winner. The claim/abandon race is decided by one CAS.
const (
	statePending int32 = iota
	stateClaimed
	stateDone
	stateAbandoned
)

// abandonAfter bounds a waiter's spin on a request that no live winner will
// ever serve (the submission raced with the winner's departure).
const abandonAfter = 10 * time.Millisecond

// Request is a loser's offer to the winner. Key and Value stay owned by the
// submitter, which does not return until the request is done or abandoned.
type Request struct {
	Key   []byte
	Value []byte

	state     atomic.Int32
	Succeeded bool
	Retry     bool
}

// Claim transfers ownership to the winner.
func (r *Request) Claim() bool { return r.state.CAS(statePending, stateClaimed) }

// Finish publishes the verdict; only the claimant calls it.
func (r *Request) Finish(succeeded, retry bool) {
	debug.Assert(r.state.Load() == stateClaimed)
	r.Succeeded, r.Retry = succeeded, retry
	r.state.Store(stateDone)
}

// Wait spins until the verdict lands. If no winner claims the request
// within the abandon window the waiter withdraws and retries from dispatch;
// once claimed, the waiter trusts the winner to finish.
func (r *Request) Wait() (succeeded, retry bool) {
	deadline := mono.NanoTime() + int64(abandonAfter)
	for i := 0; ; i++ {
		switch r.state.Load() {
		case stateDone:
			return r.Succeeded, r.Retry
		case stateClaimed:
			// a live winner owns it now
		default:
			if mono.NanoTime() > deadline && r.state.CAS(statePending, stateAbandoned) {
				return false, true
			}
		}
		if i%64 == 0 {
			runtime.Gosched()
		}
	}
}

// Context is a worker's standing concurrency state; it lives as long as the
// worker and is installed into a data node for the duration of one round.
type Context struct {
	typ      atomic.Int32
	MaxDepth atomic.Int32
	requests chan *Request
}

func NewContext() *Context {
	c := &Context{requests: make(chan *Request, maxDepth*2)}
	c.MaxDepth.Store(maxDepth)
	return c
}

func (c *Context) Type() OpType     { return OpType(c.typ.Load()) }
func (c *Context) SetType(t OpType) { c.typ.Store(int32(t)) }

// CloseWindow rejects further handovers for this round.
func (c *Context) CloseWindow() { c.MaxDepth.Store(-1) }

// ResetWindow reopens the context for the next round; the owner clears the
// data node's ctx slot first so no handover lands in a drained queue.
func (c *Context) ResetWindow() { c.MaxDepth.Store(maxDepth) }

// TryDequeue pops one request, claimed for the caller. Abandoned entries
// are skipped; an already-claimed entry was requeued by the caller itself
// and passes straight through.
func (c *Context) TryDequeue() (*Request, bool) {
	for {
		select {
		case req := <-c.requests:
			if req.state.Load() == stateClaimed {
				return req, true
			}
			if !req.Claim() {
				continue // abandoned under us
			}
			return req, true
		default:
			return nil, false
		}
	}
}

// Requeue returns a claimed request to the queue; the winner re-drains it
// before leaving.
func (c *Context) Requeue(req *Request) {
	debug.Assert(req.state.Load() == stateClaimed)
	select {
	case c.requests <- req:
	default:
		debug.Assert(false, "handover queue overflow on requeue")
	}
}

// Pending approximates the number of queued handovers. A loser admitted just
// before the window closed may still enqueue after the count is taken.
func (c *Context) Pending() int { return len(c.requests) }

// FailedWrite is the loser side of the handover: grab a slot in the
// winner's window, enqueue, wait for the verdict. A closed or exhausted
// window sends the loser back to dispatch.
func (c *Context) FailedWrite(key, value []byte) (succeeded, retry bool) {
	pre := c.MaxDepth.Dec() + 1
	if pre <= 0 {
		return false, true
	}
	req := &Request{Key: key, Value: value}
	select {
	case c.requests <- req:
	default:
		return false, true
	}
	return req.Wait()
}

// DrainPending finishes, with retry, anything stranded in this context's
// queue by a handover that raced a prior round's shutdown. Owners call it
// before every winner attempt.
func (c *Context) DrainPending() {
	for {
		req, ok := c.TryDequeue()
		if !ok {
			return
		}
		req.Finish(false /*succeeded*/, true /*retry*/)
	}
}
