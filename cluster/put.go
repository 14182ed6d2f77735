package cluster

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/cmn/debug"
	"github.com/dicridon/distore/cmn/mono"
	"github.com/dicridon/distore/concurrency"
	"github.com/dicridon/distore/datalayer"
	"github.com/dicridon/distore/memory"
	"github.com/dicridon/distore/searchlayer"
	"github.com/dicridon/distore/stats"
	"github.com/dicridon/distore/transport"
)

// Put inserts a key-value pair. A put of a key smaller than every live
// anchor routes to the leftmost data node; seed the smallest key first (the
// benchmark does) so the leftmost anchor covers the key space.
func (w *Worker) Put(key, value []byte) error {
	started := mono.NanoTime()
	k, err := cmn.PadKey(key)
	if err != nil {
		return err
	}
	v, err := cmn.PadValue(value)
	if err != nil {
		return err
	}
	if !w.cn.remotePut.Load() {
		handled, err := w.cn.quickPut(w, k, v)
		if err != nil {
			return err
		}
		if handled {
			w.cn.tracker.AddOp(stats.KindPut, mono.Since(started))
			return nil
		}
	}

	anchor := string(k[:])
	for {
		w.cctx.DrainPending()
		node := w.cn.slist.FuzzySearch(anchor)
		if node.IsHead() {
			if node = node.Next(); node == nil {
				return errors.New("remote put with no data nodes")
			}
		}
		ok, retry, err := w.putNode(node, k, v)
		if err != nil {
			return err
		}
		if retry {
			w.cn.tracker.IncRetry()
			continue
		}
		if !ok {
			return errors.Errorf("put %q: write-back failed", key)
		}
		w.cn.tracker.AddOp(stats.KindPut, mono.Since(started))
		return nil
	}
}

// Update overwrites the value of a present key.
func (w *Worker) Update(key, value []byte) error {
	started := mono.NanoTime()
	k, err := cmn.PadKey(key)
	if err != nil {
		return err
	}
	v, err := cmn.PadValue(value)
	if err != nil {
		return err
	}
	if !w.cn.remotePut.Load() {
		if ok, handled := w.cn.localUpdate(k, v); handled {
			w.cn.tracker.AddOp(stats.KindUpdate, mono.Since(started))
			if !ok {
				return cmn.ErrNotFound
			}
			return nil
		}
	}

	anchor := string(k[:])
	for {
		w.cctx.DrainPending()
		node := w.cn.slist.FuzzySearch(anchor)
		if node.IsHead() {
			// Put stores a key below every anchor in the leftmost data node
			if node = node.Next(); node == nil {
				return cmn.ErrNotFound
			}
		}
		ok, retry, err := w.updateNode(node, k, v)
		if err != nil {
			return err
		}
		if retry {
			w.cn.tracker.IncRetry()
			continue
		}
		w.cn.tracker.AddOp(stats.KindUpdate, mono.Since(started))
		if !ok {
			return cmn.ErrNotFound
		}
		return nil
	}
}

//
// winner election
//

// tryWin CASes this worker's context into the data node. The winner comes
// back with the fetched record and a closed submission window; a loser
// comes back with the observed context (possibly nil when the round ended
// under it). A winner whose fetch failed the CRC check gets rec == nil and
// must leave and retry.
func (w *Worker) tryWin(node *searchlayer.Node, t concurrency.OpType) (win bool, wctx *concurrency.Context, rec *datalayer.Node, err error) {
	w.cctx.SetType(t)
	if !node.Ctx.CAS(nil, w.cctx) {
		return false, node.Ctx.Load(), nil, nil
	}
	rec, err = w.fetchRecord(node.DataNode(), node.Type())
	w.cctx.CloseWindow()
	if err != nil {
		if errors.Is(err, datalayer.ErrBadCRC) {
			w.cn.tracker.IncCRCRetry()
			return true, w.cctx, nil, nil
		}
		return true, w.cctx, nil, err
	}
	return true, w.cctx, rec, nil
}

// leave ends a winner's round. The order matters: bump the version for
// in-flight readers, clear the election slot, then reopen the window — a
// reopened window with the slot still set would strand a handover in a
// queue nobody drains.
func (w *Worker) leave(node *searchlayer.Node) {
	node.BumpVersion()
	node.Ctx.Store(nil)
	w.cctx.ResetWindow()
}

// putRound carries one winning insert through drain, morph-or-split, and
// acknowledgment.
type putRound struct {
	w      *Worker
	node   *searchlayer.Node
	rec    *datalayer.Node
	k, v   [cmn.KeyLen]byte
	done   bool // own pair already stored
	served []*concurrency.Request
}

// finish acknowledges every handover applied this round; called after the
// terminal write so a waiter's success implies remote visibility.
func (r *putRound) finish(ok bool) {
	for _, req := range r.served {
		req.Finish(ok, false)
	}
	r.served = r.served[:0]
}

// drainInto applies queued handovers to dst. The decision tables guarantee
// space; if a late arrival overflows anyway it is finished with retry.
func (r *putRound) drainInto(dst *datalayer.Node) {
	for {
		req, ok := r.w.cctx.TryDequeue()
		if !ok {
			return
		}
		if dst.Store(req.Key, req.Value) {
			r.served = append(r.served, req)
		} else {
			req.Finish(false /*succeeded*/, true /*retry*/)
		}
	}
}

func (w *Worker) putNode(node *searchlayer.Node, k, v [cmn.KeyLen]byte) (ok, retry bool, err error) {
	win, wctx, rec, err := w.tryWin(node, concurrency.OpInsert)
	if !win {
		if wctx == nil || wctx.Type() != concurrency.OpInsert {
			return false, true, nil
		}
		succ, retry := wctx.FailedWrite(k[:], v[:])
		return succ, retry, nil
	}
	if err != nil {
		w.leave(node)
		return false, false, err
	}
	if rec == nil {
		w.leave(node)
		return false, true, nil
	}

	r := &putRound{w: w, node: node, rec: rec, k: k, v: v}
	ok = w.putWinner(r)
	w.leave(node)
	return ok, false, nil
}

// putWinner is the winner body: apply own pair, absorb the handover queue,
// then pick the terminal action from the record's true type and the number
// of still-pending requests.
func (w *Worker) putWinner(r *putRound) (ok bool) {
	var (
		rec      = r.rec
		pendings int
	)
	r.done = rec.Store(r.k[:], r.v[:])
	if r.done {
		for {
			req, okq := w.cctx.TryDequeue()
			if !okq {
				break
			}
			if rec.Store(req.Key, req.Value) {
				r.served = append(r.served, req)
				continue
			}
			w.cctx.Requeue(req)
			break
		}
		if pendings = w.cctx.Pending(); pendings == 0 {
			// everything fit: rewrite the record in place
			if err := w.writeRecord(r.node.DataNode(), rec); err != nil {
				r.finish(false)
				return false
			}
			r.finish(true)
			return true
		}
	} else {
		pendings = w.cctx.Pending() + 1
	}

	switch rec.Type {
	case datalayer.Type10:
		return w.morphPut(r)
	case datalayer.Type12:
		if pendings <= 4 {
			return w.eagerMorph(r)
		}
		return w.splitPut(r, 9, datalayer.Type10, datalayer.Type10)
	case datalayer.Type14:
		if pendings <= 2 {
			return w.eagerMorph(r)
		}
		return w.splitPut(r, 8, datalayer.Type10, datalayer.Type12)
	case datalayer.Type16:
		switch {
		case pendings <= 2:
			return w.splitPut(r, 9, datalayer.Type10, datalayer.Type10)
		case pendings <= 4:
			return w.splitPut(r, 9, datalayer.Type10, datalayer.Type12)
		default:
			return w.splitPut(r, 10, datalayer.Type12, datalayer.Type12)
		}
	default:
		debug.Assert(false, "put against record of type ", uint32(rec.Type))
		return false
	}
}

// morphPut handles an overflowing Type10: widen the working view to 16
// slots, absorb everything, then rewrite at the smallest type that fits —
// at a fresh remote slot, since the capacity class changed.
func (w *Worker) morphPut(r *putRound) bool {
	rec := r.rec
	rec.Morph(datalayer.Type16)
	if !r.done {
		stored := rec.Store(r.k[:], r.v[:])
		debug.Assert(stored)
		r.done = true
	}
	r.drainInto(rec)

	rec.Morph(datalayer.TypeFor(int(rec.Next)))
	remote, err := r.w.Allocate(datalayer.SizeOf(rec.Type))
	if err != nil {
		r.finish(false)
		return false
	}
	if err := w.writeRecord(remote, rec); err != nil {
		r.finish(false)
		return false
	}
	r.node.SetMapping(remote, rec.Type)
	w.cn.tracker.IncMorph()
	r.finish(true)
	return true
}

// eagerMorph rewrites a mid-size record as a Type16 at a fresh slot; the
// decision tables only choose it when everything pending fits in 16.
func (w *Worker) eagerMorph(r *putRound) bool {
	rec := r.rec
	rec.Morph(datalayer.Type16)
	if !r.done {
		stored := rec.Store(r.k[:], r.v[:])
		debug.Assert(stored)
		r.done = true
	}
	r.drainInto(rec)

	remote, err := r.w.Allocate(datalayer.SizeOf(datalayer.Type16))
	if err != nil {
		r.finish(false)
		return false
	}
	if err := w.writeRecord(remote, rec); err != nil {
		r.finish(false)
		return false
	}
	r.node.SetMapping(remote, datalayer.Type16)
	w.cn.tracker.IncMorph()
	r.finish(true)
	return true
}

// splitPut distributes the record plus everything pending into two new
// records of the given capacities. The right anchor is the (leftCap+1)-th
// smallest key, always taken from the fully populated scratch buffer. Both
// halves — and the left sibling's rlink — go out in one batched send per
// memory node; the bottom-level index entry for the right half is linked
// synchronously and its tower is calibrated in the background.
func (w *Worker) splitPut(r *putRound, leftCap int, lt, rt datalayer.NodeType) bool {
	buf := datalayer.NewBufferNode()
	buf.CopyPairsFrom(r.rec)
	if !r.done {
		stored := buf.Store(r.k[:], r.v[:])
		debug.Assert(stored)
		r.done = true
	}
	r.drainInto(buf)

	picked, anchorIdx := buf.ReorderMap(leftCap)
	ranchor := string(buf.Pairs[anchorIdx].Key[:])
	// the anchor itself belongs to the right half
	picked[anchorIdx] = false

	// handovers that landed after the pending count was taken can push the
	// right half past its nominal capacity; re-size it from the final total
	if grown := datalayer.TypeFor(int(buf.Next) - leftCap); grown.Capacity() > rt.Capacity() {
		rt = grown
	}

	left, right := datalayer.NewNode(lt), datalayer.NewNode(rt)
	for i := 0; i < int(buf.Next); i++ {
		if picked[i] {
			left.PushRaw(buf.Fingerprints[i], buf.Pairs[i])
		} else {
			right.PushRaw(buf.Fingerprints[i], buf.Pairs[i])
		}
	}

	lp, err := r.w.Allocate(datalayer.SizeOf(lt))
	if err != nil {
		r.finish(false)
		return false
	}
	rp, err := r.w.Allocate(datalayer.SizeOf(rt))
	if err != nil {
		r.finish(false)
		return false
	}
	left.LLink, left.RLink = r.rec.LLink, rp
	right.LLink, right.RLink = lp, r.rec.RLink

	if err := w.writeSplit(r.node, left, lp, right, rp); err != nil {
		r.finish(false)
		return false
	}

	r.node.SetMapping(lp, lt)
	w.cn.asyncUpdate(r.node, ranchor, rt, rp)
	w.cn.tracker.IncSplit()
	r.finish(true)
	return true
}

// writeSplit batches the two halves plus the predecessor's rlink patch,
// grouped per memory node.
func (w *Worker) writeSplit(node *searchlayer.Node, left *datalayer.Node, lp memory.Pointer,
	right *datalayer.Node, rp memory.Pointer) error {
	var (
		lbuf = make([]byte, datalayer.SizeOf(left.Type))
		rbuf = make([]byte, datalayer.SizeOf(right.Type))
		wrs  = make(map[int][]transport.WR, 2)
	)
	left.Encode(lbuf)
	right.Encode(rbuf)
	wrs[lp.Node()] = append(wrs[lp.Node()], transport.WR{Addr: lp.Address(), Src: lbuf})
	wrs[rp.Node()] = append(wrs[rp.Node()], transport.WR{Addr: rp.Address(), Src: rbuf})

	// patch the left sibling's rlink to the relocated record; best-effort —
	// range traversal runs over the search layer, rlink is a recovery aid
	if pred := node.Backward(); pred != nil && !pred.IsHead() {
		pp := pred.DataNode()
		patch := make([]byte, 8)
		binary.LittleEndian.PutUint64(patch, uint64(lp))
		wrs[pp.Node()] = append(wrs[pp.Node()],
			transport.WR{Addr: pp.Address() + datalayer.RLinkWireOffset, Src: patch})
	}

	for nodeID, batch := range wrs {
		if err := w.eps[nodeID].WriteBatch(batch); err != nil {
			return err
		}
	}
	return nil
}

// asyncUpdate links the new right sibling into the bottom level (making it
// immediately searchable) and queues its tower for calibration.
func (cn *ComputeNode) asyncUpdate(after *searchlayer.Node, anchor string,
	t datalayer.NodeType, r memory.Pointer) {
	newNode, level := searchlayer.MakeNewNode(anchor, r, t)
	newNode.LinkAfter(after)
	cn.calCh <- &searchlayer.CalibrateContext{Level: level, Node: newNode}
}

//
// update winner
//

func (w *Worker) updateNode(node *searchlayer.Node, k, v [cmn.KeyLen]byte) (ok, retry bool, err error) {
	win, wctx, rec, err := w.tryWin(node, concurrency.OpUpdate)
	if !win {
		if wctx == nil || wctx.Type() != concurrency.OpUpdate {
			return false, true, nil
		}
		succ, retry := wctx.FailedWrite(k[:], v[:])
		return succ, retry, nil
	}
	if err != nil {
		w.leave(node)
		return false, false, err
	}
	if rec == nil {
		w.leave(node)
		return false, true, nil
	}

	ownOK := rec.Update(k[:], v[:])
	var (
		served  []*concurrency.Request
		results []bool
	)
	for {
		req, okq := w.cctx.TryDequeue()
		if !okq {
			break
		}
		served = append(served, req)
		results = append(results, rec.Update(req.Key, req.Value))
	}

	werr := w.writeRecord(node.DataNode(), rec)
	for i, req := range served {
		req.Finish(werr == nil && results[i], false)
	}
	w.leave(node)
	if werr != nil {
		return false, false, werr
	}
	return ownOK, false, nil
}

func (cn *ComputeNode) localUpdate(k, v [cmn.KeyLen]byte) (ok, handled bool) {
	cn.localMtx.Lock()
	defer cn.localMtx.Unlock()
	if cn.remotePut.Load() {
		return false, false
	}
	return cn.localPick(string(k[:])).Update(k[:], v[:]), true
}

//
// quick-put bootstrap
//

// quickPut keeps the first ten-odd inserts entirely local: two Type10 nodes
// behind a mutex. The overflowing insert flushes both to remote — the full
// node widened to Type12 to absorb the new pair — seeds the search layer
// with both anchors, and flips the node to remote mode for good.
func (cn *ComputeNode) quickPut(w *Worker, k, v [cmn.KeyLen]byte) (handled bool, err error) {
	cn.localMtx.Lock()
	defer cn.localMtx.Unlock()
	if cn.remotePut.Load() {
		return false, nil
	}

	anchor := string(k[:])
	target := cn.quickPutPickNode(anchor)
	if target.Store(k[:], v[:]) {
		cn.tracker.IncQuickPut()
		return true, nil
	}

	smaller, err := w.Allocate(datalayer.SizeOf(datalayer.Type10))
	if err != nil {
		return false, err
	}
	larger, err := w.Allocate(datalayer.SizeOf(datalayer.Type12))
	if err != nil {
		return false, err
	}

	flushed := datalayer.NewNode(datalayer.Type12)
	flushed.CopyPairsFrom(target)
	stored := flushed.Store(k[:], v[:])
	debug.Assert(stored)

	var noMove *datalayer.Node
	if target == cn.localNodes[0] {
		flushed.LLink, flushed.RLink = 0, smaller
		noMove = cn.localNodes[1]
		noMove.LLink, noMove.RLink = larger, 0
	} else {
		flushed.LLink, flushed.RLink = smaller, 0
		noMove = cn.localNodes[0]
		noMove.LLink, noMove.RLink = 0, larger
	}

	if err := w.writeRecord(larger, flushed); err != nil {
		return false, errors.Wrap(err, "flush local nodes")
	}
	if err := w.writeRecord(smaller, noMove); err != nil {
		return false, errors.Wrap(err, "flush local nodes")
	}

	// the search layer learns both anchors only after the records are out
	if target == cn.localNodes[0] {
		cn.slist.Insert(cn.localAnchors[0], larger, datalayer.Type12)
		cn.slist.Insert(cn.localAnchors[1], smaller, datalayer.Type10)
	} else {
		cn.slist.Insert(cn.localAnchors[0], smaller, datalayer.Type10)
		cn.slist.Insert(cn.localAnchors[1], larger, datalayer.Type12)
	}
	cn.remotePut.Store(true)
	cn.tracker.IncQuickPut()
	return true, nil
}

// quickPutPickNode routes a key to a bootstrap node, growing the two-anchor
// frontier as smaller keys arrive; callers hold localMtx.
func (cn *ComputeNode) quickPutPickNode(anchor string) *datalayer.Node {
	if cn.localAnchors[0] == "" {
		cn.localAnchors[0] = anchor
		return cn.localNodes[0]
	}
	if anchor < cn.localAnchors[0] {
		if cn.localAnchors[1] == "" {
			cn.localNodes[0], cn.localNodes[1] = cn.localNodes[1], cn.localNodes[0]
			cn.localAnchors[0], cn.localAnchors[1] = cn.localAnchors[1], cn.localAnchors[0]
		}
		cn.localAnchors[0] = anchor
		return cn.localNodes[0]
	}
	if cn.localAnchors[1] == "" {
		cn.localAnchors[1] = anchor
		return cn.localNodes[1]
	}
	if anchor >= cn.localAnchors[1] {
		return cn.localNodes[1]
	}
	return cn.localNodes[0]
}
