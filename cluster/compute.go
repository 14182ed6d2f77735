// Package cluster implements the two node roles of a DiStore deployment:
// the compute node, which runs the search layer and all KV logic against
// remote memory, and the memory node, which leases raw segments of its pool.
package cluster

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"

	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/cmn/atomic"
	"github.com/dicridon/distore/cmn/debug"
	"github.com/dicridon/distore/cmn/mono"
	"github.com/dicridon/distore/cmn/nlog"
	"github.com/dicridon/distore/concurrency"
	"github.com/dicridon/distore/datalayer"
	"github.com/dicridon/distore/memory"
	"github.com/dicridon/distore/searchlayer"
	"github.com/dicridon/distore/stats"
	"github.com/dicridon/distore/transport"
)

const calQueueLen = 1024

type (
	// ComputeNode coordinates every worker of one process: the search
	// layer, the remote-memory allocator, and the calibration queue.
	ComputeNode struct {
		self    cmn.NodeInfo
		runID   string
		slist   *searchlayer.SkipList
		alloc   *memory.ComputeNodeAllocator
		rmm     *memory.RemoteMemoryManager
		tracker *stats.Tracker

		calCh chan *searchlayer.CalibrateContext
		calWG sync.WaitGroup

		// quick-put state: until two data nodes exist, puts stay local
		remotePut    atomic.Bool
		localMtx     sync.Mutex
		localNodes   [2]*datalayer.Node
		localAnchors [2]string
	}

	// Worker is one client thread's handle: its concurrency context, its
	// page-group ticket, and one endpoint per memory node. Workers are not
	// safe for concurrent use; register one per goroutine.
	Worker struct {
		cn   *ComputeNode
		cctx *concurrency.Context
		eps  []*transport.Endpoint
		gh   *memory.GroupHandle
	}
)

func NewComputeNode(self cmn.NodeInfo, rmm *memory.RemoteMemoryManager, tracker *stats.Tracker) *ComputeNode {
	id, err := shortid.Generate()
	if err != nil {
		id = "distore"
	}
	cn := &ComputeNode{
		self:    self,
		runID:   id,
		slist:   searchlayer.New(),
		alloc:   &memory.ComputeNodeAllocator{},
		rmm:     rmm,
		tracker: tracker,
		calCh:   make(chan *searchlayer.CalibrateContext, calQueueLen),
	}
	cn.localNodes[0] = datalayer.NewNode(datalayer.Type10)
	cn.localNodes[1] = datalayer.NewNode(datalayer.Type10)
	return cn
}

// Start launches the calibration goroutine; Stop drains and joins it.
func (cn *ComputeNode) Start() {
	cn.calWG.Add(1)
	go func() {
		defer cn.calWG.Done()
		cn.slist.Calibrator(cn.calCh)
	}()
	nlog.Infof("compute node %s (%s) started", cn.self.TCPAddr, cn.runID)
}

func (cn *ComputeNode) Stop() {
	close(cn.calCh)
	cn.calWG.Wait()
}

// RegisterWorker must run in the goroutine that will own the worker, before
// it issues any operation.
func (cn *ComputeNode) RegisterWorker() (*Worker, error) {
	eps, err := cn.rmm.SetupWorker()
	if err != nil {
		return nil, err
	}
	return &Worker{
		cn:   cn,
		cctx: concurrency.NewContext(),
		eps:  eps,
		gh:   cn.alloc.Register(),
	}, nil
}

// Allocate returns remote memory of at least size bytes, requesting a fresh
// segment from the cluster when the local lease runs dry.
func (w *Worker) Allocate(size int) (memory.Pointer, error) {
	for {
		p, err := w.cn.alloc.Allocate(w.gh, size)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, memory.ErrNoSegment) {
			return 0, err
		}
		seg, err := w.cn.rmm.OfferRemoteSegment()
		if err != nil {
			return 0, errors.Wrap(memory.ErrOutOfMemory, err.Error())
		}
		w.cn.alloc.ApplyForMemory(seg, w.cn.rmm.BaseAddr(seg.Node()))
		w.cn.tracker.IncSegment()
	}
}

// Free returns a chunk; bookkeeping only, reclamation is deferred.
func (w *Worker) Free(p memory.Pointer) { w.cn.alloc.Free(p) }

//
// read paths
//

// Get returns the value stored under key. Readers never take the per-node
// lock: a version check plus the record CRC discriminates torn or stale
// images, and either sends the reader back to search.
func (w *Worker) Get(key []byte) ([]byte, error) {
	started := mono.NanoTime()
	k, err := cmn.PadKey(key)
	if err != nil {
		return nil, err
	}
	if !w.cn.remotePut.Load() {
		if v, ok, handled := w.cn.localGet(k); handled {
			w.cn.tracker.AddOp(stats.KindGet, mono.Since(started))
			if !ok {
				return nil, cmn.ErrNotFound
			}
			return v, nil
		}
	}
	anchor := string(k[:])
	for {
		node := w.cn.slist.FuzzySearch(anchor)
		if node.IsHead() {
			// Put stores a key below every anchor in the leftmost data node
			if node = node.Next(); node == nil {
				return nil, cmn.ErrNotFound
			}
		}
		ver := node.Version()
		rec, err := w.fetchRecord(node.DataNode(), node.Type())
		if err != nil {
			if errors.Is(err, datalayer.ErrBadCRC) {
				w.cn.tracker.IncCRCRetry()
				continue
			}
			return nil, err
		}
		v, ok := rec.Find(k[:])
		if node.Version() != ver {
			w.cn.tracker.IncRetry()
			continue
		}
		w.cn.tracker.AddOp(stats.KindGet, mono.Since(started))
		if !ok {
			return nil, cmn.ErrNotFound
		}
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}
}

// Scan gathers up to count values with keys >= key, walking data nodes in
// order through the search layer's bottom level and prefetching two records
// per round trip. A scan that overlaps a split may return duplicates.
func (w *Worker) Scan(key []byte, count int) ([][]byte, error) {
	started := mono.NanoTime()
	k, err := cmn.PadKey(key)
	if err != nil {
		return nil, err
	}
	if !w.cn.remotePut.Load() {
		if out, handled := w.cn.localScan(k, count); handled {
			w.cn.tracker.AddOp(stats.KindScan, mono.Since(started))
			return out, nil
		}
	}
	out := make([][]byte, 0, count)
	node := w.cn.slist.FuzzySearch(string(k[:]))
	if node.IsHead() {
		node = node.Next()
	}
	for node != nil && len(out) < count {
		next := node.Next()
		if next == nil {
			rec, err := w.fetchChecked(node)
			if err != nil {
				return out, err
			}
			rec.Scan(k[:], count, &out)
			break
		}
		r1, r2, err := w.fetchPair(node, next)
		if err != nil {
			return out, err
		}
		r1.Scan(k[:], count, &out)
		r2.Scan(k[:], count, &out)
		node = next.Next()
	}
	w.cn.tracker.AddOp(stats.KindScan, mono.Since(started))
	return out, nil
}

//
// record fetch helpers
//

// fetchRecord reads a record into the worker's scratch buffer and decodes
// it. The hint sizes the read; when the record has grown past the hint (a
// concurrent morph), it is re-fetched at its true size. CRC mismatch is
// returned as datalayer.ErrBadCRC for the caller's retry loop.
func (w *Worker) fetchRecord(ptr memory.Pointer, hint datalayer.NodeType) (*datalayer.Node, error) {
	ep := w.eps[ptr.Node()]
	size := datalayer.MaxWireSize
	if hint.Capacity() > 0 {
		size = datalayer.SizeOf(hint)
	}
	buf, err := ep.Fetch(ptr.Address(), size)
	if err != nil {
		// a stale type hint can size the read past the record's chunk at
		// the very end of a pool; re-size from the header and try again
		if buf, err = ep.Fetch(ptr.Address(), datalayer.HeaderLen); err != nil {
			return nil, err
		}
		t := datalayer.WireType(buf)
		if t.Capacity() == 0 {
			return nil, datalayer.ErrBadCRC
		}
		if buf, err = ep.Fetch(ptr.Address(), datalayer.SizeOf(t)); err != nil {
			return nil, err
		}
	} else if t := datalayer.WireType(buf); t.Capacity() > 0 && datalayer.SizeOf(t) > size {
		if buf, err = ep.Fetch(ptr.Address(), datalayer.SizeOf(t)); err != nil {
			return nil, err
		}
	}
	rec, err := datalayer.DecodeNode(buf)
	if err != nil {
		// a torn image decodes badly the same way it checksums badly
		return nil, datalayer.ErrBadCRC
	}
	if !rec.CheckCRC() {
		return nil, datalayer.ErrBadCRC
	}
	return rec, nil
}

// fetchChecked retries CRC failures in place; scan uses it, tolerating the
// occasional stale image.
func (w *Worker) fetchChecked(node *searchlayer.Node) (*datalayer.Node, error) {
	for {
		rec, err := w.fetchRecord(node.DataNode(), node.Type())
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, datalayer.ErrBadCRC) {
			return nil, err
		}
		w.cn.tracker.IncCRCRetry()
	}
}

// fetchPair posts both reads before polling either, overlapping the two
// completions; when both records live on the same memory node the second
// lands in the upper half of the scratch buffer.
func (w *Worker) fetchPair(n1, n2 *searchlayer.Node) (r1, r2 *datalayer.Node, err error) {
	var (
		p1, p2   = n1.DataNode(), n2.DataNode()
		ep1, ep2 = w.eps[p1.Node()], w.eps[p2.Node()]
		s1, s2   = sizeHint(n1.Type()), sizeHint(n2.Type())
		off2     = 0
	)
	if ep1 == ep2 {
		off2 = transport.BufSize / 2
		debug.Assert(s2 <= transport.BufSize/2)
	}
	if err = ep1.PostFetch(p1.Address(), 0, s1); err != nil {
		return nil, nil, err
	}
	if err = ep2.PostFetch(p2.Address(), off2, s2); err != nil {
		return nil, nil, err
	}
	if err = ep1.Poll(); err != nil {
		return nil, nil, err
	}
	if err = ep2.Poll(); err != nil {
		return nil, nil, err
	}
	if r1, err = decodeOrRefetch(w, ep1.Buffer()[:s1], n1); err != nil {
		return nil, nil, err
	}
	if r2, err = decodeOrRefetch(w, ep2.Buffer()[off2:off2+s2], n2); err != nil {
		return nil, nil, err
	}
	return r1, r2, nil
}

func decodeOrRefetch(w *Worker, buf []byte, node *searchlayer.Node) (*datalayer.Node, error) {
	rec, err := datalayer.DecodeNode(buf)
	if err == nil && rec.CheckCRC() {
		return rec, nil
	}
	return w.fetchChecked(node)
}

func sizeHint(t datalayer.NodeType) int {
	if t.Capacity() > 0 {
		return datalayer.SizeOf(t)
	}
	return datalayer.MaxWireSize
}

// writeRecord seals and writes a record at ptr through the worker's scratch
// buffer.
func (w *Worker) writeRecord(ptr memory.Pointer, rec *datalayer.Node) error {
	ep := w.eps[ptr.Node()]
	size := rec.Encode(ep.Buffer())
	return ep.Write(ptr.Address(), size, nil)
}

//
// local (quick-put era) read paths
//

func (cn *ComputeNode) localGet(k [cmn.KeyLen]byte) (v []byte, ok, handled bool) {
	cn.localMtx.Lock()
	defer cn.localMtx.Unlock()
	if cn.remotePut.Load() {
		return nil, false, false
	}
	n := cn.localPick(string(k[:]))
	val, ok := n.Find(k[:])
	if !ok {
		return nil, false, true
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, true
}

func (cn *ComputeNode) localScan(k [cmn.KeyLen]byte, count int) (out [][]byte, handled bool) {
	cn.localMtx.Lock()
	defer cn.localMtx.Unlock()
	if cn.remotePut.Load() {
		return nil, false
	}
	out = make([][]byte, 0, count)
	cn.localNodes[0].Scan(k[:], count, &out)
	cn.localNodes[1].Scan(k[:], count, &out)
	return out, true
}

// localPick routes a key to one of the two bootstrap nodes by anchor
// comparison; callers hold localMtx.
func (cn *ComputeNode) localPick(anchor string) *datalayer.Node {
	if cn.localAnchors[1] != "" && anchor >= cn.localAnchors[1] {
		return cn.localNodes[1]
	}
	return cn.localNodes[0]
}

//
// admin
//

// ReportClusterInfo dumps the node's view of the cluster and its stats.
func (cn *ComputeNode) ReportClusterInfo() ([]byte, error) {
	report := struct {
		Self        cmn.NodeInfo   `json:"self"`
		RunID       string         `json:"run_id"`
		MemoryNodes map[int]string `json:"memory_nodes"`
		Stats       stats.Report   `json:"stats"`
	}{
		Self:        cn.self,
		RunID:       cn.runID,
		MemoryNodes: cn.rmm.Nodes(),
		Stats:       cn.tracker.Snapshot(),
	}
	return jsoniter.MarshalIndent(report, "", "  ")
}

// DumpIndex walks the bottom level and reports (anchor, type) per data
// node; tests and admin only.
func (cn *ComputeNode) DumpIndex() (anchors []string, types []datalayer.NodeType) {
	for n := cn.slist.Head().Next(); n != nil; n = n.Next() {
		anchors = append(anchors, n.Anchor())
		types = append(types, n.Type())
	}
	return
}

// CollectKeys fetches every record in index order and returns all stored
// keys, duplicates included; tests and admin only.
func (cn *ComputeNode) CollectKeys(w *Worker) ([]string, error) {
	var out []string
	for n := cn.slist.Head().Next(); n != nil; n = n.Next() {
		rec, err := w.fetchChecked(n)
		if err != nil {
			return nil, err
		}
		for i := 0; i < int(rec.Next); i++ {
			out = append(out, string(rec.Pairs[i].Key[:]))
		}
	}
	return out, nil
}

// WaitCalibrated blocks until the calibration queue drains; tests use it to
// quiesce before asserting on the index shape.
func (cn *ComputeNode) WaitCalibrated(timeout time.Duration) bool {
	deadline := mono.NanoTime() + int64(timeout)
	for len(cn.calCh) > 0 {
		if mono.NanoTime() > deadline {
			return false
		}
		time.Sleep(100 * time.Microsecond)
	}
	return true
}
