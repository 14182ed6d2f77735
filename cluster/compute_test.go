package cluster_test

import (
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dicridon/distore/cluster"
	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/cmn/atomic"
	"github.com/dicridon/distore/cmn/cos"
	"github.com/dicridon/distore/datalayer"
	"github.com/dicridon/distore/memory"
	"github.com/dicridon/distore/stats"
	"github.com/dicridon/distore/tools/tassert"
	"github.com/dicridon/distore/transport"
	"github.com/dicridon/distore/workload"
)

func TestMain(m *testing.M) {
	// shrink the lease granularity so tests run in modest pools
	memory.SegmentSize = 1 << 20
	os.Exit(m.Run())
}

type testStore struct {
	cn      *cluster.ComputeNode
	tracker *stats.Tracker
	mns     []*cluster.MemoryNode
}

// newTestStore wires a compute node to nMem in-process memory nodes over
// the loopback device; wrap, if given, interposes on the data plane.
func newTestStore(t testing.TB, nMem int, wrap func(transport.Device) transport.Device) *testStore {
	lb := transport.NewLoopbackDevice()
	var dev transport.Device = lb
	if wrap != nil {
		dev = wrap(lb)
	}
	rmm := memory.NewRemoteMemoryManager(dev)
	ts := &testStore{}
	for i := 0; i < nMem; i++ {
		cfg := &cmn.MemoryConfig{
			Self:   cmn.NodeInfo{ID: i, TCPAddr: "127.0.0.1:0", RDMAAddr: "127.0.0.1:0", RPCAddr: "127.0.0.1:0"},
			MemCap: 32*cos.MiB + memory.PageSize,
		}
		mn, err := cluster.NewMemoryNode(cfg)
		tassert.CheckFatal(t, err)
		lb.Attach(i, mn.Region())
		ni := cfg.Self
		rmm.AttachNode(&ni, mn.Base(), cluster.LoopbackCaller{MN: mn})
		ts.mns = append(ts.mns, mn)
	}
	ts.tracker = stats.NewTracker(prometheus.NewRegistry())
	ts.cn = cluster.NewComputeNode(cmn.NodeInfo{ID: 0, TCPAddr: "inproc"}, rmm, ts.tracker)
	ts.cn.Start()
	t.Cleanup(ts.cn.Stop)
	return ts
}

func key(n int) []byte { return workload.FormatKey(uint64(n)) }

func mustPut(t testing.TB, w *cluster.Worker, n int) {
	t.Helper()
	tassert.CheckFatal(t, w.Put(key(n), key(n)))
}

func mustGet(t testing.TB, w *cluster.Worker, n int) {
	t.Helper()
	v, err := w.Get(key(n))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, string(v) == string(key(n)), "get(%s) = %q", key(n), v)
}

// Quick-put bootstraps locally; the overflowing insert flushes both local
// nodes to remote and the store stays in remote mode for good.
func TestQuickPutToRemoteTransition(t *testing.T) {
	ts := newTestStore(t, 1, nil)
	w, err := ts.cn.RegisterWorker()
	tassert.CheckFatal(t, err)

	for i := 1; i <= 11; i++ {
		mustPut(t, w, i)
	}
	for i := 1; i <= 11; i++ {
		mustGet(t, w, i)
	}

	// one more put guarantees the flush has happened
	mustPut(t, w, 12)
	anchors, _ := ts.cn.DumpIndex()
	tassert.Fatalf(t, len(anchors) >= 2, "after the flush the index has %d anchors", len(anchors))
	for i := 1; i <= 12; i++ {
		mustGet(t, w, i)
	}
	tassert.Fatalf(t, ts.tracker.Snapshot().QuickPuts > 0, "no quick-puts recorded")
}

// Overflowing a Type10 record by one key morphs it to Type12 in a fresh
// remote slot, with every key still retrievable.
func TestMorph10To12(t *testing.T) {
	ts := newTestStore(t, 1, nil)
	w, err := ts.cn.RegisterWorker()
	tassert.CheckFatal(t, err)

	// bootstrap: anchors 100 and 200; the flush leaves anchor-100 a Type10
	// with a single key
	for i := 1; i <= 12; i++ {
		mustPut(t, w, i*100)
	}
	// fill anchor-100's record to ten keys, then overflow it
	for i := 101; i <= 110; i++ {
		mustPut(t, w, i)
	}

	anchors, types := ts.cn.DumpIndex()
	found := false
	for i, a := range anchors {
		if a == string(key(100)) {
			found = true
			tassert.Fatalf(t, types[i] == datalayer.Type12,
				"anchor 100 has type %d, want 12", types[i])
		}
	}
	tassert.Fatalf(t, found, "anchor 100 missing from the index")
	tassert.Fatalf(t, ts.tracker.Snapshot().Morphs > 0, "no morph recorded")

	for i := 101; i <= 110; i++ {
		mustGet(t, w, i)
	}
	mustGet(t, w, 100)
}

// Splitting a full Type16 with contenders: three workers race three new
// keys into the same record; afterwards every key lives in exactly one
// record and the right anchor is the 10th smallest of the final key set.
func TestSplit16WithPendingRequests(t *testing.T) {
	ts := newTestStore(t, 1, nil)
	w, err := ts.cn.RegisterWorker()
	tassert.CheckFatal(t, err)

	// sequential 1..17 leaves the anchor-2 record a full Type16 (2..17)
	for i := 1; i <= 17; i++ {
		mustPut(t, w, i)
	}
	_, types := ts.cn.DumpIndex()
	has16 := false
	for _, typ := range types {
		if typ == datalayer.Type16 {
			has16 = true
		}
	}
	tassert.Fatalf(t, has16, "prefill did not produce a full Type16: %v", types)

	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	for i := 18; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wi, err := ts.cn.RegisterWorker()
			if err != nil {
				t.Error(err)
				return
			}
			<-start
			if err := wi.Put(key(i), key(i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	tassert.Fatalf(t, ts.tracker.Snapshot().Splits >= 1, "no split recorded")
	tassert.Fatalf(t, ts.cn.WaitCalibrated(5*time.Second), "calibration queue stuck")

	// right anchor: the 10th smallest of {2..20} is 11, whatever the winner
	// saw as pending
	anchors, types := ts.cn.DumpIndex()
	idx := -1
	for i, a := range anchors {
		if a == string(key(11)) {
			idx = i
		}
	}
	tassert.Fatalf(t, idx >= 0, "split anchor 11 missing: %v", anchors)
	tassert.Fatalf(t, types[idx] == datalayer.Type10 || types[idx] == datalayer.Type12,
		"right sibling type %d", types[idx])

	// coverage: each of the twenty keys is stored exactly once
	all, err := ts.cn.CollectKeys(w)
	tassert.CheckFatal(t, err)
	sort.Strings(all)
	tassert.Fatalf(t, len(all) == 20, "%d keys stored, want 20 (%v)", len(all), all)
	for i := 1; i <= 20; i++ {
		tassert.Fatalf(t, all[i-1] == string(key(i)), "slot %d holds %q", i-1, all[i-1])
	}
	for i := 1; i <= 20; i++ {
		mustGet(t, w, i)
	}
}

// corruptingDevice flips one byte of the next fetched record, once.
type corruptingDevice struct {
	inner transport.Device
	armed *atomic.Bool
}

func (d *corruptingDevice) Open(ni *cmn.NodeInfo) (transport.Conn, error) {
	c, err := d.inner.Open(ni)
	if err != nil {
		return nil, err
	}
	return &corruptingConn{Conn: c, armed: d.armed}, nil
}

type corruptingConn struct {
	transport.Conn
	armed *atomic.Bool
}

func (c *corruptingConn) corrupt(buf []byte) {
	if len(buf) > datalayer.HeaderLen && c.armed.CAS(true, false) {
		buf[datalayer.HeaderLen+3] ^= 0xff
	}
}

func (c *corruptingConn) Read(buf []byte, addr uint64) error {
	if err := c.Conn.Read(buf, addr); err != nil {
		return err
	}
	c.corrupt(buf)
	return nil
}

func (c *corruptingConn) PostRead(buf []byte, addr uint64) error {
	if err := c.Conn.PostRead(buf, addr); err != nil {
		return err
	}
	c.corrupt(buf)
	return nil
}

// A torn read fails the CRC check; the reader re-searches, re-fetches, and
// comes back with the committed value.
func TestCRCReadRetry(t *testing.T) {
	armed := &atomic.Bool{}
	ts := newTestStore(t, 1, func(d transport.Device) transport.Device {
		return &corruptingDevice{inner: d, armed: armed}
	})
	w, err := ts.cn.RegisterWorker()
	tassert.CheckFatal(t, err)

	for i := 1; i <= 20; i++ {
		mustPut(t, w, i)
	}
	mustGet(t, w, 5)

	before := ts.tracker.Snapshot().CRCRetries
	armed.Store(true)
	mustGet(t, w, 5)
	tassert.Fatalf(t, ts.tracker.Snapshot().CRCRetries > before, "corrupted fetch went unnoticed")
	tassert.Fatalf(t, !armed.Load(), "the corrupting read never happened")
}

// Eight workers insert disjoint interleaved key sets concurrently; every
// key must land exactly once, with no deadlock.
func TestConcurrentWinnerElection(t *testing.T) {
	const (
		workers = 8
		perW    = 1000
	)
	ts := newTestStore(t, 2, nil)
	seeder, err := ts.cn.RegisterWorker()
	tassert.CheckFatal(t, err)
	mustPut(t, seeder, 0) // smallest key first: the leftmost anchor covers the space

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := ts.cn.RegisterWorker()
			if err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < perW; j++ {
				n := 1 + i + workers*j
				if err := w.Put(key(n), key(n)); err != nil {
					t.Errorf("put %d: %v", n, err)
					return
				}
			}
		}(i)
	}

	joined := make(chan struct{})
	go func() { wg.Wait(); close(joined) }()
	select {
	case <-joined:
	case <-time.After(60 * time.Second):
		t.Fatal("insert storm did not finish within 60s")
	}

	all, err := ts.cn.CollectKeys(seeder)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(all) == workers*perW+1, "stored %d keys, want %d", len(all), workers*perW+1)
	seen := make(map[string]bool, len(all))
	for _, k := range all {
		tassert.Fatalf(t, !seen[k], "key %q stored twice", k)
		seen[k] = true
	}
	for i := 0; i <= workers*perW; i++ {
		mustGet(t, seeder, i)
	}
}

// A scan racing an insert storm may see duplicates from the split window
// but never loses a pre-existing key.
func TestScanIdempotentAcrossSplits(t *testing.T) {
	ts := newTestStore(t, 1, nil)
	w, err := ts.cn.RegisterWorker()
	tassert.CheckFatal(t, err)

	const preexisting = 1000
	for i := 0; i < preexisting; i++ {
		mustPut(t, w, i*10)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		storm, err := ts.cn.RegisterWorker()
		if err != nil {
			t.Error(err)
			return
		}
		// land between the existing keys to force splits inside the
		// scanned range
		for i := 0; i < 1500; i++ {
			n := i*6 + 1
			if err := storm.Put(key(n), key(n)); err != nil {
				t.Errorf("storm put %d: %v", n, err)
				return
			}
		}
	}()

	values, err := w.Scan(key(0), 4*preexisting)
	tassert.CheckFatal(t, err)
	wg.Wait()

	got := make(map[string]bool, len(values))
	for _, v := range values {
		got[string(v)] = true
	}
	for i := 0; i < preexisting; i++ {
		tassert.Fatalf(t, got[string(key(i*10))], "scan lost pre-existing key %s", key(i*10))
	}
}

func TestUpdate(t *testing.T) {
	ts := newTestStore(t, 1, nil)
	w, err := ts.cn.RegisterWorker()
	tassert.CheckFatal(t, err)

	// local era
	mustPut(t, w, 1)
	tassert.CheckFatal(t, w.Update(key(1), []byte("v2")))
	v, err := w.Get(key(1))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, string(v[:2]) == "v2", "local update lost: %q", v)

	// remote era
	for i := 2; i <= 30; i++ {
		mustPut(t, w, i)
	}
	tassert.CheckFatal(t, w.Update(key(17), []byte("v3")))
	v, err = w.Get(key(17))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, string(v[:2]) == "v3", "remote update lost: %q", v)

	err = w.Update(key(9999), []byte("x"))
	tassert.Fatalf(t, err == cmn.ErrNotFound, "update of absent key: %v", err)
}

func TestGetAbsent(t *testing.T) {
	ts := newTestStore(t, 1, nil)
	w, err := ts.cn.RegisterWorker()
	tassert.CheckFatal(t, err)
	for i := 1; i <= 30; i++ {
		mustPut(t, w, i*2)
	}
	_, err = w.Get(key(33))
	tassert.Fatalf(t, err == cmn.ErrNotFound, "absent key: %v", err)
	_, err = w.Get(key(1)) // below the leftmost anchor
	tassert.Fatalf(t, err == cmn.ErrNotFound, "key below every anchor: %v", err)
}

// Every put is immediately visible to its own thread.
func TestPutThenGetEachStep(t *testing.T) {
	ts := newTestStore(t, 1, nil)
	w, err := ts.cn.RegisterWorker()
	tassert.CheckFatal(t, err)
	for i := 1; i <= 300; i++ {
		mustPut(t, w, i)
		mustGet(t, w, i)
		mustGet(t, w, 1+i/2) // and an older key stays visible
	}
}
