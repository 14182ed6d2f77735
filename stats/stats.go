// Package stats tracks operation counts and latency breakdowns for the
// compute node, exporting both Prometheus metrics and a JSON report.
package stats

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dicridon/distore/cmn/atomic"
)

// Op kinds tracked on the hot path.
const (
	KindPut    = "put"
	KindGet    = "get"
	KindUpdate = "update"
	KindScan   = "scan"
)

type opStats struct {
	count   atomic.Int64
	totalNS atomic.Int64
}

// Tracker is shared by all workers of one compute node.
type Tracker struct {
	ops map[string]*opStats

	retries    atomic.Int64
	crcRetries atomic.Int64
	morphs     atomic.Int64
	splits     atomic.Int64
	quickPuts  atomic.Int64
	segments   atomic.Int64

	promOps     *prometheus.CounterVec
	promLat     *prometheus.HistogramVec
	promRetries prometheus.Counter
	promMorphs  prometheus.Counter
	promSplits  prometheus.Counter
}

// NewTracker registers the metrics with reg; pass a fresh registry in tests.
func NewTracker(reg prometheus.Registerer) *Tracker {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	t := &Tracker{
		ops: map[string]*opStats{
			KindPut: {}, KindGet: {}, KindUpdate: {}, KindScan: {},
		},
		promOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "distore_ops_total", Help: "Completed operations by kind.",
		}, []string{"kind"}),
		promLat: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "distore_op_latency_seconds",
			Help:    "Operation latency by kind.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 2, 20),
		}, []string{"kind"}),
		promRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "distore_retries_total", Help: "Dispatch retries (contention and CRC).",
		}),
		promMorphs: f.NewCounter(prometheus.CounterOpts{
			Name: "distore_morphs_total", Help: "Records morphed in place.",
		}),
		promSplits: f.NewCounter(prometheus.CounterOpts{
			Name: "distore_splits_total", Help: "Records split in two.",
		}),
	}
	return t
}

// AddOp records one completed operation of the given kind.
func (t *Tracker) AddOp(kind string, d time.Duration) {
	os := t.ops[kind]
	os.count.Inc()
	os.totalNS.Add(int64(d))
	t.promOps.WithLabelValues(kind).Inc()
	t.promLat.WithLabelValues(kind).Observe(d.Seconds())
}

func (t *Tracker) IncRetry() {
	t.retries.Inc()
	t.promRetries.Inc()
}

func (t *Tracker) IncCRCRetry() {
	t.crcRetries.Inc()
	t.promRetries.Inc()
}

func (t *Tracker) IncMorph() {
	t.morphs.Inc()
	t.promMorphs.Inc()
}

func (t *Tracker) IncSplit() {
	t.splits.Inc()
	t.promSplits.Inc()
}

func (t *Tracker) IncQuickPut() { t.quickPuts.Inc() }
func (t *Tracker) IncSegment()  { t.segments.Inc() }

// Report is the JSON breakdown dumped at shutdown and by admin paths.
type Report struct {
	Ops        map[string]OpReport `json:"ops"`
	Retries    int64               `json:"retries"`
	CRCRetries int64               `json:"crc_retries"`
	Morphs     int64               `json:"morphs"`
	Splits     int64               `json:"splits"`
	QuickPuts  int64               `json:"quick_puts"`
	Segments   int64               `json:"segments"`
}

type OpReport struct {
	Count    int64   `json:"count"`
	AvgLatUS float64 `json:"avg_lat_us"`
}

func (t *Tracker) Snapshot() Report {
	r := Report{
		Ops:        make(map[string]OpReport, len(t.ops)),
		Retries:    t.retries.Load(),
		CRCRetries: t.crcRetries.Load(),
		Morphs:     t.morphs.Load(),
		Splits:     t.splits.Load(),
		QuickPuts:  t.quickPuts.Load(),
		Segments:   t.segments.Load(),
	}
	for kind, os := range t.ops {
		cnt := os.count.Load()
		or := OpReport{Count: cnt}
		if cnt > 0 {
			or.AvgLatUS = float64(os.totalNS.Load()) / float64(cnt) / 1e3
		}
		r.Ops[kind] = or
	}
	return r
}

func (t *Tracker) JSON() ([]byte, error) {
	return jsoniter.MarshalIndent(t.Snapshot(), "", "  ")
}
