// Command distore runs either node role of a DiStore cluster: a memory
// node serving its byte pool, or a compute node driving a benchmark
// workload against the cluster.
package main

import (
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/dicridon/distore/cluster"
	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/cmn/nlog"
	"github.com/dicridon/distore/memory"
	"github.com/dicridon/distore/stats"
	"github.com/dicridon/distore/transport"
	"github.com/dicridon/distore/workload"
)

func main() {
	app := cli.NewApp()
	app.Name = "distore"
	app.Usage = "distributed KV store on disaggregated memory"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "type", Usage: "node role: compute|memory", Required: true},
		cli.StringFlag{Name: "config", Usage: "node config file", Required: true},
		cli.StringFlag{Name: "memory_nodes", Usage: "memory node list (compute only)"},
		cli.IntFlag{Name: "threads", Usage: "number of client workers", Value: 1},
		cli.Uint64Flag{Name: "size", Usage: "operations per worker", Value: 100000},
		cli.StringFlag{Name: "workload", Usage: "workload kind: A|B|C|L", Value: "L"},
		cli.StringFlag{Name: "prom_addr", Usage: "serve /metrics here (optional)"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		nlog.Errorln(err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	switch c.String("type") {
	case "memory":
		return runMemory(c)
	case "compute":
		return runCompute(c)
	default:
		return cli.NewExitError(fmt.Sprintf("unknown node type %q", c.String("type")), 1)
	}
}

func runMemory(c *cli.Context) error {
	cfg, err := cmn.ParseMemoryConfig(c.String("config"))
	if err != nil {
		return err
	}
	mn, err := cluster.NewMemoryNode(cfg)
	if err != nil {
		return err
	}
	if err := mn.Listen(); err != nil {
		return err
	}
	return mn.Serve()
}

func runCompute(c *cli.Context) error {
	cfg, err := cmn.ParseComputeConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.String("memory_nodes") == "" {
		return cli.NewExitError("compute node needs --memory_nodes", 1)
	}

	rmm := memory.NewRemoteMemoryManager(&transport.TCPDevice{})
	if err := rmm.ParseConfig(c.String("memory_nodes")); err != nil {
		return err
	}
	if err := rmm.ConnectMemoryNodes(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	tracker := stats.NewTracker(reg)
	if addr := c.String("prom_addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil {
				nlog.Errorln("metrics endpoint:", err)
			}
		}()
	}

	cn := cluster.NewComputeNode(cfg.Self, rmm, tracker)
	nlog.SetPrefix(cfg.Self.TCPAddr)
	cn.Start()
	defer cn.Stop()

	var (
		threads = c.Int("threads")
		size    = c.Uint64("size")
		kindStr = c.String("workload")
	)
	kind, err := workload.ParseKind(kindStr)
	if err != nil {
		return err
	}

	// seed the smallest key so the leftmost anchor covers the key space
	seeder, err := cn.RegisterWorker()
	if err != nil {
		return err
	}
	if err := seeder.Put(workload.FormatKey(0), workload.FormatKey(0)); err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, threads)
	)
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = runWorker(cn, kind, uint64(i), size)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	report, err := cn.ReportClusterInfo()
	if err != nil {
		return err
	}
	fmt.Println(string(report))
	return nil
}

func runWorker(cn *cluster.ComputeNode, kind workload.Kind, idx, size uint64) error {
	w, err := cn.RegisterWorker()
	if err != nil {
		return err
	}
	gen := workload.New(kind, idx*size+1, size, int64(idx)+1)
	for n := uint64(0); n < size; n++ {
		op, key := gen.Next()
		switch op {
		case workload.OpPut:
			err = w.Put(key, key)
		case workload.OpUpdate:
			if err = w.Update(key, key); err == cmn.ErrNotFound {
				err = nil // cold key under a read-mostly mix
			}
		default:
			if _, err = w.Get(key); err == cmn.ErrNotFound {
				err = nil
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
