package cluster

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/cmn/atomic"
	"github.com/dicridon/distore/cmn/cos"
	"github.com/dicridon/distore/cmn/nlog"
	"github.com/dicridon/distore/memory"
	"github.com/dicridon/distore/rpc"
	"github.com/dicridon/distore/transport"
)

var rpcIDCounter atomic.Int64

// MemoryNode exposes a raw byte pool: segments are granted over the RPC
// plane, read and written one-sidedly over the data plane, and the
// bootstrap listener hands every connecting compute node the pool's base
// pointer. The node interprets none of the bytes it serves.
type MemoryNode struct {
	cfg       *cmn.MemoryConfig
	region    []byte
	allocator *memory.MemoryNodeAllocator
	base      memory.Pointer
	rpcID     int32

	lsnTCP  net.Listener
	lsnRPC  net.Listener
	lsnData net.Listener
}

func NewMemoryNode(cfg *cmn.MemoryConfig) (*MemoryNode, error) {
	if cfg.MemCap < memory.PageSize+memory.SegmentSize {
		return nil, errors.Errorf("mem_cap %d cannot hold a single segment (%s + reserved page)",
			cfg.MemCap, cos.ToSizeIEC(memory.SegmentSize))
	}
	region := make([]byte, cfg.MemCap)
	mn := &MemoryNode{
		cfg:       cfg,
		region:    region,
		allocator: memory.MakeAllocator(region),
		base:      memory.NewPointer(cfg.Self.ID, memory.PageSize),
		rpcID:     int32(rpcIDCounter.Inc()),
	}
	nlog.Infof("memory node%d: %s pool, base %s", cfg.Self.ID, cos.ToSizeIEC(cfg.MemCap), mn.base)
	return mn, nil
}

// Base returns the pool's base pointer, as announced at bootstrap.
func (mn *MemoryNode) Base() memory.Pointer { return mn.base }

// Region exposes the pool for in-process (loopback) deployments.
func (mn *MemoryNode) Region() []byte { return mn.region }

// HandleRPC serves the control plane; in-process deployments call it
// directly through an rpc.Caller shim.
func (mn *MemoryNode) HandleRPC(op byte, payload []byte) []byte {
	switch op {
	case cmn.OpRemoteAllocation:
		resp := make([]byte, 8)
		addr, ok := mn.allocator.Allocate()
		if ok {
			binary.LittleEndian.PutUint64(resp, uint64(memory.NewPointer(mn.cfg.Self.ID, addr)))
			nlog.Verboseln("remote memory segment offered")
		} // exhausted: respond with the null pointer
		return resp
	case cmn.OpRemoteDeallocation:
		if len(payload) != 9 {
			return []byte{0}
		}
		p := memory.Pointer(binary.LittleEndian.Uint64(payload[1:]))
		mn.allocator.Deallocate(p.Address())
		nlog.Verboseln("remote memory segment recycled")
		return []byte{1}
	default:
		nlog.Errorf("memory node%d: unknown rpc op %d", mn.cfg.Self.ID, op)
		return nil
	}
}

// Listen binds all three planes; separated from Serve so callers (and
// tests) can bind port zero and read the resolved addresses back.
func (mn *MemoryNode) Listen() error {
	var err error
	if mn.lsnTCP, err = net.Listen("tcp", mn.cfg.Self.TCPAddr); err != nil {
		return errors.Wrap(err, "bootstrap listener")
	}
	if mn.lsnRPC, err = net.Listen("tcp", mn.cfg.Self.RPCAddr); err != nil {
		return errors.Wrap(err, "rpc listener")
	}
	if mn.lsnData, err = net.Listen("tcp", mn.cfg.Self.RDMAAddr); err != nil {
		return errors.Wrap(err, "data-plane listener")
	}
	mn.cfg.Self.TCPAddr = mn.lsnTCP.Addr().String()
	mn.cfg.Self.RPCAddr = mn.lsnRPC.Addr().String()
	mn.cfg.Self.RDMAAddr = mn.lsnData.Addr().String()
	return nil
}

// Self reports the node's info with resolved listen addresses.
func (mn *MemoryNode) Self() cmn.NodeInfo { return mn.cfg.Self }

// Serve runs the three serving loops until a listener closes.
func (mn *MemoryNode) Serve() error {
	var g errgroup.Group
	g.Go(mn.serveBootstrap)
	g.Go(func() error { return rpc.Serve(mn.lsnRPC, mn.HandleRPC) })
	g.Go(mn.serveData)
	nlog.Infof("memory node%d serving (tcp %s, rpc %s, data %s)",
		mn.cfg.Self.ID, mn.cfg.Self.TCPAddr, mn.cfg.Self.RPCAddr, mn.cfg.Self.RDMAAddr)
	return g.Wait()
}

// Shutdown closes the listeners; in-flight sessions end on their own.
func (mn *MemoryNode) Shutdown() {
	for _, l := range []net.Listener{mn.lsnTCP, mn.lsnRPC, mn.lsnData} {
		if l != nil {
			l.Close()
		}
	}
}

func (mn *MemoryNode) serveBootstrap() error {
	for {
		conn, err := mn.lsnTCP.Accept()
		if err != nil {
			return err
		}
		go func(conn net.Conn) {
			b := cmn.Bootstrap{Base: uint64(mn.base), RPCID: mn.rpcID}
			if err := cmn.WriteBootstrap(conn, b); err != nil {
				nlog.Errorln("bootstrap send:", err)
				conn.Close()
				return
			}
			// the socket stays open for future admin use; park until the
			// peer goes away
			var one [1]byte
			conn.Read(one[:])
			conn.Close()
		}(conn)
	}
}

func (mn *MemoryNode) serveData() error {
	for {
		conn, err := mn.lsnData.Accept()
		if err != nil {
			return err
		}
		go func(conn net.Conn) {
			if err := transport.ServeConn(conn, mn.region); err != nil {
				nlog.Verboseln("data-plane session ended:", err)
			}
		}(conn)
	}
}

// LoopbackCaller adapts an in-process memory node to the rpc.Caller
// surface, for single-process deployments and tests.
type LoopbackCaller struct{ MN *MemoryNode }

func (lc LoopbackCaller) Call(op byte, payload []byte) ([]byte, error) {
	return lc.MN.HandleRPC(op, payload), nil
}

func (LoopbackCaller) Close() error { return nil }
