package memory

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/cmn/atomic"
	"github.com/dicridon/distore/cmn/nlog"
	"github.com/dicridon/distore/rpc"
	"github.com/dicridon/distore/transport"
)

var ErrNoRemoteMemory = errors.New("all memory nodes exhausted")

// memNode is one connected memory node: its addresses, the base pointer it
// announced at bootstrap, and the RPC session used for segment grants.
type memNode struct {
	info  *cmn.NodeInfo
	base  Pointer
	rpcID int32
	rpc   rpc.Caller
	boot  net.Conn // bootstrap socket, kept open
}

// RemoteMemoryManager tracks the memory nodes a compute node talks to, owns
// the segment-grant RPC, and opens per-worker data-plane endpoints. It is
// deliberately single-threaded on the control path; the data path is all in
// the endpoints it hands out.
type RemoteMemoryManager struct {
	mtx     sync.Mutex
	device  transport.Device
	nodes   []*memNode
	current atomic.Int64 // round-robin cursor for segment requests
}

func NewRemoteMemoryManager(device transport.Device) *RemoteMemoryManager {
	return &RemoteMemoryManager{device: device}
}

// ParseConfig loads the ordered memory-node list.
func (m *RemoteMemoryManager) ParseConfig(path string) error {
	infos, err := cmn.ParseMemoryNodes(path)
	if err != nil {
		return err
	}
	for _, ni := range infos {
		m.nodes = append(m.nodes, &memNode{info: ni})
	}
	nlog.Infof("memory nodes config %s parsed, %d nodes", path, len(m.nodes))
	return nil
}

// ConnectMemoryNodes performs the bootstrap handshake with every configured
// node (base pointer + RPC endpoint ID over TCP) and opens the RPC session.
func (m *RemoteMemoryManager) ConnectMemoryNodes() error {
	for _, n := range m.nodes {
		conn, err := net.Dial("tcp", n.info.TCPAddr)
		if err != nil {
			return errors.Wrapf(err, "bootstrap node%d at %s", n.info.ID, n.info.TCPAddr)
		}
		b, err := cmn.ReadBootstrap(conn)
		if err != nil {
			conn.Close()
			return errors.Wrapf(err, "bootstrap node%d", n.info.ID)
		}
		cl, err := rpc.Dial(n.info.RPCAddr)
		if err != nil {
			conn.Close()
			return errors.Wrapf(err, "rpc session with node%d", n.info.ID)
		}
		n.base, n.rpcID, n.rpc, n.boot = Pointer(b.Base), b.RPCID, cl, conn
		nlog.Infof("connected to memory node%d (base %s, rpc id %d)", n.info.ID, n.base, n.rpcID)
	}
	return nil
}

// AttachNode wires a node without the TCP handshake; single-process runs
// and tests use it with a loopback device and an in-process caller.
func (m *RemoteMemoryManager) AttachNode(ni *cmn.NodeInfo, base Pointer, caller rpc.Caller) {
	m.nodes = append(m.nodes, &memNode{info: ni, base: base, rpc: caller})
}

// SetupWorker opens one endpoint per memory node for the calling worker,
// indexed by node ID. Endpoints are exclusive to that worker.
func (m *RemoteMemoryManager) SetupWorker() ([]*transport.Endpoint, error) {
	maxID := 0
	for _, n := range m.nodes {
		if n.info.ID > maxID {
			maxID = n.info.ID
		}
	}
	eps := make([]*transport.Endpoint, maxID+1)
	for _, n := range m.nodes {
		conn, err := m.device.Open(n.info)
		if err != nil {
			return nil, errors.Wrapf(err, "open data plane to node%d", n.info.ID)
		}
		eps[n.info.ID] = transport.NewEndpoint(conn)
	}
	return eps, nil
}

// BaseAddr returns the announced base pointer of a node.
func (m *RemoteMemoryManager) BaseAddr(nodeID int) Pointer {
	for _, n := range m.nodes {
		if n.info.ID == nodeID {
			return n.base
		}
	}
	return 0
}

// OfferRemoteSegment requests one segment, rotating over memory nodes and
// moving on when a node reports exhaustion.
func (m *RemoteMemoryManager) OfferRemoteSegment() (Pointer, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for range m.nodes {
		n := m.nodes[int(m.current.Inc()-1)%len(m.nodes)]
		resp, err := n.rpc.Call(cmn.OpRemoteAllocation, []byte{0})
		if err != nil {
			return 0, errors.Wrapf(err, "segment rpc to node%d", n.info.ID)
		}
		if len(resp) != 8 {
			return 0, errors.Errorf("segment rpc to node%d: %d-byte response", n.info.ID, len(resp))
		}
		p := Pointer(binary.LittleEndian.Uint64(resp))
		if !p.IsNull() {
			return p, nil
		}
		nlog.Warningf("memory node%d exhausted, trying next", n.info.ID)
	}
	return 0, ErrNoRemoteMemory
}

// RecycleRemoteSegment returns a segment to its owner node.
func (m *RemoteMemoryManager) RecycleRemoteSegment(seg Pointer) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, n := range m.nodes {
		if n.info.ID != seg.Node() {
			continue
		}
		payload := make([]byte, 9)
		payload[0] = cmn.OpRemoteDeallocation
		binary.LittleEndian.PutUint64(payload[1:], uint64(seg))
		resp, err := n.rpc.Call(cmn.OpRemoteDeallocation, payload)
		if err != nil {
			return false, err
		}
		return len(resp) == 1 && resp[0] == 1, nil
	}
	return false, errors.Errorf("unknown memory node %d", seg.Node())
}

// NumNodes returns the number of configured memory nodes.
func (m *RemoteMemoryManager) NumNodes() int { return len(m.nodes) }

// Nodes reports (id, base) pairs for the cluster report.
func (m *RemoteMemoryManager) Nodes() map[int]string {
	out := make(map[int]string, len(m.nodes))
	for _, n := range m.nodes {
		out[n.info.ID] = n.base.String()
	}
	return out
}
