package cmn_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/tools/tassert"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	tassert.CheckFatal(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseMemoryNodes(t *testing.T) {
	path := writeFile(t, "memory_nodes.conf", `
#        tcp              rdma            rpc
node0: 127.0.0.1:1234, 127.0.0.1:4321, 127.0.0.1:3124
node1: 127.0.0.2:1234, 127.0.0.2:4321, 127.0.0.2:3124
node2: 127.0.0.3:1234, 127.0.0.3:4321, 127.0.0.3:3124
`)
	nodes, err := cmn.ParseMemoryNodes(path)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(nodes) == 3, "parsed %d nodes", len(nodes))
	tassert.Fatalf(t, nodes[1].ID == 1, "node id %d", nodes[1].ID)
	tassert.Fatalf(t, nodes[2].TCPAddr == "127.0.0.3:1234", "tcp %q", nodes[2].TCPAddr)
	tassert.Fatalf(t, nodes[0].RDMAAddr == "127.0.0.1:4321", "rdma %q", nodes[0].RDMAAddr)
	tassert.Fatalf(t, nodes[0].RPCAddr == "127.0.0.1:3124", "rpc %q", nodes[0].RPCAddr)
}

func TestParseMemoryNodesRejectsGarbage(t *testing.T) {
	path := writeFile(t, "bad.conf", "node0: nonsense\n")
	_, err := cmn.ParseMemoryNodes(path)
	tassert.Fatalf(t, err != nil, "malformed line accepted")

	path = writeFile(t, "empty.conf", "# nothing here\n")
	_, err = cmn.ParseMemoryNodes(path)
	tassert.Fatalf(t, err != nil, "empty config accepted")
}

func TestParseComputeConfig(t *testing.T) {
	path := writeFile(t, "compute.conf", `
node0: 10.0.0.1:7000, 10.0.0.1:7001, 10.0.0.1:7002
rdma_device: mlx5_0
rdma_port: 1
gid_idx: 4
`)
	cfg, err := cmn.ParseComputeConfig(path)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, cfg.Self.TCPAddr == "10.0.0.1:7000", "tcp %q", cfg.Self.TCPAddr)
	tassert.Fatalf(t, cfg.RDMADevice == "mlx5_0", "device %q", cfg.RDMADevice)
	tassert.Fatalf(t, cfg.RDMAPort == 1 && cfg.GidIdx == 4, "port %d gid %d", cfg.RDMAPort, cfg.GidIdx)
}

func TestParseMemoryConfig(t *testing.T) {
	path := writeFile(t, "memory.conf", `
node1: 10.0.0.2:7000, 10.0.0.2:7001, 10.0.0.2:7002
mem_cap: 1073745920
rdma_device: mlx5_1
rdma_port: 1
gid_idx: 2
`)
	cfg, err := cmn.ParseMemoryConfig(path)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, cfg.Self.ID == 1, "id %d", cfg.Self.ID)
	tassert.Fatalf(t, cfg.MemCap == 1073745920, "mem_cap %d", cfg.MemCap)

	missing := writeFile(t, "nocap.conf", "node1: 1.1.1.1:1, 1.1.1.1:2, 1.1.1.1:3\n")
	_, err = cmn.ParseMemoryConfig(missing)
	tassert.Fatalf(t, err != nil, "missing mem_cap accepted")
}

func TestPadKey(t *testing.T) {
	k, err := cmn.PadKey([]byte("abc"))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, k[0] == 'a' && k[3] == 0, "padding wrong: %v", k)

	_, err = cmn.PadKey(nil)
	tassert.Fatalf(t, err == cmn.ErrKeyEmpty, "empty key: %v", err)
	_, err = cmn.PadKey(make([]byte, 17))
	tassert.Fatalf(t, err == cmn.ErrKeyTooLong, "long key: %v", err)
}
