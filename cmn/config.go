package cmn

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NodeInfo is one line of cluster config: a node ID and its three endpoints
// (TCP bootstrap, one-sided data plane, RPC).
type NodeInfo struct {
	ID       int
	TCPAddr  string
	RDMAAddr string
	RPCAddr  string
}

// ComputeConfig is the compute node's own config file.
type ComputeConfig struct {
	Self       NodeInfo
	RDMADevice string
	RDMAPort   int
	GidIdx     int
}

// MemoryConfig is the memory node's config file; MemCap is the size of the
// byte pool it exposes.
type MemoryConfig struct {
	Self       NodeInfo
	MemCap     int64
	RDMADevice string
	RDMAPort   int
	GidIdx     int
}

var (
	nodeRx = regexp.MustCompile(`^node(\d+):\s*(\S+?),\s*(\S+?),\s*(\S+)\s*$`)
	kvRx   = regexp.MustCompile(`^(\w+):\s*(\S+)\s*$`)
)

// ParseMemoryNodes reads the memory-node list handed to a compute node:
// one "node<N>: tcp, rdma, rpc" line per memory node, in cluster order.
func ParseMemoryNodes(path string) ([]*NodeInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open memory nodes config %q", path)
	}
	defer f.Close()

	var nodes []*NodeInfo
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ni, err := parseNodeLine(line)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, ni)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %q", path)
	}
	if len(nodes) == 0 {
		return nil, errors.Errorf("no memory nodes in %q", path)
	}
	return nodes, nil
}

// ParseComputeConfig reads a compute node's config file (§ external
// interfaces): its own node line plus the RDMA device settings.
func ParseComputeConfig(path string) (*ComputeConfig, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	cfg := &ComputeConfig{}
	seen := false
	for _, line := range lines {
		if nodeRx.MatchString(line) {
			ni, err := parseNodeLine(line)
			if err != nil {
				return nil, err
			}
			cfg.Self, seen = *ni, true
			continue
		}
		if err := parseDeviceLine(line, &cfg.RDMADevice, &cfg.RDMAPort, &cfg.GidIdx, nil); err != nil {
			return nil, err
		}
	}
	if !seen {
		return nil, errors.Errorf("%q: missing node line", path)
	}
	return cfg, nil
}

// ParseMemoryConfig reads a memory node's config file: node line, mem_cap,
// RDMA device settings.
func ParseMemoryConfig(path string) (*MemoryConfig, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	cfg := &MemoryConfig{}
	seen := false
	for _, line := range lines {
		if nodeRx.MatchString(line) {
			ni, err := parseNodeLine(line)
			if err != nil {
				return nil, err
			}
			cfg.Self, seen = *ni, true
			continue
		}
		if err := parseDeviceLine(line, &cfg.RDMADevice, &cfg.RDMAPort, &cfg.GidIdx, &cfg.MemCap); err != nil {
			return nil, err
		}
	}
	if !seen {
		return nil, errors.Errorf("%q: missing node line", path)
	}
	if cfg.MemCap == 0 {
		return nil, errors.Errorf("%q: missing mem_cap", path)
	}
	return cfg, nil
}

func parseNodeLine(line string) (*NodeInfo, error) {
	m := nodeRx.FindStringSubmatch(line)
	if m == nil {
		return nil, errors.Errorf("malformed node line %q", line)
	}
	id, _ := strconv.Atoi(m[1])
	ni := &NodeInfo{ID: id, TCPAddr: m[2], RDMAAddr: m[3], RPCAddr: m[4]}
	for _, a := range []string{ni.TCPAddr, ni.RDMAAddr, ni.RPCAddr} {
		if !strings.Contains(a, ":") {
			return nil, errors.Errorf("node%d: %q is not host:port", id, a)
		}
	}
	return ni, nil
}

func parseDeviceLine(line string, dev *string, port, gid *int, memCap *int64) error {
	m := kvRx.FindStringSubmatch(line)
	if m == nil {
		return nil // comment or blank
	}
	switch m[1] {
	case "rdma_device":
		*dev = m[2]
	case "rdma_port":
		v, err := strconv.Atoi(m[2])
		if err != nil {
			return errors.Wrapf(err, "rdma_port %q", m[2])
		}
		*port = v
	case "gid_idx":
		v, err := strconv.Atoi(m[2])
		if err != nil {
			return errors.Wrapf(err, "gid_idx %q", m[2])
		}
		*gid = v
	case "mem_cap":
		if memCap == nil {
			return errors.Errorf("unexpected mem_cap in compute config")
		}
		v, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "mem_cap %q", m[2])
		}
		*memCap = v
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %q", path)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}
