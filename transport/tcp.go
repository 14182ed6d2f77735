package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/cmn/debug"
)

// Wire protocol, little-endian:
//
//	request:  | op u8 | addr u64 | len u32 | payload (writes only) |
//	          op 2 (batch): | op u8 | count u8 | {addr u64, len u32, payload}... |
//	response: read  -> | len u32 | payload |
//	          write -> | status u8 |
const (
	opRead  = 0
	opWrite = 1
	opBatch = 2
)

// TCPDevice dials memory nodes' data-plane listeners.
type TCPDevice struct {
	Timeout time.Duration
}

func (d *TCPDevice) Open(ni *cmn.NodeInfo) (Conn, error) {
	dialer := net.Dialer{
		Timeout: d.Timeout,
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			})
		},
	}
	conn, err := dialer.Dial("tcp", ni.RDMAAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial data plane of node%d at %s", ni.ID, ni.RDMAAddr)
	}
	return &tcpConn{conn: conn, rd: bufio.NewReader(conn)}, nil
}

type tcpConn struct {
	conn    net.Conn
	rd      *bufio.Reader
	pending []pendingRead
}

type pendingRead struct{ buf []byte }

func (c *tcpConn) Read(buf []byte, addr uint64) error {
	if err := c.PostRead(buf, addr); err != nil {
		return err
	}
	return c.Poll()
}

func (c *tcpConn) PostRead(buf []byte, addr uint64) error {
	var hdr [13]byte
	hdr[0] = opRead
	binary.LittleEndian.PutUint64(hdr[1:9], addr)
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(buf)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "post read")
	}
	c.pending = append(c.pending, pendingRead{buf: buf})
	return nil
}

func (c *tcpConn) Poll() error {
	debug.Assert(len(c.pending) > 0, "poll with nothing posted")
	p := c.pending[0]
	c.pending = c.pending[1:]
	var lenb [4]byte
	if _, err := io.ReadFull(c.rd, lenb[:]); err != nil {
		return errors.Wrap(err, "poll completion")
	}
	n := binary.LittleEndian.Uint32(lenb[:])
	if int(n) != len(p.buf) {
		return errors.Errorf("short remote read: want %d, got %d", len(p.buf), n)
	}
	_, err := io.ReadFull(c.rd, p.buf)
	return errors.Wrap(err, "poll completion")
}

func (c *tcpConn) Write(src []byte, addr uint64) error {
	var hdr [13]byte
	hdr[0] = opWrite
	binary.LittleEndian.PutUint64(hdr[1:9], addr)
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(src)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "post write")
	}
	if _, err := c.conn.Write(src); err != nil {
		return errors.Wrap(err, "post write")
	}
	return c.pollStatus()
}

func (c *tcpConn) WriteBatch(wrs []WR) error {
	debug.Assert(len(wrs) > 0 && len(wrs) < 256)
	msg := make([]byte, 2, 2+len(wrs)*(12+BufSize/4))
	msg[0], msg[1] = opBatch, byte(len(wrs))
	for _, wr := range wrs {
		var hdr [12]byte
		binary.LittleEndian.PutUint64(hdr[0:8], wr.Addr)
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(wr.Src)))
		msg = append(msg, hdr[:]...)
		msg = append(msg, wr.Src...)
	}
	if _, err := c.conn.Write(msg); err != nil {
		return errors.Wrap(err, "post batch write")
	}
	return c.pollStatus()
}

func (c *tcpConn) pollStatus() error {
	st, err := c.rd.ReadByte()
	if err != nil {
		return errors.Wrap(err, "poll completion")
	}
	if st != 0 {
		return errors.Errorf("remote write failed, status %d", st)
	}
	return nil
}

func (c *tcpConn) Close() error { return c.conn.Close() }

// ServeConn runs the memory-node side of the protocol over one accepted
// connection, resolving addresses directly into the node's pool. Returns on
// EOF or protocol error.
func ServeConn(conn net.Conn, region []byte) error {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		op, err := rd.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch op {
		case opRead:
			addr, n, err := readHdr(rd)
			if err != nil {
				return err
			}
			if err := checkRange(region, addr, n); err != nil {
				return err
			}
			var lenb [4]byte
			binary.LittleEndian.PutUint32(lenb[:], uint32(n))
			if _, err := conn.Write(lenb[:]); err != nil {
				return err
			}
			if _, err := conn.Write(region[addr : addr+uint64(n)]); err != nil {
				return err
			}
		case opWrite:
			addr, n, err := readHdr(rd)
			if err != nil {
				return err
			}
			if err := applyWrite(rd, region, addr, n); err != nil {
				return err
			}
			if _, err := conn.Write([]byte{0}); err != nil {
				return err
			}
		case opBatch:
			cnt, err := rd.ReadByte()
			if err != nil {
				return err
			}
			for i := 0; i < int(cnt); i++ {
				addr, n, err := readHdr(rd)
				if err != nil {
					return err
				}
				if err := applyWrite(rd, region, addr, n); err != nil {
					return err
				}
			}
			if _, err := conn.Write([]byte{0}); err != nil {
				return err
			}
		default:
			return errors.Errorf("unknown data-plane op %d", op)
		}
	}
}

func readHdr(rd *bufio.Reader) (addr uint64, n int, err error) {
	var hdr [12]byte
	if _, err = io.ReadFull(rd, hdr[:]); err != nil {
		return
	}
	addr = binary.LittleEndian.Uint64(hdr[0:8])
	n = int(binary.LittleEndian.Uint32(hdr[8:12]))
	return
}

func applyWrite(rd *bufio.Reader, region []byte, addr uint64, n int) error {
	if err := checkRange(region, addr, n); err != nil {
		return err
	}
	_, err := io.ReadFull(rd, region[addr:addr+uint64(n)])
	return err
}

func checkRange(region []byte, addr uint64, n int) error {
	if n < 0 || n > BufSize || addr+uint64(n) > uint64(len(region)) {
		return errors.Errorf("access [%d, %d) outside pool of %d bytes", addr, addr+uint64(n), len(region))
	}
	return nil
}
