// Package rpc is the control-plane RPC used for segment grant and recycle:
// a framed request/response exchange over TCP, one outstanding call per
// session. The data path never goes through here.
package rpc

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/dicridon/distore/cmn/nlog"
)

// Frames, little-endian:
//
//	request:  | op u8 | len u32 | payload |
//	response: | len u32 | payload |
const maxPayload = 64 * 1024

// Caller is the client-side surface; tests substitute in-process callers.
type Caller interface {
	Call(op byte, payload []byte) ([]byte, error)
	Close() error
}

type Client struct {
	mtx  sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial rpc %s", addr)
	}
	return &Client{conn: conn, rd: bufio.NewReader(conn)}, nil
}

func (c *Client) Call(op byte, payload []byte) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var hdr [5]byte
	hdr[0] = op
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return nil, errors.Wrap(err, "rpc send")
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return nil, errors.Wrap(err, "rpc send")
		}
	}
	var lenb [4]byte
	if _, err := io.ReadFull(c.rd, lenb[:]); err != nil {
		return nil, errors.Wrap(err, "rpc recv")
	}
	n := binary.LittleEndian.Uint32(lenb[:])
	if n > maxPayload {
		return nil, errors.Errorf("rpc response of %d bytes", n)
	}
	resp := make([]byte, n)
	if _, err := io.ReadFull(c.rd, resp); err != nil {
		return nil, errors.Wrap(err, "rpc recv")
	}
	return resp, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// HandlerFunc serves one request; the returned slice is the response payload.
type HandlerFunc func(op byte, payload []byte) []byte

// Serve accepts sessions on l and runs each against h until the listener
// closes.
func Serve(l net.Listener, h HandlerFunc) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go func(conn net.Conn) {
			if err := serveConn(conn, h); err != nil {
				nlog.Verboseln("rpc session ended:", err)
			}
		}(conn)
	}
}

func serveConn(conn net.Conn, h HandlerFunc) error {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		var hdr [5]byte
		if _, err := io.ReadFull(rd, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		n := binary.LittleEndian.Uint32(hdr[1:5])
		if n > maxPayload {
			return errors.Errorf("rpc request of %d bytes", n)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(rd, payload); err != nil {
			return err
		}
		resp := h(hdr[0], payload)
		var lenb [4]byte
		binary.LittleEndian.PutUint32(lenb[:], uint32(len(resp)))
		if _, err := conn.Write(lenb[:]); err != nil {
			return err
		}
		if len(resp) > 0 {
			if _, err := conn.Write(resp); err != nil {
				return err
			}
		}
	}
}
