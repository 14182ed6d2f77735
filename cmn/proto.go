package cmn

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Control-plane RPC operations.
const (
	OpRemoteAllocation   byte = 0
	OpRemoteDeallocation byte = 1
)

// Bootstrap is what a memory node sends on every accepted bootstrap
// connection: its base remote pointer (raw bits) and its RPC endpoint ID.
// The socket stays open afterwards for admin use.
type Bootstrap struct {
	Base  uint64
	RPCID int32
}

func WriteBootstrap(w io.Writer, b Bootstrap) error {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], b.Base)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(b.RPCID))
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "send bootstrap")
}

func ReadBootstrap(r io.Reader) (b Bootstrap, err error) {
	var buf [12]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return b, errors.Wrap(err, "recv bootstrap")
	}
	b.Base = binary.LittleEndian.Uint64(buf[0:8])
	b.RPCID = int32(binary.LittleEndian.Uint32(buf[8:12]))
	return b, nil
}
