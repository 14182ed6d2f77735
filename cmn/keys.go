// Package cmn provides types and helpers shared by the compute- and
// memory-node runtimes: cluster configuration, node addressing, and the
// fixed-length key/value conventions of the data layer.
package cmn

import (
	"github.com/pkg/errors"
)

const (
	// KeyLen and ValLen fix the record geometry; shorter inputs are
	// zero-padded, longer ones rejected.
	KeyLen = 16
	ValLen = 16
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrKeyTooLong = errors.Errorf("key longer than %d bytes", KeyLen)
	ErrValTooLong = errors.Errorf("value longer than %d bytes", ValLen)
	ErrKeyEmpty   = errors.New("empty key")
)

// PadKey normalizes a user key to the fixed record width. Padding with
// trailing zeros preserves bytewise ordering for keys of equal length, which
// is what the workloads produce (zero-padded decimals).
func PadKey(k []byte) (out [KeyLen]byte, err error) {
	if len(k) == 0 {
		return out, ErrKeyEmpty
	}
	if len(k) > KeyLen {
		return out, ErrKeyTooLong
	}
	copy(out[:], k)
	return out, nil
}

// PadValue normalizes a user value, as PadKey does for keys.
func PadValue(v []byte) (out [ValLen]byte, err error) {
	if len(v) > ValLen {
		return out, ErrValTooLong
	}
	copy(out[:], v)
	return out, nil
}
