// Package datalayer implements the adaptive linked-array record: the
// fixed-layout data node that lives in remote memory, its four capacity
// classes, and the operations the compute node performs on a fetched copy.
package datalayer

import (
	"bytes"
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/dicridon/distore/cmn"
	"github.com/dicridon/distore/cmn/debug"
	"github.com/dicridon/distore/memory"
)

// NodeType doubles as the record's capacity class and its wire tag; a
// record is self-describing through this field.
type NodeType uint32

const (
	TypeNotSet NodeType = 0
	TypeHead   NodeType = 1
	Type10     NodeType = 10
	Type12     NodeType = 12
	Type14     NodeType = 14
	Type16     NodeType = 16
	// TypeVar is reserved for variable-length records and never produced.
	TypeVar NodeType = 99
)

const (
	// MaxFanout is the widest wire record; the fingerprint array is sized
	// for it regardless of capacity so that morphing moves no data.
	MaxFanout = 16
	// BufferFanout sizes the compute-local scratch node that absorbs every
	// pending pair during a split; it is never flushed.
	BufferFanout = 21

	pairSize  = cmn.KeyLen + cmn.ValLen
	headerLen = 8 + 8 + 2 + 4 + 4 + MaxFanout // links, crc, type, next, fingerprints

	offRLink = 8
	offCRC   = 16
	offType  = 18
	offNext  = 22
	offFP    = 26

	// MaxWireSize is the byte length of a Type16 record; readers that do
	// not know a record's type ahead of time fetch this much.
	MaxWireSize = headerLen + MaxFanout*pairSize
)

var ErrBadCRC = errors.New("record crc mismatch")

func (t NodeType) Capacity() int {
	switch t {
	case Type10, Type12, Type14, Type16:
		return int(t)
	default:
		return 0
	}
}

// SizeOf returns the on-wire byte length of a record of type t.
func SizeOf(t NodeType) int {
	debug.Assert(t.Capacity() > 0, "sizing a non-wire node type ", uint32(t))
	return headerLen + t.Capacity()*pairSize
}

// TypeFor returns the smallest capacity class holding n pairs.
func TypeFor(n int) NodeType {
	switch {
	case n <= 10:
		return Type10
	case n <= 12:
		return Type12
	case n <= 14:
		return Type14
	case n <= 16:
		return Type16
	default:
		return TypeNotSet
	}
}

// Fingerprint is the one-byte pre-filter of a key: the low byte of its
// 64-bit hash.
func Fingerprint(key []byte) byte { return byte(xxhash.Checksum64(key)) }

// KV is one slot: fixed-length key and value.
type KV struct {
	Key   [cmn.KeyLen]byte
	Value [cmn.ValLen]byte
}

// Node is the decoded record. Wire nodes carry up to MaxFanout pairs; the
// arrays are sized BufferFanout so the same shape serves as the split
// scratch buffer. cap is the live capacity and is not on the wire.
type Node struct {
	LLink        memory.Pointer
	RLink        memory.Pointer
	CRC          uint16
	Type         NodeType
	Next         uint32
	Fingerprints [BufferFanout]uint8
	Pairs        [BufferFanout]KV

	cap int
}

func NewNode(t NodeType) *Node {
	debug.Assert(t.Capacity() > 0)
	return &Node{Type: t, cap: t.Capacity()}
}

// NewBufferNode returns the 21-slot scratch node used during splits.
func NewBufferNode() *Node { return &Node{Type: TypeNotSet, cap: BufferFanout} }

func (n *Node) Capacity() int   { return n.cap }
func (n *Node) Available() bool { return int(n.Next) < n.cap }

// Morph changes the record's declared capacity class in place; the
// fingerprint and pair arrays are sized for the maximum, so no data moves.
func (n *Node) Morph(t NodeType) {
	debug.Assert(t.Capacity() >= int(n.Next))
	n.Type = t
	n.cap = t.Capacity()
}

// Usage reports slot occupancy for stats.
func (n *Node) Usage() float64 {
	if n.cap == 0 {
		return 0
	}
	return float64(n.Next) / float64(n.cap)
}

// Store inserts a pair: fingerprint, then key, then value. A duplicate key
// reports success without mutation; a full node reports false.
func (n *Node) Store(key, value []byte) bool {
	if !n.Available() {
		return false
	}
	if _, ok := n.Find(key); ok {
		return true
	}
	k, err := cmn.PadKey(key)
	debug.AssertNoErr(err)
	v, err := cmn.PadValue(value)
	debug.AssertNoErr(err)

	n.Fingerprints[n.Next] = Fingerprint(k[:])
	n.Pairs[n.Next] = KV{Key: k, Value: v}
	n.Next++
	return true
}

// Find runs the fingerprint pre-filter, then byte comparison. The returned
// value aliases the node.
func (n *Node) Find(key []byte) ([]byte, bool) {
	k, err := cmn.PadKey(key)
	if err != nil {
		return nil, false
	}
	finger := Fingerprint(k[:])
	for i := 0; i < int(n.Next); i++ {
		if finger != n.Fingerprints[i] {
			continue
		}
		if n.Pairs[i].Key == k {
			return n.Pairs[i].Value[:], true
		}
	}
	return nil, false
}

// Update overwrites a present key's value in place.
func (n *Node) Update(key, value []byte) bool {
	k, err := cmn.PadKey(key)
	if err != nil {
		return false
	}
	v, err := cmn.PadValue(value)
	if err != nil {
		return false
	}
	finger := Fingerprint(k[:])
	for i := 0; i < int(n.Next); i++ {
		if finger != n.Fingerprints[i] {
			continue
		}
		if n.Pairs[i].Key == k {
			n.Pairs[i].Value = v
			return true
		}
	}
	return false
}

// Scan appends every value whose key is >= start (unordered within the
// node) until out reaches count; returns how many were appended.
func (n *Node) Scan(start []byte, count int, out *[][]byte) int {
	k, err := cmn.PadKey(start)
	if err != nil {
		return 0
	}
	added := 0
	for i := 0; i < int(n.Next) && len(*out) < count; i++ {
		if bytes.Compare(n.Pairs[i].Key[:], k[:]) >= 0 {
			v := make([]byte, cmn.ValLen)
			copy(v, n.Pairs[i].Value[:])
			*out = append(*out, v)
			added++
		}
	}
	return added
}

// PushRaw appends a slot verbatim, keeping its fingerprint; split
// distribution uses it to avoid rehashing.
func (n *Node) PushRaw(fp byte, kv KV) {
	debug.Assert(n.Available())
	n.Fingerprints[n.Next] = fp
	n.Pairs[n.Next] = kv
	n.Next++
}

// CopyPairsFrom overwrites this node's pair area with src's, as the split
// path does when staging into the scratch buffer.
func (n *Node) CopyPairsFrom(src *Node) {
	debug.Assert(int(src.Next) <= n.cap)
	copy(n.Fingerprints[:], src.Fingerprints[:])
	n.Pairs = src.Pairs
	n.Next = src.Next
}

// ReorderMap finds the (leftCap+1) smallest keys by repeated selection.
// picked marks them; anchorIdx is the (leftCap+1)-th smallest — the right
// sibling's anchor. The caller unmarks anchorIdx before distributing so the
// anchor itself lands on the right. Ties resolve by slot order, which is
// stable with respect to drain order.
func (n *Node) ReorderMap(leftCap int) (picked [BufferFanout]bool, anchorIdx int) {
	total := int(n.Next)
	debug.Assert(leftCap+1 <= total)
	for i := 0; i <= leftCap; i++ {
		target := -1
		for j := 0; j < total; j++ {
			if !picked[j] {
				target = j
				break
			}
		}
		for j := target + 1; j < total; j++ {
			if picked[j] {
				continue
			}
			if bytes.Compare(n.Pairs[target].Key[:], n.Pairs[j].Key[:]) > 0 {
				target = j
			}
		}
		picked[target] = true
		anchorIdx = target
	}
	return picked, anchorIdx
}

// MinKeyIdx returns the slot holding the smallest key.
func (n *Node) MinKeyIdx() int {
	debug.Assert(n.Next > 0)
	min := 0
	for i := 1; i < int(n.Next); i++ {
		if bytes.Compare(n.Pairs[i].Key[:], n.Pairs[min].Key[:]) < 0 {
			min = i
		}
	}
	return min
}

//
// wire codec
//

// Encode seals the CRC over the pair area and writes the record's wire form
// into buf, returning the byte length. The layout is packed little-endian:
// llink, rlink, crc, type, next, 16 fingerprint bytes, then capacity-many
// pairs.
func (n *Node) Encode(buf []byte) int {
	size := SizeOf(n.Type)
	debug.Assert(len(buf) >= size)
	debug.Assert(int(n.Next) <= n.Type.Capacity(), "record overflows its type")

	n.CRC = n.pairCRC()

	binary.LittleEndian.PutUint64(buf[0:8], uint64(n.LLink))
	binary.LittleEndian.PutUint64(buf[offRLink:offRLink+8], uint64(n.RLink))
	binary.LittleEndian.PutUint16(buf[offCRC:offCRC+2], n.CRC)
	binary.LittleEndian.PutUint32(buf[offType:offType+4], uint32(n.Type))
	binary.LittleEndian.PutUint32(buf[offNext:offNext+4], n.Next)
	copy(buf[offFP:offFP+MaxFanout], n.Fingerprints[:MaxFanout])
	off := headerLen
	for i := 0; i < n.Type.Capacity(); i++ {
		copy(buf[off:off+cmn.KeyLen], n.Pairs[i].Key[:])
		copy(buf[off+cmn.KeyLen:off+pairSize], n.Pairs[i].Value[:])
		off += pairSize
	}
	return size
}

// WireType peeks at a fetched buffer's type tag without decoding.
func WireType(buf []byte) NodeType {
	if len(buf) < offType+4 {
		return TypeNotSet
	}
	return NodeType(binary.LittleEndian.Uint32(buf[offType : offType+4]))
}

// HeaderLen is the fixed prefix shared by every record layout.
const HeaderLen = headerLen

// DecodeNode parses a record out of a fetched buffer, reading the type
// field first to pick the view. It copies out of buf, so the caller may
// re-use the scratch buffer immediately.
func DecodeNode(buf []byte) (*Node, error) {
	if len(buf) < headerLen {
		return nil, errors.Errorf("record buffer of %d bytes", len(buf))
	}
	t := NodeType(binary.LittleEndian.Uint32(buf[offType : offType+4]))
	if t.Capacity() == 0 {
		return nil, errors.Errorf("record with unusable type %d", uint32(t))
	}
	if len(buf) < SizeOf(t) {
		return nil, errors.Errorf("type %d record truncated to %d bytes", uint32(t), len(buf))
	}
	n := NewNode(t)
	n.LLink = memory.Pointer(binary.LittleEndian.Uint64(buf[0:8]))
	n.RLink = memory.Pointer(binary.LittleEndian.Uint64(buf[offRLink : offRLink+8]))
	n.CRC = binary.LittleEndian.Uint16(buf[offCRC : offCRC+2])
	n.Next = binary.LittleEndian.Uint32(buf[offNext : offNext+4])
	if int(n.Next) > t.Capacity() {
		return nil, errors.Errorf("type %d record with next=%d", uint32(t), n.Next)
	}
	copy(n.Fingerprints[:MaxFanout], buf[offFP:offFP+MaxFanout])
	off := headerLen
	for i := 0; i < t.Capacity(); i++ {
		copy(n.Pairs[i].Key[:], buf[off:off+cmn.KeyLen])
		copy(n.Pairs[i].Value[:], buf[off+cmn.KeyLen:off+pairSize])
		off += pairSize
	}
	return n, nil
}

// CheckCRC verifies the pair area against the carried checksum; readers
// retry the surrounding operation on mismatch.
func (n *Node) CheckCRC() bool { return n.pairCRC() == n.CRC }

// pairCRC covers pairs[0..capacity), matching the wire bytes.
func (n *Node) pairCRC() uint16 {
	crc := crc16Init()
	for i := 0; i < n.Type.Capacity(); i++ {
		crc = crc16Update(crc, n.Pairs[i].Key[:])
		crc = crc16Update(crc, n.Pairs[i].Value[:])
	}
	return crc
}

// RLinkWireOffset is where a record's rlink lives, for sibling patching
// during splits.
const RLinkWireOffset = offRLink
