package datalayer_test

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dicridon/distore/datalayer"
	"github.com/dicridon/distore/memory"
)

func key(n int) []byte { return []byte(fmt.Sprintf("%016d", n)) }
func val(n int) []byte { return []byte(fmt.Sprintf("%016d", n+1000)) }

var _ = Describe("LinkedNode", func() {
	var node *datalayer.Node

	BeforeEach(func() {
		node = datalayer.NewNode(datalayer.Type10)
	})

	Describe("store and find", func() {
		It("should retrieve what was stored", func() {
			for i := 0; i < 10; i++ {
				Expect(node.Store(key(i), val(i))).To(BeTrue())
			}
			for i := 0; i < 10; i++ {
				v, ok := node.Find(key(i))
				Expect(ok).To(BeTrue())
				Expect(v).To(Equal(val(i)))
			}
		})

		It("should reject an 11th pair", func() {
			for i := 0; i < 10; i++ {
				node.Store(key(i), val(i))
			}
			Expect(node.Available()).To(BeFalse())
			Expect(node.Store(key(10), val(10))).To(BeFalse())
		})

		It("should treat a duplicate store as success without mutation", func() {
			Expect(node.Store(key(1), val(1))).To(BeTrue())
			Expect(node.Store(key(1), val(99))).To(BeTrue())
			Expect(node.Next).To(BeEquivalentTo(1))
			v, _ := node.Find(key(1))
			Expect(v).To(Equal(val(1)))
		})

		It("should miss absent keys", func() {
			node.Store(key(1), val(1))
			_, ok := node.Find(key(2))
			Expect(ok).To(BeFalse())
		})
	})

	Describe("update", func() {
		It("should overwrite in place", func() {
			node.Store(key(3), val(3))
			Expect(node.Update(key(3), val(42))).To(BeTrue())
			v, _ := node.Find(key(3))
			Expect(v).To(Equal(val(42)))
		})

		It("should report absent keys", func() {
			Expect(node.Update(key(3), val(3))).To(BeFalse())
		})
	})

	Describe("scan", func() {
		It("should collect values at or past the start key", func() {
			for i := 0; i < 10; i++ {
				node.Store(key(i), val(i))
			}
			var out [][]byte
			n := node.Scan(key(5), 100, &out)
			Expect(n).To(Equal(5))
		})

		It("should stop at count", func() {
			for i := 0; i < 10; i++ {
				node.Store(key(i), val(i))
			}
			var out [][]byte
			node.Scan(key(0), 3, &out)
			Expect(out).To(HaveLen(3))
		})
	})

	Describe("morph", func() {
		It("should widen capacity without moving data", func() {
			for i := 0; i < 10; i++ {
				node.Store(key(i), val(i))
			}
			node.Morph(datalayer.Type12)
			Expect(node.Available()).To(BeTrue())
			Expect(node.Store(key(10), val(10))).To(BeTrue())
			for i := 0; i <= 10; i++ {
				_, ok := node.Find(key(i))
				Expect(ok).To(BeTrue())
			}
		})
	})

	Describe("usage", func() {
		It("should report slot occupancy", func() {
			node.Store(key(1), val(1))
			Expect(node.Usage()).To(BeNumerically("~", 0.1, 1e-9))
		})
	})
})

var _ = Describe("Wire codec", func() {
	It("should round-trip every layout", func() {
		for _, typ := range []datalayer.NodeType{
			datalayer.Type10, datalayer.Type12, datalayer.Type14, datalayer.Type16,
		} {
			n := datalayer.NewNode(typ)
			n.LLink = memory.NewPointer(1, 4096)
			n.RLink = memory.NewPointer(2, 8192)
			for i := 0; i < typ.Capacity(); i++ {
				Expect(n.Store(key(i), val(i))).To(BeTrue())
			}
			buf := make([]byte, datalayer.SizeOf(typ))
			Expect(n.Encode(buf)).To(Equal(datalayer.SizeOf(typ)))
			Expect(datalayer.WireType(buf)).To(Equal(typ))

			dec, err := datalayer.DecodeNode(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(dec.CheckCRC()).To(BeTrue())
			Expect(dec.Type).To(Equal(typ))
			Expect(dec.Next).To(Equal(n.Next))
			Expect(dec.LLink).To(Equal(n.LLink))
			Expect(dec.RLink).To(Equal(n.RLink))
			for i := 0; i < typ.Capacity(); i++ {
				_, ok := dec.Find(key(i))
				Expect(ok).To(BeTrue())
			}
		}
	})

	It("should catch a corrupted pair area", func() {
		n := datalayer.NewNode(datalayer.Type10)
		for i := 0; i < 5; i++ {
			n.Store(key(i), val(i))
		}
		buf := make([]byte, datalayer.SizeOf(datalayer.Type10))
		n.Encode(buf)
		buf[datalayer.HeaderLen+7] ^= 0xff
		dec, err := datalayer.DecodeNode(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(dec.CheckCRC()).To(BeFalse())
	})

	It("should reject an impossible type tag", func() {
		buf := make([]byte, datalayer.MaxWireSize)
		_, err := datalayer.DecodeNode(buf)
		Expect(err).To(HaveOccurred())
	})

	It("should size layouts by type", func() {
		Expect(datalayer.SizeOf(datalayer.Type10)).To(Equal(datalayer.HeaderLen + 10*32))
		Expect(datalayer.SizeOf(datalayer.Type16)).To(Equal(datalayer.MaxWireSize))
	})
})

var _ = Describe("Split helpers", func() {
	It("should pick the leftCap+1 smallest and name the right anchor", func() {
		buf := datalayer.NewBufferNode()
		// insert out of order
		order := []int{15, 3, 8, 1, 12, 7, 19, 2, 4, 18, 6, 11}
		for _, n := range order {
			Expect(buf.Store(key(n), val(n))).To(BeTrue())
		}
		picked, anchorIdx := buf.ReorderMap(9)
		// the 10th smallest of the sorted set is 15
		Expect(string(buf.Pairs[anchorIdx].Key[:])).To(Equal(string(key(15))))
		cnt := 0
		for i := 0; i < int(buf.Next); i++ {
			if picked[i] {
				cnt++
			}
		}
		Expect(cnt).To(Equal(10))
	})

	It("should pick the smaller key and anchor on the larger", func() {
		buf := datalayer.NewBufferNode()
		buf.Store(key(5), val(1))
		buf.Store(key(7), val(2))
		picked, anchorIdx := buf.ReorderMap(1)
		Expect(anchorIdx).To(Equal(1))
		Expect(picked[0]).To(BeTrue())
	})
})

var _ = Describe("CRC16-CCITT", func() {
	It("should match the reference vector", func() {
		// the canonical check string for init 0xFFFF, poly 0x1021
		Expect(datalayer.CRC16([]byte("123456789"))).To(Equal(uint16(0x29B1)))
	})

	It("should be stable on empty input", func() {
		Expect(datalayer.CRC16(nil)).To(Equal(uint16(0xFFFF)))
	})
})
