package memory_test

import (
	"math/rand"
	"testing"

	"github.com/dicridon/distore/memory"
	"github.com/dicridon/distore/tools/tassert"
)

func TestPointerRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		node := rnd.Intn(64)
		addr := rnd.Uint64() & ((1 << 48) - 1)
		p := memory.NewPointer(node, addr)
		tassert.Fatalf(t, p.Node() == node, "node %d encoded as %d", node, p.Node())
		tassert.Fatalf(t, p.Address() == addr, "addr %x encoded as %x", addr, p.Address())
		tassert.Fatalf(t, p.IsRemote(), "remote bits lost for %s", p)
	}
}

func TestPointerNull(t *testing.T) {
	var p memory.Pointer
	tassert.Fatalf(t, p.IsNull(), "zero value must be null")
	tassert.Fatalf(t, !memory.NewPointer(1, 4096).IsNull(), "non-zero pointer is null")
}

func TestPointerPage(t *testing.T) {
	p := memory.NewPointer(3, 5*memory.PageSize+123)
	tassert.Fatalf(t, p.Page().Address() == 5*memory.PageSize, "page() = %x", p.Page().Address())
	tassert.Fatalf(t, p.Page().Node() == 3, "page() dropped the node tag")
}

func TestPointerOffset(t *testing.T) {
	p := memory.NewPointer(7, 1000)
	q := p.Offset(24)
	tassert.Fatalf(t, q.Address() == 1024 && q.Node() == 7, "offset() = %s", q)
}

func TestPointerEquality(t *testing.T) {
	a := memory.NewPointer(1, 123456)
	b := memory.NewPointer(1, 123456)
	c := memory.NewPointer(2, 123456)
	tassert.Fatalf(t, a == b, "equal encodings differ")
	tassert.Fatalf(t, a != c, "distinct nodes compare equal")
}
