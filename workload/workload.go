// Package workload generates YCSB-style key-value workloads over 16-byte
// zero-padded decimal keys.
package workload

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/dicridon/distore/cmn"
)

// Kind selects the op mix.
type Kind byte

const (
	// WorkloadA: 50% read, 50% update.
	WorkloadA Kind = 'A'
	// WorkloadB: 95% read, 5% update.
	WorkloadB Kind = 'B'
	// WorkloadC: read only.
	WorkloadC Kind = 'C'
	// WorkloadL: load — unique inserts.
	WorkloadL Kind = 'L'
)

func ParseKind(s string) (Kind, error) {
	switch s {
	case "A", "a":
		return WorkloadA, nil
	case "B", "b":
		return WorkloadB, nil
	case "C", "c":
		return WorkloadC, nil
	case "L", "l":
		return WorkloadL, nil
	default:
		return 0, errors.Errorf("unknown workload %q (want A, B, C or L)", s)
	}
}

// Op is one generated operation.
type Op byte

const (
	OpPut Op = iota
	OpGet
	OpUpdate
)

// FormatKey renders n as the canonical fixed-width decimal key.
func FormatKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%0*d", cmn.KeyLen, n))
}

// Generator produces a deterministic op stream for one worker over the key
// range [base, base+span). Loads walk the range in order, so per-worker
// ranges stay disjoint; reads and updates pick keys zipfian over the range.
type Generator struct {
	kind Kind
	rnd  *rand.Rand
	zipf *rand.Zipf
	base uint64
	span uint64
	next uint64
}

func New(kind Kind, base, span uint64, seed int64) *Generator {
	rnd := rand.New(rand.NewSource(seed))
	g := &Generator{kind: kind, rnd: rnd, base: base, span: span, next: base}
	if kind != WorkloadL {
		g.zipf = rand.NewZipf(rnd, 1.1, 1, span-1)
	}
	return g
}

// Next returns the next operation and its key.
func (g *Generator) Next() (Op, []byte) {
	switch g.kind {
	case WorkloadL:
		k := g.next
		g.next++
		if g.next == g.base+g.span {
			g.next = g.base // wrap; re-puts of present keys are no-ops
		}
		return OpPut, FormatKey(k)
	case WorkloadC:
		return OpGet, g.zipfKey()
	case WorkloadB:
		if g.rnd.Intn(100) < 95 {
			return OpGet, g.zipfKey()
		}
		return OpUpdate, g.zipfKey()
	default: // WorkloadA
		if g.rnd.Intn(2) == 0 {
			return OpGet, g.zipfKey()
		}
		return OpUpdate, g.zipfKey()
	}
}

func (g *Generator) zipfKey() []byte {
	return FormatKey(g.base + g.zipf.Uint64())
}
