// Package regstest implements a recording register bus for tests.
package regstest

import (
	"fmt"
	"maps"
	"sync"

	"github.com/fabricdma/axidma/regs"
)

type Kind int

const (
	Read Kind = iota
	Write
	Barrier
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Barrier:
		return "barrier"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Op is one recorded bus access.
type Op struct {
	Kind   Kind
	Offset uint32
	Value  uint32
}

// Bus is a register file that records every access in order. When created
// with Wrap it forwards to another bus and only records.
type Bus struct {
	mu    sync.Mutex
	inner regs.Bus
	regs  map[uint32]uint32
	ops   []Op
}

var _ regs.Bus = (*Bus)(nil)

// New returns an empty register file. Unwritten registers read as zero.
func New() *Bus {
	return &Bus{regs: make(map[uint32]uint32)}
}

// Wrap records the accesses made to inner.
func Wrap(inner regs.Bus) *Bus {
	return &Bus{inner: inner, regs: make(map[uint32]uint32)}
}

func (b *Bus) Read32(off uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var v uint32
	if b.inner != nil {
		v = b.inner.Read32(off)
	} else {
		v = b.regs[off]
	}
	b.ops = append(b.ops, Op{Kind: Read, Offset: off, Value: v})
	return v
}

func (b *Bus) Write32(off uint32, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inner != nil {
		b.inner.Write32(off, v)
	} else {
		b.regs[off] = v
	}
	b.ops = append(b.ops, Op{Kind: Write, Offset: off, Value: v})
}

func (b *Bus) Barrier() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inner != nil {
		b.inner.Barrier()
	}
	b.ops = append(b.ops, Op{Kind: Barrier})
}

// Set stores a register value without recording it.
func (b *Bus) Set(off uint32, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[off] = v
}

// Get returns a register value without recording it.
func (b *Bus) Get(off uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inner != nil {
		return b.inner.Read32(off)
	}
	return b.regs[off]
}

// Ops returns a copy of every recorded access.
func (b *Bus) Ops() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Op(nil), b.ops...)
}

// Writes returns the recorded writes and barriers, reads are left out.
func (b *Bus) Writes() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Op, 0, len(b.ops))
	for _, op := range b.ops {
		if op.Kind != Read {
			out = append(out, op)
		}
	}
	return out
}

// WritesTo returns the values written to off, oldest first.
func (b *Bus) WritesTo(off uint32) []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []uint32
	for _, op := range b.ops {
		if op.Kind == Write && op.Offset == off {
			out = append(out, op.Value)
		}
	}
	return out
}

// Snapshot returns a copy of the register file. It is empty for a wrapping bus.
func (b *Bus) Snapshot() map[uint32]uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.regs)
}

// Reset forgets the recorded accesses but keeps register values.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = nil
}
