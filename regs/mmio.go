package regs

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ErrUnaligned is returned when a memory window can not be accessed as 32-bit
// words.
var ErrUnaligned = errors.New("memory window is not 32-bit aligned")

// fence is the target of Barrier. Go atomics are sequentially consistent, an
// atomic read-modify-write on it orders every earlier load and store against
// every later one.
var fence atomic.Uint32

// MMIO is a [Bus] over mapped memory. It is used both for the register window
// and for descriptors that live in DRAM shared with the controller.
type MMIO struct {
	mem []byte
}

// NewMMIO wraps mem. The slice must start on a 4-byte boundary and its length
// must be a multiple of 4.
func NewMMIO(mem []byte) (*MMIO, error) {
	if len(mem) == 0 {
		return nil, fmt.Errorf("%w: empty window", ErrUnaligned)
	}
	if len(mem)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrUnaligned, len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: base %p", ErrUnaligned, &mem[0])
	}
	return &MMIO{mem: mem}, nil
}

func (m *MMIO) word(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(m.mem) {
		panic(fmt.Sprintf("register offset 0x%x outside of %d byte window", off, len(m.mem)))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

func (m *MMIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32(m.word(off))
}

func (m *MMIO) Write32(off uint32, v uint32) {
	atomic.StoreUint32(m.word(off), v)
}

func (m *MMIO) Barrier() {
	fence.Add(1)
}

// Len returns the size of the window in bytes.
func (m *MMIO) Len() int {
	return len(m.mem)
}
