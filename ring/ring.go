// Package ring lays a fixed-size circular chain of DMA buffers over a block of
// physically contiguous memory and tracks who owns each slot.
package ring

import (
	"errors"
	"fmt"
	"math"

	"github.com/fabricdma/axidma/descriptor"
)

// ErrIllegalTransition is returned when a slot is moved along an edge that is
// not part of the ownership cycle.
var ErrIllegalTransition = errors.New("illegal ownership transition")

// MaxInternalSlots is the number of internal descriptor slots in the
// controller.
const MaxInternalSlots = 32

// streamAreaAlignment is the alignment of the first buffer that follows the
// stream descriptor area.
const streamAreaAlignment = 64

// Mode selects the transfer protocol a ring is laid out for.
type Mode int

const (
	// Internal rings hold memory-to-memory transfers driven from the
	// controller's own descriptor slots.
	Internal Mode = iota
	// Stream rings hold stream-to-memory transfers with descriptors in DRAM.
	Stream
)

func (m Mode) String() string {
	switch m {
	case Internal:
		return "internal"
	case Stream:
		return "stream"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode is the inverse of [Mode.String].
func ParseMode(s string) (Mode, error) {
	switch s {
	case "internal":
		return Internal, nil
	case "stream":
		return Stream, nil
	}
	return 0, fmt.Errorf("%w: unknown ring mode %q", descriptor.ErrConfig, s)
}

// Memory is a block of memory the controller can reach. physmem.Region
// satisfies it.
type Memory interface {
	Bytes() []byte
	PhysAddr() uint64
}

// Buffer is a span of ring memory with its physical address.
type Buffer struct {
	Bytes []byte
	Phys  uint32
}

// Slot is one ring position.
type Slot struct {
	Index int
	Next  int

	// Src is only set for internal rings.
	Src Buffer
	Dst Buffer

	// Desc is the memory of the stream descriptor for this slot, and DescOffset
	// its byte offset from the start of the ring memory. Only set for stream
	// rings.
	Desc       Buffer
	DescOffset uint32

	owner Owner
}

// Owner returns the current owner of the slot.
func (s *Slot) Owner() Owner {
	return s.owner
}

// Ring is an ordered set of slots with wrap-around next pointers. Exactly one
// slot is the next expected completion at any time.
type Ring struct {
	mode       Mode
	bufferSize int
	mem        Memory
	slots      []Slot
	expected   int
}

// Create lays out count slots of bufferSize bytes over mem.
//
// Internal rings take count source buffers followed by count destination
// buffers. Stream rings take a descriptor area of [descriptor.StreamSize] bytes
// per slot followed by count destination buffers.
func Create(mode Mode, count, bufferSize int, mem Memory) (*Ring, error) {
	if mem == nil {
		return nil, fmt.Errorf("%w: no memory supplied", descriptor.ErrConfig)
	}

	need, err := Footprint(mode, count, bufferSize)
	if err != nil {
		return nil, err
	}

	buf := mem.Bytes()
	if need > len(buf) {
		return nil, fmt.Errorf("%w: %d slots of %d bytes need %d bytes, memory holds %d",
			descriptor.ErrConfig, count, bufferSize, need, len(buf))
	}

	base := mem.PhysAddr()
	if base+uint64(need) > math.MaxUint32+1 {
		return nil, fmt.Errorf("%w: memory at 0x%x is not reachable with 32-bit addresses", descriptor.ErrConfig, base)
	}

	r := &Ring{
		mode:       mode,
		bufferSize: bufferSize,
		mem:        mem,
		slots:      make([]Slot, count),
	}

	span := func(off, n int) Buffer {
		return Buffer{Bytes: buf[off : off+n : off+n], Phys: uint32(base) + uint32(off)}
	}

	switch mode {
	case Internal:
		dstBase := count * bufferSize
		for i := range r.slots {
			r.slots[i] = Slot{
				Index: i,
				Next:  (i + 1) % count,
				Src:   span(i*bufferSize, bufferSize),
				Dst:   span(dstBase+i*bufferSize, bufferSize),
			}
		}

	case Stream:
		dstBase := streamAreaSize(count)
		for i := range r.slots {
			r.slots[i] = Slot{
				Index:      i,
				Next:       (i + 1) % count,
				Desc:       span(i*descriptor.StreamSize, descriptor.StreamSize),
				DescOffset: uint32(i * descriptor.StreamSize),
				Dst:        span(dstBase+i*bufferSize, bufferSize),
			}
		}
	}

	return r, nil
}

// CheckCount checks if the given value would be a valid slot count for mode.
func CheckCount(mode Mode, count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: slot count %d is too small", descriptor.ErrConfig, count)
	}

	switch mode {
	case Internal:
		if count > MaxInternalSlots {
			return fmt.Errorf("%w: slot count %d is larger than the %d internal descriptors",
				descriptor.ErrConfig, count, MaxInternalSlots)
		}
	case Stream:
	default:
		return fmt.Errorf("%w: unknown ring mode %d", descriptor.ErrConfig, int(mode))
	}

	return nil
}

// Footprint returns the bytes of memory a ring with the given shape needs. A
// shape Create would refuse is an error.
func Footprint(mode Mode, count, bufferSize int) (int, error) {
	if err := CheckCount(mode, count); err != nil {
		return 0, err
	}
	if bufferSize <= 0 {
		return 0, fmt.Errorf("%w: buffer size %d is too small", descriptor.ErrConfig, bufferSize)
	}
	if err := descriptor.CheckByteCount(uint64(bufferSize)); err != nil {
		return 0, err
	}

	var need uint64
	switch mode {
	case Internal:
		need = 2 * uint64(count) * uint64(bufferSize)
	case Stream:
		need = uint64(streamAreaSize(count)) + uint64(count)*uint64(bufferSize)
	}

	if need > math.MaxInt32 {
		return 0, fmt.Errorf("%w: ring of %d slots of %d bytes is too large", descriptor.ErrConfig, count, bufferSize)
	}
	return int(need), nil
}

func streamAreaSize(count int) int {
	n := count * descriptor.StreamSize
	if r := n % streamAreaAlignment; r != 0 {
		n += streamAreaAlignment - r
	}
	return n
}

// Mode returns the protocol the ring was laid out for.
func (r *Ring) Mode() Mode {
	return r.mode
}

// Len returns the number of slots.
func (r *Ring) Len() int {
	return len(r.slots)
}

// BufferSize returns the size of every buffer in bytes.
func (r *Ring) BufferSize() int {
	return r.bufferSize
}

// Memory returns the memory the ring was laid over.
func (r *Ring) Memory() Memory {
	return r.mem
}

// Slot returns slot i. The returned pointer stays valid for the life of the
// ring.
func (r *Ring) Slot(i int) *Slot {
	return &r.slots[i]
}

// Next returns the slot that follows i.
func (r *Ring) Next(i int) int {
	return r.slots[i].Next
}

// Expected returns the slot whose completion is expected next.
func (r *Ring) Expected() int {
	return r.expected
}

// Advance moves the expected completion to the next slot and returns it.
func (r *Ring) Advance() int {
	r.expected = r.slots[r.expected].Next
	return r.expected
}

// Owner returns the owner of slot i.
func (r *Ring) Owner(i int) Owner {
	return r.slots[i].owner
}

// Transition moves slot i to owner to. Only the edges of the ownership cycle
// CpuOwned -> HardwareArmed -> HardwareDone -> CpuOwned are allowed.
func (r *Ring) Transition(i int, to Owner) error {
	s := &r.slots[i]
	if !s.owner.canMoveTo(to) {
		return fmt.Errorf("%w: slot %d from %s to %s", ErrIllegalTransition, i, s.owner, to)
	}
	s.owner = to
	return nil
}

// Reclaim returns every slot to the CPU and resets the expected completion to
// slot 0. It is only valid once the controller has been told there is no more
// work.
func (r *Ring) Reclaim() {
	for i := range r.slots {
		r.slots[i].owner = CpuOwned
	}
	r.expected = 0
}

// Counts returns how many slots each owner holds.
func (r *Ring) Counts() map[Owner]int {
	out := map[Owner]int{CpuOwned: 0, HardwareArmed: 0, HardwareDone: 0}
	for i := range r.slots {
		out[r.slots[i].owner]++
	}
	return out
}
