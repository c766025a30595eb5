package regs

import (
	"errors"
	"fmt"
)

// ErrWindowTooSmall is returned when a mapping does not cover the register map.
var ErrWindowTooSmall = errors.New("register window too small")

// Register is a named register value captured by [Surface.Dump].
type Register struct {
	Name   string
	Offset uint32
	Value  uint32
}

func (r Register) String() string {
	return fmt.Sprintf("%-24s [0x%03x] = 0x%08x", r.Name, r.Offset, r.Value)
}

// Surface exposes the controller registers by name.
type Surface struct {
	bus Bus
}

// NewSurface wraps a bus that is already known to cover the register map.
func NewSurface(bus Bus) *Surface {
	return &Surface{bus: bus}
}

// OpenWindow validates a mapped register window and returns a Surface over it.
func OpenWindow(mem []byte) (*Surface, error) {
	if len(mem) < WindowSize {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrWindowTooSmall, len(mem), WindowSize)
	}

	m, err := NewMMIO(mem)
	if err != nil {
		return nil, err
	}

	return NewSurface(m), nil
}

// Bus returns the underlying bus.
func (s *Surface) Bus() Bus {
	return s.bus
}

func (s *Surface) Version() uint32 {
	return s.bus.Read32(VersionOffset)
}

// Start writes mask to the start register. All earlier writes are ordered
// before it and all later writes after it.
func (s *Surface) Start(mask uint32) {
	s.bus.Barrier()
	s.bus.Write32(StartOffset, mask)
	s.bus.Barrier()
}

func (s *Surface) Status() uint32 {
	return s.bus.Read32(IntrStatusOffset)
}

func (s *Surface) Mask() uint32 {
	return s.bus.Read32(IntrMaskOffset)
}

func (s *Surface) SetMask(v uint32) {
	s.bus.Write32(IntrMaskOffset, v)
	s.bus.Barrier()
}

// Clear acknowledges the given status bits.
func (s *Surface) Clear(bits uint32) {
	s.bus.Write32(IntrClearOffset, bits)
	s.bus.Barrier()
}

func (s *Surface) ExtAddr() uint32 {
	return s.bus.Read32(IntrExtAddr)
}

// Descriptor reads field of internal descriptor slot.
func (s *Surface) Descriptor(slot int, field uint32) uint32 {
	checkSlot(slot)
	return s.bus.Read32(DescriptorOffset(slot, field))
}

// SetDescriptor writes field of internal descriptor slot. No barrier is
// issued.
func (s *Surface) SetDescriptor(slot int, field uint32, v uint32) {
	checkSlot(slot)
	s.bus.Write32(DescriptorOffset(slot, field), v)
}

func (s *Surface) StreamAddr(ch int) uint32 {
	checkChannel(ch)
	return s.bus.Read32(StreamAddrOffset(ch))
}

func (s *Surface) SetStreamAddr(ch int, addr uint32) {
	checkChannel(ch)
	s.bus.Write32(StreamAddrOffset(ch), addr)
}

func (s *Surface) Barrier() {
	s.bus.Barrier()
}

// Dump reads every register. Descriptor slots with an all zero body are
// skipped to keep the output readable.
func (s *Surface) Dump() []Register {
	out := []Register{
		{Name: "VERSION", Offset: VersionOffset},
		{Name: "INTR_0_STAT", Offset: IntrStatusOffset},
		{Name: "INTR_0_MASK", Offset: IntrMaskOffset},
		{Name: "INTR_0_EXT_ADDR", Offset: IntrExtAddr},
	}
	for i := range out {
		out[i].Value = s.bus.Read32(out[i].Offset)
	}

	fields := []struct {
		name string
		off  uint32
	}{
		{"CONFIG", DescConfig},
		{"BYTE_COUNT", DescByteCount},
		{"SRC_ADDR", DescSrcAddr},
		{"DEST_ADDR", DescDestAddr},
		{"NEXT_DESC", DescNext},
	}

	for slot := 0; slot < NumDescriptors; slot++ {
		vals := make([]Register, 0, len(fields))
		used := false
		for _, f := range fields {
			off := DescriptorOffset(slot, f.off)
			v := s.bus.Read32(off)
			used = used || v != 0
			vals = append(vals, Register{Name: fmt.Sprintf("DESC[%d].%s", slot, f.name), Offset: off, Value: v})
		}
		if used {
			out = append(out, vals...)
		}
	}

	for ch := 0; ch < NumStreamChannels; ch++ {
		off := StreamAddrOffset(ch)
		out = append(out, Register{Name: fmt.Sprintf("STREAM_ADDR[%d]", ch), Offset: off, Value: s.bus.Read32(off)})
	}

	return out
}

func checkSlot(slot int) {
	if slot < 0 || slot >= NumDescriptors {
		panic(fmt.Sprintf("descriptor slot %d out of range", slot))
	}
}

func checkChannel(ch int) {
	if ch < 0 || ch >= NumStreamChannels {
		panic(fmt.Sprintf("stream channel %d out of range", ch))
	}
}
