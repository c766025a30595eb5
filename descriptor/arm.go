package descriptor

import (
	"github.com/fabricdma/axidma/regs"
)

// WriteInternal programs internal descriptor slot with d.
//
// Every field is written with the valid bit cleared first. After a barrier
// the CONFIG word is written again with the valid bit, if d requests it, so
// the controller never sees a valid descriptor with stale fields.
func WriteInternal(s *regs.Surface, slot int, d Internal) error {
	w, err := d.Encode()
	if err != nil {
		return err
	}

	s.SetDescriptor(slot, regs.DescByteCount, w[1])
	s.SetDescriptor(slot, regs.DescSrcAddr, w[2])
	s.SetDescriptor(slot, regs.DescDestAddr, w[3])
	s.SetDescriptor(slot, regs.DescNext, w[4])
	s.SetDescriptor(slot, regs.DescConfig, w[0]&^internalValid)
	s.Barrier()

	if w[0]&internalValid != 0 {
		s.SetDescriptor(slot, regs.DescConfig, w[0])
		s.Barrier()
	}
	return nil
}

// ReadInternal reads back internal descriptor slot.
func ReadInternal(s *regs.Surface, slot int) Internal {
	return DecodeInternal(InternalWords{
		s.Descriptor(slot, regs.DescConfig),
		s.Descriptor(slot, regs.DescByteCount),
		s.Descriptor(slot, regs.DescSrcAddr),
		s.Descriptor(slot, regs.DescDestAddr),
		s.Descriptor(slot, regs.DescNext),
	})
}

// SetInternalFlags ORs f into the CONFIG word of slot.
func SetInternalFlags(s *regs.Surface, slot int, f Flags) {
	v := s.Descriptor(slot, regs.DescConfig)
	s.SetDescriptor(slot, regs.DescConfig, v|InternalConfig(f))
	s.Barrier()
}

// ClearInternalFlags clears f in the CONFIG word of slot.
func ClearInternalFlags(s *regs.Surface, slot int, f Flags) {
	v := s.Descriptor(slot, regs.DescConfig)
	s.SetDescriptor(slot, regs.DescConfig, v&^InternalConfig(f))
	s.Barrier()
}

// WriteStream programs the stream descriptor at byte offset base of bus, which
// is normally an [regs.MMIO] over DRAM shared with the controller. The valid
// bit follows the same two write rule as [WriteInternal].
func WriteStream(bus regs.Bus, base uint32, d Stream) error {
	w, err := d.Encode()
	if err != nil {
		return err
	}

	bus.Write32(base+StreamByteCountOffset, w[1])
	bus.Write32(base+StreamDestOffset, w[2])
	bus.Write32(base+StreamConfigOffset, w[0]&^streamValid)
	bus.Barrier()

	if w[0]&streamValid != 0 {
		bus.Write32(base+StreamConfigOffset, w[0])
		bus.Barrier()
	}
	return nil
}

// ReadStream reads back the stream descriptor at base.
func ReadStream(bus regs.Bus, base uint32) Stream {
	bus.Barrier()
	return DecodeStream(StreamWords{
		bus.Read32(base + StreamConfigOffset),
		bus.Read32(base + StreamByteCountOffset),
		bus.Read32(base + StreamDestOffset),
	})
}

// SetStreamFlags ORs f into the CONFIG word of the stream descriptor at base.
func SetStreamFlags(bus regs.Bus, base uint32, f Flags) error {
	cfg, err := StreamConfig(f)
	if err != nil {
		return err
	}

	v := bus.Read32(base + StreamConfigOffset)
	bus.Write32(base+StreamConfigOffset, v|cfg)
	bus.Barrier()
	return nil
}

// ClearStreamFlags clears f in the CONFIG word of the stream descriptor at
// base.
func ClearStreamFlags(bus regs.Bus, base uint32, f Flags) error {
	cfg, err := StreamConfig(f)
	if err != nil {
		return err
	}

	v := bus.Read32(base + StreamConfigOffset)
	bus.Write32(base+StreamConfigOffset, v&^cfg)
	bus.Barrier()
	return nil
}
