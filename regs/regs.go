// Package regs provides typed access to the CoreAXI4DMAController register
// window.
//
// Every access is a single 32-bit load or store. Callers that need a write to
// be observed by the controller before a subsequent write (for example before
// setting a descriptor's valid bit or writing the start register) must call
// Barrier between the two.
package regs

// Register offsets from the controller base.
const (
	VersionOffset    = 0x000
	StartOffset      = 0x004
	IntrStatusOffset = 0x010
	IntrMaskOffset   = 0x014
	IntrClearOffset  = 0x018
	IntrExtAddr      = 0x01C

	DescriptorBase   = 0x060
	DescriptorStride = 0x20

	StreamAddrBase   = 0x460
	StreamAddrStride = 0x4
)

// Descriptor field offsets, relative to the start of a descriptor slot.
const (
	DescConfig    = 0x00
	DescByteCount = 0x04
	DescSrcAddr   = 0x08
	DescDestAddr  = 0x0C
	DescNext      = 0x10
)

const (
	// NumDescriptors is the number of internal descriptor slots.
	NumDescriptors = 32

	// NumStreamChannels is the number of stream pointer registers.
	NumStreamChannels = 4

	// NumStartableDescriptors is the number of internal descriptors that have
	// a bit in the start register. Bits above this belong to stream channels.
	NumStartableDescriptors = 16

	// StreamStartShift is the first start register bit owned by stream
	// channels.
	StreamStartShift = 16

	// WindowSize is the smallest mapping that covers every register.
	WindowSize = StreamAddrBase + NumStreamChannels*StreamAddrStride
)

// Interrupt status bits.
const (
	StatusOpsComplete       = 1 << 0
	StatusWriteError        = 1 << 1
	StatusInvalidDescriptor = 1 << 3

	StatusIndexShift = 4
	StatusIndexMask  = 0x3F

	// StatusEventBits covers every bit that describes the kind of an event.
	StatusEventBits = StatusOpsComplete | StatusWriteError | StatusInvalidDescriptor
)

// Bus is a 32-bit register bus.
type Bus interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Barrier()
}

// DescriptorOffset returns the bus offset of field within internal descriptor
// slot.
func DescriptorOffset(slot int, field uint32) uint32 {
	return DescriptorBase + uint32(slot)*DescriptorStride + field
}

// StreamAddrOffset returns the bus offset of the pointer register of stream
// channel ch.
func StreamAddrOffset(ch int) uint32 {
	return StreamAddrBase + uint32(ch)*StreamAddrStride
}

// InternalStartBit is the start register bit for internal descriptor slot.
func InternalStartBit(slot int) uint32 {
	return 1 << uint(slot)
}

// StreamStartBit is the start register bit for stream channel ch.
func StreamStartBit(ch int) uint32 {
	return 1 << uint(StreamStartShift+ch)
}
