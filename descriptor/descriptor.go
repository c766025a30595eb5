// Package descriptor encodes and decodes the two CoreAXI4DMAController
// descriptor formats.
//
// Internal descriptors live in the controller register file, one per slot.
// Stream descriptors live in DRAM and are located through a per-channel
// pointer register. Both share the rule that the valid bit is written last, in
// a separate store, after every other field is visible to the controller.
package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfig is returned for a request the descriptor layout can not express.
var ErrConfig = errors.New("invalid dma configuration")

// MaxByteCount is the largest value the 23-bit byte count field holds.
const MaxByteCount = 0x007FFFFF

// MaxNext is the largest internal chain target.
const MaxNext = 31

// Flags are the logical control bits of a descriptor. Each format maps them to
// its own bit positions.
type Flags uint16

const (
	SrcIncrement Flags = 1 << iota
	DestIncrement
	Chain
	IRQ
	SrcReady
	DestReady
	Valid
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{SrcIncrement, "SRC_INCR"},
	{DestIncrement, "DEST_INCR"},
	{Chain, "CHAIN"},
	{IRQ, "IRQ"},
	{SrcReady, "SRC_RDY"},
	{DestReady, "DEST_RDY"},
	{Valid, "VALID"},
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Internal descriptor CONFIG bits.
const (
	internalSrcIncr  = 1 << 0
	internalDestIncr = 1 << 2
	internalChain    = 1 << 10
	internalIRQ      = 1 << 12
	internalSrcRdy   = 1 << 13
	internalDestRdy  = 1 << 14
	internalValid    = 1 << 15
)

// Stream descriptor CONFIG bits.
const (
	streamDestIncr = 1 << 0
	streamChain    = 1 << 1
	streamDestRdy  = 1 << 2
	streamValid    = 1 << 3
	streamIRQ      = 1 << 4
)

var internalBits = []struct {
	f   Flags
	bit uint32
}{
	{SrcIncrement, internalSrcIncr},
	{DestIncrement, internalDestIncr},
	{Chain, internalChain},
	{IRQ, internalIRQ},
	{SrcReady, internalSrcRdy},
	{DestReady, internalDestRdy},
	{Valid, internalValid},
}

var streamBits = []struct {
	f   Flags
	bit uint32
}{
	{DestIncrement, streamDestIncr},
	{Chain, streamChain},
	{DestReady, streamDestRdy},
	{Valid, streamValid},
	{IRQ, streamIRQ},
}

// InternalConfig maps flags to an internal CONFIG word.
func InternalConfig(f Flags) uint32 {
	var v uint32
	for _, b := range internalBits {
		if f&b.f != 0 {
			v |= b.bit
		}
	}
	return v
}

// InternalFlags maps an internal CONFIG word back to flags. Unknown bits are
// dropped.
func InternalFlags(v uint32) Flags {
	var f Flags
	for _, b := range internalBits {
		if v&b.bit != 0 {
			f |= b.f
		}
	}
	return f
}

// StreamConfig maps flags to a stream CONFIG word. Source side flags have no
// place in a stream descriptor and are rejected.
func StreamConfig(f Flags) (uint32, error) {
	if bad := f & (SrcIncrement | SrcReady); bad != 0 {
		return 0, fmt.Errorf("%w: stream descriptors can not carry %s", ErrConfig, bad)
	}

	var v uint32
	for _, b := range streamBits {
		if f&b.f != 0 {
			v |= b.bit
		}
	}
	return v, nil
}

// StreamFlags maps a stream CONFIG word back to flags.
func StreamFlags(v uint32) Flags {
	var f Flags
	for _, b := range streamBits {
		if v&b.bit != 0 {
			f |= b.f
		}
	}
	return f
}

// CheckByteCount rejects transfer lengths that do not fit the byte count field.
func CheckByteCount(n uint64) error {
	if n > MaxByteCount {
		return fmt.Errorf("%w: byte count %d exceeds the field maximum %d", ErrConfig, n, MaxByteCount)
	}
	return nil
}

// Internal is a descriptor held in a controller register slot.
type Internal struct {
	Flags     Flags
	ByteCount uint32
	Source    uint32
	Dest      uint32
	Next      uint32
}

// InternalWords is the register image of an internal descriptor in field
// order CONFIG, BYTE_COUNT, SRC_ADDR, DEST_ADDR, NEXT_DESC.
type InternalWords [5]uint32

// Encode returns the register image of d.
func (d Internal) Encode() (InternalWords, error) {
	if err := CheckByteCount(uint64(d.ByteCount)); err != nil {
		return InternalWords{}, err
	}
	if d.Next > MaxNext {
		return InternalWords{}, fmt.Errorf("%w: next descriptor %d out of range", ErrConfig, d.Next)
	}

	return InternalWords{InternalConfig(d.Flags), d.ByteCount, d.Source, d.Dest, d.Next}, nil
}

// DecodeInternal is the inverse of [Internal.Encode].
func DecodeInternal(w InternalWords) Internal {
	return Internal{
		Flags:     InternalFlags(w[0]),
		ByteCount: w[1],
		Source:    w[2],
		Dest:      w[3],
		Next:      w[4],
	}
}

// Stream is a descriptor held in DRAM.
type Stream struct {
	Flags     Flags
	ByteCount uint32
	Dest      uint32
}

// StreamWords is the memory image of a stream descriptor in field order
// CONFIG, BYTE_COUNT, DEST_ADDR.
type StreamWords [3]uint32

// Stream descriptor layout in memory. Slots are padded to StreamSize so that
// every descriptor starts on a 16-byte boundary.
const (
	StreamConfigOffset    = 0x0
	StreamByteCountOffset = 0x4
	StreamDestOffset      = 0x8

	StreamSize = 16
)

// Encode returns the memory image of d.
func (d Stream) Encode() (StreamWords, error) {
	if err := CheckByteCount(uint64(d.ByteCount)); err != nil {
		return StreamWords{}, err
	}

	cfg, err := StreamConfig(d.Flags)
	if err != nil {
		return StreamWords{}, err
	}

	return StreamWords{cfg, d.ByteCount, d.Dest}, nil
}

// DecodeStream is the inverse of [Stream.Encode].
func DecodeStream(w StreamWords) Stream {
	return Stream{
		Flags:     StreamFlags(w[0]),
		ByteCount: w[1],
		Dest:      w[2],
	}
}
