package ring

import (
	"testing"

	"github.com/fabricdma/axidma/descriptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heapMem struct {
	b    []byte
	phys uint64
}

func (m heapMem) Bytes() []byte    { return m.b }
func (m heapMem) PhysAddr() uint64 { return m.phys }

func newMem(n int, phys uint64) heapMem {
	return heapMem{b: make([]byte, n), phys: phys}
}

func TestCheckCount(t *testing.T) {
	tests := []struct {
		name        string
		mode        Mode
		count       int
		containsErr string
	}{
		{name: "negative", mode: Internal, count: -1, containsErr: "too small"},
		{name: "zero", mode: Stream, count: 0, containsErr: "too small"},
		{name: "too many internal", mode: Internal, count: 33, containsErr: "larger than the 32"},
		{name: "unknown mode", mode: Mode(7), count: 1, containsErr: "unknown ring mode"},
		{name: "valid 1", mode: Internal, count: 1},
		{name: "valid 32", mode: Internal, count: 32},
		{name: "large stream", mode: Stream, count: 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCount(tt.mode, tt.count)
			if tt.containsErr != "" {
				assert.ErrorIs(t, err, descriptor.ErrConfig)
				assert.ErrorContains(t, err, tt.containsErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreate_Errors(t *testing.T) {
	tests := []struct {
		name        string
		mode        Mode
		count       int
		size        int
		mem         Memory
		containsErr string
	}{
		{name: "zero buffer", mode: Internal, count: 4, size: 0, mem: newMem(64, 0x1000), containsErr: "buffer size 0"},
		{name: "buffer over field width", mode: Stream, count: 1, size: descriptor.MaxByteCount + 1, mem: newMem(64, 0x1000), containsErr: "exceeds the field maximum"},
		{name: "internal does not fit", mode: Internal, count: 4, size: 16, mem: newMem(127, 0x1000), containsErr: "memory holds 127"},
		{name: "stream does not fit", mode: Stream, count: 2, size: 16, mem: newMem(64+31, 0x1000), containsErr: "need 96 bytes"},
		{name: "above 4GiB", mode: Internal, count: 1, size: 16, mem: newMem(32, 0x1_0000_0000), containsErr: "32-bit"},
		{name: "no memory", mode: Internal, count: 1, size: 16, mem: nil, containsErr: "no memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create(tt.mode, tt.count, tt.size, tt.mem)
			assert.ErrorIs(t, err, descriptor.ErrConfig)
			assert.ErrorContains(t, err, tt.containsErr)
		})
	}
}

func TestCreate_Internal(t *testing.T) {
	mem := newMem(4*2*256, 0x80000000)
	r, err := Create(Internal, 4, 256, mem)
	require.NoError(t, err)

	assert.Equal(t, Internal, r.Mode())
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, 256, r.BufferSize())

	for i := 0; i < r.Len(); i++ {
		s := r.Slot(i)
		assert.Equal(t, i, s.Index)
		assert.Equal(t, (i+1)%4, s.Next)
		assert.Equal(t, (i+1)%4, r.Next(i))
		assert.Equal(t, uint32(0x80000000+i*256), s.Src.Phys)
		assert.Equal(t, uint32(0x80000000+1024+i*256), s.Dst.Phys)
		assert.Len(t, s.Src.Bytes, 256)
		assert.Len(t, s.Dst.Bytes, 256)
		assert.Equal(t, CpuOwned, s.Owner())
	}

	// Buffers alias the supplied memory.
	r.Slot(1).Dst.Bytes[0] = 0xAB
	assert.Equal(t, byte(0xAB), mem.b[1024+256])
}

func TestCreate_Stream(t *testing.T) {
	mem := newMem(64+3*4096, 0x90000000)
	r, err := Create(Stream, 3, 4096, mem)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s := r.Slot(i)
		assert.Equal(t, uint32(i*descriptor.StreamSize), s.DescOffset)
		assert.Equal(t, uint32(0x90000000+i*descriptor.StreamSize), s.Desc.Phys)
		assert.Equal(t, uint32(0x90000000+64+i*4096), s.Dst.Phys)
		assert.Nil(t, s.Src.Bytes)
	}

	n, err := Footprint(Stream, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, 128+500, n)
}

func TestFootprint_Errors(t *testing.T) {
	for _, size := range []int{0, -1, descriptor.MaxByteCount + 1} {
		_, err := Footprint(Internal, 2, size)
		assert.ErrorIs(t, err, descriptor.ErrConfig, "size %d", size)
	}

	_, err := Footprint(Stream, 0, 64)
	assert.ErrorContains(t, err, "slot count 0 is too small")

	n, err := Footprint(Internal, 2, descriptor.MaxByteCount)
	require.NoError(t, err)
	assert.Equal(t, 4*descriptor.MaxByteCount, n)
}

func TestSingleSlotRingPointsAtItself(t *testing.T) {
	r, err := Create(Internal, 1, 8, newMem(16, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, r.Next(0))
	assert.Equal(t, 0, r.Advance())
}

func TestOwnershipTransitions(t *testing.T) {
	r, err := Create(Internal, 2, 8, newMem(32, 0))
	require.NoError(t, err)

	assert.ErrorIs(t, r.Transition(0, HardwareDone), ErrIllegalTransition)
	assert.ErrorIs(t, r.Transition(0, CpuOwned), ErrIllegalTransition)

	require.NoError(t, r.Transition(0, HardwareArmed))
	assert.ErrorIs(t, r.Transition(0, CpuOwned), ErrIllegalTransition)
	assert.ErrorIs(t, r.Transition(0, HardwareArmed), ErrIllegalTransition)

	require.NoError(t, r.Transition(0, HardwareDone))
	assert.ErrorContains(t, r.Transition(0, HardwareArmed), "slot 0 from HardwareDone to HardwareArmed")

	require.NoError(t, r.Transition(0, CpuOwned))
	require.NoError(t, r.Transition(1, HardwareArmed))

	assert.Equal(t, map[Owner]int{CpuOwned: 1, HardwareArmed: 1, HardwareDone: 0}, r.Counts())

	assert.Equal(t, 1, r.Advance())
	r.Reclaim()
	assert.Equal(t, 0, r.Expected())
	assert.Equal(t, map[Owner]int{CpuOwned: 2, HardwareArmed: 0, HardwareDone: 0}, r.Counts())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("stream")
	require.NoError(t, err)
	assert.Equal(t, Stream, m)
	assert.Equal(t, "internal", Internal.String())

	_, err = ParseMode("sg")
	assert.ErrorIs(t, err, descriptor.ErrConfig)
}
