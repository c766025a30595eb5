package dma

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fabricdma/axidma/descriptor"
	"github.com/fabricdma/axidma/payload"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/ring"
	"github.com/fabricdma/axidma/test"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func armStream(t *testing.T, r *rig, name string, index, slots, size int, options ...ChannelOption) (*StreamChannel, *ring.Ring) {
	t.Helper()

	c, err := r.e.StreamChannel(name, index, options...)
	require.NoError(t, err)
	rg, err := ring.Create(ring.Stream, slots, size, r.mem)
	require.NoError(t, err)
	require.NoError(t, c.Arm(rg))
	return c, rg
}

func TestStream_Handshake(t *testing.T) {
	const (
		size   = 4096
		cycles = 3
	)
	r := newRig(t, 1<<16)
	c, rg := armStream(t, r, "adc", 0, 1, size, WithCycles(cycles), WithVerify(true))

	d := descriptor.ReadStream(dramBus(t, r), rg.Slot(0).DescOffset)
	assert.Equal(t, descriptor.DestIncrement|descriptor.IRQ|descriptor.Valid, d.Flags)
	assert.Equal(t, uint32(size), d.ByteCount)
	assert.Equal(t, rg.Slot(0).Dst.Phys, d.Dest)
	assert.Equal(t, rg.Slot(0).Desc.Phys, r.s.StreamAddr(0))

	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var next uint32
	for k := 0; k < cycles; k++ {
		res, err := c.OnInterrupt(ctx)
		require.NoError(t, err, "cycle %d", k)

		assert.Equal(t, 0, res.Slot)
		assert.Equal(t, 2, res.Interrupts)
		require.NoError(t, payload.Check(res.Buffer, next))
		next += payload.Words(size)

		if k == cycles-1 {
			assert.True(t, res.Last)
			assert.Equal(t, -1, res.Rearmed)
		} else {
			assert.Equal(t, 0, res.Rearmed)
		}
	}

	_, err := c.OnInterrupt(ctx)
	assert.ErrorIs(t, err, ErrDrained)
	assert.Equal(t, "Done", c.Status().State)
}

// dramBus returns a bus over the rig memory for inspecting DRAM
// descriptors.
func dramBus(t *testing.T, r *rig) regs.Bus {
	bus, err := regs.NewMMIO(r.mem.Bytes())
	require.NoError(t, err)
	return bus
}

func TestStream_Rotation(t *testing.T) {
	const slots = 3
	r := newRig(t, 1<<16)
	c, rg := armStream(t, r, "adc", 1, slots, 256, WithCycles(7))
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for k := 0; k < 7; k++ {
		res, err := c.OnInterrupt(ctx)
		require.NoError(t, err)
		assert.Equal(t, k%slots, res.Slot)
		if k < 6 {
			assert.Equal(t, (k+1)%slots, res.Rearmed)
			assert.Equal(t, rg.Slot(res.Rearmed).Desc.Phys, r.s.StreamAddr(1))
		}
		// The completed descriptor is handed back invalid.
		assert.Zero(t, dramBus(t, r).Read32(rg.Slot(res.Slot).DescOffset)&0x8)
	}
}

func TestStream_TimeoutKeepsHandshake(t *testing.T) {
	r := newRig(t, 1<<16)
	c, rg := armStream(t, r, "adc", 0, 2, 128)

	r.ctrl.Pause()
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := c.OnInterrupt(ctx)
	cancel()
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "WaitBufferRequest", c.Status().State)
	assert.Equal(t, ring.HardwareArmed, rg.Owner(0))

	r.ctrl.Resume()
	res, err := c.OnInterrupt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Slot)
	assert.Equal(t, 2, res.Interrupts)
}

func TestStream_InvalidDescriptor(t *testing.T) {
	r := newRig(t, 1<<16)
	c, rg := armStream(t, r, "adc", 2, 1, 128)

	dramBus(t, r).Write32(rg.Slot(0).DescOffset, 0)
	require.NoError(t, c.Start())

	_, err := c.OnInterrupt(context.Background())
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	var hw *HardwareError
	require.True(t, errors.As(err, &hw))
	assert.Equal(t, uint32(DefaultSentinel), hw.Event.Index)
	assert.Equal(t, ring.HardwareArmed, rg.Owner(0))

	c.Stop()
	assert.Zero(t, r.s.StreamAddr(2))
	assert.Equal(t, ring.CpuOwned, rg.Owner(0))
}

func TestStream_Stop(t *testing.T) {
	r := newRig(t, 1<<16)
	c, rg := armStream(t, r, "adc", 3, 2, 128)

	r.ctrl.Pause()
	require.NoError(t, c.Start())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.OnInterrupt(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Stop()
	assert.ErrorIs(t, <-errCh, ErrStopped)

	assert.Zero(t, r.s.StreamAddr(3))
	for i := 0; i < 2; i++ {
		assert.Zero(t, dramBus(t, r).Read32(rg.Slot(i).DescOffset))
	}
	r.e.mu.Lock()
	assert.Empty(t, r.e.sentinelQ)
	r.e.mu.Unlock()

	d1 := r.s.Dump()
	c.Stop()
	assert.Equal(t, d1, r.s.Dump())
	for i := 0; i < 2; i++ {
		assert.Zero(t, dramBus(t, r).Read32(rg.Slot(i).DescOffset))
	}
	assert.Equal(t, "Stopped", c.Status().State)
}

func TestStream_TwoChannelsShareTheSentinel(t *testing.T) {
	r := newRig(t, 1<<17)

	a, err := r.e.StreamChannel("a", 0, WithCycles(4))
	require.NoError(t, err)
	b, err := r.e.StreamChannel("b", 1, WithCycles(4))
	require.NoError(t, err)

	ra, err := ring.Create(ring.Stream, 2, 512, r.mem)
	require.NoError(t, err)
	sub := subMemory{r.mem, 1 << 16}
	rb, err := ring.Create(ring.Stream, 2, 512, sub)
	require.NoError(t, err)

	require.NoError(t, a.Arm(ra))
	require.NoError(t, b.Arm(rb))

	// One channel at a time keeps sentinel events unambiguous.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range []*StreamChannel{a, b} {
		require.NoError(t, c.Start())
		for k := 0; k < 4; k++ {
			res, err := c.OnInterrupt(ctx)
			require.NoError(t, err)
			assert.Equal(t, k%2, res.Slot)
		}
	}
}

func TestStream_ConcurrentStreamsWarn(t *testing.T) {
	r := newRig(t, 1<<17)
	r.ctrl.Pause()

	a, err := r.e.StreamChannel("a", 0)
	require.NoError(t, err)
	b, err := r.e.StreamChannel("b", 1)
	require.NoError(t, err)

	ra, err := ring.Create(ring.Stream, 2, 512, r.mem)
	require.NoError(t, err)
	rb, err := ring.Create(ring.Stream, 2, 512, subMemory{r.mem, 1 << 16})
	require.NoError(t, err)
	require.NoError(t, a.Arm(ra))
	require.NoError(t, b.Arm(rb))

	const msg = "Another stream channel is running, sentinel events may be misrouted"
	require.NoError(t, a.Start())
	assert.NotContains(t, test.Messages(r.logs, logrus.WarnLevel), msg)

	require.NoError(t, b.Start())
	assert.Contains(t, test.Messages(r.logs, logrus.WarnLevel), msg)

	a.Stop()
	b.Stop()
}

type subMemory struct {
	m   ring.Memory
	off int
}

func (s subMemory) Bytes() []byte    { return s.m.Bytes()[s.off:] }
func (s subMemory) PhysAddr() uint64 { return s.m.PhysAddr() + uint64(s.off) }
