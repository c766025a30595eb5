package dma

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fabricdma/axidma/irq"
	"github.com/fabricdma/axidma/physmem"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/regs/regstest"
	"github.com/fabricdma/axidma/ring"
	"github.com/fabricdma/axidma/sim"
	"github.com/fabricdma/axidma/test"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

//go:generate mockgen -destination mock_irq_test.go -package dma -write_package_comment=false github.com/fabricdma/axidma/irq Source

const testPhys = 0x40000000

type rig struct {
	ctrl *sim.Controller
	s    *regs.Surface
	e    *Engine
	mem  physmem.Region
	logs *logtest.Hook
}

// newRig wires an engine to a simulated controller with size bytes of
// attached memory.
func newRig(t *testing.T, size int, options ...sim.Option) *rig {
	t.Helper()

	mem, err := physmem.Anonymous(size, testPhys)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, mem.Close()) })

	ctrl, err := sim.New(test.NewLogger(), options...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, ctrl.Close()) })
	require.NoError(t, ctrl.Attach(mem))

	src, err := ctrl.IRQ()
	require.NoError(t, err)

	l, logs := test.NewCapturingLogger()
	s := regs.NewSurface(ctrl)
	e, err := NewEngine(l, s, src)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, e.Close()) })

	return &rig{ctrl: ctrl, s: s, e: e, mem: mem, logs: logs}
}

// idleSource is a mock source whose Wait blocks until Close.
func idleSource(t *testing.T) *MockSource {
	ctrl := gomock.NewController(t)
	src := NewMockSource(ctrl)
	closed := make(chan struct{})

	src.EXPECT().Drain().Return(nil).AnyTimes()
	src.EXPECT().Rearm().Return(nil).AnyTimes()
	src.EXPECT().Wait(gomock.Any()).DoAndReturn(func(context.Context) (uint32, error) {
		<-closed
		return 0, irq.ErrClosed
	}).AnyTimes()
	src.EXPECT().Close().DoAndReturn(func() error {
		close(closed)
		return nil
	})
	return src
}

func TestNewEngine_ResetSequence(t *testing.T) {
	bus := regstest.New()
	bus.Set(regs.VersionOffset, 0x100)

	ctrl := gomock.NewController(t)
	src := NewMockSource(ctrl)
	closed := make(chan struct{})
	gomock.InOrder(
		src.EXPECT().Drain().Return(nil),
		src.EXPECT().Rearm().Return(nil),
	)
	src.EXPECT().Wait(gomock.Any()).DoAndReturn(func(context.Context) (uint32, error) {
		<-closed
		return 0, irq.ErrClosed
	})
	src.EXPECT().Close().DoAndReturn(func() error {
		close(closed)
		return nil
	})

	e, err := NewEngine(test.NewLogger(), regs.NewSurface(bus), src)
	require.NoError(t, err)

	var maskWrites []uint32
	clearAt, lastMaskAt := -1, -1
	for i, op := range bus.Writes() {
		switch {
		case op.Kind == regstest.Write && op.Offset == regs.IntrMaskOffset:
			maskWrites = append(maskWrites, op.Value)
			lastMaskAt = i
		case op.Kind == regstest.Write && op.Offset == regs.IntrClearOffset:
			clearAt = i
			assert.Equal(t, uint32(0xF), op.Value)
		}
	}
	assert.Equal(t, []uint32{0, regs.StatusEventBits}, maskWrites)
	assert.Less(t, clearAt, lastMaskAt)

	for i := 0; i < regs.NumDescriptors; i++ {
		assert.Zero(t, bus.Get(regs.DescriptorOffset(i, regs.DescConfig)))
	}

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Err(), ErrEngineClosed)
}

func TestNewEngine_Options(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
		err     string
	}{
		{name: "sentinel collides with a slot", options: []Option{WithSentinel(12)}, err: "collides"},
		{name: "sentinel too large", options: []Option{WithSentinel(64)}, err: "does not fit"},
		{name: "no clear mask", options: []Option{WithClearMask(0)}, err: "clear mask"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(test.NewLogger(), regs.NewSurface(regstest.New()), NewMockSource(gomock.NewController(t)), tt.options...)
			assert.ErrorIs(t, err, ErrConfig)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestEngine_CheckVersion(t *testing.T) {
	tests := []struct {
		version uint32
		ok      bool
	}{
		{version: 0x00020300, ok: true},
		{version: 0},
		{version: 0xFFFFFFFF},
	}

	for _, tt := range tests {
		bus := regstest.New()
		bus.Set(regs.VersionOffset, tt.version)
		e, err := NewEngine(test.NewLogger(), regs.NewSurface(bus), idleSource(t))
		require.NoError(t, err)

		v, err := e.CheckVersion()
		assert.Equal(t, tt.version, v)
		if tt.ok {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrNotResponding)
		}
		assert.Equal(t, tt.version, e.Version())
		require.NoError(t, e.Close())
	}
}

func TestEngine_Channels(t *testing.T) {
	e, err := NewEngine(test.NewLogger(), regs.NewSurface(regstest.New()), idleSource(t))
	require.NoError(t, err)
	defer e.Close()

	_, err = e.InternalChannel("a")
	require.NoError(t, err)
	_, err = e.StreamChannel("b", 2)
	require.NoError(t, err)

	_, err = e.InternalChannel("a")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = e.StreamChannel("c", 2)
	assert.ErrorContains(t, err, `used by "b"`)
	_, err = e.StreamChannel("d", 4)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = e.InternalChannel("e", WithCycles(-1))
	assert.ErrorIs(t, err, ErrConfig)

	var names []string
	for _, c := range e.Channels() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"a", "b"}, names)

	c, ok := e.Channel("b")
	require.True(t, ok)
	assert.Equal(t, "stream", c.Status().Mode)
	assert.Equal(t, "Idle", c.Status().State)
}

func TestEngine_SlotAllocation(t *testing.T) {
	r := newRig(t, 1<<16)

	newRing := func(n int) *ring.Ring {
		rg, err := ring.Create(ring.Internal, n, 64, r.mem)
		require.NoError(t, err)
		return rg
	}

	a, err := r.e.InternalChannel("a")
	require.NoError(t, err)
	b, err := r.e.InternalChannel("b")
	require.NoError(t, err)
	c, err := r.e.InternalChannel("c")
	require.NoError(t, err)

	require.NoError(t, a.Arm(newRing(8)))
	require.NoError(t, b.Arm(newRing(8)))
	assert.Equal(t, 0, a.Base())
	assert.Equal(t, 8, b.Base())

	// 16 slots would have to start at 16, which has no start bit.
	assert.ErrorIs(t, c.Arm(newRing(16)), ErrConfig)

	a.Stop()
	require.NoError(t, c.Arm(newRing(8)))
	assert.Equal(t, 0, c.Base())
}

func TestEngine_SourceFailureReachesChannels(t *testing.T) {
	boom := errors.New("boom")

	ctrl := gomock.NewController(t)
	src := NewMockSource(ctrl)
	src.EXPECT().Drain().Return(nil)
	src.EXPECT().Rearm().Return(nil)
	src.EXPECT().Wait(gomock.Any()).Return(uint32(0), boom)
	src.EXPECT().Close().Return(nil)

	mem, err := physmem.Anonymous(4096, testPhys)
	require.NoError(t, err)
	defer mem.Close()

	e, err := NewEngine(test.NewLogger(), regs.NewSurface(regstest.New()), src)
	require.NoError(t, err)

	c, err := e.InternalChannel("a", WithTimeout(time.Second))
	require.NoError(t, err)
	rg, err := ring.Create(ring.Internal, 2, 64, mem)
	require.NoError(t, err)
	require.NoError(t, c.Arm(rg))
	require.NoError(t, c.Start())

	_, err = c.OnInterrupt(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, e.Err(), boom)

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Err(), boom)
}

func TestEngine_ForceStop(t *testing.T) {
	bus := regstest.New()
	e, err := NewEngine(test.NewLogger(), regs.NewSurface(bus), idleSource(t))
	require.NoError(t, err)
	defer e.Close()

	bus.Set(regs.DescriptorOffset(7, regs.DescConfig), 0x8000)
	bus.Set(regs.StreamAddrOffset(3), 0x1000)
	e.ForceStop()

	assert.Zero(t, bus.Get(regs.DescriptorOffset(7, regs.DescConfig)))
	assert.Zero(t, bus.Get(regs.StreamAddrOffset(3)))
}

func TestEngine_StaleEvent(t *testing.T) {
	r := newRig(t, 1<<16)

	c, err := r.e.InternalChannel("a")
	require.NoError(t, err)
	rg, err := ring.Create(ring.Internal, 2, 64, r.mem)
	require.NoError(t, err)

	r.ctrl.Pause()
	require.NoError(t, c.Arm(rg))

	// Nothing runs yet, so slot 20 has nobody to go to.
	stale := r.e.metrics.stale.Count()
	r.ctrl.InjectStatus(regs.StatusOpsComplete | 20<<regs.StatusIndexShift)
	require.Eventually(t, func() bool { return r.e.metrics.stale.Count() == stale+1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Start())
	r.ctrl.Resume()
	res, err := c.OnInterrupt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Slot)
}

// A completion for a slot outside every claimed range goes to the only running
// internal channel, which reports it instead of timing out.
func TestEngine_UnownedSlotWithOneRunningChannel(t *testing.T) {
	r := newRig(t, 1<<16)

	c, err := r.e.InternalChannel("a", WithTimeout(time.Second))
	require.NoError(t, err)
	rg, err := ring.Create(ring.Internal, 2, 64, r.mem)
	require.NoError(t, err)

	r.ctrl.Pause()
	require.NoError(t, c.Arm(rg))
	require.NoError(t, c.Start())

	stale := r.e.metrics.stale.Count()
	r.ctrl.InjectStatus(regs.StatusOpsComplete | 20<<regs.StatusIndexShift)
	_, err = c.OnInterrupt(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedEvent)

	var ue *UnexpectedEvent
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, uint32(20), ue.Event.Index)
	assert.Equal(t, uint32(c.Base()), ue.ExpectedIndex)
	assert.Equal(t, stale, r.e.metrics.stale.Count())
	assert.Equal(t, ring.HardwareArmed, rg.Owner(0))
}

func TestEngine_DumpRegisters(t *testing.T) {
	r := newRig(t, 1<<16)

	dump := r.e.DumpRegisters()
	require.NotEmpty(t, dump)
	assert.Equal(t, "VERSION", dump[0].Name)
	assert.Equal(t, uint32(sim.DefaultVersion), dump[0].Value)
}
