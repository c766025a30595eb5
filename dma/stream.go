package dma

import (
	"context"
	"fmt"

	"github.com/fabricdma/axidma/descriptor"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/ring"
)

// StreamChannel receives data from one AXI-Stream input into a ring of DRAM
// buffers.
//
// Each cycle takes two events. The controller first fetches the descriptor
// and asks for a buffer, the channel answers by setting DEST_DATA_READY. The
// second event reports the transfer complete. Both carry the sentinel index
// rather than a slot number, the slot is tracked by the channel.
//
// Stream channels on one engine share the sentinel index. Events are handed
// out in the order channels asked for them, so with two streams running at
// once a completion meant for one can reach the other as a buffer request.
// Run stream channels one at a time when that matters, Start warns otherwise.
type StreamChannel struct {
	channel
	index int

	// bus covers the ring memory that holds the descriptors.
	bus        regs.Bus
	interrupts int
}

var _ Channel = (*StreamChannel)(nil)

func (c *StreamChannel) Arm(r *ring.Ring) error {
	if r == nil || r.Mode() != ring.Stream {
		return fmt.Errorf("%w: channel %s needs a stream ring", ErrConfig, c.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle && c.state != Stopped {
		return fmt.Errorf("%w: can not arm channel %s while %s", ErrState, c.name, c.state)
	}

	bus, err := regs.NewMMIO(r.Memory().Bytes())
	if err != nil {
		return fmt.Errorf("%w: stream descriptor memory: %w", ErrConfig, err)
	}

	c.resetLocked(r)
	c.bus = bus
	c.interrupts = 0
	c.state = Configuring

	r.Reclaim()
	if err := c.armSlotLocked(0); err != nil {
		c.teardownLocked()
		c.state = Idle
		return err
	}

	c.state = Armed
	c.l.WithField("stream", c.index).WithField("slots", r.Len()).WithField("bufferSize", r.BufferSize()).
		Debug("Stream ring armed")
	return nil
}

// armSlotLocked writes the descriptor of slot i without DEST_DATA_READY and
// points the stream channel at it.
func (c *StreamChannel) armSlotLocked(i int) error {
	sl := c.r.Slot(i)
	d := descriptor.Stream{
		Flags:     descriptor.DestIncrement | descriptor.IRQ | descriptor.Valid,
		ByteCount: uint32(c.r.BufferSize()),
		Dest:      sl.Dst.Phys,
	}
	if err := descriptor.WriteStream(c.bus, sl.DescOffset, d); err != nil {
		return fmt.Errorf("program stream descriptor for slot %d: %w", i, err)
	}

	if c.opts.verify {
		if got := descriptor.ReadStream(c.bus, sl.DescOffset); got != d {
			return fmt.Errorf("%w: stream descriptor for slot %d reads %+v, wrote %+v", ErrVerify, i, got, d)
		}
	}

	if err := c.r.Transition(i, ring.HardwareArmed); err != nil {
		return err
	}
	c.e.s.SetStreamAddr(c.index, sl.Desc.Phys)
	c.e.s.Barrier()
	return nil
}

func (c *StreamChannel) teardownLocked() {
	if c.r == nil {
		return
	}

	if c.bus != nil {
		for i := 0; i < c.r.Len(); i++ {
			c.bus.Write32(c.r.Slot(i).DescOffset+descriptor.StreamConfigOffset, 0)
		}
	}
	c.e.s.SetStreamAddr(c.index, 0)
	c.e.s.Barrier()
	c.r.Reclaim()
	c.e.dropSentinel(c)
}

func (c *StreamChannel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Armed {
		return fmt.Errorf("%w: can not start channel %s while %s", ErrState, c.name, c.state)
	}

	if c.e.sentinelShared(c) {
		c.l.WithField("stream", c.index).Warn("Another stream channel is running, sentinel events may be misrouted")
	}
	c.startLocked()
	return nil
}

func (c *StreamChannel) startLocked() {
	c.running.Store(true)
	c.e.expectSentinel(c)
	c.e.s.Start(regs.StreamStartBit(c.index))
	c.state = WaitBufferRequest
}

// OnInterrupt runs the buffer handshake for the expected slot and returns once
// its transfer is complete. A timeout keeps the handshake where it was.
func (c *StreamChannel) OnInterrupt(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Slot: -1, Rearmed: -1}

	c.mu.Lock()
	if err := c.checkWaitable(WaitBufferRequest, WaitTransferComplete); err != nil {
		c.mu.Unlock()
		return res, err
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		expected := c.r.Expected()
		c.mu.Unlock()

		ev, err := c.wait(ctx)
		if err != nil {
			return res, c.failed(err, expected)
		}

		done, err := c.handle(ev, &res)
		if err != nil || done {
			return res, err
		}
	}
}

// handle applies one event and reports whether the cycle is complete.
func (c *StreamChannel) handle(ev Event, res *CycleResult) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != WaitBufferRequest && c.state != WaitTransferComplete {
		return false, c.checkWaitable(WaitBufferRequest, WaitTransferComplete)
	}

	k := c.r.Expected()
	slot, err := c.e.rec.Reconcile(ev, Expectation{
		Channel: c.name,
		State:   c.state,
		Stream:  true,
		Slot:    k,
	})
	if err != nil {
		return false, c.failed(err, k)
	}
	c.interrupts++

	sl := c.r.Slot(slot)
	if c.state == WaitBufferRequest {
		c.state = ProvideBuffer
		c.e.expectSentinel(c)
		if err := descriptor.SetStreamFlags(c.bus, sl.DescOffset, descriptor.DestReady); err != nil {
			return false, err
		}
		c.state = WaitTransferComplete
		return false, nil
	}

	if err := c.r.Transition(slot, ring.HardwareDone); err != nil {
		return false, err
	}
	if err := c.r.Transition(slot, ring.CpuOwned); err != nil {
		return false, err
	}
	c.bus.Write32(sl.DescOffset+descriptor.StreamConfigOffset, 0)
	c.bus.Barrier()

	c.cycles++
	c.m.cycle(c.r.BufferSize())

	res.Slot = slot
	res.Buffer = sl.Dst.Bytes
	res.Phys = sl.Dst.Phys
	res.Interrupts = c.interrupts
	c.interrupts = 0

	if c.final() {
		c.running.Store(false)
		c.state = Done
		res.Last = true
		return true, nil
	}

	next := c.r.Advance()
	if err := c.armSlotLocked(next); err != nil {
		return true, err
	}
	c.startLocked()
	res.Rearmed = next
	return true, nil
}

// Stop invalidates the channel's descriptors and detaches the stream input.
// A pending OnInterrupt returns ErrStopped. Calling Stop again does nothing.
func (c *StreamChannel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Stopped {
		return
	}
	if c.state != Idle {
		c.teardownLocked()
	}
	c.stopLocked()
	c.l.Debug("Stream channel stopped")
}

func (c *StreamChannel) Status() ChannelStatus {
	return c.status(c.index)
}

// Index returns the stream input this channel is bound to.
func (c *StreamChannel) Index() int {
	return c.index
}
