package dma

import (
	"context"
	"fmt"

	"github.com/fabricdma/axidma/descriptor"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/ring"
)

// InternalChannel copies between two memory regions through a chain of
// controller descriptors.
//
// Every slot is handed to the controller with VALID set but only slot 0 has
// both data ready bits. When slot k completes the controller follows the chain
// to slot k+1 and stalls until the channel marks it ready, so the controller
// is never more than one slot ahead of the CPU.
//
// A one slot ring has nothing to hand over while the CPU reads the buffer, so
// the slot stays CPU owned until the next OnInterrupt call releases it.
type InternalChannel struct {
	channel
	base int
	// held is set while a one slot ring's only slot waits for its release.
	held bool
}

var _ Channel = (*InternalChannel)(nil)

func (c *InternalChannel) Arm(r *ring.Ring) error {
	if r == nil || r.Mode() != ring.Internal {
		return fmt.Errorf("%w: channel %s needs an internal ring", ErrConfig, c.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle && c.state != Stopped {
		return fmt.Errorf("%w: can not arm channel %s while %s", ErrState, c.name, c.state)
	}

	b, err := c.e.claimSlots(c, r.Len())
	if err != nil {
		return err
	}

	c.resetLocked(r)
	c.base = b
	c.held = false
	c.state = Configuring

	if err := c.programLocked(); err != nil {
		c.teardownLocked()
		c.state = Idle
		return err
	}

	r.Reclaim()
	if err := r.Transition(0, ring.HardwareArmed); err != nil {
		c.teardownLocked()
		c.state = Idle
		return err
	}

	c.state = Armed
	c.l.WithField("base", c.base).WithField("slots", r.Len()).WithField("bufferSize", r.BufferSize()).
		Debug("Internal ring armed")
	return nil
}

// terminal returns the slot that must not chain, or -1 for a closed ring.
func (c *InternalChannel) terminal() int {
	if c.opts.cycles > 0 && c.opts.cycles <= c.r.Len() {
		return c.opts.cycles - 1
	}
	return -1
}

func (c *InternalChannel) body(i int) descriptor.Internal {
	sl := c.r.Slot(i)
	f := descriptor.SrcIncrement | descriptor.DestIncrement | descriptor.IRQ | descriptor.SrcReady
	if i != c.terminal() {
		f |= descriptor.Chain
	}
	if i == 0 {
		f |= descriptor.DestReady
	}

	return descriptor.Internal{
		Flags:     f,
		ByteCount: uint32(c.r.BufferSize()),
		Source:    sl.Src.Phys,
		Dest:      sl.Dst.Phys,
		Next:      uint32(c.base + sl.Next),
	}
}

func (c *InternalChannel) programLocked() error {
	s := c.e.s
	n := c.r.Len()

	for i := 0; i < n; i++ {
		if err := descriptor.WriteInternal(s, c.base+i, c.body(i)); err != nil {
			return fmt.Errorf("program descriptor %d: %w", c.base+i, err)
		}
	}

	// Bodies are complete everywhere before any slot turns valid.
	for i := 0; i < n; i++ {
		descriptor.SetInternalFlags(s, c.base+i, descriptor.Valid)
	}

	if !c.opts.verify {
		return nil
	}

	for i := 0; i < n; i++ {
		want := c.body(i)
		want.Flags |= descriptor.Valid
		if got := descriptor.ReadInternal(s, c.base+i); got != want {
			return fmt.Errorf("%w: descriptor %d reads %+v, wrote %+v", ErrVerify, c.base+i, got, want)
		}
	}
	return nil
}

// teardownLocked invalidates the channel's descriptors and gives the slots
// back to the engine.
func (c *InternalChannel) teardownLocked() {
	if c.r == nil {
		return
	}

	for i := 0; i < c.r.Len(); i++ {
		c.e.s.SetDescriptor(c.base+i, regs.DescConfig, 0)
	}
	c.e.s.Barrier()
	c.held = false
	c.r.Reclaim()
	c.e.releaseSlots(c)
}

func (c *InternalChannel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Armed {
		return fmt.Errorf("%w: can not start channel %s while %s", ErrState, c.name, c.state)
	}

	c.running.Store(true)
	c.e.s.Start(regs.InternalStartBit(c.base))
	c.state = Running
	return nil
}

// OnInterrupt waits for the completion of the expected slot and hands the
// following slot to the controller.
func (c *InternalChannel) OnInterrupt(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Slot: -1, Rearmed: -1}

	c.mu.Lock()
	if err := c.checkWaitable(Running, WaitCompletion); err != nil {
		c.mu.Unlock()
		return res, err
	}
	if c.held {
		if err := c.releaseLocked(); err != nil {
			c.mu.Unlock()
			return res, err
		}
	}
	c.state = WaitCompletion
	expected := c.r.Expected()
	c.mu.Unlock()

	ev, err := c.wait(ctx)
	if err != nil {
		return res, c.failed(err, expected)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != WaitCompletion {
		return res, c.checkWaitable(WaitCompletion)
	}

	k := c.r.Expected()
	slot, err := c.e.rec.Reconcile(ev, Expectation{
		Channel: c.name,
		State:   c.state,
		Base:    c.base,
		Slot:    k,
	})
	if err != nil {
		return res, c.failed(err, k)
	}

	if err := c.r.Transition(slot, ring.HardwareDone); err != nil {
		return res, err
	}
	if err := c.r.Transition(slot, ring.CpuOwned); err != nil {
		return res, err
	}

	c.cycles++
	c.m.cycle(c.r.BufferSize())

	sl := c.r.Slot(slot)
	res.Slot = slot
	res.Buffer = sl.Dst.Bytes
	res.Phys = sl.Dst.Phys
	res.Interrupts = 1

	if c.final() {
		descriptor.ClearInternalFlags(c.e.s, c.base+slot, descriptor.Chain)
		c.running.Store(false)
		c.state = Draining
		res.Last = true
		return res, nil
	}

	c.state = Advance
	next := c.r.Advance()
	res.Rearmed = next
	if next == slot {
		c.held = true
		c.state = WaitCompletion
		return res, nil
	}

	if err := c.armLocked(next); err != nil {
		return res, err
	}
	c.state = WaitCompletion

	return res, nil
}

// armLocked hands slot to the controller by setting both data ready bits.
func (c *InternalChannel) armLocked(slot int) error {
	if err := c.r.Transition(slot, ring.HardwareArmed); err != nil {
		return err
	}
	descriptor.SetInternalFlags(c.e.s, c.base+slot, descriptor.SrcReady|descriptor.DestReady)
	return nil
}

// releaseLocked gives a held one slot ring back to the controller.
func (c *InternalChannel) releaseLocked() error {
	if err := c.armLocked(c.r.Expected()); err != nil {
		return err
	}
	c.held = false
	return nil
}

// Stop invalidates the channel's descriptors and returns every slot to the
// CPU. A pending OnInterrupt returns ErrStopped. Calling Stop again does
// nothing.
func (c *InternalChannel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Stopped {
		return
	}
	if c.state != Idle {
		c.teardownLocked()
	}
	c.stopLocked()
	c.l.Debug("Internal channel stopped")
}

func (c *InternalChannel) Status() ChannelStatus {
	c.mu.Lock()
	b := c.base
	c.mu.Unlock()
	return c.status(b)
}

// Base returns the first controller descriptor slot of the armed ring.
func (c *InternalChannel) Base() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}
