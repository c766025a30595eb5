// Package dma drives descriptor rings on a CoreAXI4DMAController.
//
// An [Engine] owns the register window and the interrupt line of one
// controller. Every interrupt is handled exactly once by the engine, which
// reads and clears the shared status register and routes the decoded event to
// the channel it belongs to. Channels never touch the status register
// themselves.
package dma

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fabricdma/axidma/irq"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/ring"
	"github.com/sirupsen/logrus"
)

type Engine struct {
	l       *logrus.Logger
	s       *regs.Surface
	src     irq.Source
	opts    optionValues
	rec     Reconciler
	metrics *engineMetrics

	// mu serializes status handling with the slot and sentinel tables. It
	// may be taken while a channel lock is held, never the other way round.
	mu        sync.Mutex
	owners    [regs.NumDescriptors]*InternalChannel
	streams   [regs.NumStreamChannels]*StreamChannel
	sentinelQ []*StreamChannel
	channels  []Channel

	dead     chan struct{}
	deadOnce sync.Once
	err      error

	done   chan struct{}
	closed atomic.Bool
}

// NewEngine takes ownership of src and resets the controller's interrupt
// state before the dispatch goroutine is started.
func NewEngine(l *logrus.Logger, s *regs.Surface, src irq.Source, options ...Option) (*Engine, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	e := &Engine{
		l:       l,
		s:       s,
		src:     src,
		opts:    opts,
		rec:     Reconciler{Sentinel: opts.sentinel},
		metrics: newEngineMetrics(),
		dead:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := e.ResetInterrupts(); err != nil {
		return nil, err
	}

	go e.run()
	return e, nil
}

func (e *Engine) run() {
	defer close(e.done)

	for {
		n, err := e.src.Wait(context.Background())
		if err != nil {
			if errors.Is(err, irq.ErrClosed) {
				return
			}
			e.l.WithError(err).Error("Interrupt source failed")
			e.fail(fmt.Errorf("interrupt source failed: %w", err))
			return
		}

		if err := e.handleInterrupt(n); err != nil {
			if errors.Is(err, irq.ErrClosed) {
				return
			}
			e.l.WithError(err).Error("Failed to handle interrupt")
			e.fail(err)
			return
		}
	}
}

// handleInterrupt reads and clears the status register and routes the event.
// The status is cleared before the line is re-armed so an event raised while
// routing is latched and signalled again.
func (e *Engine) handleInterrupt(count uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := e.s.Status()
	e.s.Clear(e.opts.clearMask)
	if err := e.src.Rearm(); err != nil {
		return err
	}

	e.metrics.interrupts.Inc(1)
	ev := Decode(status)
	if ev.Empty() {
		e.metrics.spurious.Inc(1)
		e.l.WithField("status", fmt.Sprintf("0x%08x", status)).WithField("count", count).
			Debug("Spurious interrupt")
		return nil
	}

	e.route(ev)
	return nil
}

func (e *Engine) route(ev Event) {
	if ev.Index < regs.NumDescriptors {
		if c := e.owners[ev.Index]; c != nil && c.running.Load() {
			c.deliver(ev)
			return
		}
		// A lone internal ring is the only candidate, it reports the desync.
		if c, ok := e.soleRunning().(*InternalChannel); ok {
			c.deliver(ev)
			return
		}
	}

	if ev.Index == e.opts.sentinel && len(e.sentinelQ) > 0 {
		c := e.sentinelQ[0]
		e.sentinelQ = e.sentinelQ[1:]
		c.deliver(ev)
		return
	}

	if ev.Failed() {
		if c := e.soleRunning(); c != nil {
			base(c).deliver(ev)
			return
		}
	}

	e.metrics.stale.Inc(1)
	e.l.WithField("event", ev).Debug("Dropping stale event")
}

// soleRunning returns the running channel when exactly one is, otherwise nil.
func (e *Engine) soleRunning() Channel {
	var found Channel
	for _, c := range e.channels {
		if !base(c).running.Load() {
			continue
		}
		if found != nil {
			return nil
		}
		found = c
	}
	return found
}

func base(c Channel) *channel {
	switch c := c.(type) {
	case *InternalChannel:
		return &c.channel
	case *StreamChannel:
		return &c.channel
	}
	panic(fmt.Sprintf("unknown channel type %T", c))
}

// fail records err as the reason the engine stopped working and wakes every
// waiting channel. Only the first error is kept.
func (e *Engine) fail(err error) {
	e.deadOnce.Do(func() {
		e.err = err
		close(e.dead)
	})
}

// Err returns the error that stopped the engine, if any.
func (e *Engine) Err() error {
	select {
	case <-e.dead:
		return e.err
	default:
		return nil
	}
}

// claimSlots reserves n contiguous descriptor slots for c. The first slot must
// have a START bit.
func (e *Engine) claimSlots(c *InternalChannel, n int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for b := 0; b < regs.NumStartableDescriptors && b+n <= regs.NumDescriptors; b++ {
		free := true
		for i := b; i < b+n; i++ {
			if e.owners[i] != nil {
				free = false
				break
			}
		}
		if !free {
			continue
		}

		for i := b; i < b+n; i++ {
			e.owners[i] = c
		}
		return b, nil
	}

	return 0, fmt.Errorf("%w: no %d free contiguous descriptor slots starting below %d",
		ErrConfig, n, regs.NumStartableDescriptors)
}

func (e *Engine) releaseSlots(c *InternalChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, o := range e.owners {
		if o == c {
			e.owners[i] = nil
		}
	}
}

// expectSentinel queues c for the next sentinel event. It must be called
// before the controller is allowed to raise that event.
func (e *Engine) expectSentinel(c *StreamChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sentinelQ = append(e.sentinelQ, c)
}

// sentinelShared reports whether a stream channel other than c is running.
func (e *Engine) sentinelShared(c *StreamChannel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.channels {
		if s, ok := o.(*StreamChannel); ok && s != c && s.running.Load() {
			return true
		}
	}
	return false
}

func (e *Engine) dropSentinel(c *StreamChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sentinelQ = slices.DeleteFunc(e.sentinelQ, func(s *StreamChannel) bool { return s == c })
}

// ForceStop invalidates every descriptor and stream address on the
// controller. Channel state is not touched, callers normally Stop channels
// first.
func (e *Engine) ForceStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceStopLocked()
}

func (e *Engine) forceStopLocked() {
	for i := 0; i < regs.NumDescriptors; i++ {
		e.s.SetDescriptor(i, regs.DescConfig, 0)
	}
	for j := 0; j < regs.NumStreamChannels; j++ {
		e.s.SetStreamAddr(j, 0)
	}
	e.s.Barrier()
}

// ResetInterrupts brings the controller's interrupt logic to a known state:
// all work is stopped, pending events are discarded and the event sources are
// enabled again.
func (e *Engine) ResetInterrupts() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.forceStopLocked()
	e.s.SetMask(0)
	if err := e.src.Drain(); err != nil {
		return fmt.Errorf("drain interrupts: %w", err)
	}
	e.s.Clear(e.opts.clearMask)
	if err := e.src.Rearm(); err != nil {
		return fmt.Errorf("re-arm interrupts: %w", err)
	}
	e.s.SetMask(regs.StatusEventBits)
	e.sentinelQ = nil

	e.l.WithField("version", fmt.Sprintf("0x%08x", e.s.Version())).Debug("Interrupts reset")
	return nil
}

func (e *Engine) Version() uint32 {
	return e.s.Version()
}

// CheckVersion reads the version register. A bus that floats high or reads
// zero means the controller is not there.
func (e *Engine) CheckVersion() (uint32, error) {
	v := e.s.Version()
	if v == 0 || v == 0xFFFFFFFF {
		return v, fmt.Errorf("%w: version register reads 0x%08x", ErrNotResponding, v)
	}
	return v, nil
}

// DumpRegisters returns the current register contents.
func (e *Engine) DumpRegisters() []regs.Register {
	return e.s.Dump()
}

// Sentinel returns the status index used for stream channel events.
func (e *Engine) Sentinel() uint32 {
	return e.opts.sentinel
}

func (e *Engine) addChannel(c Channel) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrEngineClosed
	}
	for _, o := range e.channels {
		if o.Name() == c.Name() {
			return fmt.Errorf("%w: channel %q already exists", ErrConfig, c.Name())
		}
	}
	e.channels = append(e.channels, c)
	return nil
}

// InternalChannel creates a memory to memory channel. Descriptor slots are
// reserved when a ring is armed.
func (e *Engine) InternalChannel(name string, options ...ChannelOption) (*InternalChannel, error) {
	c := &InternalChannel{channel: newChannel(e, name, ring.Internal, options)}
	if err := c.opts.validate(); err != nil {
		return nil, err
	}
	if err := e.addChannel(c); err != nil {
		return nil, err
	}
	return c, nil
}

// StreamChannel creates a channel for stream input index.
func (e *Engine) StreamChannel(name string, index int, options ...ChannelOption) (*StreamChannel, error) {
	if index < 0 || index >= regs.NumStreamChannels {
		return nil, fmt.Errorf("%w: stream channel %d out of range 0..%d", ErrConfig, index, regs.NumStreamChannels-1)
	}

	c := &StreamChannel{channel: newChannel(e, name, ring.Stream, options), index: index}
	if err := c.opts.validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.streams[index] != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: stream channel %d is used by %q", ErrConfig, index, e.streams[index].Name())
	}
	e.streams[index] = c
	e.mu.Unlock()

	if err := e.addChannel(c); err != nil {
		e.mu.Lock()
		e.streams[index] = nil
		e.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Channels returns the channels in creation order.
func (e *Engine) Channels() []Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.channels)
}

// Channel looks a channel up by name.
func (e *Engine) Channel(name string) (Channel, bool) {
	for _, c := range e.Channels() {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Close stops every channel and the controller, then closes the interrupt
// source and waits for the dispatch goroutine to exit.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, c := range e.Channels() {
		c.Stop()
	}
	e.ForceStop()

	var errs []error
	if err := e.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close interrupt source: %w", err))
	}
	<-e.done

	e.fail(ErrEngineClosed)
	return errors.Join(errs...)
}
