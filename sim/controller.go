// Package sim is a software model of the CoreAXI4DMAController.
//
// A Controller implements [regs.Bus] over an in-memory register file and
// executes descriptors against memory regions attached by physical address.
// Events are latched in the status register one at a time, the next one is
// posted after software clears the current one, and the interrupt line is an
// eventfd.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fabricdma/axidma/descriptor"
	"github.com/fabricdma/axidma/irq"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/ring"
	"github.com/sirupsen/logrus"
)

var ErrOverlap = errors.New("memory region overlaps an attached region")

type region struct {
	phys uint64
	b    []byte
	bus  *regs.MMIO
}

// cursor is an internal descriptor chain being executed.
type cursor struct {
	slot int
	// started is false until the first descriptor was accepted. An invalid
	// descriptor at that point is an error, later it just ends the chain.
	started bool
}

type streamPhase int

const (
	streamIdle streamPhase = iota
	streamFetch
	streamRequested
)

type stream struct {
	phase streamPhase
	seq   uint64
}

type Controller struct {
	l    *logrus.Logger
	opts optionValues
	line *irq.EventFD

	mu      sync.Mutex
	reg     [regs.WindowSize / 4]uint32
	mem     []region
	cursors []*cursor
	streams [regs.NumStreamChannels]stream
	pending []uint32
	paused  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

var _ regs.Bus = (*Controller)(nil)

// New starts a controller model. Close must be called to stop it.
func New(l *logrus.Logger, options ...Option) (*Controller, error) {
	opts := defaults()
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, err
	}

	line, err := irq.NewEventFD()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		l:    l,
		opts: opts,
		line: line,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.reg[regs.VersionOffset/4] = opts.version

	go c.run()
	return c, nil
}

// IRQ returns an interrupt source on the controller's line. The source does
// not own the line, the controller must be closed after every source.
func (c *Controller) IRQ() (*irq.FDSource, error) {
	return irq.NewFDSource(c.line.FD(), irq.WithReadWidth(8))
}

// Attach makes m reachable by the controller at its physical address.
func (c *Controller) Attach(m ring.Memory) error {
	b := m.Bytes()
	phys := m.PhysAddr()

	bus, err := regs.NewMMIO(b)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.mem {
		if phys < r.phys+uint64(len(r.b)) && r.phys < phys+uint64(len(b)) {
			return fmt.Errorf("%w: 0x%x+%d", ErrOverlap, phys, len(b))
		}
	}
	c.mem = append(c.mem, region{phys: phys, b: b, bus: bus})
	return nil
}

// span returns the attached memory backing [phys, phys+n).
func (c *Controller) span(phys uint32, n uint32) ([]byte, bool) {
	for _, r := range c.mem {
		p := uint64(phys)
		if p >= r.phys && p+uint64(n) <= r.phys+uint64(len(r.b)) {
			off := p - r.phys
			return r.b[off : off+uint64(n)], true
		}
	}
	return nil, false
}

// word returns the bus and offset of the 32-bit word at phys.
func (c *Controller) word(phys uint32) (*regs.MMIO, uint32, bool) {
	if phys%4 != 0 {
		return nil, 0, false
	}
	for _, r := range c.mem {
		p := uint64(phys)
		if p >= r.phys && p+4 <= r.phys+uint64(len(r.b)) {
			return r.bus, uint32(p - r.phys), true
		}
	}
	return nil, 0, false
}

func (c *Controller) Read32(off uint32) uint32 {
	checkOffset(off)

	c.mu.Lock()
	defer c.mu.Unlock()

	if off == regs.StartOffset || off == regs.IntrClearOffset {
		return 0
	}
	return c.reg[off/4]
}

func (c *Controller) Write32(off uint32, v uint32) {
	checkOffset(off)

	c.mu.Lock()
	switch off {
	case regs.VersionOffset, regs.IntrStatusOffset, regs.IntrExtAddr:
		// read only
	case regs.StartOffset:
		c.startLocked(v)
	case regs.IntrClearOffset:
		c.clearLocked(v)
	case regs.IntrMaskOffset:
		c.reg[off/4] = v
		c.signalLocked()
	default:
		c.reg[off/4] = v
	}
	c.mu.Unlock()

	c.poke()
}

// Barrier has nothing to order, every access takes the controller lock.
func (c *Controller) Barrier() {}

func checkOffset(off uint32) {
	if off%4 != 0 || off >= regs.WindowSize {
		panic(fmt.Sprintf("register offset 0x%x outside of %d byte window", off, regs.WindowSize))
	}
}

func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) startLocked(v uint32) {
	for i := 0; i < regs.NumStartableDescriptors; i++ {
		if v&regs.InternalStartBit(i) != 0 {
			c.cursors = append(c.cursors, &cursor{slot: i})
		}
	}
	for j := 0; j < regs.NumStreamChannels; j++ {
		if v&regs.StreamStartBit(j) != 0 {
			c.streams[j].phase = streamFetch
		}
	}
}

func (c *Controller) clearLocked(v uint32) {
	st := &c.reg[regs.IntrStatusOffset/4]
	*st &^= v & regs.StatusEventBits
	if *st&regs.StatusEventBits != 0 {
		return
	}

	*st = 0
	if len(c.pending) > 0 {
		*st = c.pending[0]
		c.pending = c.pending[1:]
		c.signalLocked()
	}
}

// postLocked queues an event. It is latched into the status register at once
// when the register is free.
func (c *Controller) postLocked(status uint32) {
	st := &c.reg[regs.IntrStatusOffset/4]
	if *st&regs.StatusEventBits != 0 {
		c.pending = append(c.pending, status)
		return
	}
	*st = status
	c.signalLocked()
}

// signalLocked raises the line if the latched event is enabled in the mask.
func (c *Controller) signalLocked() {
	st := c.reg[regs.IntrStatusOffset/4]
	if st&c.reg[regs.IntrMaskOffset/4]&regs.StatusEventBits == 0 {
		return
	}
	if err := c.line.Kick(); err != nil {
		c.l.WithError(err).Debug("Failed to raise simulated interrupt")
	}
}

func event(bits uint32, index uint32) uint32 {
	return bits | (index&regs.StatusIndexMask)<<regs.StatusIndexShift
}

// InjectStatus posts a raw status word as if the controller raised it.
func (c *Controller) InjectStatus(status uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postLocked(status)
}

// Pause stops descriptor processing until Resume. Register accesses keep
// working.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.poke()
}

// Pending returns the number of events waiting behind the latched one.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Idle reports whether no descriptor is being executed and no event is
// latched or queued.
func (c *Controller) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cursors) > 0 || len(c.pending) > 0 {
		return false
	}
	if c.reg[regs.IntrStatusOffset/4]&regs.StatusEventBits != 0 {
		return false
	}
	for _, s := range c.streams {
		if s.phase != streamIdle {
			return false
		}
	}
	return true
}

func (c *Controller) run() {
	defer close(c.done)

	t := time.NewTicker(c.opts.poll)
	defer t.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		case <-t.C:
		}

		c.mu.Lock()
		if !c.paused {
			for c.stepLocked() {
			}
		}
		c.mu.Unlock()
	}
}

// stepLocked advances every active cursor and stream by at most one
// descriptor and reports whether anything changed.
func (c *Controller) stepLocked() bool {
	progress := false

	active := c.cursors[:0]
	for _, cur := range c.cursors {
		moved, keep := c.stepInternalLocked(cur)
		progress = progress || moved
		if keep {
			active = append(active, cur)
		}
	}
	c.cursors = active

	for j := range c.streams {
		if c.stepStreamLocked(j) {
			progress = true
		}
	}
	return progress
}

func (c *Controller) desc(slot int, field uint32) *uint32 {
	return &c.reg[regs.DescriptorOffset(slot, field)/4]
}

// stepInternalLocked executes the descriptor under cur if it is ready. It
// returns whether the cursor moved and whether it is still active.
func (c *Controller) stepInternalLocked(cur *cursor) (bool, bool) {
	cfg := *c.desc(cur.slot, regs.DescConfig)
	f := descriptor.InternalFlags(cfg)

	if f&descriptor.Valid == 0 {
		if !cur.started {
			c.postLocked(event(regs.StatusInvalidDescriptor, uint32(cur.slot)))
		}
		return true, false
	}
	if f&(descriptor.SrcReady|descriptor.DestReady) != descriptor.SrcReady|descriptor.DestReady {
		return false, true
	}
	cur.started = true

	n := *c.desc(cur.slot, regs.DescByteCount) & descriptor.MaxByteCount
	srcAddr := *c.desc(cur.slot, regs.DescSrcAddr)
	dstAddr := *c.desc(cur.slot, regs.DescDestAddr)

	src, ok := c.span(srcAddr, n)
	if !ok {
		return c.failLocked(cur, srcAddr)
	}
	dst, ok := c.span(dstAddr, n)
	if !ok {
		return c.failLocked(cur, dstAddr)
	}

	switch {
	case f&descriptor.SrcIncrement == 0 && n >= 4:
		for i := 0; i+4 <= len(dst); i += 4 {
			copy(dst[i:i+4], src[:4])
		}
	case f&descriptor.DestIncrement == 0 && n >= 4:
		copy(dst[:4], src[n-4:])
	default:
		copy(dst, src)
	}

	*c.desc(cur.slot, regs.DescConfig) = cfg &^ descriptor.InternalConfig(descriptor.SrcReady|descriptor.DestReady)
	if f&descriptor.IRQ != 0 {
		c.postLocked(event(regs.StatusOpsComplete, uint32(cur.slot)))
	}

	if f&descriptor.Chain == 0 {
		return true, false
	}
	cur.slot = int(*c.desc(cur.slot, regs.DescNext) % regs.NumDescriptors)
	return true, true
}

func (c *Controller) failLocked(cur *cursor, addr uint32) (bool, bool) {
	c.reg[regs.IntrExtAddr/4] = addr
	c.postLocked(event(regs.StatusWriteError, uint32(cur.slot)))
	return true, false
}

func (c *Controller) stepStreamLocked(j int) bool {
	s := &c.streams[j]
	if s.phase == streamIdle {
		return false
	}

	addr := c.reg[regs.StreamAddrOffset(j)/4]
	bus, off, ok := c.word(addr)
	if !ok {
		if s.phase == streamFetch {
			c.reg[regs.IntrExtAddr/4] = addr
			c.postLocked(event(regs.StatusInvalidDescriptor, c.opts.sentinel))
		}
		s.phase = streamIdle
		return true
	}

	cfg := bus.Read32(off + descriptor.StreamConfigOffset)
	f := descriptor.StreamFlags(cfg)
	if f&descriptor.Valid == 0 {
		if s.phase == streamFetch {
			c.postLocked(event(regs.StatusInvalidDescriptor, c.opts.sentinel))
		}
		s.phase = streamIdle
		return true
	}

	if f&descriptor.DestReady == 0 {
		if s.phase == streamFetch {
			s.phase = streamRequested
			c.postLocked(event(regs.StatusOpsComplete, c.opts.sentinel))
			return true
		}
		return false
	}

	n := bus.Read32(off+descriptor.StreamByteCountOffset) & descriptor.MaxByteCount
	dstAddr := bus.Read32(off + descriptor.StreamDestOffset)
	dst, ok := c.span(dstAddr, n)
	if !ok {
		c.reg[regs.IntrExtAddr/4] = dstAddr
		c.postLocked(event(regs.StatusWriteError, c.opts.sentinel))
		s.phase = streamIdle
		return true
	}

	c.opts.source(j, s.seq, dst)
	s.seq++
	s.phase = streamIdle
	if f&descriptor.IRQ != 0 {
		c.postLocked(event(regs.StatusOpsComplete, c.opts.sentinel))
	}
	return true
}

// Close stops the model and closes the interrupt line.
func (c *Controller) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		<-c.done
		err = c.line.Close()
	})
	return err
}
