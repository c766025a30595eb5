package dma

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fabricdma/axidma/ring"
	"github.com/sirupsen/logrus"
)

// State is a step of a channel state machine.
type State int

const (
	Idle State = iota
	Configuring
	Armed
	Running
	WaitCompletion
	Advance
	Draining
	WaitBufferRequest
	ProvideBuffer
	WaitTransferComplete
	Done
	Stopped
)

var stateNames = [...]string{
	Idle:                 "Idle",
	Configuring:          "Configuring",
	Armed:                "Armed",
	Running:              "Running",
	WaitCompletion:       "WaitCompletion",
	Advance:              "Advance",
	Draining:             "Draining",
	WaitBufferRequest:    "WaitBufferRequest",
	ProvideBuffer:        "ProvideBuffer",
	WaitTransferComplete: "WaitTransferComplete",
	Done:                 "Done",
	Stopped:              "Stopped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CycleResult describes one completed ring slot.
type CycleResult struct {
	Slot int
	// Buffer is the destination buffer of Slot. It stays CPU owned until the
	// next OnInterrupt call.
	Buffer []byte
	Phys   uint32
	// Interrupts is the number of controller events consumed for this cycle.
	Interrupts int
	// Rearmed is the slot handed to the controller after this completion, or
	// -1 when none was.
	Rearmed int
	// Last is set on the final requested cycle.
	Last bool
}

// ChannelStatus is a snapshot of a channel for diagnostics.
type ChannelStatus struct {
	Name     string         `json:"name"`
	Mode     string         `json:"mode"`
	State    string         `json:"state"`
	Cycles   int            `json:"cycles"`
	Slots    int            `json:"slots"`
	Expected int            `json:"expected"`
	Owners   map[string]int `json:"owners"`
	// Position is the first descriptor slot of an internal ring or the
	// stream channel index.
	Position int `json:"position"`
}

// Channel is one independently managed ring.
type Channel interface {
	Name() string
	Arm(r *ring.Ring) error
	Start() error
	OnInterrupt(ctx context.Context) (CycleResult, error)
	Stop()
	Status() ChannelStatus
}

// eventQueueDepth bounds the events buffered for a channel that is not
// currently waiting.
const eventQueueDepth = 64

type channel struct {
	e    *Engine
	name string
	mode ring.Mode
	opts channelOptions
	l    *logrus.Entry
	m    *channelMetrics

	events chan Event
	// running is read by the dispatch loop without taking mu.
	running atomic.Bool

	mu     sync.Mutex
	state  State
	r      *ring.Ring
	cycles int
	stopCh chan struct{}
}

func newChannel(e *Engine, name string, mode ring.Mode, options []ChannelOption) channel {
	opts := channelDefaults
	for _, o := range options {
		o(&opts)
	}

	return channel{
		e:      e,
		name:   name,
		mode:   mode,
		opts:   opts,
		l:      e.l.WithField("channel", name),
		m:      newChannelMetrics(name),
		events: make(chan Event, eventQueueDepth),
		state:  Idle,
		stopCh: make(chan struct{}),
	}
}

func (c *channel) Name() string {
	return c.name
}

// deliver is called by the dispatch loop with the engine lock held, it must
// not block.
func (c *channel) deliver(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.e.metrics.dropped.Inc(1)
		c.l.WithField("event", ev).Warn("Event queue full, dropping event")
	}
}

// resetLocked prepares the channel for a new ring. Events left over from a
// previous run are stale.
func (c *channel) resetLocked(r *ring.Ring) {
	for {
		select {
		case ev := <-c.events:
			c.l.WithField("event", ev).Debug("Discarding stale event")
			continue
		default:
		}
		break
	}

	c.r = r
	c.cycles = 0
	c.stopCh = make(chan struct{})
}

// stopLocked marks the channel stopped and releases any waiter.
func (c *channel) stopLocked() {
	c.running.Store(false)
	c.state = Stopped
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *channel) final() bool {
	return c.opts.cycles > 0 && c.cycles >= c.opts.cycles
}

// wait blocks until an event is delivered to the channel, the channel is
// stopped, the engine dies, or the deadline passes.
func (c *channel) wait(ctx context.Context) (Event, error) {
	if _, ok := ctx.Deadline(); !ok && c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	c.mu.Lock()
	stopCh := c.stopCh
	c.mu.Unlock()

	// A queued event wins over everything else so nothing that already
	// arrived is reported as a timeout.
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}

	select {
	case ev := <-c.events:
		return ev, nil
	case <-stopCh:
		return Event{}, ErrStopped
	case <-c.e.dead:
		return Event{}, c.e.Err()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Event{}, ErrTimeout
		}
		return Event{}, ctx.Err()
	}
}

func (c *channel) status(position int) ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := ChannelStatus{
		Name:     c.name,
		Mode:     c.mode.String(),
		State:    c.state.String(),
		Cycles:   c.cycles,
		Position: position,
		Owners:   map[string]int{},
	}
	if c.r != nil {
		st.Slots = c.r.Len()
		st.Expected = c.r.Expected()
		for o, n := range c.r.Counts() {
			st.Owners[o.String()] = n
		}
	}
	return st
}

// failed records err in the channel metrics and logs it.
func (c *channel) failed(err error, slot int) error {
	c.m.fail(err)
	c.l.WithError(err).WithField("slot", slot).Debug("Cycle failed")
	return err
}

// checkWaitable returns the error OnInterrupt reports for a channel that has
// nothing to wait for.
func (c *channel) checkWaitable(states ...State) error {
	if slices.Contains(states, c.state) {
		return nil
	}
	switch c.state {
	case Draining, Done:
		return ErrDrained
	case Stopped:
		return ErrStopped
	}
	return fmt.Errorf("%w: %s channel %s is %s", ErrState, c.mode, c.name, c.state)
}
