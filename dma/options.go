package dma

import (
	"errors"
	"fmt"
	"time"

	"github.com/fabricdma/axidma/regs"
)

type optionValues struct {
	sentinel  uint32
	clearMask uint32
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.sentinel > regs.StatusIndexMask {
		return errors.New("sentinel does not fit the status index field")
	}
	if o.sentinel < regs.NumDescriptors {
		return errors.New("sentinel collides with an internal descriptor slot")
	}
	if o.clearMask == 0 {
		return errors.New("clear mask is required")
	}
	return nil
}

var optionDefaults = optionValues{
	sentinel:  DefaultSentinel,
	clearMask: 0xF,
}

// Option can be passed to [NewEngine] to influence engine creation.
type Option func(*optionValues)

// WithSentinel overrides the status index that marks stream channel events.
func WithSentinel(sentinel uint32) Option {
	return func(o *optionValues) { o.sentinel = sentinel }
}

// WithClearMask sets the value written to the interrupt clear register after
// every interrupt.
func WithClearMask(mask uint32) Option {
	return func(o *optionValues) { o.clearMask = mask }
}

type channelOptions struct {
	cycles  int
	timeout time.Duration
	verify  bool
}

func (o *channelOptions) validate() error {
	if o.cycles < 0 {
		return fmt.Errorf("%w: cycles must not be negative, got %d", ErrConfig, o.cycles)
	}
	if o.timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative, got %s", ErrConfig, o.timeout)
	}
	return nil
}

var channelDefaults = channelOptions{
	cycles:  0,
	timeout: 5 * time.Second,
}

// ChannelOption can be passed when creating a channel.
type ChannelOption func(*channelOptions)

// WithCycles sets how many completions the channel runs before it drains.
// Zero runs until Stop.
func WithCycles(n int) ChannelOption {
	return func(o *channelOptions) { o.cycles = n }
}

// WithTimeout sets how long OnInterrupt waits when its context carries no
// deadline. Zero waits forever.
func WithTimeout(d time.Duration) ChannelOption {
	return func(o *channelOptions) { o.timeout = d }
}

// WithVerify reads every programmed descriptor back before it is handed to
// the controller.
func WithVerify(verify bool) ChannelOption {
	return func(o *channelOptions) { o.verify = verify }
}
