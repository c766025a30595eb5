package irq

import "fmt"

type optionValues struct {
	readWidth int
	rearm     bool
	ownFD     bool
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.readWidth != 4 && o.readWidth != 8 {
		return fmt.Errorf("read width must be 4 or 8 bytes, got %d", o.readWidth)
	}
	return nil
}

var optionDefaults = optionValues{
	readWidth: 8,
}

// Option can be passed to [NewFDSource] to influence how the file descriptor
// is treated.
type Option func(*optionValues)

// WithReadWidth sets how many bytes one read of the descriptor returns. UIO
// devices return a 4 byte interrupt count, eventfds an 8 byte counter.
func WithReadWidth(n int) Option {
	return func(o *optionValues) { o.readWidth = n }
}

// WithRearm makes [FDSource.Rearm] write a 4 byte 1 to the descriptor, which
// is how a UIO driver re-enables its interrupt.
func WithRearm(rearm bool) Option {
	return func(o *optionValues) { o.rearm = rearm }
}

// WithOwnership makes [FDSource.Close] close the wrapped descriptor.
func WithOwnership(own bool) Option {
	return func(o *optionValues) { o.ownFD = own }
}
