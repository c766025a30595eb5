package sim

import (
	"errors"
	"time"

	"github.com/fabricdma/axidma/payload"
	"github.com/fabricdma/axidma/regs"
)

// StreamSource produces the data a stream channel delivers into buf. seq
// counts transfers on that stream starting at 0.
type StreamSource func(stream int, seq uint64, buf []byte)

// CountingSource returns a source that continues one incrementing word
// pattern per stream across transfers.
func CountingSource() StreamSource {
	var next [regs.NumStreamChannels]uint32
	return func(stream int, _ uint64, buf []byte) {
		next[stream] = payload.Fill(buf, next[stream])
	}
}

type optionValues struct {
	version  uint32
	sentinel uint32
	source   StreamSource
	poll     time.Duration
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
	if o.poll <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

// DefaultVersion is reported by the version register.
const DefaultVersion = 0x00020300

func defaults() optionValues {
	return optionValues{
		version:  DefaultVersion,
		sentinel: 33,
		source:   CountingSource(),
		poll:     time.Millisecond,
	}
}

type Option func(*optionValues)

func WithVersion(v uint32) Option {
	return func(o *optionValues) { o.version = v }
}

func WithSentinel(s uint32) Option {
	return func(o *optionValues) { o.sentinel = s }
}

// WithStreamSource replaces the data producer behind the stream inputs.
func WithStreamSource(s StreamSource) Option {
	return func(o *optionValues) { o.source = s }
}

// WithPollInterval sets how often descriptors in DRAM are re-read. Register
// writes are always acted on immediately.
func WithPollInterval(d time.Duration) Option {
	return func(o *optionValues) { o.poll = d }
}
