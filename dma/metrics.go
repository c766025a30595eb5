package dma

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
)

type engineMetrics struct {
	interrupts metrics.Counter
	spurious   metrics.Counter
	stale      metrics.Counter
	dropped    metrics.Counter
}

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{
		interrupts: metrics.GetOrRegisterCounter("dma.irq.events", nil),
		spurious:   metrics.GetOrRegisterCounter("dma.irq.spurious", nil),
		stale:      metrics.GetOrRegisterCounter("dma.irq.stale", nil),
		dropped:    metrics.GetOrRegisterCounter("dma.irq.dropped", nil),
	}
}

type channelMetrics struct {
	cycles      metrics.Counter
	bytes       metrics.Counter
	timeouts    metrics.Counter
	unexpected  metrics.Counter
	invalidDesc metrics.Counter
	writeErr    metrics.Counter
}

func newChannelMetrics(name string) *channelMetrics {
	n := func(s string) string {
		return fmt.Sprintf("dma.channel.%s.%s", name, s)
	}

	return &channelMetrics{
		cycles:      metrics.GetOrRegisterCounter(n("cycles"), nil),
		bytes:       metrics.GetOrRegisterCounter(n("bytes"), nil),
		timeouts:    metrics.GetOrRegisterCounter(n("timeouts"), nil),
		unexpected:  metrics.GetOrRegisterCounter(n("errors.unexpected"), nil),
		invalidDesc: metrics.GetOrRegisterCounter(n("errors.invalid_descriptor"), nil),
		writeErr:    metrics.GetOrRegisterCounter(n("errors.write"), nil),
	}
}

func (m *channelMetrics) cycle(bytes int) {
	m.cycles.Inc(1)
	m.bytes.Inc(int64(bytes))
}

func (m *channelMetrics) fail(err error) {
	switch {
	case errors.Is(err, ErrTimeout):
		m.timeouts.Inc(1)
	case errors.Is(err, ErrUnexpectedEvent):
		m.unexpected.Inc(1)
	case errors.Is(err, ErrInvalidDescriptor):
		m.invalidDesc.Inc(1)
	case errors.Is(err, ErrWriteError):
		m.writeErr.Inc(1)
	}
}
