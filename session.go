package axidma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fabricdma/axidma/dma"
	"github.com/fabricdma/axidma/payload"
	"github.com/fabricdma/axidma/physmem"
	"github.com/fabricdma/axidma/ring"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// ErrSessionFailed wraps the error that ended a session early.
var ErrSessionFailed = errors.New("session failed")

// session drives one configured channel from Start until its requested
// cycles are done, it is stopped, or it fails.
type session struct {
	id  xid.ID
	cfg channelConfig
	l   *logrus.Entry
	e   *dma.Engine
	ch  dma.Channel
	r   *ring.Ring

	sink io.WriteCloser
	// next is the first pattern word expected in the next stream buffer.
	next uint32

	throughput metrics.GaugeFloat64

	mu     sync.Mutex
	report SessionReport
}

// SessionReport summarizes a finished or running session.
type SessionReport struct {
	ID       string        `json:"id"`
	Channel  string        `json:"channel"`
	Cycles   int           `json:"cycles"`
	Bytes    int64         `json:"bytes"`
	Timeouts int           `json:"timeouts"`
	Elapsed  time.Duration `json:"elapsed"`
	MBps     float64       `json:"mbps"`
	Err      string        `json:"error,omitempty"`
}

func newSession(l *logrus.Logger, e *dma.Engine, cc channelConfig, mem physmem.Region) (_ *session, err error) {
	s := &session{
		id:  xid.New(),
		cfg: cc,
		e:   e,
	}
	s.l = l.WithField("channel", cc.Name).WithField("sessionId", s.id.String())
	s.report.ID = s.id.String()
	s.report.Channel = cc.Name
	s.throughput = metrics.GetOrRegisterGaugeFloat64(fmt.Sprintf("session.%s.mbps", cc.Name), nil)

	sub, err := physmem.Sub(mem, cc.Offset, cc.Footprint)
	if err != nil {
		return nil, err
	}

	s.r, err = ring.Create(cc.Mode, cc.Slots, cc.BufferSize, sub)
	if err != nil {
		return nil, err
	}

	switch cc.Mode {
	case ring.Internal:
		s.ch, err = e.InternalChannel(cc.Name, cc.options()...)
	case ring.Stream:
		s.ch, err = e.StreamChannel(cc.Name, cc.Stream, cc.options()...)
	}
	if err != nil {
		return nil, err
	}

	if cc.Output != "" {
		s.sink, err = os.OpenFile(cc.Output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open output for %s: %w", cc.Name, err)
		}
		defer func() {
			if err != nil {
				s.sink.Close()
			}
		}()
	}

	if cc.Mode == ring.Internal && cc.Check {
		var next uint32
		for i := 0; i < s.r.Len(); i++ {
			next = payload.Fill(s.r.Slot(i).Src.Bytes, next)
		}
	}

	if err := s.ch.Arm(s.r); err != nil {
		return nil, err
	}

	s.l.WithField("mode", cc.Mode).WithField("slots", cc.Slots).WithField("bufferSize", cc.BufferSize).
		WithField("cycles", cc.Cycles).Info("Channel armed")
	return s, nil
}

// run starts the channel and consumes completions until the session ends.
// A stopped channel or a cancelled context ends the session without error.
func (s *session) run(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		s.ch.Stop()
		s.finish(start, err)
	}()

	if err := s.ch.Start(); err != nil {
		return err
	}

	timeouts := 0
	for {
		res, err := s.ch.OnInterrupt(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, dma.ErrStopped), errors.Is(err, dma.ErrDrained):
			return nil
		case errors.Is(err, dma.ErrTimeout):
			timeouts++
			s.addTimeout()
			s.l.WithField("timeouts", timeouts).Warn("Timed out waiting for a completion")
			if timeouts > s.cfg.MaxTimeouts {
				s.dumpRegisters()
				return fmt.Errorf("%w: %s gave up after %d timeouts: %w", ErrSessionFailed, s.cfg.Name, timeouts, err)
			}
			continue
		default:
			s.dumpRegisters()
			return fmt.Errorf("%w: %s: %w", ErrSessionFailed, s.cfg.Name, err)
		}

		timeouts = 0
		if err := s.consume(res); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSessionFailed, s.cfg.Name, err)
		}

		if res.Last {
			return nil
		}
	}
}

// consume checks and stores one completed buffer.
func (s *session) consume(res dma.CycleResult) error {
	if s.cfg.Check {
		var err error
		switch s.cfg.Mode {
		case ring.Internal:
			err = payload.Compare(s.r.Slot(res.Slot).Src.Bytes, res.Buffer)
		case ring.Stream:
			err = payload.Check(res.Buffer, s.next)
			s.next += payload.Words(len(res.Buffer))
		}
		if err != nil {
			return fmt.Errorf("slot %d: %w", res.Slot, err)
		}
	}

	if s.sink != nil {
		if _, err := s.sink.Write(res.Buffer); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}

	s.mu.Lock()
	s.report.Cycles++
	s.report.Bytes += int64(len(res.Buffer))
	s.mu.Unlock()

	if s.l.Logger.IsLevelEnabled(logrus.DebugLevel) {
		s.l.WithField("slot", res.Slot).WithField("rearmed", res.Rearmed).
			WithField("interrupts", res.Interrupts).Debug("Cycle complete")
	}
	return nil
}

func (s *session) addTimeout() {
	s.mu.Lock()
	s.report.Timeouts++
	s.mu.Unlock()
}

func (s *session) finish(start time.Time, err error) {
	elapsed := time.Since(start)

	s.mu.Lock()
	s.report.Elapsed = elapsed
	if elapsed > 0 {
		s.report.MBps = float64(s.report.Bytes) / elapsed.Seconds() / 1e6
	}
	if err != nil {
		s.report.Err = err.Error()
	}
	rep := s.report
	s.mu.Unlock()

	s.throughput.Update(rep.MBps)

	if s.sink != nil {
		if cErr := s.sink.Close(); cErr != nil {
			s.l.WithError(cErr).Error("Failed to close output")
		}
	}

	l := s.l.WithField("cycles", rep.Cycles).WithField("bytes", rep.Bytes).
		WithField("elapsed", rep.Elapsed).WithField("mbps", fmt.Sprintf("%.2f", rep.MBps))
	if err != nil {
		l.WithError(err).Error("Session failed")
		return
	}
	l.Info("Session finished")
}

func (s *session) dumpRegisters() {
	for _, r := range s.e.DumpRegisters() {
		s.l.WithField("register", r.Name).WithField("offset", fmt.Sprintf("0x%03x", r.Offset)).
			WithField("value", fmt.Sprintf("0x%08x", r.Value)).Error("Register dump")
	}
}

// Report returns a snapshot of the session counters.
func (s *session) Report() SessionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}
