package axidma

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fabricdma/axidma/dma"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/sshd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Every interaction here needs to take extra care to return copies and not
// hand out the engine's or a session's internals.

type Control struct {
	l        *logrus.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	engine   *dma.Engine
	backend  *backend
	sessions []*session

	ssh        *sshd.SSHServer
	sshStart   func()
	statsStart func()

	eg       errgroup.Group
	started  bool
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// Start arms nothing new, it starts every configured channel and the
// optional console and stats listeners. This is a nonblocking call. To block
// use Control.ShutdownBlock()
func (c *Control) Start() {
	// Call all the delayed funcs that waited patiently for the engine to be created.
	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	c.started = true
	for _, s := range c.sessions {
		c.eg.Go(func() error {
			return s.run(c.ctx)
		})
	}

	go func() {
		c.err = c.eg.Wait()
		close(c.done)
	}()
}

// Stop signals every session to end and releases the controller, returns
// after the shutdown is complete. It is safe to call more than once.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		for _, s := range c.sessions {
			s.ch.Stop()
		}
		if c.started {
			<-c.done
		}

		if c.ssh != nil {
			c.ssh.Stop()
		}

		if err := c.engine.Close(); err != nil {
			c.l.WithError(err).Error("Close engine failed")
		}
		if err := c.backend.Close(); err != nil {
			c.l.WithError(err).Error("Close backend failed")
		}
		c.l.Info("Goodbye")
	})
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled.
// It also returns once every session has finished on its own.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		sig := rawSig.String()
		c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	case <-c.done:
		c.l.Info("All sessions finished, shutting down")
	}
	c.Stop()
}

// Wait blocks until every session has ended and returns the first session
// error. It must only be called after Start.
func (c *Control) Wait() error {
	<-c.done
	return c.err
}

// Done is closed once every session has ended.
func (c *Control) Done() <-chan struct{} {
	return c.done
}

// ListChannels returns a status snapshot for every channel.
func (c *Control) ListChannels() []dma.ChannelStatus {
	chans := c.engine.Channels()
	out := make([]dma.ChannelStatus, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.Status())
	}
	return out
}

// ListSessions returns the counters of every session.
func (c *Control) ListSessions() []SessionReport {
	out := make([]SessionReport, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Report())
	}
	return out
}

// StopChannel stops the named channel, its session ends without error.
func (c *Control) StopChannel(name string) bool {
	ch, ok := c.engine.Channel(name)
	if !ok {
		return false
	}
	ch.Stop()
	return true
}

// ResetInterrupts stops every channel and resets the controller's interrupt
// logic. Running sessions see their channel stopped.
func (c *Control) ResetInterrupts() error {
	for _, ch := range c.engine.Channels() {
		ch.Stop()
	}
	return c.engine.ResetInterrupts()
}

// DumpRegisters returns the current controller registers.
func (c *Control) DumpRegisters() []regs.Register {
	return c.engine.DumpRegisters()
}

// Version returns the controller version register.
func (c *Control) Version() (uint32, error) {
	return c.engine.CheckVersion()
}

// Err returns the error that ended the engine, if any.
func (c *Control) Err() error {
	err := c.engine.Err()
	if errors.Is(err, dma.ErrEngineClosed) {
		return nil
	}
	return err
}
