package axidma

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fabricdma/axidma/config"
	"github.com/fabricdma/axidma/irq"
	"github.com/fabricdma/axidma/physmem"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/sim"
	"github.com/sirupsen/logrus"
)

const (
	defaultSimBufferSize = 16 << 20
	defaultSimBufferPhys = 0x80000000
)

// backend is everything the engine needs from the platform: the register
// window, the interrupt line and the memory rings are carved from.
type backend struct {
	name    string
	surface *regs.Surface
	irq     irq.Source
	mem     physmem.Region

	// sim is set for the simulated backend.
	sim *sim.Controller

	// closers are released in reverse order once the engine has let go of
	// the interrupt source.
	closers []io.Closer
}

// openBackend builds the backend named by dma.backend. need is the number of
// bytes of buffer memory the configured channels take.
func openBackend(l *logrus.Logger, c *config.C, need int) (_ *backend, err error) {
	b := &backend{name: c.GetString("dma.backend", "uio")}
	defer func() {
		if err != nil {
			if b.irq != nil {
				err = errors.Join(err, b.irq.Close())
			}
			err = errors.Join(err, b.Close())
		}
	}()

	switch b.name {
	case "uio":
		err = b.openUIO(l, c, need)
	case "sim":
		err = b.openSim(l, c, need)
	default:
		err = fmt.Errorf("dma.backend was not understood: %s", b.name)
	}
	if err != nil {
		return nil, err
	}

	return b, nil
}

func (b *backend) openUIO(l *logrus.Logger, c *config.C, need int) error {
	sysfs := c.GetString("dma.sysfs", "/sys")
	name := c.GetString("dma.uio_name", "")
	if name == "" {
		return fmt.Errorf("dma.uio_name must be provided")
	}

	dev, err := irq.FindUIO(sysfs, name)
	if err != nil {
		return err
	}

	var window physmem.Region
	switch src := c.GetString("dma.registers.source", "uio"); src {
	case "uio":
		window, err = physmem.UIOMap(sysfs, dev, 0)
	case "devmem":
		base := c.GetUint64("dma.registers.base", 0)
		if base == 0 {
			return fmt.Errorf("dma.registers.base must be provided with dma.registers.source: devmem")
		}
		window, err = physmem.DevMem(base, regs.WindowSize)
	default:
		return fmt.Errorf("dma.registers.source was not understood: %s", src)
	}
	if err != nil {
		return err
	}
	b.closers = append(b.closers, window)

	b.surface, err = regs.OpenWindow(window.Bytes())
	if err != nil {
		return err
	}

	udmabuf := c.GetString("buffers.udmabuf", "udmabuf0")
	b.mem, err = physmem.Udmabuf(sysfs, udmabuf)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, b.mem)
	if len(b.mem.Bytes()) < need {
		return fmt.Errorf("%w: udmabuf %s holds %d bytes, channels need %d",
			physmem.ErrMap, udmabuf, len(b.mem.Bytes()), need)
	}

	src, err := irq.OpenUIO(dev)
	if err != nil {
		return err
	}
	b.irq = src

	l.WithField("device", dev).WithField("udmabuf", udmabuf).
		WithField("bufferPhys", fmt.Sprintf("0x%x", b.mem.PhysAddr())).
		Info("Opened uio backend")
	return nil
}

func (b *backend) openSim(l *logrus.Logger, c *config.C, need int) error {
	size := c.GetByteSize("buffers.size", 0)
	if size == 0 {
		size = max(defaultSimBufferSize, need)
	}
	if size < need {
		return fmt.Errorf("%w: buffers.size %d is smaller than the %d bytes channels need", physmem.ErrMap, size, need)
	}

	var err error
	b.mem, err = physmem.Anonymous(size, c.GetUint64("buffers.phys", defaultSimBufferPhys))
	if err != nil {
		return err
	}
	b.closers = append(b.closers, b.mem)

	b.sim, err = sim.New(l,
		sim.WithSentinel(c.GetUint32("dma.sentinel", 33)),
		sim.WithPollInterval(c.GetDuration("sim.poll_interval", time.Millisecond)),
	)
	if err != nil {
		return err
	}
	// The controller must stop before the memory it copies into goes away.
	b.closers = append(b.closers, b.sim)

	if err := b.sim.Attach(b.mem); err != nil {
		return err
	}

	src, err := b.sim.IRQ()
	if err != nil {
		return err
	}
	b.irq = src

	b.surface = regs.NewSurface(b.sim)
	l.WithField("bufferSize", size).Info("Opened simulated backend")
	return nil
}

// Close releases the backend. The interrupt source is owned by the engine
// once one was built and is not closed here.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
