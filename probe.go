package axidma

import (
	"errors"

	"github.com/fabricdma/axidma/config"
	"github.com/fabricdma/axidma/dma"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/util"
	"github.com/sirupsen/logrus"
)

// ProbeResult is what Probe read from the controller.
type ProbeResult struct {
	Backend   string
	Version   uint32
	Registers []regs.Register
}

// Probe opens the configured controller, reads its version and registers and
// releases it again. No channel is armed and no descriptor is written.
func Probe(c *config.C, l *logrus.Logger) (*ProbeResult, error) {
	be, err := openBackend(l, c, 0)
	if err != nil {
		return nil, util.NewContextualError("Failed to open the controller",
			m{"backend": c.GetString("dma.backend", "uio")}, err)
	}

	engine, err := dma.NewEngine(l, be.surface, be.irq, dma.WithSentinel(c.GetUint32("dma.sentinel", dma.DefaultSentinel)))
	if err != nil {
		err = errors.Join(err, be.irq.Close(), be.Close())
		return nil, util.NewContextualError("Failed to start the engine", nil, err)
	}

	res := &ProbeResult{Backend: be.name, Registers: engine.DumpRegisters()}
	res.Version, err = engine.CheckVersion()

	err = errors.Join(err, engine.Close(), be.Close())
	if err != nil {
		return nil, util.NewContextualError("Controller probe failed", m{"backend": be.name}, err)
	}
	return res, nil
}
