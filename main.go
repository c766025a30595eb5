package axidma

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabricdma/axidma/config"
	"github.com/fabricdma/axidma/dma"
	"github.com/fabricdma/axidma/sshd"
	"github.com/fabricdma/axidma/util"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main validates the configuration, opens the controller and arms every
// configured channel. Nothing moves until Control.Start is called. In config
// test mode the configuration is checked without touching the hardware and
// a nil Control is returned.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	chans, err := parseChannels(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse channels", nil, err)
	}

	need := planLayout(chans)
	if err := planSlots(chans); err != nil {
		return nil, util.NewContextualError("Internal channels do not fit the controller descriptor table", nil, err)
	}
	l.WithField("channels", len(chans)).WithField("bufferBytes", need).Debug("Planned buffer layout")

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"))
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Error while creating SSH server", err)
	}
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			return nil, util.ContextualizeIfNeeded("Error while configuring the sshd", err)
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return nil, nil
	}

	be, err := openBackend(l, c, need)
	if err != nil {
		return nil, util.NewContextualError("Failed to open the controller",
			m{"backend": c.GetString("dma.backend", "uio")}, err)
	}

	engine, err := dma.NewEngine(l, be.surface, be.irq, dma.WithSentinel(c.GetUint32("dma.sentinel", dma.DefaultSentinel)))
	if err != nil {
		err = errors.Join(err, be.irq.Close(), be.Close())
		return nil, util.NewContextualError("Failed to start the engine", nil, err)
	}
	defer func() {
		if reterr != nil {
			if err := engine.Close(); err != nil {
				l.WithError(err).Error("Failed to close the engine")
			}
			if err := be.Close(); err != nil {
				l.WithError(err).Error("Failed to close the backend")
			}
		}
	}()

	version, err := engine.CheckVersion()
	if err != nil {
		return nil, util.NewContextualError("Controller health check failed", nil, err)
	}
	l.WithField("version", fmt.Sprintf("0x%08x", version)).WithField("backend", be.name).Info("Controller found")

	sessions := make([]*session, 0, len(chans))
	for _, cc := range chans {
		s, err := newSession(l, engine, cc, be.mem)
		if err != nil {
			return nil, util.NewContextualError("Failed to arm channel", m{"channel": cc.Name}, err)
		}
		sessions = append(sessions, s)
	}

	ctrl := &Control{
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		engine:     engine,
		backend:    be,
		sessions:   sessions,
		ssh:        ssh,
		sshStart:   sshStart,
		statsStart: statsStart,
		done:       make(chan struct{}),
	}
	attachCommands(l, c, ssh, ctrl, buildVersion)

	return ctrl, nil
}
