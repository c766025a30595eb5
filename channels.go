package axidma

import (
	"fmt"
	"slices"
	"time"

	"github.com/fabricdma/axidma/config"
	"github.com/fabricdma/axidma/dma"
	"github.com/fabricdma/axidma/regs"
	"github.com/fabricdma/axidma/ring"
	"github.com/sirupsen/logrus"
)

// ringAlignment keeps every ring on its own page of the buffer region.
const ringAlignment = 4096

type channelConfig struct {
	Name        string
	Mode        ring.Mode
	Stream      int
	Slots       int
	BufferSize  int
	Cycles      int
	Check       bool
	Output      string
	Timeout     time.Duration
	MaxTimeouts int
	Verify      bool

	// Offset of the ring inside the buffer region, set by planLayout.
	Offset    int
	Footprint int
}

func (cc channelConfig) options() []dma.ChannelOption {
	return []dma.ChannelOption{
		dma.WithCycles(cc.Cycles),
		dma.WithTimeout(cc.Timeout),
		dma.WithVerify(cc.Verify),
	}
}

// parseChannels reads the channels list. Every entry is read through its own
// config.C so the usual getters and defaults apply, dma.* values are the
// defaults for per channel settings.
func parseChannels(l *logrus.Logger, c *config.C) ([]channelConfig, error) {
	raw := c.GetSlice("channels", nil)
	if len(raw) == 0 {
		return nil, fmt.Errorf("no channels configured")
	}

	timeout := c.GetDuration("dma.timeout", 5*time.Second)
	maxTimeouts := c.GetInt("dma.max_timeouts", 3)
	verify := c.GetBool("dma.verify", false)

	seen := map[string]bool{}
	streams := map[int]string{}
	out := make([]channelConfig, 0, len(raw))

	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("channels[%d] was not a map: %v", i, r)
		}

		sub := config.NewC(l)
		sub.Settings = m

		cc := channelConfig{
			Name:        sub.GetString("name", ""),
			Stream:      sub.GetInt("stream", 0),
			Slots:       sub.GetInt("slots", 2),
			BufferSize:  sub.GetByteSize("buffer_size", 4096),
			Cycles:      sub.GetInt("cycles", 0),
			Check:       sub.GetBool("check", false),
			Output:      sub.GetString("output", ""),
			Timeout:     sub.GetDuration("timeout", timeout),
			MaxTimeouts: sub.GetInt("max_timeouts", maxTimeouts),
			Verify:      sub.GetBool("verify", verify),
		}

		if cc.Name == "" {
			return nil, fmt.Errorf("channels[%d].name must be provided", i)
		}
		if seen[cc.Name] {
			return nil, fmt.Errorf("channels[%d].name %q is used more than once", i, cc.Name)
		}
		seen[cc.Name] = true

		var err error
		cc.Mode, err = ring.ParseMode(sub.GetString("mode", "internal"))
		if err != nil {
			return nil, fmt.Errorf("channels[%d] %s: %w", i, cc.Name, err)
		}

		if cc.Mode == ring.Stream {
			if cc.Stream < 0 || cc.Stream >= regs.NumStreamChannels {
				return nil, fmt.Errorf("channels[%d] %s: stream %d is not in [0, %d)", i, cc.Name, cc.Stream, regs.NumStreamChannels)
			}
			if other, ok := streams[cc.Stream]; ok {
				return nil, fmt.Errorf("channels[%d] %s: stream %d is already used by %s", i, cc.Name, cc.Stream, other)
			}
			streams[cc.Stream] = cc.Name
		}

		if cc.Cycles < 0 {
			return nil, fmt.Errorf("channels[%d] %s: cycles can not be negative", i, cc.Name)
		}
		if cc.MaxTimeouts < 0 {
			return nil, fmt.Errorf("channels[%d] %s: max_timeouts can not be negative", i, cc.Name)
		}

		cc.Footprint, err = ring.Footprint(cc.Mode, cc.Slots, cc.BufferSize)
		if err != nil {
			return nil, fmt.Errorf("channels[%d] %s: %w", i, cc.Name, err)
		}

		out = append(out, cc)
	}

	return out, nil
}

// planLayout places every ring in the buffer region, page aligned and in
// configuration order, and returns the bytes needed.
func planLayout(chans []channelConfig) int {
	off := 0
	for i := range chans {
		chans[i].Offset = off
		off += chans[i].Footprint
		if r := off % ringAlignment; r != 0 {
			off += ringAlignment - r
		}
	}
	return off
}

// planSlots places the internal rings in the controller descriptor table the
// way the engine will when the channels are armed in configuration order. Each
// ring takes the first free contiguous range whose base can be started.
func planSlots(chans []channelConfig) error {
	var used [regs.NumDescriptors]bool

	for _, cc := range chans {
		if cc.Mode != ring.Internal {
			continue
		}

		base := -1
		for b := 0; b < regs.NumStartableDescriptors && b+cc.Slots <= regs.NumDescriptors; b++ {
			if !slices.Contains(used[b:b+cc.Slots], true) {
				base = b
				break
			}
		}
		if base < 0 {
			return fmt.Errorf("%w: channel %s needs %d contiguous descriptor slots starting below %d",
				dma.ErrConfig, cc.Name, cc.Slots, regs.NumStartableDescriptors)
		}

		for i := base; i < base+cc.Slots; i++ {
			used[i] = true
		}
	}
	return nil
}
