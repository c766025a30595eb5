package ring

import "fmt"

// Owner is the party that may touch a slot's buffer.
type Owner int

const (
	// CpuOwned slots may be read and rewritten by software.
	CpuOwned Owner = iota
	// HardwareArmed slots have been handed to the controller and must not be
	// touched until it reports them done.
	HardwareArmed
	// HardwareDone slots were reported complete and are waiting to be
	// released back to software.
	HardwareDone
)

func (o Owner) String() string {
	switch o {
	case CpuOwned:
		return "CpuOwned"
	case HardwareArmed:
		return "HardwareArmed"
	case HardwareDone:
		return "HardwareDone"
	}
	return fmt.Sprintf("Owner(%d)", int(o))
}

func (o Owner) canMoveTo(to Owner) bool {
	switch o {
	case CpuOwned:
		return to == HardwareArmed
	case HardwareArmed:
		return to == HardwareDone
	case HardwareDone:
		return to == CpuOwned
	}
	return false
}
