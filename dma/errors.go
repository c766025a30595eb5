package dma

import (
	"errors"
	"fmt"

	"github.com/fabricdma/axidma/descriptor"
	"github.com/fabricdma/axidma/irq"
	"github.com/fabricdma/axidma/physmem"
)

var (
	// ErrConfig is returned for rings, buffers or descriptors the controller can
	// not express. It is raised before the hardware is touched.
	ErrConfig = descriptor.ErrConfig

	// ErrMap is returned when device memory could not be mapped.
	ErrMap = physmem.ErrMap

	// ErrTimeout is returned when no completion arrived before the deadline.
	// The ring stays armed, calling OnInterrupt again resumes the wait.
	ErrTimeout = irq.ErrTimeout

	// ErrUnexpectedEvent is matched by *UnexpectedEvent.
	ErrUnexpectedEvent = errors.New("unexpected completion event")

	// ErrInvalidDescriptor and ErrWriteError are matched by *HardwareError.
	ErrInvalidDescriptor = errors.New("controller reported an invalid descriptor")
	ErrWriteError        = errors.New("controller reported a write error")

	ErrStopped       = errors.New("channel stopped")
	ErrDrained       = errors.New("channel completed its requested cycles")
	ErrState         = errors.New("operation not valid in the current channel state")
	ErrVerify        = errors.New("descriptor read-back mismatch")
	ErrNotResponding = errors.New("controller is not responding")
	ErrEngineClosed  = errors.New("engine closed")
)

// UnexpectedEvent is returned when a decoded completion does not match the
// slot a channel expects next. It points at a lost or duplicated event and is
// not recovered from automatically.
type UnexpectedEvent struct {
	Channel       string
	State         State
	ExpectedSlot  int
	ExpectedIndex uint32
	Event         Event
	Reason        string
}

func (e *UnexpectedEvent) Error() string {
	return fmt.Sprintf("%s: channel %s in state %s expected index %d (slot %d), got %s: %s",
		ErrUnexpectedEvent, e.Channel, e.State, e.ExpectedIndex, e.ExpectedSlot, e.Event, e.Reason)
}

func (e *UnexpectedEvent) Unwrap() error {
	return ErrUnexpectedEvent
}

// HardwareError carries a failure the controller reported in the status
// register. The cycle is lost, the caller must Stop and re-arm.
type HardwareError struct {
	Channel string
	Slot    int
	Event   Event
	Err     error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s: channel %s slot %d, %s", e.Err, e.Channel, e.Slot, e.Event)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}
