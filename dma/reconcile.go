package dma

import (
	"fmt"
	"strings"

	"github.com/fabricdma/axidma/regs"
)

// DefaultSentinel is the index this controller generation reports for every
// stream channel event. It does not name a slot.
const DefaultSentinel = 33

// Event is a decoded interrupt status word.
type Event struct {
	Status            uint32
	OpsComplete       bool
	WriteError        bool
	InvalidDescriptor bool
	Index             uint32
}

// Decode splits a raw INTR_0_STAT value into its fields.
func Decode(status uint32) Event {
	return Event{
		Status:            status,
		OpsComplete:       status&regs.StatusOpsComplete != 0,
		WriteError:        status&regs.StatusWriteError != 0,
		InvalidDescriptor: status&regs.StatusInvalidDescriptor != 0,
		Index:             (status >> regs.StatusIndexShift) & regs.StatusIndexMask,
	}
}

// Empty reports whether the status carried no event at all.
func (e Event) Empty() bool {
	return !e.OpsComplete && !e.WriteError && !e.InvalidDescriptor
}

// Failed reports whether the controller flagged an error.
func (e Event) Failed() bool {
	return e.WriteError || e.InvalidDescriptor
}

func (e Event) String() string {
	var kinds []string
	if e.OpsComplete {
		kinds = append(kinds, "ops_complete")
	}
	if e.WriteError {
		kinds = append(kinds, "write_err")
	}
	if e.InvalidDescriptor {
		kinds = append(kinds, "invalid_desc")
	}
	if len(kinds) == 0 {
		kinds = append(kinds, "none")
	}
	return fmt.Sprintf("%s index=%d status=0x%08x", strings.Join(kinds, "|"), e.Index, e.Status)
}

// Expectation is what a channel believes the next event must be.
type Expectation struct {
	Channel string
	State   State
	// Stream channels are told apart by the sentinel index instead of a slot
	// number.
	Stream bool
	// Base is the first controller descriptor slot of an internal ring.
	Base int
	// Slot is the ring slot whose completion is expected.
	Slot int
}

// Reconciler matches decoded events against channel expectations.
type Reconciler struct {
	Sentinel uint32
}

// Index returns the status index the expectation is waiting for.
func (r Reconciler) Index(exp Expectation) uint32 {
	if exp.Stream {
		return r.Sentinel
	}
	return uint32(exp.Base + exp.Slot)
}

// Reconcile returns the ring slot ev completes. Hardware reported failures
// come back as *HardwareError and mismatches as *UnexpectedEvent.
//
// For internal rings the index names the controller slot directly. For stream
// rings the index is the sentinel and the slot is taken from the channel's
// own record of what it armed last.
func (r Reconciler) Reconcile(ev Event, exp Expectation) (int, error) {
	if ev.WriteError {
		return exp.Slot, &HardwareError{Channel: exp.Channel, Slot: exp.Slot, Event: ev, Err: ErrWriteError}
	}
	if ev.InvalidDescriptor {
		return exp.Slot, &HardwareError{Channel: exp.Channel, Slot: exp.Slot, Event: ev, Err: ErrInvalidDescriptor}
	}

	want := r.Index(exp)
	unexpected := func(reason string) error {
		return &UnexpectedEvent{
			Channel:       exp.Channel,
			State:         exp.State,
			ExpectedSlot:  exp.Slot,
			ExpectedIndex: want,
			Event:         ev,
			Reason:        reason,
		}
	}

	if !ev.OpsComplete {
		return -1, unexpected("no completion bit")
	}

	if ev.Index != want {
		if exp.Stream {
			return -1, unexpected("stream events must carry the sentinel index")
		}
		return -1, unexpected("completion for a different slot")
	}

	return exp.Slot, nil
}
