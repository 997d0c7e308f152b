package cbp

import (
	"errors"
	"fmt"
)

// ErrParked is returned for motion commands while the device is parked.
// Parking locks the axes in hardware, so the commands would be ignored.
var ErrParked = errors.New("cbp: device is parked")

// ErrUnknownMask is returned by SetMask for a name missing from the
// configured mask table.
var ErrUnknownMask = errors.New("cbp: unknown mask")

// ErrAborted is returned by Start when a standby request cancels the
// connection attempt.
var ErrAborted = errors.New("cbp: start aborted by standby")

// InvalidStateError reports a command issued in a lifecycle state that does
// not accept it. The command has no side effect.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cbp: %s not allowed in %s", e.Op, e.State)
}

// RangeError reports a command parameter outside its mechanical limits. The
// command has no side effect.
type RangeError struct {
	Param    string
	Value    float64
	Min, Max float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("cbp: %s = %v not in range [%v, %v]", e.Param, e.Value, e.Min, e.Max)
}
