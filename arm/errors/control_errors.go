package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrEmergencyStop is returned for any motion command issued while
	// the emergency stop interlock is engaged.
	ErrEmergencyStop = stderrors.New("emergency stop engaged")

	// ErrNoServos is returned by Initialize when the configuration
	// declares no servos. Distinct from a hardware fault so the API can
	// report it differently.
	ErrNoServos = stderrors.New("no servos configured")
)

type ServoNameError struct {
	Name string
}

func (err ServoNameError) Error() string {
	return fmt.Sprintf("no such servo %s", err.Name)
}

type DirectionError struct {
	Direction string
}

func (err DirectionError) Error() string {
	if len(err.Direction) == 0 {
		err.Direction = "UNKNOWN"
	}

	return fmt.Sprintf("invalid direction %s; must be forward or backward", err.Direction)
}

type OutOfRangeError struct {
	What            string
	Value, Min, Max float64
}

func (err OutOfRangeError) Error() string {
	return fmt.Sprintf("%s %v out of range [%v, %v]", err.What, err.Value, err.Min, err.Max)
}

// HardwareError wraps a fault raised by a PWM output so it never
// propagates raw out of the control core.
type HardwareError struct {
	Name string
	Err  error
}

func (err *HardwareError) Error() string {
	return fmt.Sprintf("servo %s hardware fault: %v", err.Name, err.Err)
}

func (err *HardwareError) Unwrap() error {
	return err.Err
}
