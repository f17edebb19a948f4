package pwm

// Output is a single PWM channel driving one servo. Implementations
// own the underlying pin exclusively; the controller never shares an
// Output between servos.
type Output interface {
	// SetDuty drives the channel at the given fraction of the period.
	SetDuty(duty float64) error
	Close() error
}

// Factory opens the output for a pin at the given frequency, already
// driving the provided initial duty cycle.
type Factory func(pin, frequency int, initial float64) (Output, error)
