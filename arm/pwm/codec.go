package pwm

import (
	aerr "github.com/robotarm/armd/arm/errors"
)

// Calibration holds the duty cycle constants for a continuous rotation
// servo. Center is the empirically determined stop position, Min and
// Max are the full-speed endpoints in either direction. Values come
// from the hardware section of the config file so the conversion is
// testable without a specific servo in hand.
type Calibration struct {
	Center float64
	Min    float64
	Max    float64
}

// SpeedToDuty converts a speed in [-1.0, 1.0] to a PWM duty cycle
// fraction. Zero maps exactly to Center, positive speeds interpolate
// linearly towards Max and negative ones towards Min.
func (c Calibration) SpeedToDuty(speed float64) (float64, error) {
	if speed < -1.0 || speed > 1.0 {
		return 0, aerr.OutOfRangeError{What: "speed", Value: speed, Min: -1.0, Max: 1.0}
	}

	switch {
	case speed == 0:
		return c.Center, nil
	case speed > 0:
		return c.Center + speed*(c.Max-c.Center), nil
	default:
		return c.Center + speed*(c.Center-c.Min), nil
	}
}

// DutyToSpeed is the exact inverse of SpeedToDuty.
func (c Calibration) DutyToSpeed(duty float64) (float64, error) {
	if duty < c.Min || duty > c.Max {
		return 0, aerr.OutOfRangeError{What: "duty cycle", Value: duty, Min: c.Min, Max: c.Max}
	}

	switch {
	case duty == c.Center:
		return 0.0, nil
	case duty > c.Center:
		return (duty - c.Center) / (c.Max - c.Center), nil
	default:
		return (duty - c.Center) / (c.Center - c.Min), nil
	}
}
