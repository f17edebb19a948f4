package pwm

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var (
	hostOnce sync.Once
	hostErr  error
)

// GPIOOutput drives a servo through a broadcom pin using periph.
type GPIOOutput struct {
	pin  gpio.PinIO
	freq physic.Frequency
}

// NewGPIOOutput satisfies Factory. The first call initializes the
// periph host drivers for the whole process.
func NewGPIOOutput(pin, frequency int, initial float64) (Output, error) {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	if hostErr != nil {
		return nil, errors.Wrap(hostErr, "unable to initialize periph host")
	}

	p := gpioreg.ByName(strconv.Itoa(pin))
	if p == nil {
		return nil, errors.Errorf("no GPIO pin %d on this host", pin)
	}

	out := &GPIOOutput{
		pin:  p,
		freq: physic.Frequency(frequency) * physic.Hertz,
	}

	if err := out.SetDuty(initial); err != nil {
		p.Halt()
		return nil, err
	}

	return out, nil
}

func (o *GPIOOutput) SetDuty(duty float64) error {
	if duty < 0 {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}

	d := gpio.Duty(duty*float64(gpio.DutyMax) + 0.5)
	return errors.Wrapf(o.pin.PWM(d, o.freq), "pwm write on pin %s", o.pin.Name())
}

// Close halts the pin, releasing the PWM channel.
func (o *GPIOOutput) Close() error {
	return o.pin.Halt()
}
