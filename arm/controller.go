package arm

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	aerr "github.com/robotarm/armd/arm/errors"
	"github.com/robotarm/armd/arm/pwm"
)

var errStaleWrite = errors.New("write superseded by a newer command")

// gatedOutput serializes duty writes to a single output and rejects
// any write staged before a newer command. A write goroutine that
// outlives its timeout is abandoned by the controller but keeps
// running; the generation check guarantees it can never land after an
// emergency stop (or any later command) has touched the same pin.
type gatedOutput struct {
	out pwm.Output
	mu  sync.Mutex // serializes SetDuty and Close on the pin
	gen uint64     // bumped on every stage and on close
}

func (g *gatedOutput) stage() uint64 {
	return atomic.AddUint64(&g.gen, 1)
}

func (g *gatedOutput) commit(gen uint64, duty float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if atomic.LoadUint64(&g.gen) != gen {
		return errStaleWrite
	}
	return g.out.SetDuty(duty)
}

func (g *gatedOutput) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// revoke anything still staged so nothing writes to a released pin
	atomic.AddUint64(&g.gen, 1)
	return g.out.Close()
}

// ServoState tracks the runtime state of a single servo. Mutated only
// by the Controller while holding its lock.
type ServoState struct {
	Speed     float64
	IsRunning bool
	startedAt time.Time
}

// ServoStatus is the read-side snapshot of a servo, shaped for the API.
type ServoStatus struct {
	Status    string  `json:"status"`
	Direction string  `json:"direction,omitempty"`
	Runtime   float64 `json:"runtime"`
	Speed     float64 `json:"speed"`
	IsRunning bool    `json:"is_running"`
}

// Controller is the sole mutator of servo runtime state and the only
// place the emergency stop interlock is enforced. A single exclusive
// lock covers every operation end to end, so an emergency stop cannot
// interleave with an in-flight speed command.
type Controller struct {
	cfg     *Config
	factory pwm.Factory
	cal     pwm.Calibration

	lock    sync.Mutex
	outputs map[string]*gatedOutput
	states  map[string]*ServoState
	estop   bool
}

func NewController(cfg *Config, factory pwm.Factory) *Controller {
	return &Controller{
		cfg:     cfg,
		factory: factory,
		cal:     cfg.Calibration(),
		outputs: make(map[string]*gatedOutput),
		states:  make(map[string]*ServoState),
	}
}

// Initialize constructs a PWM output per configured servo, parked at
// the center duty cycle. Any previously held outputs are released
// first. A failure on any single servo releases everything acquired so
// far and leaves the registry empty: all servos or none.
func (c *Controller) Initialize() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.releaseLocked()

	servos := c.cfg.Hardware.Servos
	if len(servos) == 0 {
		log.Print("no servos configured")
		return aerr.ErrNoServos
	}

	for id, servo := range servos {
		out, err := c.factory(servo.Pin, c.cfg.Hardware.PWM.Frequency, c.cal.Center)
		if err != nil {
			log.Printf("failed to initialize servo %s: %v", id, err)
			c.releaseLocked()
			return &aerr.HardwareError{Name: id, Err: err}
		}

		c.outputs[id] = &gatedOutput{out: out}
		c.states[id] = &ServoState{}
		log.Printf("initialized servo %s on pin %d", id, servo.Pin)
	}

	log.Printf("successfully initialized %d servos", len(c.outputs))
	return nil
}

// SetSpeed converts speed to a duty cycle and writes it to the servo's
// output. Commanded speed is clamped to the configured safety ceiling.
// While the emergency stop is engaged only zero speed is accepted.
func (c *Controller) SetSpeed(id string, speed float64) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.setSpeedLocked(id, speed)
}

func (c *Controller) setSpeedLocked(id string, speed float64) error {
	if c.estop && speed != 0 {
		log.Printf("cannot set servo %s speed: emergency stop active", id)
		return aerr.ErrEmergencyStop
	}

	out, ok := c.outputs[id]
	if !ok {
		return aerr.ServoNameError{Name: id}
	}

	// validate against the full range first; the safety clamp only
	// narrows commands that were valid to begin with
	if speed < -1.0 || speed > 1.0 {
		return aerr.OutOfRangeError{What: "speed", Value: speed, Min: -1.0, Max: 1.0}
	}

	if max := c.cfg.Safety.MaxSpeed(); speed > max {
		speed = max
	} else if speed < -max {
		speed = -max
	}

	duty, err := c.cal.SpeedToDuty(speed)
	if err != nil {
		return err
	}

	if err := c.write(id, out, duty); err != nil {
		return err
	}

	state := c.states[id]
	if speed != 0 && !state.IsRunning {
		state.startedAt = time.Now()
	}
	state.Speed = speed
	state.IsRunning = speed != 0

	log.Printf("set servo %s speed to %.2f", id, speed)
	return nil
}

// write performs the hardware duty write, bounded by the configured
// command timeout when timeout protection is on. A write that outlives
// the bound is reported as a hardware fault; its goroutine is
// abandoned but the staged generation makes it inert the moment any
// later command touches the pin.
func (c *Controller) write(id string, out *gatedOutput, duty float64) error {
	gen := out.stage()

	timeout := c.cfg.Safety.WriteTimeout()
	if timeout == 0 {
		if err := out.commit(gen, duty); err != nil {
			return &aerr.HardwareError{Name: id, Err: err}
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- out.commit(gen, duty)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &aerr.HardwareError{Name: id, Err: err}
		}
		return nil

	case <-time.After(timeout):
		return &aerr.HardwareError{Name: id, Err: errors.Errorf("duty cycle write timed out after %s", timeout)}
	}
}

// Stop is SetSpeed(id, 0). It is accepted even while the emergency
// stop is engaged.
func (c *Controller) Stop(id string) error {
	return c.SetSpeed(id, 0)
}

// StopAll stops every registered servo. Failures are aggregated; a
// servo that fails to stop does not prevent the others from being
// attempted.
func (c *Controller) StopAll() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.stopAllLocked()
}

func (c *Controller) stopAllLocked() error {
	var result error
	for id := range c.outputs {
		result = multierr.Append(result, c.setSpeedLocked(id, 0))
	}
	return result
}

// EmergencyStop engages the interlock and forces every servo to zero.
// Idempotent; always attempts every servo regardless of prior state.
func (c *Controller) EmergencyStop() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.estop = true
	log.Print("emergency stop engaged")
	return c.stopAllLocked()
}

// ClearEmergencyStop releases the interlock. It never restarts motion.
func (c *Controller) ClearEmergencyStop() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.estop = false
	log.Print("emergency stop cleared")
	return nil
}

func (c *Controller) EmergencyStopActive() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.estop
}

// Start runs a servo at the configured start speed in the given
// direction ("forward" or "backward").
func (c *Controller) Start(id, direction string) error {
	switch direction {
	case "forward":
		return c.SetSpeed(id, c.cfg.Safety.StartSpeed)
	case "backward":
		return c.SetSpeed(id, -c.cfg.Safety.StartSpeed)
	default:
		return aerr.DirectionError{Direction: direction}
	}
}

// Status reports a snapshot of one servo. The second return is false
// for an unregistered id.
func (c *Controller) Status(id string) (ServoStatus, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.statusLocked(id)
}

func (c *Controller) statusLocked(id string) (ServoStatus, bool) {
	state, ok := c.states[id]
	if !ok {
		return ServoStatus{}, false
	}

	status := ServoStatus{
		Status:    "stopped",
		Speed:     state.Speed,
		IsRunning: state.IsRunning,
	}
	if state.IsRunning {
		status.Status = "running"
		status.Runtime = time.Since(state.startedAt).Seconds()
		if state.Speed > 0 {
			status.Direction = "forward"
		} else {
			status.Direction = "backward"
		}
	}

	return status, ok
}

// StatusAll snapshots every registered servo under a single lock
// acquisition so the result is never torn across an emergency stop.
func (c *Controller) StatusAll() map[string]ServoStatus {
	c.lock.Lock()
	defer c.lock.Unlock()

	all := make(map[string]ServoStatus, len(c.states))
	for id := range c.states {
		status, _ := c.statusLocked(id)
		all[id] = status
	}
	return all
}

// Cleanup stops everything and releases all PWM outputs.
func (c *Controller) Cleanup() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	err := c.stopAllLocked()
	c.releaseLocked()
	return err
}

func (c *Controller) releaseLocked() {
	for id, out := range c.outputs {
		if err := out.close(); err != nil {
			log.Printf("failed to close servo %s output: %v", id, err)
		}
	}
	c.outputs = make(map[string]*gatedOutput)
	c.states = make(map[string]*ServoState)
}
