package pwm

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SimulatedOutput records duty cycle writes instead of touching
// hardware. It backs the -sim flag and the test suite.
type SimulatedOutput struct {
	Pin       int
	Frequency int

	mu     sync.Mutex
	duty   float64
	writes int
	closed bool
	fail   error
	delay  time.Duration
}

// NewSimulatedOutput satisfies Factory.
func NewSimulatedOutput(pin, frequency int, initial float64) (Output, error) {
	return &SimulatedOutput{
		Pin:       pin,
		Frequency: frequency,
		duty:      initial,
		writes:    1,
	}, nil
}

func (s *SimulatedOutput) SetDuty(duty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.delay; d > 0 {
		s.delay = 0
		time.Sleep(d)
	}

	if s.closed {
		return errors.Errorf("simulated pin %d is closed", s.Pin)
	}
	if s.fail != nil {
		return s.fail
	}

	s.duty = duty
	s.writes++
	return nil
}

func (s *SimulatedOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// DelayNext makes the next SetDuty stall for d before it applies,
// mimicking a hung bus transaction. One-shot.
func (s *SimulatedOutput) DelayNext(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// FailWith makes every subsequent SetDuty return err. Pass nil to
// recover.
func (s *SimulatedOutput) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *SimulatedOutput) Duty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duty
}

func (s *SimulatedOutput) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *SimulatedOutput) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
