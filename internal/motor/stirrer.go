package motor

import (
	"fmt"
	"math"
	"sync"
)

const (
	FullStepsPerRev = 200
	Microsteps      = 256
	DefaultMaxRPM   = 3000
)

// RPMToVelocity converts shaft speed to the driver's step rate.
func RPMToVelocity(rpm float64) uint32 {
	if rpm <= 0 {
		return 0
	}
	return uint32(math.Round(rpm * FullStepsPerRev * Microsteps / 60))
}

// VelocityToRPM is the inverse of RPMToVelocity for a signed read-back.
func VelocityToRPM(v int32) float64 {
	return float64(v) * 60 / (FullStepsPerRev * Microsteps)
}

// Motion is the subset of Driver the stirrer uses.
type Motion interface {
	Enable() error
	Disable() error
	SetRampMode(mode uint32) error
	SetSpeed(v uint32) (uint32, error)
	Velocity() (int32, error)
	Stop() error
}

// Stirrer runs the impeller in velocity mode at a commanded RPM.
type Stirrer struct {
	m      Motion
	maxRPM float64

	mu        sync.Mutex
	targetRPM float64
	enabled   bool
}

func NewStirrer(m Motion, maxRPM float64) *Stirrer {
	if maxRPM <= 0 {
		maxRPM = DefaultMaxRPM
	}
	return &Stirrer{m: m, maxRPM: maxRPM}
}

func (s *Stirrer) MaxRPM() float64 { return s.maxRPM }

// SetRPM clamps rpm to [0, MaxRPM] and commands it. TargetRPM reflects the
// speed actually sent, which the driver may clamp further.
func (s *Stirrer) SetRPM(rpm float64) error {
	if math.IsNaN(rpm) || rpm < 0 {
		rpm = 0
	}
	if rpm > s.maxRPM {
		rpm = s.maxRPM
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.m.SetRampMode(RampVelocityPos); err != nil {
		return err
	}
	want := RPMToVelocity(rpm)
	sent, err := s.m.SetSpeed(want)
	if err != nil {
		return err
	}
	// The driver clamps to its own VMAX ceiling; report what it runs.
	if sent != want {
		rpm = VelocityToRPM(int32(sent))
	}
	s.targetRPM = rpm
	return nil
}

// RPM reads the actual shaft speed back from the driver.
func (s *Stirrer) RPM() (float64, error) {
	v, err := s.m.Velocity()
	if err != nil {
		return 0, err
	}
	return VelocityToRPM(v), nil
}

func (s *Stirrer) TargetRPM() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetRPM
}

func (s *Stirrer) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Stirrer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.m.Stop(); err != nil {
		return fmt.Errorf("stirrer: %w", err)
	}
	s.targetRPM = 0
	return nil
}

func (s *Stirrer) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.m.Enable(); err != nil {
		return err
	}
	s.enabled = true
	return nil
}

func (s *Stirrer) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.m.Disable(); err != nil {
		return err
	}
	s.enabled = false
	return nil
}
