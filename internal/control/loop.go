// Package control implements the process loops: a single-variable PID loop
// with zero-order hold between actions, and a two-actuator cascade for
// dissolved oxygen.
//
// Loops own no goroutines and read no clock. The orchestrator calls Tick
// with the current time and loops compare it against stored timestamps.
package control

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
	ModeOff
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	case ModeOff:
		return "off"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "manual":
		return ModeManual, nil
	case "off":
		return ModeOff, nil
	default:
		return 0, fmt.Errorf("control: unknown mode %q", s)
	}
}

// IntervalBounds limits runtime changes to the action period. A zero bound
// is open.
type IntervalBounds struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

func (b IntervalBounds) Clamp(d time.Duration) time.Duration {
	if b.Min > 0 && d < b.Min {
		return b.Min
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type Config struct {
	Name              string
	Gains             Gains
	MeasurementPeriod time.Duration
	ActionPeriod      time.Duration
	Bounds            IntervalBounds
	// TriggerBand suppresses actions while |setpoint-input| is below it.
	TriggerBand float64
	OutputMin   float64
	OutputMax   float64
	// Reverse makes the output rise when the input is above setpoint.
	Reverse bool
}

// MeasureFunc returns the latest value of the controlled variable and
// whether it is usable.
type MeasureFunc func() (float64, bool)

// ActuateFunc applies an output.
type ActuateFunc func(float64)

type Snapshot struct {
	Name         string    `json:"name"`
	Mode         string    `json:"mode"`
	Setpoint     float64   `json:"setpoint"`
	Input        float64   `json:"input"`
	InputValid   bool      `json:"input_valid"`
	Output       float64   `json:"output"`
	Integral     float64   `json:"integral"`
	Interval     string    `json:"interval"`
	LastActionAt time.Time `json:"last_action_at,omitempty"`
	Actions      int       `json:"actions"`
}

// Loop measures on one period and acts on another. Between actions the
// actuator holds the last output.
//
// Not safe for concurrent use.
type Loop struct {
	cfg     Config
	measure MeasureFunc
	actuate ActuateFunc
	pid     *pidEngine

	mode     Mode
	setpoint float64
	manual   float64

	input     float64
	haveInput bool
	output    float64

	started         bool
	lastMeasurement time.Time
	lastAction      time.Time
	lastActed       time.Time
	actions         int
}

func NewLoop(cfg Config, measure MeasureFunc, actuate ActuateFunc) *Loop {
	if cfg.MeasurementPeriod <= 0 {
		cfg.MeasurementPeriod = time.Second
	}
	if cfg.ActionPeriod <= 0 {
		cfg.ActionPeriod = cfg.MeasurementPeriod
	}
	cfg.ActionPeriod = cfg.Bounds.Clamp(cfg.ActionPeriod)
	if cfg.OutputMin == 0 && cfg.OutputMax == 0 {
		cfg.OutputMax = 100
	}
	return &Loop{
		cfg:     cfg,
		measure: measure,
		actuate: actuate,
		pid:     newPID(cfg.Gains, cfg.OutputMin, cfg.OutputMax, cfg.Reverse),
	}
}

func (l *Loop) Name() string { return l.cfg.Name }

// Configure replaces gains and the action period. PID state is kept.
func (l *Loop) Configure(g Gains, actionPeriod time.Duration) {
	l.cfg.Gains = g
	l.pid.setGains(g)
	if actionPeriod > 0 {
		l.cfg.ActionPeriod = l.cfg.Bounds.Clamp(actionPeriod)
	}
}

func (l *Loop) SetSetpoint(v float64) { l.setpoint = v }

func (l *Loop) Setpoint() float64 { return l.setpoint }

// SetControlInterval changes the action period within the loop's bounds and
// returns the period actually applied.
func (l *Loop) SetControlInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return l.cfg.ActionPeriod
	}
	l.cfg.ActionPeriod = l.cfg.Bounds.Clamp(d)
	return l.cfg.ActionPeriod
}

func (l *Loop) ControlInterval() time.Duration { return l.cfg.ActionPeriod }

func (l *Loop) Mode() Mode { return l.mode }

// SetMode switches mode without resetting the PID. Entering manual applies
// the manual output at once.
func (l *Loop) SetMode(m Mode) {
	prev := l.mode
	l.mode = m
	if m == ModeManual && prev != ModeManual {
		l.apply(l.manual)
	}
}

// SetManualOutput stores the output held in manual mode and applies it
// immediately when the loop is in manual.
func (l *Loop) SetManualOutput(v float64) {
	l.manual = clamp(v, l.cfg.OutputMin, l.cfg.OutputMax)
	if l.mode == ModeManual {
		l.apply(l.manual)
	}
}

func (l *Loop) Output() float64 { return l.output }

// Input returns the retained measurement.
func (l *Loop) Input() (float64, bool) { return l.input, l.haveInput }

// Tick runs whatever is due at now and reports whether the actuator was
// driven. The first call only establishes the timers and takes a reading.
func (l *Loop) Tick(now time.Time) bool {
	if !l.started {
		l.started = true
		l.lastAction = now
		l.sample(now)
		return false
	}
	if now.Sub(l.lastMeasurement) >= l.cfg.MeasurementPeriod {
		l.sample(now)
	}
	if now.Sub(l.lastAction) < l.cfg.ActionPeriod {
		return false
	}
	dt := now.Sub(l.lastAction)
	l.lastAction = now
	if l.mode != ModeAuto || !l.inBand() {
		return false
	}
	l.apply(l.compute(dt))
	l.lastActed = now
	return true
}

// Restart moves the action timer to now so the next action is a full period
// away and its PID step does not span the time the loop was not ticked.
func (l *Loop) Restart(now time.Time) {
	if !l.started {
		return
	}
	l.lastAction = now
}

// sample keeps the previous input when the measurement is unusable.
func (l *Loop) sample(now time.Time) {
	l.lastMeasurement = now
	if l.measure == nil {
		return
	}
	v, ok := l.measure()
	if !ok || !finite(v) {
		return
	}
	l.input = v
	l.haveInput = true
}

func (l *Loop) inBand() bool {
	if !l.haveInput {
		return false
	}
	if l.cfg.TriggerBand <= 0 {
		return true
	}
	return math.Abs(l.setpoint-l.input) >= l.cfg.TriggerBand
}

func (l *Loop) compute(dt time.Duration) float64 {
	return l.pid.update(l.setpoint, l.input, dt)
}

func (l *Loop) apply(out float64) {
	l.output = out
	l.actions++
	if l.actuate != nil {
		l.actuate(out)
	}
}

// saturated reports whether the output sits at or above threshold percent
// of the output range.
func (l *Loop) saturated(thresholdPct float64) bool {
	span := l.cfg.OutputMax - l.cfg.OutputMin
	return l.output >= l.cfg.OutputMin+span*thresholdPct/100
}

func (l *Loop) Snapshot() Snapshot {
	return Snapshot{
		Name:         l.cfg.Name,
		Mode:         l.mode.String(),
		Setpoint:     l.setpoint,
		Input:        l.input,
		InputValid:   l.haveInput,
		Output:       l.output,
		Integral:     l.pid.integral(),
		Interval:     l.cfg.ActionPeriod.String(),
		LastActionAt: l.lastActed,
		Actions:      l.actions,
	}
}

func (l *Loop) Gains() Gains { return l.pid.gains() }
