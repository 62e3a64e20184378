package control

import (
	"fmt"
	"strings"
	"time"
)

type Priority int

const (
	StirrerFirst Priority = iota
	GasFirst
)

func (p Priority) String() string {
	switch p {
	case StirrerFirst:
		return "stirrer_first"
	case GasFirst:
		return "gas_first"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stirrer_first", "stirrer":
		return StirrerFirst, nil
	case "gas_first", "gas":
		return GasFirst, nil
	default:
		return 0, fmt.Errorf("control: unknown cascade priority %q", s)
	}
}

// DefaultSaturationPct is the primary output, as a percentage of its range,
// at which the secondary actuator is brought in.
const DefaultSaturationPct = 95

type CascadeConfig struct {
	MeasurementPeriod time.Duration
	ActionPeriod      time.Duration
	Priority          Priority
	SaturationPct     float64
}

type CascadeSnapshot struct {
	Priority   string   `json:"priority"`
	Mode       string   `json:"mode"`
	Setpoint   float64  `json:"setpoint"`
	Input      float64  `json:"input"`
	InputValid bool     `json:"input_valid"`
	Escalated  bool     `json:"escalated"`
	Stirrer    Snapshot `json:"stirrer"`
	Gas        Snapshot `json:"gas"`
}

// Cascade drives two actuators for one variable. The primary loop is
// evaluated every action; the secondary only when the primary is at or
// above the saturation threshold. Otherwise the secondary holds.
//
// The member loops share this cascade's setpoint, measurement and timers;
// their own Tick is never called.
type Cascade struct {
	cfg     CascadeConfig
	measure MeasureFunc
	stirrer *Loop
	gas     *Loop

	mode     Mode
	setpoint float64

	input     float64
	haveInput bool
	escalated bool

	started         bool
	lastMeasurement time.Time
	lastAction      time.Time
}

func NewCascade(cfg CascadeConfig, measure MeasureFunc, stirrer, gas *Loop) *Cascade {
	if cfg.MeasurementPeriod <= 0 {
		cfg.MeasurementPeriod = time.Second
	}
	if cfg.ActionPeriod <= 0 {
		cfg.ActionPeriod = 30 * time.Second
	}
	if cfg.SaturationPct <= 0 {
		cfg.SaturationPct = DefaultSaturationPct
	}
	return &Cascade{cfg: cfg, measure: measure, stirrer: stirrer, gas: gas}
}

func (c *Cascade) Stirrer() *Loop { return c.stirrer }
func (c *Cascade) Gas() *Loop     { return c.gas }

func (c *Cascade) SetSetpoint(v float64) {
	c.setpoint = v
	c.stirrer.SetSetpoint(v)
	c.gas.SetSetpoint(v)
}

func (c *Cascade) Setpoint() float64 { return c.setpoint }

// SetPriority swaps which loop leads. Neither PID is reset.
func (c *Cascade) SetPriority(p Priority) { c.cfg.Priority = p }

func (c *Cascade) Priority() Priority { return c.cfg.Priority }

func (c *Cascade) SetMode(m Mode) { c.mode = m }

func (c *Cascade) Mode() Mode { return c.mode }

func (c *Cascade) primary() (lead, follow *Loop) {
	if c.cfg.Priority == GasFirst {
		return c.gas, c.stirrer
	}
	return c.stirrer, c.gas
}

// Tick mirrors Loop.Tick for the pair and reports whether any actuator was
// driven.
func (c *Cascade) Tick(now time.Time) bool {
	if !c.started {
		c.started = true
		c.lastAction = now
		c.sample(now)
		return false
	}
	if now.Sub(c.lastMeasurement) >= c.cfg.MeasurementPeriod {
		c.sample(now)
	}
	if now.Sub(c.lastAction) < c.cfg.ActionPeriod {
		return false
	}
	dt := now.Sub(c.lastAction)
	c.lastAction = now
	if c.mode != ModeAuto || !c.haveInput {
		return false
	}

	lead, follow := c.primary()
	for _, l := range []*Loop{lead, follow} {
		l.input, l.haveInput = c.input, true
	}
	out := lead.compute(dt)
	lead.output = out
	c.escalated = lead.saturated(c.cfg.SaturationPct)
	if c.escalated {
		follow.apply(follow.compute(dt))
		follow.lastActed = now
	}
	lead.apply(out)
	lead.lastActed = now
	return true
}

// Restart moves the shared action timer to now; see Loop.Restart.
func (c *Cascade) Restart(now time.Time) {
	if !c.started {
		return
	}
	c.lastAction = now
}

func (c *Cascade) sample(now time.Time) {
	c.lastMeasurement = now
	if c.measure == nil {
		return
	}
	if v, ok := c.measure(); ok && finite(v) {
		c.input = v
		c.haveInput = true
	}
}

func (c *Cascade) Snapshot() CascadeSnapshot {
	return CascadeSnapshot{
		Priority:   c.cfg.Priority.String(),
		Mode:       c.mode.String(),
		Setpoint:   c.setpoint,
		Input:      c.input,
		InputValid: c.haveInput,
		Escalated:  c.escalated,
		Stirrer:    c.stirrer.Snapshot(),
		Gas:        c.gas.Snapshot(),
	}
}
