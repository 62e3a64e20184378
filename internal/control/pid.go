package control

import (
	"math"
	"time"

	"go.einride.tech/pid"
)

type Gains struct {
	Kp float64 `yaml:"kp" json:"kp"`
	Ki float64 `yaml:"ki" json:"ki"`
	Kd float64 `yaml:"kd" json:"kd"`
}

// pidEngine bounds the einride controller's output and stops integrating
// while the output is pinned at a limit.
//
// Not safe for concurrent use.
type pidEngine struct {
	c        pid.Controller
	min, max float64
	reverse  bool

	primed bool
	out    float64
}

func newPID(g Gains, min, max float64, reverse bool) *pidEngine {
	p := &pidEngine{min: min, max: max, reverse: reverse}
	p.setGains(g)
	return p
}

// setGains swaps gains without touching the accumulated state.
func (p *pidEngine) setGains(g Gains) {
	p.c.Config = pid.ControllerConfig{
		ProportionalGain: g.Kp,
		IntegralGain:     g.Ki,
		DerivativeGain:   g.Kd,
	}
}

func (p *pidEngine) gains() Gains {
	return Gains{Kp: p.c.Config.ProportionalGain, Ki: p.c.Config.IntegralGain, Kd: p.c.Config.DerivativeGain}
}

// update runs one PID step over dt and returns the bounded output. A
// non-positive dt leaves the output unchanged.
func (p *pidEngine) update(setpoint, input float64, dt time.Duration) float64 {
	if dt <= 0 {
		return p.out
	}
	ref, act := setpoint, input
	if p.reverse {
		ref, act = input, setpoint
	}
	if !p.primed {
		// No derivative kick on the first step.
		p.c.State.ControlError = ref - act
		p.primed = true
	}
	prevIntegral := p.c.State.ControlErrorIntegral
	p.c.Update(pid.ControllerInput{
		ReferenceSignal:  ref,
		ActualSignal:     act,
		SamplingInterval: dt,
	})
	raw := p.c.State.ControlSignal
	out := clamp(raw, p.min, p.max)
	if out != raw || math.IsNaN(raw) {
		p.c.State.ControlErrorIntegral = prevIntegral
	}
	if math.IsNaN(out) {
		out = p.out
	}
	p.out = out
	return out
}

func (p *pidEngine) integral() float64 { return p.c.State.ControlErrorIntegral }

func (p *pidEngine) reset() {
	p.c.State = pid.ControllerState{}
	p.primed = false
	p.out = 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
