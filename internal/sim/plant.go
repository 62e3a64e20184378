// Package sim is a deterministic stand-in for the vessel: a lumped plant
// model driven by the actuator outputs, sensor drivers that read it, and a
// TMC5130A register model for the stirrer.
package sim

import (
	"math"
	"sync"
	"time"

	"bioreactor/internal/actuator"
	"bioreactor/internal/sensors"
)

// DutySource reports the commanded duty of an output; *actuator.Bank
// implements it.
type DutySource interface {
	Duty(name actuator.Name) float64
}

// SpeedSource reports the actual impeller speed.
type SpeedSource interface {
	RPM() float64
}

// PlantParams are the lumped constants of the model. Rates are per second
// unless noted.
type PlantParams struct {
	HeaterCPerS     float64
	LossPerS        float64
	DosePHPerS      float64
	KLaBase         float64
	KLaStirrer      float64
	KLaGas          float64
	MaxRPM          float64
	GasBarPerS      float64
	VentPerS        float64
	LeakPerS        float64
	AtmosphericBar  float64
	MaxBiomass      float64
	FeedGrowthBoost float64
}

func DefaultPlantParams() PlantParams {
	return PlantParams{
		HeaterCPerS:     0.02,
		LossPerS:        0.0005,
		DosePHPerS:      0.002,
		KLaBase:         0.0005,
		KLaStirrer:      0.01,
		KLaGas:          0.01,
		MaxRPM:          1000,
		GasBarPerS:      0.002,
		VentPerS:        0.02,
		LeakPerS:        0.0002,
		AtmosphericBar:  1.0,
		MaxBiomass:      50,
		FeedGrowthBoost: 1,
	}
}

// PlantState is the simulated process.
type PlantState struct {
	TemperatureC float64
	PH           float64
	DOPercent    float64
	PressureBar  float64
	Biomass      float64
}

// Plant integrates the model lazily: every read advances it to the caller's
// time in fixed substeps.
type Plant struct {
	params   PlantParams
	outputs  DutySource
	stirrer  SpeedSource
	scenario *Scenario
	loop     bool

	mu      sync.Mutex
	state   PlantState
	start   time.Time
	last    time.Time
	started bool
	dist    ScenarioState
}

const substep = 100 * time.Millisecond

func NewPlant(p PlantParams, initial PlantState, outputs DutySource, stirrer SpeedSource) *Plant {
	return &Plant{params: p, state: initial, outputs: outputs, stirrer: stirrer,
		dist: ScenarioState{AmbientC: 22}}
}

// DefaultInitialState is a freshly inoculated vessel at room temperature.
func DefaultInitialState() PlantState {
	return PlantState{TemperatureC: 22, PH: 7.0, DOPercent: 100, PressureBar: 1.0, Biomass: 0.5}
}

// SetScenario attaches a disturbance script measured from the first
// Advance. With loop set the script repeats.
func (p *Plant) SetScenario(s *Scenario, loop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scenario = s
	p.loop = loop
}

func (p *Plant) State() PlantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Advance integrates to now. Going backwards is a no-op.
func (p *Plant) Advance(now time.Time) PlantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(now)
	return p.state
}

func (p *Plant) advance(now time.Time) {
	if !p.started {
		p.started = true
		p.start, p.last = now, now
		p.refreshDisturbance(now)
		return
	}
	for now.Sub(p.last) > 0 {
		dt := now.Sub(p.last)
		if dt > substep {
			dt = substep
		}
		p.last = p.last.Add(dt)
		p.refreshDisturbance(p.last)
		p.step(dt.Seconds())
	}
}

func (p *Plant) refreshDisturbance(now time.Time) {
	if p.scenario == nil {
		return
	}
	p.dist = p.scenario.StateAt(now.Sub(p.start), p.loop)
}

func (p *Plant) duty(n actuator.Name) float64 {
	if p.outputs == nil {
		return 0
	}
	return p.outputs.Duty(n) / 100
}

func (p *Plant) step(dt float64) {
	pp := p.params
	s := &p.state
	d := p.dist

	s.TemperatureC += (pp.HeaterCPerS*p.duty(actuator.Heater) - pp.LossPerS*(s.TemperatureC-d.AmbientC)) * dt

	dose := p.duty(actuator.BasePump) - p.duty(actuator.AcidPump)
	s.PH += (pp.DosePHPerS*dose - d.AcidProductionPHPerH/3600) * dt
	s.PH = clamp(s.PH, 0, 14)

	rpm := 0.0
	if p.stirrer != nil {
		rpm = p.stirrer.RPM()
	}
	kla := pp.KLaBase + pp.KLaGas*p.duty(actuator.GasValve)
	if pp.MaxRPM > 0 {
		kla += pp.KLaStirrer * math.Min(rpm/pp.MaxRPM, 1)
	}
	uptake := d.OxygenUptakePctPerMin / 60 * (s.Biomass / math.Max(pp.MaxBiomass, 1)) * 10
	s.DOPercent += (kla*(100-s.DOPercent) - uptake) * dt
	s.DOPercent = clamp(s.DOPercent, 0, 100)

	over := s.PressureBar - pp.AtmosphericBar
	s.PressureBar += (pp.GasBarPerS*p.duty(actuator.GasValve) -
		(pp.VentPerS*p.duty(actuator.BackpressureValve)+pp.LeakPerS)*over) * dt
	if s.PressureBar < pp.AtmosphericBar {
		s.PressureBar = pp.AtmosphericBar
	}

	growth := d.GrowthPerH / 3600 * (1 + pp.FeedGrowthBoost*p.duty(actuator.FeedPump))
	if pp.MaxBiomass > 0 {
		s.Biomass += growth * s.Biomass * (1 - s.Biomass/pp.MaxBiomass) * dt
	}
}

func (p *Plant) faulted(ch sensors.Channel) bool {
	return p.dist.Faulted[ch]
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

// Driver is a sensors.Driver reading one channel of the plant.
type Driver struct {
	plant *Plant
	kind  sensors.Kind
}

// Drivers returns one driver per simulated sensor.
func (p *Plant) Drivers() []sensors.Driver {
	kinds := []sensors.Kind{sensors.KindPH, sensors.KindDO, sensors.KindRTD, sensors.KindPressure, sensors.KindBiomass}
	out := make([]sensors.Driver, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, &Driver{plant: p, kind: k})
	}
	return out
}

func (d *Driver) Kind() sensors.Kind { return d.kind }

func (d *Driver) Sample(now time.Time) sensors.Sample {
	p := d.plant
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(now)
	s := p.state

	out := sensors.Sample{Kind: d.kind}
	switch d.kind {
	case sensors.KindPH:
		if p.faulted(sensors.ChannelPH) {
			out.PH = sensors.Invalid[sensors.PH](now)
		} else {
			out.PH = sensors.Valid(sensors.PH{PH: s.PH, TemperatureC: s.TemperatureC}, now)
		}
	case sensors.KindDO:
		if p.faulted(sensors.ChannelDO) {
			out.DO = sensors.Invalid[sensors.DissolvedOxygen](now)
		} else {
			out.DO = sensors.Valid(sensors.DissolvedOxygen{Percent: s.DOPercent, TemperatureC: s.TemperatureC}, now)
		}
	case sensors.KindRTD:
		if p.faulted(sensors.ChannelTemperature) {
			out.RTD = sensors.Invalid[sensors.RTD](now)
		} else {
			var r sensors.RTD
			r.Channels[0] = sensors.RTDChannel{TemperatureC: s.TemperatureC, Valid: true}
			r.Count = 1
			r.TemperatureC = s.TemperatureC
			out.RTD = sensors.Valid(r, now)
		}
	case sensors.KindPressure:
		if p.faulted(sensors.ChannelPressure) {
			out.Pressure = sensors.Invalid[sensors.Pressure](now)
		} else {
			out.Pressure = sensors.Valid(sensors.Pressure{Bar: s.PressureBar, TemperatureC: s.TemperatureC}, now)
		}
	case sensors.KindBiomass:
		if p.faulted(sensors.ChannelBiomass) {
			out.Biomass = sensors.Invalid[sensors.Biomass](now)
		} else {
			out.Biomass = sensors.Valid(sensors.Biomass{Density: s.Biomass}, now)
		}
	}
	return out
}
