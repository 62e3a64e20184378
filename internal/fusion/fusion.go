// Package fusion merges the sensor drivers into one view of the vessel.
//
// Poll samples every driver on a fixed period and records the combined
// result in a fixed-size ring. Alongside the ring it keeps, per channel, the
// most recent valid reading: an invalid sample updates the history but never
// replaces a good value. Control loops read only that last-valid view.
//
// Not safe for concurrent use; the controller owns the layer and calls it
// from the tick loop.
package fusion

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"bioreactor/internal/sensors"
)

const (
	DefaultPeriod  = 1 * time.Second
	DefaultHistory = 60
)

type Config struct {
	Period time.Duration
	// History is the ring capacity in samples; one minute at the default period.
	History int
}

// Readings is one combined sample of every channel.
type Readings struct {
	At       time.Time
	PH       sensors.Reading[sensors.PH]
	DO       sensors.Reading[sensors.DissolvedOxygen]
	Biomass  sensors.Reading[sensors.Biomass]
	RTD      sensors.Reading[sensors.RTD]
	Pressure sensors.Reading[sensors.Pressure]
}

// Measurement projects the scalar process variable for ch.
func (r Readings) Measurement(ch sensors.Channel) sensors.Reading[float64] {
	switch ch {
	case sensors.ChannelPH:
		return sensors.Reading[float64]{Value: r.PH.Value.PH, Valid: r.PH.Valid, At: r.PH.At}
	case sensors.ChannelDO:
		return sensors.Reading[float64]{Value: r.DO.Value.Percent, Valid: r.DO.Valid, At: r.DO.At}
	case sensors.ChannelTemperature:
		return sensors.Reading[float64]{Value: r.RTD.Value.TemperatureC, Valid: r.RTD.Valid, At: r.RTD.At}
	case sensors.ChannelPressure:
		return sensors.Reading[float64]{Value: r.Pressure.Value.Bar, Valid: r.Pressure.Valid, At: r.Pressure.At}
	case sensors.ChannelBiomass:
		return sensors.Reading[float64]{Value: r.Biomass.Value.Density, Valid: r.Biomass.Valid, At: r.Biomass.At}
	default:
		return sensors.Reading[float64]{}
	}
}

// merge stores s into the slot of its kind. Kinds without a driver stay zero.
func (r *Readings) merge(s sensors.Sample) {
	switch s.Kind {
	case sensors.KindPH:
		r.PH = s.PH
	case sensors.KindDO:
		r.DO = s.DO
	case sensors.KindBiomass:
		r.Biomass = s.Biomass
	case sensors.KindRTD:
		r.RTD = s.RTD
	case sensors.KindPressure:
		r.Pressure = s.Pressure
	}
}

// keepValid copies every valid channel of next over r, leaving the others.
func (r *Readings) keepValid(next Readings) {
	if next.PH.Valid {
		r.PH = next.PH
	}
	if next.DO.Valid {
		r.DO = next.DO
	}
	if next.Biomass.Valid {
		r.Biomass = next.Biomass
	}
	if next.RTD.Valid {
		r.RTD = next.RTD
	}
	if next.Pressure.Valid {
		r.Pressure = next.Pressure
	}
	r.At = next.At
}

type Layer struct {
	cfg     Config
	drivers []sensors.Driver

	ring  []Readings
	next  int
	count int

	latest    Readings
	lastValid Readings

	lastPoll time.Time
	polled   bool
}

func New(cfg Config, drivers ...sensors.Driver) *Layer {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	return &Layer{
		cfg:     cfg,
		drivers: drivers,
		ring:    make([]Readings, cfg.History),
	}
}

// Poll samples all drivers if a period has elapsed since the previous poll
// (the first call always polls). It reports whether a poll happened.
func (l *Layer) Poll(now time.Time) bool {
	if l.polled && now.Sub(l.lastPoll) < l.cfg.Period {
		return false
	}
	r := Readings{At: now}
	for _, d := range l.drivers {
		r.merge(d.Sample(now))
	}
	l.Record(r)
	l.lastPoll = now
	l.polled = true
	return true
}

// Record stores one combined sample: it always enters the history, and only
// its valid channels update the last-valid snapshot.
func (l *Layer) Record(r Readings) {
	l.ring[l.next] = r
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
	l.latest = r
	l.lastValid.keepValid(r)
}

// LatestValid returns the per-channel last good readings. Channels that
// were never valid are zero with Valid=false.
func (l *Layer) LatestValid() Readings { return l.lastValid }

// Latest returns the most recent raw sample, valid or not.
func (l *Layer) Latest() Readings { return l.latest }

// History returns the buffered samples, oldest first.
func (l *Layer) History() []Readings {
	out := make([]Readings, 0, l.count)
	start := (l.next - l.count + len(l.ring)) % len(l.ring)
	for i := 0; i < l.count; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}
	return out
}

// Measurement returns the last valid value of ch.
func (l *Layer) Measurement(ch sensors.Channel) sensors.Reading[float64] {
	return l.lastValid.Measurement(ch)
}

// Value adapts Measurement to the (value, ok) form control loops consume.
func (l *Layer) Value(ch sensors.Channel) (float64, bool) {
	m := l.Measurement(ch)
	return m.Value, m.Valid
}

// Age reports how long ago ch last had a valid reading.
func (l *Layer) Age(ch sensors.Channel, now time.Time) (time.Duration, bool) {
	m := l.Measurement(ch)
	if !m.Valid {
		return 0, false
	}
	return now.Sub(m.At), true
}

// Stats summarises the valid samples of ch held in the history window.
type Stats struct {
	N      int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

func (l *Layer) Stats(ch sensors.Channel) Stats {
	xs := make([]float64, 0, l.count)
	for _, r := range l.History() {
		if m := r.Measurement(ch); m.Valid {
			xs = append(xs, m.Value)
		}
	}
	if len(xs) == 0 {
		return Stats{}
	}
	s := Stats{N: len(xs), Min: xs[0], Max: xs[0]}
	for _, x := range xs[1:] {
		if x < s.Min {
			s.Min = x
		}
		if x > s.Max {
			s.Max = x
		}
	}
	if len(xs) == 1 {
		s.Mean = xs[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	return s
}

// Stale reports whether ch has gone longer than maxAge without a valid
// reading. A channel that was never valid is stale.
func (l *Layer) Stale(ch sensors.Channel, now time.Time, maxAge time.Duration) bool {
	age, ok := l.Age(ch, now)
	return !ok || age > maxAge
}

func (l *Layer) PH() (float64, bool)           { return l.Value(sensors.ChannelPH) }
func (l *Layer) DO() (float64, bool)           { return l.Value(sensors.ChannelDO) }
func (l *Layer) TemperatureC() (float64, bool) { return l.Value(sensors.ChannelTemperature) }
func (l *Layer) PressureBar() (float64, bool)  { return l.Value(sensors.ChannelPressure) }
