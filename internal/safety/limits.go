package safety

import (
	"fmt"
	"time"

	"bioreactor/internal/sensors"
)

// Source provides the last valid reading of each channel.
type Source interface {
	Measurement(ch sensors.Channel) sensors.Reading[float64]
}

// Limits are the process bounds. Nil bounds are not checked.
type Limits struct {
	TemperatureMinC *float64 `yaml:"temperature_min_c"`
	TemperatureMaxC *float64 `yaml:"temperature_max_c"`
	PressureMaxBar  *float64 `yaml:"pressure_max_bar"`
	PHMin           *float64 `yaml:"ph_min"`
	PHMax           *float64 `yaml:"ph_max"`
	DOMinPct        *float64 `yaml:"do_min_pct"`

	// MaxAge fails a required channel whose last valid reading is older.
	// A channel never seen valid gets MaxAge of grace from the first check.
	MaxAge   time.Duration     `yaml:"max_age"`
	Required []sensors.Channel `yaml:"-"`
}

type LimitsPredicate struct {
	limits  Limits
	src     Source
	start   time.Time
	started bool
}

func NewLimits(src Source, l Limits) *LimitsPredicate {
	return &LimitsPredicate{limits: l, src: src}
}

func (p *LimitsPredicate) Check(now time.Time) (bool, string) {
	if !p.started {
		p.started = true
		p.start = now
	}
	l := p.limits
	if l.MaxAge > 0 {
		for _, ch := range l.Required {
			m := p.src.Measurement(ch)
			if !m.Valid {
				if now.Sub(p.start) > l.MaxAge {
					return false, fmt.Sprintf("%s: no valid reading", ch)
				}
				continue
			}
			if age := now.Sub(m.At); age > l.MaxAge {
				return false, fmt.Sprintf("%s: reading stale for %s", ch, age)
			}
		}
	}

	checks := []struct {
		ch       sensors.Channel
		min, max *float64
	}{
		{sensors.ChannelTemperature, l.TemperatureMinC, l.TemperatureMaxC},
		{sensors.ChannelPressure, nil, l.PressureMaxBar},
		{sensors.ChannelPH, l.PHMin, l.PHMax},
		{sensors.ChannelDO, l.DOMinPct, nil},
	}
	for _, c := range checks {
		if c.min == nil && c.max == nil {
			continue
		}
		m := p.src.Measurement(c.ch)
		if !m.Valid {
			continue
		}
		if c.min != nil && m.Value < *c.min {
			return false, fmt.Sprintf("%s %.2f below %.2f", c.ch, m.Value, *c.min)
		}
		if c.max != nil && m.Value > *c.max {
			return false, fmt.Sprintf("%s %.2f above %.2f", c.ch, m.Value, *c.max)
		}
	}
	return true, ""
}
