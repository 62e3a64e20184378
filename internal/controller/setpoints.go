package controller

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Setpoints is the operator-facing target set. It is applied as a whole.
type Setpoints struct {
	PH           float64 `json:"ph" yaml:"ph"`
	DOPercent    float64 `json:"do_percent" yaml:"do_percent"`
	TemperatureC float64 `json:"temperature_c" yaml:"temperature_c"`
	PressureBar  float64 `json:"pressure_bar" yaml:"pressure_bar"`
	// StirrerRPM is the fixed impeller speed used while DO is not in auto.
	StirrerRPM float64 `json:"stirrer_rpm" yaml:"stirrer_rpm"`
	// FeedRatePct drives the feed pump directly.
	FeedRatePct float64 `json:"feed_rate_pct" yaml:"feed_rate_pct"`
}

func DefaultSetpoints() Setpoints {
	return Setpoints{
		PH:           7.0,
		DOPercent:    40,
		TemperatureC: 37,
		PressureBar:  1.0,
		StirrerRPM:   200,
		FeedRatePct:  0,
	}
}

var ErrInvalidSetpoints = errors.New("controller: invalid setpoints")

// Validate checks every field and reports all violations at once.
func (s Setpoints) Validate(maxRPM float64) error {
	var bad []string
	check := func(name string, v, lo, hi float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < lo || v > hi {
			bad = append(bad, fmt.Sprintf("%s=%g outside [%g, %g]", name, v, lo, hi))
		}
	}
	check("ph", s.PH, 0, 14)
	check("do_percent", s.DOPercent, 0, 100)
	check("temperature_c", s.TemperatureC, 0, 80)
	check("pressure_bar", s.PressureBar, 0, 3)
	check("stirrer_rpm", s.StirrerRPM, 0, maxRPM)
	check("feed_rate_pct", s.FeedRatePct, 0, 100)
	if len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSetpoints, strings.Join(bad, "; "))
	}
	return nil
}

// Variable names a controlled process variable.
type Variable int

const (
	VarPH Variable = iota + 1
	VarDO
	VarTemperature
	VarPressure
)

var Variables = []Variable{VarPH, VarDO, VarTemperature, VarPressure}

func (v Variable) String() string {
	switch v {
	case VarPH:
		return "ph"
	case VarDO:
		return "do"
	case VarTemperature:
		return "temperature"
	case VarPressure:
		return "pressure"
	default:
		return fmt.Sprintf("variable(%d)", int(v))
	}
}

func ParseVariable(s string) (Variable, error) {
	for _, v := range Variables {
		if strings.EqualFold(strings.TrimSpace(s), v.String()) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("controller: unknown variable %q", s)
}
