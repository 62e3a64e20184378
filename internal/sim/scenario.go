package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"bioreactor/internal/sensors"
)

// ScenarioScript is a deterministic, script-driven disturbance profile for
// the plant: ambient conditions and culture activity over time, plus sensor
// dropouts.
//
// Time is expressed as Go duration strings (e.g. "0s", "90s", "2h").
// If Duration is zero, it is derived from the latest keyframe or fault end.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 2h
//	keyframes:
//	  - t: 0s
//	    ambient_c: 22
//	    oxygen_uptake_pct_per_min: 2
//	    acid_production_ph_per_h: 0.3
//	    growth_per_h: 0.05
//	faults:
//	  - channel: temperature
//	    from: 10m
//	    until: 12m
//
// Keyframes must use non-decreasing t values.
type ScenarioScript struct {
	Version   int             `yaml:"version"`
	Duration  time.Duration   `yaml:"duration"`
	Keyframes []PlantKeyframe `yaml:"keyframes"`
	Faults    []SensorFault   `yaml:"faults"`
}

// PlantKeyframe is a time-stamped set of disturbance parameters.
type PlantKeyframe struct {
	T                     time.Duration `yaml:"t"`
	AmbientC              float64       `yaml:"ambient_c"`
	OxygenUptakePctPerMin float64       `yaml:"oxygen_uptake_pct_per_min"`
	AcidProductionPHPerH  float64       `yaml:"acid_production_ph_per_h"`
	GrowthPerH            float64       `yaml:"growth_per_h"`
}

// SensorFault marks a channel invalid for [From, Until).
type SensorFault struct {
	Channel string        `yaml:"channel"`
	From    time.Duration `yaml:"from"`
	Until   time.Duration `yaml:"until"`

	ch sensors.Channel
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i := range script.Keyframes {
		if script.Keyframes[i].T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && script.Keyframes[i].T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
	}
	faults := make([]SensorFault, len(script.Faults))
	for i, f := range script.Faults {
		ch, ok := parseChannel(f.Channel)
		if !ok {
			return nil, fmt.Errorf("faults[%d].channel %q is unknown", i, f.Channel)
		}
		if f.From < 0 || f.Until <= f.From {
			return nil, fmt.Errorf("faults[%d] needs 0 <= from < until", i)
		}
		f.ch = ch
		faults[i] = f
	}
	script.Faults = faults

	dur := script.Duration
	if dur <= 0 {
		dur = maxScriptTime(script)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}
	return &Scenario{script: script, duration: dur}, nil
}

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// ScenarioState is the computed disturbance at a time.
type ScenarioState struct {
	AmbientC              float64
	OxygenUptakePctPerMin float64
	AcidProductionPHPerH  float64
	GrowthPerH            float64
	Faulted               map[sensors.Channel]bool
}

// StateAt computes scenario state at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is clamped
// to [0, Duration()].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) ScenarioState {
	if s == nil {
		return ScenarioState{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if loop {
			elapsed = elapsed % s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}

	kf0, kf1, alpha := selectSegment(s.script.Keyframes, elapsed)
	out := ScenarioState{
		AmbientC:              lerp(kf0.AmbientC, kf1.AmbientC, alpha),
		OxygenUptakePctPerMin: lerp(kf0.OxygenUptakePctPerMin, kf1.OxygenUptakePctPerMin, alpha),
		AcidProductionPHPerH:  lerp(kf0.AcidProductionPHPerH, kf1.AcidProductionPHPerH, alpha),
		GrowthPerH:            lerp(kf0.GrowthPerH, kf1.GrowthPerH, alpha),
	}
	for _, f := range s.script.Faults {
		if elapsed >= f.From && elapsed < f.Until {
			if out.Faulted == nil {
				out.Faulted = map[sensors.Channel]bool{}
			}
			out.Faulted[f.ch] = true
		}
	}
	return out
}

func parseChannel(s string) (sensors.Channel, bool) {
	for _, ch := range sensors.Channels {
		if ch.String() == s {
			return ch, true
		}
	}
	return 0, false
}

func maxScriptTime(s ScenarioScript) time.Duration {
	max := time.Duration(0)
	for _, kf := range s.Keyframes {
		if kf.T > max {
			max = kf.T
		}
	}
	for _, f := range s.Faults {
		if f.Until > max {
			max = f.Until
		}
	}
	return max
}

func selectSegment(kfs []PlantKeyframe, t time.Duration) (PlantKeyframe, PlantKeyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
