// Package sensors defines the readings produced by the bioreactor's sensing
// channels and the single capability every sensor driver implements.
//
// Drivers live in subpackages (chem, max31865, bmp280) and in the plant
// simulator. The fusion layer dispatches on Driver.Kind.
package sensors

import (
	"math"
	"time"
)

// Reading is one sample of a channel. A reading with Valid=false carries no
// usable Value; consumers must not act on it.
type Reading[T any] struct {
	Value T
	Valid bool
	At    time.Time
}

// Invalid returns a reading marked invalid at the given time.
func Invalid[T any](at time.Time) Reading[T] {
	return Reading[T]{At: at}
}

// Valid returns a valid reading.
func Valid[T any](v T, at time.Time) Reading[T] {
	return Reading[T]{Value: v, Valid: true, At: at}
}

type PH struct {
	PH           float64 `json:"ph"`
	TemperatureC float64 `json:"temperature_c"`
}

type DissolvedOxygen struct {
	Percent      float64 `json:"percent"`
	TemperatureC float64 `json:"temperature_c"`
}

type Biomass struct {
	Density          float64 `json:"density"`
	ScatteredLight   float64 `json:"scattered_light"`
	TransmittedLight float64 `json:"transmitted_light"`
}

// MaxRTDChannels is the number of PT100 probes wired to the board.
const MaxRTDChannels = 3

type RTDChannel struct {
	TemperatureC float64 `json:"temperature_c"`
	Valid        bool    `json:"valid"`
	Fault        bool    `json:"fault"`
	FaultCode    byte    `json:"fault_code"`
}

// RTD aggregates the PT100 probes. TemperatureC is the mean of the valid
// channels.
type RTD struct {
	Channels     [MaxRTDChannels]RTDChannel `json:"channels"`
	Count        int                        `json:"count"`
	TemperatureC float64                    `json:"temperature_c"`
}

type Pressure struct {
	Bar          float64 `json:"bar"`
	TemperatureC float64 `json:"temperature_c"`
}

// Kind is the closed set of sensor variants.
type Kind int

const (
	KindPH Kind = iota + 1
	KindDO
	KindBiomass
	KindRTD
	KindPressure
)

func (k Kind) String() string {
	switch k {
	case KindPH:
		return "ph"
	case KindDO:
		return "do"
	case KindBiomass:
		return "biomass"
	case KindRTD:
		return "rtd"
	case KindPressure:
		return "pressure"
	default:
		return "unknown"
	}
}

// Sample carries exactly one typed reading, selected by Kind.
type Sample struct {
	Kind     Kind
	PH       Reading[PH]
	DO       Reading[DissolvedOxygen]
	Biomass  Reading[Biomass]
	RTD      Reading[RTD]
	Pressure Reading[Pressure]
}

func (s Sample) Valid() bool {
	switch s.Kind {
	case KindPH:
		return s.PH.Valid
	case KindDO:
		return s.DO.Valid
	case KindBiomass:
		return s.Biomass.Valid
	case KindRTD:
		return s.RTD.Valid
	case KindPressure:
		return s.Pressure.Valid
	default:
		return false
	}
}

// Driver produces a typed, validity-flagged reading for one channel. Sample
// must be bounded in time; a bus failure is reported as an invalid reading,
// never as a panic or a blocking call.
type Driver interface {
	Kind() Kind
	Sample(now time.Time) Sample
}

// Channel names the scalar process variables derived from the readings.
type Channel int

const (
	ChannelPH Channel = iota + 1
	ChannelDO
	ChannelTemperature
	ChannelPressure
	ChannelBiomass
)

// Channels lists every scalar channel in display order.
var Channels = []Channel{ChannelPH, ChannelDO, ChannelTemperature, ChannelPressure, ChannelBiomass}

func (c Channel) String() string {
	switch c {
	case ChannelPH:
		return "ph"
	case ChannelDO:
		return "do"
	case ChannelTemperature:
		return "temperature"
	case ChannelPressure:
		return "pressure"
	case ChannelBiomass:
		return "biomass"
	default:
		return "unknown"
	}
}

// Unavailable is a driver for hardware that failed to initialise. It always
// reports invalid readings so downstream code keeps its last good values.
type Unavailable struct {
	K   Kind
	Err error
}

func (u Unavailable) Kind() Kind { return u.K }

func (u Unavailable) Sample(now time.Time) Sample {
	return Sample{
		Kind:     u.K,
		PH:       Invalid[PH](now),
		DO:       Invalid[DissolvedOxygen](now),
		Biomass:  Invalid[Biomass](now),
		RTD:      Invalid[RTD](now),
		Pressure: Invalid[Pressure](now),
	}
}

// Finite reports whether all values are usable numbers.
func Finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
