package control

import "time"

// Default loop profiles for a bench-scale vessel.

func PHProfile() Config {
	return Config{
		Name:              "ph",
		Gains:             Gains{Kp: 2, Ki: 0.5, Kd: 0.1},
		MeasurementPeriod: time.Second,
		ActionPeriod:      120 * time.Second,
		TriggerBand:       0.2,
		// Positive doses base, negative doses acid.
		OutputMin: -100,
		OutputMax: 100,
	}
}

func TemperatureProfile() Config {
	return Config{
		Name:              "temperature",
		Gains:             Gains{Kp: 2, Ki: 0.5, Kd: 0.1},
		MeasurementPeriod: time.Second,
		ActionPeriod:      10 * time.Second,
		Bounds:            IntervalBounds{Min: 10 * time.Second, Max: 30 * time.Second},
		OutputMin:         0,
		OutputMax:         100,
	}
}

func PressureProfile() Config {
	return Config{
		Name:              "pressure",
		Gains:             Gains{Kp: 1, Ki: 0.2, Kd: 0.05},
		MeasurementPeriod: time.Second,
		ActionPeriod:      5 * time.Second,
		Bounds:            IntervalBounds{Min: 5 * time.Second, Max: 10 * time.Second},
		OutputMin:         0,
		OutputMax:         100,
		Reverse:           true,
	}
}

func StirrerProfile() Config {
	return Config{
		Name:              "do_stirrer",
		Gains:             Gains{Kp: 2, Ki: 0.5, Kd: 0.1},
		MeasurementPeriod: time.Second,
		ActionPeriod:      30 * time.Second,
		OutputMin:         0,
		OutputMax:         100,
	}
}

func GasProfile() Config {
	return Config{
		Name:              "do_gas",
		Gains:             Gains{Kp: 1, Ki: 0.2, Kd: 0.05},
		MeasurementPeriod: time.Second,
		ActionPeriod:      30 * time.Second,
		OutputMin:         0,
		OutputMax:         100,
	}
}

func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{
		MeasurementPeriod: time.Second,
		ActionPeriod:      30 * time.Second,
		Priority:          StirrerFirst,
		SaturationPct:     DefaultSaturationPct,
	}
}
