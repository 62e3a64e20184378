package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bioreactor/internal/actuator"
	"bioreactor/internal/control"
	"bioreactor/internal/controller"
	"bioreactor/internal/gpio"
	"bioreactor/internal/motor"
	"bioreactor/internal/safety"
	"bioreactor/internal/sensors"
)

type Config struct {
	// Tick is the cooperative loop period.
	Tick      time.Duration        `yaml:"tick"`
	Hardware  HardwareConfig       `yaml:"hardware"`
	Sensors   SensorsConfig        `yaml:"sensors"`
	Motor     motor.Config         `yaml:"motor"`
	Stirrer   StirrerConfig        `yaml:"stirrer"`
	Control   ControlConfig        `yaml:"control"`
	Cascade   CascadeConfig        `yaml:"cascade"`
	Safety    SafetyConfig         `yaml:"safety"`
	Setpoints controller.Setpoints `yaml:"setpoints"`
	Store     StoreConfig          `yaml:"store"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	Link      LinkConfig           `yaml:"link"`
	Sim       SimConfig            `yaml:"sim"`
}

type HardwareConfig struct {
	Modbus ModbusConfig `yaml:"modbus"`
	// MotorSPI is the spidev node of the stepper driver.
	MotorSPI    string          `yaml:"motor_spi"`
	MotorEnable gpio.LineConfig `yaml:"motor_enable"`
	// RTDSPI lists one spidev node per MAX31865; RTDReady optionally pairs
	// each with its data-ready line.
	RTDSPI        []string          `yaml:"rtd_spi"`
	RTDReady      []gpio.LineConfig `yaml:"rtd_ready"`
	SPISpeedHz    uint32            `yaml:"spi_speed_hz"`
	I2CBus        string            `yaml:"i2c_bus"`
	BMP280Address uint16            `yaml:"bmp280_address"`
	Outputs       map[string]Output `yaml:"outputs"`
}

type ModbusConfig struct {
	Device      string        `yaml:"device"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Output binds an actuator name to a PWM channel or a GPIO line.
type Output struct {
	Type string             `yaml:"type"`
	PWM  actuator.PWMConfig `yaml:"pwm"`
	Line gpio.LineConfig    `yaml:"line"`
}

type SensorsConfig struct {
	PollPeriod   time.Duration `yaml:"poll_period"`
	History      int           `yaml:"history"`
	PHSlave      byte          `yaml:"ph_slave"`
	DOSlave      byte          `yaml:"do_slave"`
	BiomassSlave byte          `yaml:"biomass_slave"`
}

type StirrerConfig struct {
	MaxRPM float64 `yaml:"max_rpm"`
}

type LoopConfig struct {
	Gains             control.Gains `yaml:"gains"`
	MeasurementPeriod time.Duration `yaml:"measurement_period"`
	ActionPeriod      time.Duration `yaml:"action_period"`
	MinInterval       time.Duration `yaml:"min_interval"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	TriggerBand       float64       `yaml:"trigger_band"`
	OutputMin         float64       `yaml:"output_min"`
	OutputMax         float64       `yaml:"output_max"`
	Reverse           bool          `yaml:"reverse"`
}

type ControlConfig struct {
	PH          LoopConfig `yaml:"ph"`
	Temperature LoopConfig `yaml:"temperature"`
	Pressure    LoopConfig `yaml:"pressure"`
	Stirrer     LoopConfig `yaml:"do_stirrer"`
	Gas         LoopConfig `yaml:"do_gas"`
}

type CascadeConfig struct {
	Priority          string        `yaml:"priority"`
	SaturationPct     float64       `yaml:"saturation_pct"`
	MeasurementPeriod time.Duration `yaml:"measurement_period"`
	ActionPeriod      time.Duration `yaml:"action_period"`
}

type SafetyConfig struct {
	CheckInterval    time.Duration `yaml:"check_interval"`
	ConfirmWindow    time.Duration `yaml:"confirm_window"`
	EventHistory     int           `yaml:"event_history"`
	SafeAmbientC     float64       `yaml:"safe_ambient_c"`
	Limits           safety.Limits `yaml:"limits"`
	RequiredChannels []string      `yaml:"required_channels"`
}

type StoreConfig struct {
	// Path of the bbolt file; empty disables persistence.
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	// Listen is the HTTP address for /metrics; empty disables it.
	Listen string `yaml:"listen"`
}

// LinkConfig places the binary command/telemetry link on UDP.
type LinkConfig struct {
	// Listen accepts command records and answers each with telemetry; empty
	// disables it.
	Listen string `yaml:"listen"`
	// TelemetryDest receives unsolicited telemetry every TelemetryInterval.
	TelemetryDest     string        `yaml:"telemetry_dest"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	Queue             int           `yaml:"queue"`
}

type SimConfig struct {
	Enable   bool   `yaml:"enable"`
	Scenario string `yaml:"scenario"`
	Loop     bool   `yaml:"loop"`
	// InitialTemperatureC overrides the plant's starting temperature.
	InitialTemperatureC float64 `yaml:"initial_temperature_c"`
}

func fromProfile(c control.Config) LoopConfig {
	return LoopConfig{
		Gains:             c.Gains,
		MeasurementPeriod: c.MeasurementPeriod,
		ActionPeriod:      c.ActionPeriod,
		MinInterval:       c.Bounds.Min,
		MaxInterval:       c.Bounds.Max,
		TriggerBand:       c.TriggerBand,
		OutputMin:         c.OutputMin,
		OutputMax:         c.OutputMax,
		Reverse:           c.Reverse,
	}
}

func f(v float64) *float64 { return &v }

// Default is the configuration of a bench-scale vessel; Load overlays the
// file onto it.
func Default() Config {
	return Config{
		Tick: time.Millisecond,
		Hardware: HardwareConfig{
			Modbus:        ModbusConfig{BaudRate: 19200, ReadTimeout: 200 * time.Millisecond},
			SPISpeedHz:    1_000_000,
			BMP280Address: 0x76,
		},
		Sensors: SensorsConfig{
			PollPeriod:   time.Second,
			History:      60,
			PHSlave:      4,
			DOSlave:      3,
			BiomassSlave: 5,
		},
		Motor:   motor.DefaultConfig(),
		Stirrer: StirrerConfig{MaxRPM: 1000},
		Control: ControlConfig{
			PH:          fromProfile(control.PHProfile()),
			Temperature: fromProfile(control.TemperatureProfile()),
			Pressure:    fromProfile(control.PressureProfile()),
			Stirrer:     fromProfile(control.StirrerProfile()),
			Gas:         fromProfile(control.GasProfile()),
		},
		Cascade: CascadeConfig{
			Priority:          control.StirrerFirst.String(),
			SaturationPct:     control.DefaultSaturationPct,
			MeasurementPeriod: time.Second,
			ActionPeriod:      30 * time.Second,
		},
		Safety: SafetyConfig{
			CheckInterval: safety.DefaultCheckInterval,
			ConfirmWindow: safety.DefaultConfirmWindow,
			EventHistory:  safety.DefaultEventHistory,
			SafeAmbientC:  controller.DefaultSafeAmbC,
			Limits: safety.Limits{
				TemperatureMaxC: f(42),
				PressureMaxBar:  f(2.0),
				MaxAge:          30 * time.Second,
			},
			RequiredChannels: []string{"temperature", "pressure"},
		},
		Setpoints: controller.DefaultSetpoints(),
		Link:      LinkConfig{TelemetryInterval: time.Second, Queue: 16},
	}
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			msgs := stripLines(te.Errors)
			if allUnknownFields(msgs) {
				return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
			}
			return Config{}, fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var linePrefix = regexp.MustCompile(`^line \d+: `)

func stripLines(errs []string) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = linePrefix.ReplaceAllString(e, "")
	}
	return out
}

func allUnknownFields(msgs []string) bool {
	for _, m := range msgs {
		if !strings.Contains(m, " not found in type ") {
			return false
		}
	}
	return true
}

func (c *Config) validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be > 0")
	}
	if c.Sensors.PollPeriod <= 0 {
		return fmt.Errorf("sensors.poll_period must be > 0")
	}
	if c.Sensors.History <= 0 {
		return fmt.Errorf("sensors.history must be > 0")
	}
	if c.Stirrer.MaxRPM <= 0 {
		return fmt.Errorf("stirrer.max_rpm must be > 0")
	}
	vmax := c.Motor.MaxVelocity
	if vmax == 0 {
		vmax = motor.DefaultMaxVelocity
	}
	if motor.RPMToVelocity(c.Stirrer.MaxRPM) > vmax {
		return fmt.Errorf("stirrer.max_rpm exceeds motor.max_velocity")
	}

	loops := []struct {
		name string
		l    LoopConfig
	}{
		{"ph", c.Control.PH},
		{"temperature", c.Control.Temperature},
		{"pressure", c.Control.Pressure},
		{"do_stirrer", c.Control.Stirrer},
		{"do_gas", c.Control.Gas},
	}
	for _, lc := range loops {
		if err := lc.l.validate("control." + lc.name); err != nil {
			return err
		}
	}

	if _, err := control.ParsePriority(c.Cascade.Priority); err != nil {
		return fmt.Errorf("cascade.priority must be stirrer_first or gas_first")
	}
	if c.Cascade.SaturationPct <= 0 || c.Cascade.SaturationPct > 100 {
		return fmt.Errorf("cascade.saturation_pct must be in (0, 100]")
	}
	if c.Cascade.ActionPeriod < c.Cascade.MeasurementPeriod {
		return fmt.Errorf("cascade.action_period must be >= cascade.measurement_period")
	}

	if c.Safety.CheckInterval <= 0 || c.Safety.ConfirmWindow <= 0 {
		return fmt.Errorf("safety.check_interval and safety.confirm_window must be > 0")
	}
	if _, err := c.Safety.Channels(); err != nil {
		return err
	}
	if mx := c.Safety.Limits.TemperatureMaxC; mx != nil && c.Setpoints.TemperatureC >= *mx {
		return fmt.Errorf("setpoints.temperature_c must be below safety.limits.temperature_max_c")
	}
	if mx := c.Safety.Limits.PressureMaxBar; mx != nil && c.Setpoints.PressureBar >= *mx {
		return fmt.Errorf("setpoints.pressure_bar must be below safety.limits.pressure_max_bar")
	}
	if err := c.Setpoints.Validate(c.Stirrer.MaxRPM); err != nil {
		return err
	}
	if c.Link.TelemetryDest != "" && c.Link.TelemetryInterval <= 0 {
		return fmt.Errorf("link.telemetry_interval must be > 0 when link.telemetry_dest is set")
	}
	if c.Link.Queue <= 0 {
		return fmt.Errorf("link.queue must be > 0")
	}

	if c.Sim.Enable {
		return nil
	}
	if c.Sim.Scenario != "" {
		return fmt.Errorf("sim.scenario requires sim.enable")
	}
	if c.Hardware.Modbus.Device == "" {
		return fmt.Errorf("hardware.modbus.device is required when sim.enable is false")
	}
	if c.Hardware.MotorSPI == "" {
		return fmt.Errorf("hardware.motor_spi is required when sim.enable is false")
	}
	if len(c.Hardware.RTDReady) > len(c.Hardware.RTDSPI) {
		return fmt.Errorf("hardware.rtd_ready has more lines than hardware.rtd_spi")
	}
	for name, o := range c.Hardware.Outputs {
		if !knownOutput(name) {
			return fmt.Errorf("hardware.outputs.%s is not a known output", name)
		}
		if o.Type != "pwm" && o.Type != "gpio" {
			return fmt.Errorf("hardware.outputs.%s.type must be pwm or gpio", name)
		}
	}
	return nil
}

func (l LoopConfig) validate(prefix string) error {
	if l.MeasurementPeriod <= 0 {
		return fmt.Errorf("%s.measurement_period must be > 0", prefix)
	}
	if l.ActionPeriod < l.MeasurementPeriod {
		return fmt.Errorf("%s.action_period must be >= %s.measurement_period", prefix, prefix)
	}
	if l.MaxInterval > 0 && l.MinInterval > l.MaxInterval {
		return fmt.Errorf("%s.min_interval must be <= %s.max_interval", prefix, prefix)
	}
	if l.OutputMin >= l.OutputMax {
		return fmt.Errorf("%s.output_min must be < %s.output_max", prefix, prefix)
	}
	if l.TriggerBand < 0 {
		return fmt.Errorf("%s.trigger_band must be >= 0", prefix)
	}
	return nil
}

func knownOutput(name string) bool {
	for _, n := range actuator.Names {
		if string(n) == name {
			return true
		}
	}
	return false
}

// Channels resolves RequiredChannels.
func (s SafetyConfig) Channels() ([]sensors.Channel, error) {
	out := make([]sensors.Channel, 0, len(s.RequiredChannels))
	for _, name := range s.RequiredChannels {
		found := false
		for _, ch := range sensors.Channels {
			if ch.String() == name {
				out = append(out, ch)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("safety.required_channels: unknown channel %q", name)
		}
	}
	return out, nil
}

func (l LoopConfig) controlConfig(name string) control.Config {
	return control.Config{
		Name:              name,
		Gains:             l.Gains,
		MeasurementPeriod: l.MeasurementPeriod,
		ActionPeriod:      l.ActionPeriod,
		Bounds:            control.IntervalBounds{Min: l.MinInterval, Max: l.MaxInterval},
		TriggerBand:       l.TriggerBand,
		OutputMin:         l.OutputMin,
		OutputMax:         l.OutputMax,
		Reverse:           l.Reverse,
	}
}

// ControllerConfig maps the file onto the orchestrator's configuration.
func (c Config) ControllerConfig() controller.Config {
	prio, _ := control.ParsePriority(c.Cascade.Priority)
	return controller.Config{
		PH:          c.Control.PH.controlConfig("ph"),
		Temperature: c.Control.Temperature.controlConfig("temperature"),
		Pressure:    c.Control.Pressure.controlConfig("pressure"),
		Stirrer:     c.Control.Stirrer.controlConfig("do_stirrer"),
		Gas:         c.Control.Gas.controlConfig("do_gas"),
		Cascade: control.CascadeConfig{
			MeasurementPeriod: c.Cascade.MeasurementPeriod,
			ActionPeriod:      c.Cascade.ActionPeriod,
			Priority:          prio,
			SaturationPct:     c.Cascade.SaturationPct,
		},
		SafeAmbientC: c.Safety.SafeAmbientC,
		Setpoints:    c.Setpoints,
	}
}

// SupervisorConfig maps the safety section onto the supervisor and its limits.
func (c Config) SupervisorConfig() (safety.Config, safety.Limits) {
	limits := c.Safety.Limits
	limits.Required, _ = c.Safety.Channels()
	return safety.Config{
		CheckInterval: c.Safety.CheckInterval,
		ConfirmWindow: c.Safety.ConfirmWindow,
		EventHistory:  c.Safety.EventHistory,
	}, limits
}
