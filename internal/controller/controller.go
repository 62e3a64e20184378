// Package controller owns every subsystem of the vessel and runs them from
// one cooperative tick: poll sensors, consult the safety gate, then either
// run the loops or hold the emergency state.
package controller

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bioreactor/internal/actuator"
	"bioreactor/internal/clock"
	"bioreactor/internal/control"
	"bioreactor/internal/fusion"
	"bioreactor/internal/safety"
	"bioreactor/internal/sensors"
	"bioreactor/internal/store"
)

const (
	storeBucket     = "controller"
	keySetpoints    = "setpoints"
	keyModes        = "modes"
	DefaultSafeAmbC = 20.0
)

var ErrUnknownVariable = errors.New("controller: unknown variable")

// Stirrer is the impeller drive.
type Stirrer interface {
	SetRPM(rpm float64) error
	Stop() error
	Enable() error
	Disable() error
	TargetRPM() float64
	MaxRPM() float64
}

// Persister stores JSON values by bucket and id; *store.Store implements it.
type Persister interface {
	Update(bucket, id string, v any) error
	Get(bucket, id string, v any) error
}

// Recorder receives a snapshot after every tick.
type Recorder interface {
	Observe(Snapshot)
}

type Config struct {
	PH          control.Config
	Temperature control.Config
	Pressure    control.Config
	Stirrer     control.Config
	Gas         control.Config
	Cascade     control.CascadeConfig
	// SafeAmbientC is the temperature setpoint forced by an emergency stop.
	SafeAmbientC float64
	Setpoints    Setpoints
}

func DefaultConfig() Config {
	return Config{
		PH:           control.PHProfile(),
		Temperature:  control.TemperatureProfile(),
		Pressure:     control.PressureProfile(),
		Stirrer:      control.StirrerProfile(),
		Gas:          control.GasProfile(),
		Cascade:      control.DefaultCascadeConfig(),
		SafeAmbientC: DefaultSafeAmbC,
		Setpoints:    DefaultSetpoints(),
	}
}

type Deps struct {
	Clock   clock.Clock
	Fusion  *fusion.Layer
	Stirrer Stirrer
	Outputs *actuator.Bank
	Safety  *safety.Supervisor
	// Store and Recorder are optional.
	Store    Persister
	Recorder Recorder
}

type Snapshot struct {
	At         time.Time               `json:"at"`
	Readings   fusion.Readings         `json:"readings"`
	Setpoints  Setpoints               `json:"setpoints"`
	Modes      map[string]string       `json:"modes"`
	Loops      []control.Snapshot      `json:"loops"`
	Cascade    control.CascadeSnapshot `json:"cascade"`
	Outputs    []actuator.ChannelState `json:"outputs"`
	StirrerRPM float64                 `json:"stirrer_rpm"`
	Safety     safety.Snapshot         `json:"safety"`
	Armed      bool                    `json:"armed"`
	Ticks      uint64                  `json:"ticks"`
	LastError  string                  `json:"last_error,omitempty"`
}

type Controller struct {
	cfg Config

	clock    clock.Clock
	fusion   *fusion.Layer
	stirrer  Stirrer
	outputs  *actuator.Bank
	safety   *safety.Supervisor
	store    Persister
	recorder Recorder

	mu sync.Mutex

	ph       *control.Loop
	temp     *control.Loop
	pressure *control.Loop
	cascade  *control.Cascade

	setpoints Setpoints
	staged    *Setpoints
	modes     map[Variable]control.Mode

	// armed is false until the first safe tick and after every emergency
	// stop; arming enables the drives and re-applies modes and setpoints.
	armed   bool
	ticks   uint64
	lastErr string
}

func New(cfg Config, d Deps) (*Controller, error) {
	if d.Fusion == nil || d.Stirrer == nil || d.Outputs == nil || d.Safety == nil {
		return nil, fmt.Errorf("controller: fusion, stirrer, outputs and safety are required")
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if err := cfg.Setpoints.Validate(d.Stirrer.MaxRPM()); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       cfg,
		clock:     d.Clock,
		fusion:    d.Fusion,
		stirrer:   d.Stirrer,
		outputs:   d.Outputs,
		safety:    d.Safety,
		store:     d.Store,
		recorder:  d.Recorder,
		setpoints: cfg.Setpoints,
		modes:     map[Variable]control.Mode{},
	}
	for _, v := range Variables {
		c.modes[v] = control.ModeAuto
	}

	c.ph = control.NewLoop(cfg.PH, c.fusion.PH, c.actuatePH)
	c.temp = control.NewLoop(cfg.Temperature, c.fusion.TemperatureC, c.setOutput(actuator.Heater))
	c.pressure = control.NewLoop(cfg.Pressure, c.fusion.PressureBar, c.setOutput(actuator.BackpressureValve))
	st := control.NewLoop(cfg.Stirrer, nil, c.actuateStirrer)
	gas := control.NewLoop(cfg.Gas, nil, c.setOutput(actuator.GasValve))
	c.cascade = control.NewCascade(cfg.Cascade, c.fusion.DO, st, gas)
	c.park()
	c.pushSetpoints()

	c.safety.OnShutdown(c.shutdown)
	return c, nil
}

func (c *Controller) setOutput(name actuator.Name) control.ActuateFunc {
	return func(v float64) {
		if err := c.outputs.Set(name, v); err != nil {
			c.fail(err)
		}
	}
}

// actuatePH splits the signed output between base (positive) and acid.
func (c *Controller) actuatePH(v float64) {
	base, acid := 0.0, 0.0
	if v > 0 {
		base = v
	} else {
		acid = -v
	}
	c.setOutput(actuator.BasePump)(base)
	c.setOutput(actuator.AcidPump)(acid)
}

func (c *Controller) actuateStirrer(pct float64) {
	if err := c.stirrer.SetRPM(pct / 100 * c.stirrer.MaxRPM()); err != nil {
		c.fail(err)
	}
}

func (c *Controller) fail(err error) {
	c.lastErr = err.Error()
	log.Printf("controller: %v", err)
}

// Tick runs one cycle. Staged setpoints are applied before any loop runs.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.applyStaged()
	c.fusion.Poll(now)

	if c.safety.IsSystemSafe(now) {
		if !c.armed {
			c.arm(now)
		}
		c.ph.Tick(now)
		c.cascade.Tick(now)
		c.temp.Tick(now)
		c.pressure.Tick(now)
	} else {
		c.safety.OnUnsafe()
	}
	c.ticks++

	if c.recorder != nil {
		c.recorder.Observe(c.snapshotLocked(now))
	}
}

// arm enables the drives and restores normal operation.
func (c *Controller) arm(now time.Time) {
	c.armed = true
	for _, l := range []*control.Loop{c.ph, c.temp, c.pressure} {
		l.Restart(now)
	}
	c.cascade.Restart(now)
	if err := c.stirrer.Enable(); err != nil {
		c.fail(err)
	}
	c.pushSetpoints()
	for _, v := range Variables {
		c.applyMode(v, c.modes[v])
	}
	c.setOutput(actuator.FeedPump)(c.setpoints.FeedRatePct)
	log.Printf("controller armed")
}

// shutdown is the emergency path: stop and disable the stirrer, force the
// temperature target to safe ambient, and zero every output.
func (c *Controller) shutdown(reason string) {
	log.Printf("controller: emergency shutdown reason=%q", reason)
	c.armed = false
	if err := c.stirrer.Stop(); err != nil {
		c.fail(err)
	}
	if err := c.stirrer.Disable(); err != nil {
		c.fail(err)
	}
	c.temp.SetSetpoint(c.cfg.SafeAmbientC)
	c.park()
	if err := c.outputs.ZeroAll(); err != nil {
		c.fail(err)
	}
}

// park switches every loop off without touching the requested modes, so
// arm re-applies them and manual outputs only reach the actuators then.
func (c *Controller) park() {
	for _, l := range []*control.Loop{c.ph, c.temp, c.pressure, c.cascade.Stirrer(), c.cascade.Gas()} {
		l.SetMode(control.ModeOff)
	}
	c.cascade.SetMode(control.ModeOff)
}

// ApplySetpoints validates sp and stages it for the next tick. An invalid
// set is rejected whole.
func (c *Controller) ApplySetpoints(sp Setpoints) error {
	if err := sp.Validate(c.stirrer.MaxRPM()); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged = &sp
	return nil
}

func (c *Controller) applyStaged() {
	if c.staged == nil {
		return
	}
	c.setpoints = *c.staged
	c.staged = nil
	c.pushSetpoints()
	if c.armed {
		if c.modes[VarDO] != control.ModeAuto {
			if err := c.stirrer.SetRPM(c.setpoints.StirrerRPM); err != nil {
				c.fail(err)
			}
		}
		c.setOutput(actuator.FeedPump)(c.setpoints.FeedRatePct)
	}
	c.persist(keySetpoints, c.setpoints)
	log.Printf("controller: setpoints applied ph=%.2f do=%.1f temp=%.1f pressure=%.2f rpm=%.0f feed=%.1f",
		c.setpoints.PH, c.setpoints.DOPercent, c.setpoints.TemperatureC, c.setpoints.PressureBar,
		c.setpoints.StirrerRPM, c.setpoints.FeedRatePct)
}

// pushSetpoints copies the active setpoints into the loops. While disarmed
// the temperature loop keeps the safe ambient target.
func (c *Controller) pushSetpoints() {
	c.ph.SetSetpoint(c.setpoints.PH)
	c.pressure.SetSetpoint(c.setpoints.PressureBar)
	c.cascade.SetSetpoint(c.setpoints.DOPercent)
	if c.armed || c.ticks == 0 {
		c.temp.SetSetpoint(c.setpoints.TemperatureC)
	}
}

// SetControlMode switches one variable between auto, manual and off. While
// disarmed the mode is recorded and takes effect on re-arm.
func (c *Controller) SetControlMode(v Variable, m control.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.modes[v]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVariable, int(v))
	}
	c.modes[v] = m
	if c.armed {
		c.applyMode(v, m)
	}
	c.persist(keyModes, c.modeNames())
	log.Printf("controller: mode %s=%s", v, m)
	return nil
}

func (c *Controller) applyMode(v Variable, m control.Mode) {
	switch v {
	case VarDO:
		c.cascade.SetMode(m)
		if m == control.ModeAuto {
			c.cascade.Stirrer().SetMode(control.ModeAuto)
			c.cascade.Gas().SetMode(control.ModeAuto)
			return
		}
		c.cascade.Stirrer().SetMode(control.ModeOff)
		if err := c.stirrer.SetRPM(c.setpoints.StirrerRPM); err != nil {
			c.fail(err)
		}
		c.cascade.Gas().SetMode(m)
		if m == control.ModeOff {
			c.setOutput(actuator.GasValve)(0)
		}
	case VarPH:
		c.ph.SetMode(m)
		if m == control.ModeOff {
			c.actuatePH(0)
		}
	case VarTemperature:
		c.temp.SetMode(m)
		if m == control.ModeOff {
			c.setOutput(actuator.Heater)(0)
		}
	case VarPressure:
		c.pressure.SetMode(m)
		if m == control.ModeOff {
			c.setOutput(actuator.BackpressureValve)(0)
		}
	}
}

// SetManualOutput sets the output held in manual mode. For DO it drives the
// gas valve; the stirrer follows the rpm setpoint.
func (c *Controller) SetManualOutput(v Variable, pct float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.loop(v)
	if l == nil {
		return fmt.Errorf("%w: %d", ErrUnknownVariable, int(v))
	}
	// Parked loops only store the value.
	l.SetManualOutput(pct)
	return nil
}

func (c *Controller) loop(v Variable) *control.Loop {
	switch v {
	case VarPH:
		return c.ph
	case VarDO:
		return c.cascade.Gas()
	case VarTemperature:
		return c.temp
	case VarPressure:
		return c.pressure
	default:
		return nil
	}
}

// SetControlInterval changes a loop's action period within its bounds.
func (c *Controller) SetControlInterval(v Variable, d time.Duration) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.loop(v)
	if l == nil || v == VarDO {
		return 0, fmt.Errorf("%w: %s has no adjustable interval", ErrUnknownVariable, v)
	}
	return l.SetControlInterval(d), nil
}

func (c *Controller) SetCascadePriority(p control.Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cascade.SetPriority(p)
	log.Printf("controller: cascade priority=%s", p)
}

// EmergencyStop latches the interlock as if an alarm had been confirmed.
func (c *Controller) EmergencyStop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason == "" {
		reason = "emergency stop"
	}
	c.safety.Trip(c.clock.Now(), reason)
}

// Acknowledge clears a latched alarm if the process is within limits. The
// next tick re-arms the drives.
func (c *Controller) Acknowledge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.safety.Acknowledge(c.clock.Now()); err != nil {
		return err
	}
	log.Printf("controller: alarm acknowledged")
	return nil
}

func (c *Controller) modeNames() map[string]string {
	out := make(map[string]string, len(c.modes))
	for v, m := range c.modes {
		out[v.String()] = m.String()
	}
	return out
}

func (c *Controller) persist(key string, v any) {
	if c.store == nil {
		return
	}
	if err := c.store.Update(storeBucket, key, v); err != nil {
		log.Printf("controller: persist %s failed: %v", key, err)
	}
}

// Restore loads persisted setpoints and modes. Missing entries are not an
// error.
func (c *Controller) Restore() error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var sp Setpoints
	switch err := c.store.Get(storeBucket, keySetpoints, &sp); {
	case err == nil:
		if verr := sp.Validate(c.stirrer.MaxRPM()); verr != nil {
			return fmt.Errorf("controller: persisted setpoints: %w", verr)
		}
		c.setpoints = sp
		c.pushSetpoints()
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("controller: load setpoints: %w", err)
	}

	var modes map[string]string
	switch err := c.store.Get(storeBucket, keyModes, &modes); {
	case err == nil:
		for name, ms := range modes {
			v, verr := ParseVariable(name)
			if verr != nil {
				continue
			}
			m, merr := control.ParseMode(ms)
			if merr != nil {
				continue
			}
			c.modes[v] = m
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("controller: load modes: %w", err)
	}
	return nil
}

func (c *Controller) Setpoints() Setpoints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setpoints
}

func (c *Controller) Mode(v Variable) control.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modes[v]
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.clock.Now())
}

func (c *Controller) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		At:         now,
		Readings:   c.fusion.LatestValid(),
		Setpoints:  c.setpoints,
		Modes:      c.modeNames(),
		Loops:      []control.Snapshot{c.ph.Snapshot(), c.temp.Snapshot(), c.pressure.Snapshot()},
		Cascade:    c.cascade.Snapshot(),
		Outputs:    c.outputs.Snapshot(),
		StirrerRPM: c.stirrer.TargetRPM(),
		Safety:     c.safety.Snapshot(),
		Armed:      c.armed,
		Ticks:      c.ticks,
		LastError:  c.lastErr,
	}
}

// Measurement exposes the fused last-valid value of a channel.
func (c *Controller) Measurement(ch sensors.Channel) sensors.Reading[float64] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fusion.Measurement(ch)
}
