// Package motor drives the stirrer stepper through a TMC5130A motion
// controller on SPI.
//
// Callers see speed, position and enable semantics only; register addresses
// and ramp constants stay inside this package.
package motor

import (
	"errors"
	"fmt"
	"sync"
)

// TMC5130A register map (subset used here).
const (
	regGCONF     = 0x00
	regGSTAT     = 0x01
	regIHoldIRun = 0x10
	regRampMode  = 0x20
	regXActual   = 0x21
	regVActual   = 0x22
	regVStart    = 0x23
	regA1        = 0x24
	regV1        = 0x25
	regAMax      = 0x26
	regVMax      = 0x27
	regDMax      = 0x28
	regD1        = 0x2A
	regVStop     = 0x2B
	regTZeroWait = 0x2C
	regXTarget   = 0x2D
)

const writeBit = 0x80

// Ramp modes.
const (
	RampPositioning = 0
	RampVelocityPos = 1
	RampVelocityNeg = 2
	RampHold        = 3
)

// DefaultMaxVelocity is the VMAX ceiling in internal velocity units
// (microsteps per second at the 16 MHz internal clock scale). It covers
// DefaultMaxRPM, 3000 rpm at 200 full steps and 256 microsteps.
const DefaultMaxVelocity = 2_560_000

var ErrNotInitialized = errors.New("motor: driver not initialized")

// Bus is one full-duplex SPI exchange with chip select held.
type Bus interface {
	Tx(w, r []byte) error
}

// EnablePin drives the driver stage enable line. DRV_ENN is active low.
type EnablePin interface {
	Set(high bool) error
}

type Config struct {
	MaxVelocity uint32 `yaml:"max_velocity"`
	VStart      uint32 `yaml:"vstart"`
	A1          uint32 `yaml:"a1"`
	V1          uint32 `yaml:"v1"`
	AMax        uint32 `yaml:"amax"`
	DMax        uint32 `yaml:"dmax"`
	D1          uint32 `yaml:"d1"`
	VStop       uint32 `yaml:"vstop"`
	GConf       uint32 `yaml:"gconf"`
	IHoldIRun   uint32 `yaml:"ihold_irun"`
}

// DefaultConfig returns the ramp used by the stirrer: gentle acceleration
// with stealthChop enabled.
func DefaultConfig() Config {
	return Config{
		MaxVelocity: DefaultMaxVelocity,
		VStart:      0,
		A1:          1000,
		V1:          50000,
		AMax:        5000,
		DMax:        5000,
		D1:          1000,
		VStop:       10,
		GConf:       0x4,
		IHoldIRun:   0x00071703,
	}
}

type Snapshot struct {
	Initialized bool   `json:"initialized"`
	Enabled     bool   `json:"enabled"`
	RampMode    uint32 `json:"ramp_mode"`
	Velocity    uint32 `json:"velocity"`
	Target      int32  `json:"target"`
	LastStatus  byte   `json:"last_status"`
	LastError   string `json:"last_error,omitempty"`
}

// Driver owns one TMC5130A. Register exchanges are serialised by a mutex so a
// preemptive caller cannot interleave a write with a read.
type Driver struct {
	bus    Bus
	enable EnablePin
	cfg    Config

	mu   sync.Mutex
	snap Snapshot
}

func New(bus Bus, enable EnablePin, cfg Config) *Driver {
	if cfg.MaxVelocity == 0 {
		cfg.MaxVelocity = DefaultMaxVelocity
	}
	return &Driver{bus: bus, enable: enable, cfg: cfg}
}

func (d *Driver) MaxVelocity() uint32 { return d.cfg.MaxVelocity }

func (d *Driver) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap
}

// Init programs the ramp generator and clears GSTAT by reading it. The output
// stage is left disabled.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bus == nil {
		return d.fail(ErrNotInitialized)
	}
	seq := []struct {
		reg byte
		val uint32
	}{
		{regGCONF, d.cfg.GConf},
		{regIHoldIRun, d.cfg.IHoldIRun},
		{regRampMode, RampPositioning},
		{regVStart, d.cfg.VStart},
		{regA1, d.cfg.A1},
		{regV1, d.cfg.V1},
		{regAMax, d.cfg.AMax},
		{regVMax, d.cfg.MaxVelocity},
		{regDMax, d.cfg.DMax},
		{regD1, d.cfg.D1},
		{regVStop, d.cfg.VStop},
	}
	for _, s := range seq {
		if err := d.write(s.reg, s.val); err != nil {
			return d.fail(fmt.Errorf("motor: init reg 0x%02x: %w", s.reg, err))
		}
	}
	if _, err := d.read(regGSTAT); err != nil {
		return d.fail(fmt.Errorf("motor: clear gstat: %w", err))
	}
	if err := d.setEnable(false); err != nil {
		return d.fail(err)
	}
	d.snap.Initialized = true
	d.snap.RampMode = RampPositioning
	d.snap.Velocity = d.cfg.MaxVelocity
	d.snap.LastError = ""
	return nil
}

func (d *Driver) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fail(d.setEnable(true))
}

func (d *Driver) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fail(d.setEnable(false))
}

func (d *Driver) setEnable(on bool) error {
	if d.enable != nil {
		if err := d.enable.Set(!on); err != nil {
			return fmt.Errorf("motor: enable pin: %w", err)
		}
	}
	d.snap.Enabled = on
	return nil
}

// SetSpeed writes VMAX, clamped to the configured maximum. It returns the
// value actually sent.
func (d *Driver) SetSpeed(v uint32) (uint32, error) {
	if v > d.cfg.MaxVelocity {
		v = d.cfg.MaxVelocity
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.write(regVMax, v); err != nil {
		return 0, d.fail(fmt.Errorf("motor: set vmax: %w", err))
	}
	d.snap.Velocity = v
	return v, nil
}

// SetRampMode selects positioning or velocity mode.
func (d *Driver) SetRampMode(mode uint32) error {
	if mode > RampHold {
		return fmt.Errorf("motor: invalid ramp mode %d", mode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.write(regRampMode, mode); err != nil {
		return d.fail(fmt.Errorf("motor: set ramp mode: %w", err))
	}
	d.snap.RampMode = mode
	return nil
}

// SetPosition writes XTARGET. Motion starts only in positioning mode.
func (d *Driver) SetPosition(p int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.write(regXTarget, uint32(p)); err != nil {
		return d.fail(fmt.Errorf("motor: set xtarget: %w", err))
	}
	d.snap.Target = p
	return nil
}

func (d *Driver) Position() (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.read(regXActual)
	if err != nil {
		return 0, d.fail(fmt.Errorf("motor: read xactual: %w", err))
	}
	return int32(v), nil
}

// Velocity reads VACTUAL, a signed 24-bit field.
func (d *Driver) Velocity() (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.read(regVActual)
	if err != nil {
		return 0, d.fail(fmt.Errorf("motor: read vactual: %w", err))
	}
	return signExtend24(v), nil
}

// Stop switches to velocity mode and ramps down to zero using AMAX.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.write(regRampMode, RampVelocityPos); err != nil {
		return d.fail(fmt.Errorf("motor: stop: %w", err))
	}
	d.snap.RampMode = RampVelocityPos
	if err := d.write(regVMax, 0); err != nil {
		return d.fail(fmt.Errorf("motor: stop: %w", err))
	}
	d.snap.Velocity = 0
	return nil
}

// ReadRegister exposes raw register reads for diagnostics.
func (d *Driver) ReadRegister(addr byte) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read(addr)
}

func (d *Driver) fail(err error) error {
	if err != nil {
		d.snap.LastError = err.Error()
	}
	return err
}

// write sends addr|0x80 followed by the value MSB first.
func (d *Driver) write(addr byte, v uint32) error {
	if d.bus == nil {
		return ErrNotInitialized
	}
	w := []byte{addr | writeBit, byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	r := make([]byte, len(w))
	if err := d.bus.Tx(w, r); err != nil {
		return err
	}
	d.snap.LastStatus = r[0]
	return nil
}

// read sends the bare address and takes the value from the same exchange.
func (d *Driver) read(addr byte) (uint32, error) {
	if d.bus == nil {
		return 0, ErrNotInitialized
	}
	w := []byte{addr &^ writeBit, 0, 0, 0, 0}
	r := make([]byte, len(w))
	if err := d.bus.Tx(w, r); err != nil {
		return 0, err
	}
	d.snap.LastStatus = r[0]
	return uint32(r[1])<<24 | uint32(r[2])<<16 | uint32(r[3])<<8 | uint32(r[4]), nil
}

func signExtend24(v uint32) int32 {
	v &= 0xFFFFFF
	if v&0x800000 != 0 {
		return int32(v | 0xFF000000)
	}
	return int32(v)
}
