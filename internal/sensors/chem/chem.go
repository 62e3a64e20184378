// Package chem implements the chemical probes (pH, dissolved oxygen, biomass)
// that share the RS485 Modbus bus. All of them expose their measurements as
// blocks of holding registers with floats split across register pairs.
package chem

import (
	"fmt"
	"time"

	"bioreactor/internal/modbus"
	"bioreactor/internal/sensors"
)

// Default slave addresses as configured on the probes at the factory.
const (
	DefaultDOAddress      = 3
	DefaultPHAddress      = 4
	DefaultBiomassAddress = 5
)

// Registers is the bus capability the probes need.
type Registers interface {
	ReadHoldingRegisters(slave byte, start, count uint16) ([]uint16, error)
}

// probe is the register-read protocol shared by every chemical sensor.
type probe struct {
	bus   Registers
	slave byte
	start uint16
	count uint16

	lastErr error
}

// read fetches the probe's register block. A nil bus means the port failed
// to open and the probe is treated as uninitialised.
func (p *probe) read() ([]uint16, bool) {
	if p.bus == nil {
		p.lastErr = modbus.ErrNotOpen
		return nil, false
	}
	regs, err := p.bus.ReadHoldingRegisters(p.slave, p.start, p.count)
	if err != nil {
		p.lastErr = fmt.Errorf("slave %d: %w", p.slave, err)
		return nil, false
	}
	if len(regs) < int(p.count) {
		p.lastErr = fmt.Errorf("slave %d: short register block %d", p.slave, len(regs))
		return nil, false
	}
	p.lastErr = nil
	return regs, true
}

// floatAt decodes the float stored at regs[i] (low word) and regs[i+1].
func floatAt(regs []uint16, i int) float64 {
	return float64(modbus.RegistersToFloat(regs[i], regs[i+1]))
}

// LastError reports the most recent bus failure, nil after a good read.
func (p *probe) LastError() error { return p.lastErr }

type PHSensor struct{ probe }

func NewPH(bus Registers, slave byte) *PHSensor {
	if slave == 0 {
		slave = DefaultPHAddress
	}
	return &PHSensor{probe{bus: bus, slave: slave, start: 2409, count: 10}}
}

func (s *PHSensor) Kind() sensors.Kind { return sensors.KindPH }

func (s *PHSensor) Read(now time.Time) sensors.Reading[sensors.PH] {
	regs, ok := s.read()
	if !ok {
		return sensors.Invalid[sensors.PH](now)
	}
	v := sensors.PH{PH: floatAt(regs, 2), TemperatureC: floatAt(regs, 6)}
	if !sensors.Finite(v.PH, v.TemperatureC) {
		return sensors.Invalid[sensors.PH](now)
	}
	return sensors.Valid(v, now)
}

func (s *PHSensor) Sample(now time.Time) sensors.Sample {
	return sensors.Sample{Kind: sensors.KindPH, PH: s.Read(now)}
}

type DOSensor struct{ probe }

func NewDO(bus Registers, slave byte) *DOSensor {
	if slave == 0 {
		slave = DefaultDOAddress
	}
	return &DOSensor{probe{bus: bus, slave: slave, start: 2089, count: 10}}
}

func (s *DOSensor) Kind() sensors.Kind { return sensors.KindDO }

func (s *DOSensor) Read(now time.Time) sensors.Reading[sensors.DissolvedOxygen] {
	regs, ok := s.read()
	if !ok {
		return sensors.Invalid[sensors.DissolvedOxygen](now)
	}
	v := sensors.DissolvedOxygen{Percent: floatAt(regs, 2), TemperatureC: floatAt(regs, 6)}
	if !sensors.Finite(v.Percent, v.TemperatureC) {
		return sensors.Invalid[sensors.DissolvedOxygen](now)
	}
	return sensors.Valid(v, now)
}

func (s *DOSensor) Sample(now time.Time) sensors.Sample {
	return sensors.Sample{Kind: sensors.KindDO, DO: s.Read(now)}
}

type BiomassSensor struct{ probe }

func NewBiomass(bus Registers, slave byte) *BiomassSensor {
	if slave == 0 {
		slave = DefaultBiomassAddress
	}
	return &BiomassSensor{probe{bus: bus, slave: slave, start: 3000, count: 12}}
}

func (s *BiomassSensor) Kind() sensors.Kind { return sensors.KindBiomass }

func (s *BiomassSensor) Read(now time.Time) sensors.Reading[sensors.Biomass] {
	regs, ok := s.read()
	if !ok {
		return sensors.Invalid[sensors.Biomass](now)
	}
	v := sensors.Biomass{
		Density:          floatAt(regs, 0),
		ScatteredLight:   floatAt(regs, 4),
		TransmittedLight: floatAt(regs, 8),
	}
	if !sensors.Finite(v.Density, v.ScatteredLight, v.TransmittedLight) {
		return sensors.Invalid[sensors.Biomass](now)
	}
	return sensors.Valid(v, now)
}

func (s *BiomassSensor) Sample(now time.Time) sensors.Sample {
	return sensors.Sample{Kind: sensors.KindBiomass, Biomass: s.Read(now)}
}
