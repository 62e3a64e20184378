// Package max31865 drives MAX31865 RTD-to-digital converters reading PT100
// probes over SPI.
package max31865

import (
	"fmt"
	"time"

	"bioreactor/internal/gpio"
	"bioreactor/internal/sensors"
)

const (
	regConfig     = 0x00
	regRTDMSB     = 0x01
	regHighFault  = 0x03 // MSB, LSB at 0x04
	regLowFault   = 0x05 // MSB, LSB at 0x06
	regFaultState = 0x07

	writeBit = 0x80

	// Bias on, automatic conversion, 4-wire, 50 Hz filter.
	configAuto4Wire50Hz = 0xC3

	refResistorOhms = 400.0
	r0Ohms          = 100.0
	alpha           = 0.00385
)

// Conn is the full-duplex SPI exchange the converter needs.
type Conn interface {
	Tx(w, r []byte) error
}

// Device is one converter with its PT100 probe.
type Device struct {
	conn Conn
	drdy *gpio.EdgeFlag

	last sensors.RTDChannel
	have bool
}

// New programs the converter for continuous 4-wire conversions. drdy may be
// nil when the data-ready line is not wired.
func New(conn Conn, drdy *gpio.EdgeFlag) (*Device, error) {
	if conn == nil {
		return nil, fmt.Errorf("max31865: conn is nil")
	}
	d := &Device{conn: conn, drdy: drdy}
	if err := d.writeRegister(regConfig, configAuto4Wire50Hz); err != nil {
		return nil, fmt.Errorf("max31865: config write failed: %w", err)
	}
	// Widest fault window: only open/short circuits trip the fault bit.
	thresholds := []struct{ reg, val byte }{
		{regHighFault, 0xFF}, {regHighFault + 1, 0xFF},
		{regLowFault, 0x00}, {regLowFault + 1, 0x00},
	}
	for _, th := range thresholds {
		if err := d.writeRegister(th.reg, th.val); err != nil {
			return nil, fmt.Errorf("max31865: threshold write failed: %w", err)
		}
	}
	return d, nil
}

func (d *Device) writeRegister(reg, value byte) error {
	return d.conn.Tx([]byte{reg | writeBit, value}, nil)
}

func (d *Device) readRegister(reg byte) (byte, error) {
	rx := make([]byte, 2)
	if err := d.conn.Tx([]byte{reg &^ writeBit, 0xFF}, rx); err != nil {
		return 0, err
	}
	return rx[1], nil
}

// Read returns the probe temperature. When a data-ready line is attached and
// no conversion completed since the last call, the previous result is
// returned unchanged.
func (d *Device) Read() sensors.RTDChannel {
	if d.have && !d.drdy.Take() {
		return d.last
	}
	d.last = d.read()
	d.have = true
	return d.last
}

func (d *Device) read() sensors.RTDChannel {
	rx := make([]byte, 3)
	if err := d.conn.Tx([]byte{regRTDMSB, 0xFF, 0xFF}, rx); err != nil {
		return sensors.RTDChannel{}
	}
	raw := uint16(rx[1])<<8 | uint16(rx[2])

	fault, err := d.readRegister(regFaultState)
	if err != nil {
		return sensors.RTDChannel{}
	}
	if fault != 0 {
		return sensors.RTDChannel{Fault: true, FaultCode: fault}
	}

	return sensors.RTDChannel{TemperatureC: RawToCelsius(raw), Valid: true}
}

// RawToCelsius converts the RTD register pair (fault bit in bit 0) using the
// linear PT100 approximation.
func RawToCelsius(raw uint16) float64 {
	code := float64(raw >> 1)
	ohms := code * refResistorOhms / 32768.0
	return (ohms/r0Ohms - 1.0) / alpha
}

// Array polls up to sensors.MaxRTDChannels converters as one RTD driver.
type Array struct {
	devs []*Device
}

func NewArray(devs ...*Device) *Array {
	if len(devs) > sensors.MaxRTDChannels {
		devs = devs[:sensors.MaxRTDChannels]
	}
	return &Array{devs: devs}
}

func (a *Array) Kind() sensors.Kind { return sensors.KindRTD }

func (a *Array) Read(now time.Time) sensors.Reading[sensors.RTD] {
	var v sensors.RTD
	var sum float64
	var n int
	for i, d := range a.devs {
		if d == nil {
			continue
		}
		ch := d.Read()
		v.Channels[i] = ch
		if ch.Valid {
			sum += ch.TemperatureC
			n++
		}
	}
	v.Count = len(a.devs)
	if n == 0 {
		return sensors.Reading[sensors.RTD]{Value: v, At: now}
	}
	v.TemperatureC = sum / float64(n)
	return sensors.Valid(v, now)
}

func (a *Array) Sample(now time.Time) sensors.Sample {
	return sensors.Sample{Kind: sensors.KindRTD, RTD: a.Read(now)}
}
