// Package bmp280 reads headspace pressure from a Bosch BMP280 over I2C.
package bmp280

import (
	"encoding/binary"
	"fmt"
	"time"

	"bioreactor/internal/sensors"
)

var sleep = time.Sleep

const (
	addrDefault = 0x77

	regID        = 0xD0
	chipIDBMP280 = 0x58

	regReset = 0xE0
	resetCmd = 0xB6

	regCalib00 = 0x88
	calibLen   = 24

	regCtrlMeas = 0xF4
	regConfig   = 0xF5
	regPressMsb = 0xF7

	pascalPerBar = 100000.0
)

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

// calibration holds the factory trimming words, dig_T1..dig_P9.
type calibration struct {
	t1         uint16
	t2, t3     int16
	p1         uint16
	p2, p3, p4 int16
	p5, p6, p7 int16
	p8, p9     int16
}

func (c calibration) plausible() bool { return c.t1 != 0 && c.p1 != 0 }

type Device struct {
	dev regIO
	cal calibration
}

func DefaultAddress() uint16 { return addrDefault }

// New verifies the chip ID, resets the part, loads calibration and starts
// continuous measurements. dev is an *i2c.Dev in production.
func New(dev regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("bmp280: dev is nil")
	}
	d := &Device{dev: dev}

	id, err := dev.ReadRegU8(regID)
	if err != nil {
		return nil, fmt.Errorf("bmp280: id read failed: %w", err)
	}
	if id != chipIDBMP280 {
		return nil, fmt.Errorf("bmp280: chip id=0x%02X want 0x%02X", id, chipIDBMP280)
	}

	// NVM trimming is copied to the image registers after reset; reading
	// too early returns zeros.
	_ = dev.WriteReg(regReset, resetCmd)
	sleep(5 * time.Millisecond)

	var calErr error
	for attempt := 0; attempt < 3; attempt++ {
		cal, err := d.readCalibration()
		switch {
		case err != nil:
			calErr = err
		case !cal.plausible():
			calErr = fmt.Errorf("bmp280: calibration invalid (digT1=%d digP1=%d)", cal.t1, cal.p1)
		default:
			d.cal = cal
			calErr = nil
		}
		if calErr == nil {
			break
		}
		sleep(5 * time.Millisecond)
	}
	if calErr != nil {
		return nil, calErr
	}

	// Standby 62.5 ms, IIR filter x4: the vessel pressure changes slowly and
	// stirring adds ripple.
	_ = dev.WriteReg(regConfig, 0x01<<5|0x02<<2)

	// osrs_t x2, osrs_p x16, normal mode.
	ctrl := byte(0x02<<5) | byte(0x05<<2) | 0x03
	if err := dev.WriteReg(regCtrlMeas, ctrl); err != nil {
		return nil, fmt.Errorf("bmp280: ctrl_meas write failed: %w", err)
	}
	return d, nil
}

func (d *Device) readCalibration() (calibration, error) {
	buf := make([]byte, calibLen)
	if err := d.dev.ReadReg(regCalib00, buf); err != nil {
		return calibration{}, fmt.Errorf("bmp280: read calib failed: %w", err)
	}
	u := func(i int) uint16 { return binary.LittleEndian.Uint16(buf[i : i+2]) }
	s := func(i int) int16 { return int16(u(i)) }
	return calibration{
		t1: u(0), t2: s(2), t3: s(4),
		p1: u(6), p2: s(8), p3: s(10), p4: s(12), p5: s(14),
		p6: s(16), p7: s(18), p8: s(20), p9: s(22),
	}, nil
}

// Read returns compensated temperature in degrees C and pressure in Pa.
func (d *Device) Read() (tempC, pressPa float64, err error) {
	buf := make([]byte, 6)
	if err := d.dev.ReadReg(regPressMsb, buf); err != nil {
		return 0, 0, fmt.Errorf("bmp280: read data failed: %w", err)
	}
	adcP := int32(buf[0])<<12 | int32(buf[1])<<4 | int32(buf[2])>>4
	adcT := int32(buf[3])<<12 | int32(buf[4])<<4 | int32(buf[5])>>4

	tFine, tempC := d.cal.temperature(adcT)
	return tempC, d.cal.pressure(adcP, tFine), nil
}

// temperature and pressure follow the floating point compensation formulas
// of the datasheet, section 8.1.
func (c calibration) temperature(adcT int32) (tFine float64, tempC float64) {
	v1 := (float64(adcT)/16384.0 - float64(c.t1)/1024.0) * float64(c.t2)
	v2 := float64(adcT)/131072.0 - float64(c.t1)/8192.0
	v2 = v2 * v2 * float64(c.t3)
	tFine = float64(int32(v1 + v2))
	return tFine, (v1 + v2) / 5120.0
}

func (c calibration) pressure(adcP int32, tFine float64) float64 {
	v1 := tFine/2.0 - 64000.0
	v2 := v1 * v1 * float64(c.p6) / 32768.0
	v2 += v1 * float64(c.p5) * 2.0
	v2 = v2/4.0 + float64(c.p4)*65536.0
	v1 = (float64(c.p3)*v1*v1/524288.0 + float64(c.p2)*v1) / 524288.0
	v1 = (1.0 + v1/32768.0) * float64(c.p1)
	if v1 == 0 {
		return 0
	}
	p := 1048576.0 - float64(adcP)
	p = (p - v2/4096.0) * 6250.0 / v1
	v1 = float64(c.p9) * p * p / 2147483648.0
	v2 = p * float64(c.p8) / 32768.0
	return p + (v1+v2+float64(c.p7))/16.0
}

// Sensor exposes the device as the pressure channel driver.
type Sensor struct {
	dev     *Device
	lastErr error
}

func NewSensor(dev *Device) *Sensor { return &Sensor{dev: dev} }

func (s *Sensor) Kind() sensors.Kind { return sensors.KindPressure }

func (s *Sensor) LastError() error { return s.lastErr }

func (s *Sensor) Read(now time.Time) sensors.Reading[sensors.Pressure] {
	if s.dev == nil {
		return sensors.Invalid[sensors.Pressure](now)
	}
	tempC, pa, err := s.dev.Read()
	if err != nil {
		s.lastErr = err
		return sensors.Invalid[sensors.Pressure](now)
	}
	s.lastErr = nil
	// Zero means the compensation divided by zero; a vessel never sits at vacuum.
	if pa <= 0 || !sensors.Finite(pa, tempC) {
		return sensors.Invalid[sensors.Pressure](now)
	}
	return sensors.Valid(sensors.Pressure{Bar: pa / pascalPerBar, TemperatureC: tempC}, now)
}

func (s *Sensor) Sample(now time.Time) sensors.Sample {
	return sensors.Sample{Kind: sensors.KindPressure, Pressure: s.Read(now)}
}
