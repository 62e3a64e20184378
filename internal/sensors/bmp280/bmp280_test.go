package bmp280

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

type fakeI2C struct {
	regs map[byte][]byte

	calibReads int
	calibSeq   [][]byte

	writes map[byte]byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	b, ok := f.regs[reg]
	if !ok || len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	if reg == regCalib00 {
		f.calibReads++
		idx := f.calibReads - 1
		if idx < len(f.calibSeq) {
			copy(dst, f.calibSeq[idx])
			return nil
		}
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	b, ok := f.regs[reg]
	if !ok {
		return errors.New("no reg")
	}
	copy(dst, b)
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	if f.writes == nil {
		f.writes = map[byte]byte{}
	}
	f.writes[reg] = value
	return nil
}

func noSleep(t *testing.T) {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

// datasheetCalib is the worked example from the BMP280 datasheet.
func datasheetCalib() []byte {
	words := []uint16{
		27504, 26435, uint16(0x10000 - 1000),
		36477, uint16(0x10000 - 10685), 3024, 2855, 140,
		uint16(0x10000 - 7), 15500, uint16(0x10000 - 14600), 6000,
	}
	buf := make([]byte, calibLen)
	for i, w := range words {
		binary.LittleEndian.PutUint16(buf[2*i:], w)
	}
	return buf
}

func TestNew_RetriesCalibrationAfterReset(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{
		regs:     map[byte][]byte{regID: {chipIDBMP280}},
		calibSeq: [][]byte{make([]byte, calibLen), datasheetCalib()},
	}
	if _, err := New(f); err != nil {
		t.Fatalf("expected New to succeed, got %v", err)
	}
	if f.calibReads != 2 {
		t.Fatalf("calibration reads=%d want 2", f.calibReads)
	}
	if f.writes[regReset] != resetCmd {
		t.Fatalf("expected soft reset")
	}
	if f.writes[regCtrlMeas]&0x03 != 0x03 {
		t.Fatalf("expected normal mode, ctrl=0x%02X", f.writes[regCtrlMeas])
	}
}

func TestNew_Failures(t *testing.T) {
	noSleep(t)
	cases := []struct {
		name string
		f    *fakeI2C
	}{
		{"WrongChip", &fakeI2C{regs: map[byte][]byte{regID: {0x60}}}},
		{"NoID", &fakeI2C{regs: map[byte][]byte{}}},
		{"ZeroCalibration", &fakeI2C{regs: map[byte][]byte{regID: {chipIDBMP280}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.f); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSensor_ReadsDatasheetExample(t *testing.T) {
	noSleep(t)
	// adc_T=519888, adc_P=415148 => 25.08 C, 100653 Pa.
	enc := func(v uint32) []byte { return []byte{byte(v >> 12), byte(v >> 4), byte(v << 4)} }
	data := append(enc(415148), enc(519888)...)
	f := &fakeI2C{
		regs:     map[byte][]byte{regID: {chipIDBMP280}, regPressMsb: data},
		calibSeq: [][]byte{datasheetCalib()},
	}
	dev, err := New(f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Unix(2000, 0)
	r := NewSensor(dev).Read(now)
	if !r.Valid {
		t.Fatalf("expected valid reading")
	}
	if math.Abs(r.Value.TemperatureC-25.08) > 0.01 {
		t.Fatalf("temp=%v want 25.08", r.Value.TemperatureC)
	}
	if math.Abs(r.Value.Bar-1.00653) > 0.0005 {
		t.Fatalf("bar=%v want ~1.00653", r.Value.Bar)
	}
}

func TestSensor_NilDeviceInvalid(t *testing.T) {
	if r := NewSensor(nil).Read(time.Unix(0, 0)); r.Valid {
		t.Fatalf("expected invalid")
	}
}
