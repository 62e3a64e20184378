package motor

import (
	"errors"
	"testing"
)

// fakeTMC models the register file of the chip: writes land in regs and
// reads return the stored value in the same exchange.
type fakeTMC struct {
	regs   map[byte]uint32
	writes []byte
	err    error
}

func newFakeTMC() *fakeTMC { return &fakeTMC{regs: map[byte]uint32{}} }

func (f *fakeTMC) Tx(w, r []byte) error {
	if f.err != nil {
		return f.err
	}
	if len(w) != 5 || len(r) != 5 {
		return errors.New("bad frame length")
	}
	addr := w[0] &^ writeBit
	r[0] = 0x01
	if w[0]&writeBit != 0 {
		f.regs[addr] = uint32(w[1])<<24 | uint32(w[2])<<16 | uint32(w[3])<<8 | uint32(w[4])
		f.writes = append(f.writes, addr)
		return nil
	}
	v := f.regs[addr]
	r[1], r[2], r[3], r[4] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	return nil
}

type fakePin struct{ levels []bool }

func (p *fakePin) Set(high bool) error {
	p.levels = append(p.levels, high)
	return nil
}

func TestWriteFrame_MSBFirstWithWriteBit(t *testing.T) {
	var got []byte
	bus := busFunc(func(w, r []byte) error {
		got = append([]byte(nil), w...)
		return nil
	})
	d := New(bus, nil, DefaultConfig())
	if err := d.SetPosition(0x01020304); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	want := []byte{0xAD, 0x01, 0x02, 0x03, 0x04}
	if string(got) != string(want) {
		t.Fatalf("frame=% X want % X", got, want)
	}
}

type busFunc func(w, r []byte) error

func (f busFunc) Tx(w, r []byte) error { return f(w, r) }

func TestInit_ProgramsRampAndLeavesStageDisabled(t *testing.T) {
	bus := newFakeTMC()
	pin := &fakePin{}
	d := New(bus, pin, DefaultConfig())
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	want := map[byte]uint32{
		regGCONF: 0x4, regIHoldIRun: 0x00071703, regRampMode: 0, regVStart: 0,
		regA1: 1000, regV1: 50000, regAMax: 5000, regVMax: DefaultMaxVelocity,
		regDMax: 5000, regD1: 1000, regVStop: 10,
	}
	for reg, v := range want {
		if got := bus.regs[reg]; got != v {
			t.Fatalf("reg 0x%02x=%d want %d", reg, got, v)
		}
	}
	if len(pin.levels) != 1 || !pin.levels[0] {
		t.Fatalf("enable pin levels=%v want [true] (inactive)", pin.levels)
	}
	if !d.Snapshot().Initialized || d.Snapshot().Enabled {
		t.Fatalf("snapshot=%+v", d.Snapshot())
	}
}

func TestEnable_ActiveLow(t *testing.T) {
	pin := &fakePin{}
	d := New(newFakeTMC(), pin, DefaultConfig())
	if err := d.Enable(); err != nil {
		t.Fatal(err)
	}
	if err := d.Disable(); err != nil {
		t.Fatal(err)
	}
	if len(pin.levels) != 2 || pin.levels[0] || !pin.levels[1] {
		t.Fatalf("levels=%v", pin.levels)
	}
}

func TestSetSpeed_RoundTripAndClamp(t *testing.T) {
	bus := newFakeTMC()
	cfg := DefaultConfig()
	cfg.MaxVelocity = 100000
	d := New(bus, nil, cfg)

	for _, v := range []uint32{0, 1, 51200, 100000} {
		sent, err := d.SetSpeed(v)
		if err != nil || sent != v {
			t.Fatalf("SetSpeed(%d)=%d,%v", v, sent, err)
		}
		back, err := d.ReadRegister(regVMax)
		if err != nil || back != v {
			t.Fatalf("read back=%d,%v want %d", back, err, v)
		}
	}

	sent, err := d.SetSpeed(250000)
	if err != nil || sent != 100000 {
		t.Fatalf("clamped SetSpeed=%d,%v", sent, err)
	}
	if bus.regs[regVMax] != 100000 {
		t.Fatalf("transmitted vmax=%d want 100000", bus.regs[regVMax])
	}
}

func TestVelocity_SignExtends24Bit(t *testing.T) {
	bus := newFakeTMC()
	d := New(bus, nil, DefaultConfig())
	cases := []struct {
		raw  uint32
		want int32
	}{
		{0x000000, 0},
		{0x00C800, 51200},
		{0x7FFFFF, 8388607},
		{0xFFFFFF, -1},
		{0x800000, -8388608},
		{0xFF3800, -51200},
	}
	for _, c := range cases {
		bus.regs[regVActual] = c.raw
		got, err := d.Velocity()
		if err != nil || got != c.want {
			t.Fatalf("raw=0x%06x got %d,%v want %d", c.raw, got, err, c.want)
		}
	}
}

func TestPosition_Signed32(t *testing.T) {
	bus := newFakeTMC()
	d := New(bus, nil, DefaultConfig())
	bus.regs[regXActual] = 0xFFFFFF9C
	if p, err := d.Position(); err != nil || p != -100 {
		t.Fatalf("position=%d,%v", p, err)
	}
}

func TestStop_VelocityModeThenZero(t *testing.T) {
	bus := newFakeTMC()
	d := New(bus, nil, DefaultConfig())
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(bus.writes) != 2 || bus.writes[0] != regRampMode || bus.writes[1] != regVMax {
		t.Fatalf("writes=%v", bus.writes)
	}
	if bus.regs[regRampMode] != RampVelocityPos || bus.regs[regVMax] != 0 {
		t.Fatalf("regs=%v", bus.regs)
	}
}

func TestBusError_LeavesStateUnchanged(t *testing.T) {
	bus := newFakeTMC()
	d := New(bus, nil, DefaultConfig())
	if _, err := d.SetSpeed(1000); err != nil {
		t.Fatal(err)
	}
	bus.err = errors.New("spi down")
	if _, err := d.SetSpeed(2000); err == nil {
		t.Fatalf("expected error")
	}
	snap := d.Snapshot()
	if snap.Velocity != 1000 || snap.LastError == "" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if err := (&Driver{}).Init(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("nil bus err=%v", err)
	}
}

func TestStirrer_RPMConversionAndClamp(t *testing.T) {
	bus := newFakeTMC()
	d := New(bus, nil, Config{MaxVelocity: 10_000_000})
	s := NewStirrer(d, 0)

	if err := s.SetRPM(60); err != nil {
		t.Fatal(err)
	}
	if got := bus.regs[regVMax]; got != 51200 {
		t.Fatalf("vmax=%d want 51200", got)
	}
	if bus.regs[regRampMode] != RampVelocityPos {
		t.Fatalf("ramp mode=%d", bus.regs[regRampMode])
	}

	if err := s.SetRPM(5000); err != nil {
		t.Fatal(err)
	}
	if s.TargetRPM() != DefaultMaxRPM || bus.regs[regVMax] != RPMToVelocity(DefaultMaxRPM) {
		t.Fatalf("target=%v vmax=%d", s.TargetRPM(), bus.regs[regVMax])
	}
	if err := s.SetRPM(-5); err != nil || s.TargetRPM() != 0 {
		t.Fatalf("negative rpm target=%v err=%v", s.TargetRPM(), err)
	}

	bus.regs[regVActual] = 51200
	if rpm, err := s.RPM(); err != nil || rpm != 60 {
		t.Fatalf("rpm=%v,%v", rpm, err)
	}
}

func TestStirrer_TargetFollowsDriverClamp(t *testing.T) {
	bus := newFakeTMC()
	d := New(bus, nil, Config{MaxVelocity: 200000})
	s := NewStirrer(d, 1000)

	if err := s.SetRPM(500); err != nil {
		t.Fatal(err)
	}
	if bus.regs[regVMax] != 200000 {
		t.Fatalf("vmax=%d want 200000", bus.regs[regVMax])
	}
	if want := VelocityToRPM(200000); s.TargetRPM() != want {
		t.Fatalf("target=%v want %v", s.TargetRPM(), want)
	}
}

func TestStirrer_DefaultsReachMaxRPM(t *testing.T) {
	bus := newFakeTMC()
	s := NewStirrer(New(bus, nil, DefaultConfig()), DefaultMaxRPM)

	for _, rpm := range []float64{500, 950, DefaultMaxRPM} {
		if err := s.SetRPM(rpm); err != nil {
			t.Fatal(err)
		}
		if bus.regs[regVMax] != RPMToVelocity(rpm) || s.TargetRPM() != rpm {
			t.Fatalf("rpm=%v vmax=%d target=%v", rpm, bus.regs[regVMax], s.TargetRPM())
		}
	}
}

func TestStirrer_StopAndDisable(t *testing.T) {
	bus := newFakeTMC()
	pin := &fakePin{}
	s := NewStirrer(New(bus, pin, DefaultConfig()), 1000)
	if err := s.Enable(); err != nil || !s.Enabled() {
		t.Fatalf("enable: %v", err)
	}
	_ = s.SetRPM(300)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Disable(); err != nil || s.Enabled() {
		t.Fatalf("disable: %v", err)
	}
	if s.TargetRPM() != 0 || bus.regs[regVMax] != 0 {
		t.Fatalf("target=%v vmax=%d", s.TargetRPM(), bus.regs[regVMax])
	}
}
