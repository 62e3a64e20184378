package actuator

import (
	"errors"
	"testing"
)

type fakeOutput struct {
	duties []float64
	err    error
	closed bool
}

func (f *fakeOutput) SetDutyPercent(p float64) error {
	if f.err != nil {
		return f.err
	}
	f.duties = append(f.duties, p)
	return nil
}

func (f *fakeOutput) Close() error {
	f.closed = true
	return nil
}

func TestBank_ClampsAndRemembers(t *testing.T) {
	b := NewBank()
	heater := &fakeOutput{}
	b.Attach(Heater, heater)

	cases := []struct{ in, want float64 }{{-5, 0}, {42.5, 42.5}, {140, 100}}
	for _, c := range cases {
		if err := b.Set(Heater, c.in); err != nil {
			t.Fatalf("Set(%v): %v", c.in, err)
		}
		if got := b.Duty(Heater); got != c.want {
			t.Fatalf("Duty after Set(%v)=%v want %v", c.in, got, c.want)
		}
	}
	if len(heater.duties) != 3 || heater.duties[2] != 100 {
		t.Fatalf("duties=%v", heater.duties)
	}
}

func TestBank_UnknownOutput(t *testing.T) {
	b := NewBank()
	if err := b.Set(FeedPump, 10); !errors.Is(err, ErrUnknownOutput) {
		t.Fatalf("err=%v want ErrUnknownOutput", err)
	}
}

func TestBank_FailedWriteKeepsLastDuty(t *testing.T) {
	b := NewBank()
	pump := &fakeOutput{}
	b.Attach(AcidPump, pump)
	_ = b.Set(AcidPump, 30)
	pump.err = errors.New("write failed")
	if err := b.Set(AcidPump, 60); err == nil {
		t.Fatalf("expected error")
	}
	if b.Duty(AcidPump) != 30 {
		t.Fatalf("duty=%v want 30", b.Duty(AcidPump))
	}
	snap := b.Snapshot()
	if len(snap) != 1 || snap[0].LastError == "" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestBank_ZeroAllAttemptsEveryChannel(t *testing.T) {
	b := NewBank()
	good := &fakeOutput{}
	bad := &fakeOutput{}
	b.Attach(Heater, good)
	b.Attach(GasValve, bad)
	_ = b.Set(Heater, 80)
	_ = b.Set(GasValve, 50)
	bad.err = errors.New("stuck")

	if err := b.ZeroAll(); err == nil {
		t.Fatalf("expected joined error")
	}
	if b.Duty(Heater) != 0 {
		t.Fatalf("heater duty=%v want 0", b.Duty(Heater))
	}
	if got := good.duties[len(good.duties)-1]; got != 0 {
		t.Fatalf("heater last write=%v", got)
	}
}

func TestBank_AttachReplacesAndCloses(t *testing.T) {
	b := NewBank()
	first := &fakeOutput{}
	b.Attach(Heater, first)
	b.Attach(Heater, &fakeOutput{})
	if !first.closed {
		t.Fatalf("replaced output should be closed")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(b.Snapshot()) != 0 {
		t.Fatalf("bank should be empty after Close")
	}
}

type fakeSwitch struct {
	levels []bool
	closed bool
}

func (s *fakeSwitch) Set(high bool) error {
	s.levels = append(s.levels, high)
	return nil
}

func (s *fakeSwitch) Close() error {
	s.closed = true
	return nil
}

func TestDigital_AnyDutyIsOn(t *testing.T) {
	sw := &fakeSwitch{}
	d := NewDigital(sw)
	for _, p := range []float64{0, 0.1, 100, -3} {
		if err := d.SetDutyPercent(p); err != nil {
			t.Fatal(err)
		}
	}
	want := []bool{false, true, true, false}
	for i := range want {
		if sw.levels[i] != want[i] {
			t.Fatalf("levels=%v want %v", sw.levels, want)
		}
	}
	if err := d.Close(); err != nil || !sw.closed || sw.levels[len(sw.levels)-1] {
		t.Fatalf("close: err=%v closed=%v levels=%v", err, sw.closed, sw.levels)
	}
	if err := d.SetDutyPercent(10); err == nil {
		t.Fatalf("expected error after Close")
	}
}

func TestMemory_ClampsAndZeroesOnClose(t *testing.T) {
	m := &Memory{}
	_ = m.SetDutyPercent(250)
	if m.Duty() != 100 {
		t.Fatalf("duty=%v", m.Duty())
	}
	_ = m.Close()
	if m.Duty() != 0 {
		t.Fatalf("duty after close=%v", m.Duty())
	}
}
