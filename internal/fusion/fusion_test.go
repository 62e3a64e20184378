package fusion

import (
	"math"
	"testing"
	"time"

	"bioreactor/internal/sensors"
)

// scripted is a driver whose next readings are set by the test.
type scripted struct {
	kind  sensors.Kind
	value float64
	valid bool
	calls int
}

func (s *scripted) Kind() sensors.Kind { return s.kind }

func (s *scripted) Sample(now time.Time) sensors.Sample {
	s.calls++
	out := sensors.Sample{Kind: s.kind}
	switch s.kind {
	case sensors.KindPH:
		out.PH = sensors.Reading[sensors.PH]{Value: sensors.PH{PH: s.value}, Valid: s.valid, At: now}
	case sensors.KindRTD:
		out.RTD = sensors.Reading[sensors.RTD]{Value: sensors.RTD{TemperatureC: s.value}, Valid: s.valid, At: now}
	case sensors.KindPressure:
		out.Pressure = sensors.Reading[sensors.Pressure]{Value: sensors.Pressure{Bar: s.value}, Valid: s.valid, At: now}
	}
	return out
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPoll_RespectsPeriod(t *testing.T) {
	ph := &scripted{kind: sensors.KindPH, value: 7, valid: true}
	l := New(Config{}, ph)

	if !l.Poll(t0) {
		t.Fatalf("first poll should sample")
	}
	if l.Poll(t0.Add(999 * time.Millisecond)) {
		t.Fatalf("poll before period should not sample")
	}
	if !l.Poll(t0.Add(time.Second)) {
		t.Fatalf("poll at period should sample")
	}
	if ph.calls != 2 {
		t.Fatalf("driver calls=%d want 2", ph.calls)
	}
}

func TestLatestValid_RetainsLastGoodValue(t *testing.T) {
	ph := &scripted{kind: sensors.KindPH, value: 6.8, valid: true}
	l := New(Config{Period: time.Second}, ph)

	l.Poll(t0)
	ph.value, ph.valid = math.NaN(), false
	l.Poll(t0.Add(time.Second))

	got := l.LatestValid().PH
	if !got.Valid || got.Value.PH != 6.8 || !got.At.Equal(t0) {
		t.Fatalf("last valid=%+v", got)
	}
	if l.Latest().PH.Valid {
		t.Fatalf("latest raw sample should be invalid")
	}

	ph.value, ph.valid = 7.1, true
	l.Poll(t0.Add(2 * time.Second))
	if v, ok := l.PH(); !ok || v != 7.1 {
		t.Fatalf("PH()=%v,%v want 7.1,true", v, ok)
	}
}

func TestLatestValid_ChannelsAreIndependent(t *testing.T) {
	ph := &scripted{kind: sensors.KindPH, value: 7, valid: true}
	rtd := &scripted{kind: sensors.KindRTD, value: 37, valid: true}
	l := New(Config{}, ph, rtd)
	l.Poll(t0)

	rtd.valid = false
	ph.value = 7.2
	l.Poll(t0.Add(time.Second))

	if v, _ := l.PH(); v != 7.2 {
		t.Fatalf("ph=%v", v)
	}
	if v, ok := l.TemperatureC(); !ok || v != 37 {
		t.Fatalf("temp=%v,%v", v, ok)
	}
	if _, ok := l.PressureBar(); ok {
		t.Fatalf("pressure has no driver and must be invalid")
	}
}

func TestHistory_WrapsOldestFirst(t *testing.T) {
	p := &scripted{kind: sensors.KindPressure, valid: true}
	l := New(Config{Period: time.Second, History: 3}, p)
	for i := 0; i < 5; i++ {
		p.value = float64(i)
		l.Poll(t0.Add(time.Duration(i) * time.Second))
	}
	h := l.History()
	if len(h) != 3 {
		t.Fatalf("len=%d", len(h))
	}
	for i, want := range []float64{2, 3, 4} {
		if got := h[i].Pressure.Value.Bar; got != want {
			t.Fatalf("h[%d]=%v want %v", i, got, want)
		}
	}
}

func TestStats_IgnoresInvalidSamples(t *testing.T) {
	p := &scripted{kind: sensors.KindPressure}
	l := New(Config{Period: time.Second, History: 10}, p)
	seq := []struct {
		v  float64
		ok bool
	}{{1, true}, {99, false}, {3, true}, {2, true}}
	for i, s := range seq {
		p.value, p.valid = s.v, s.ok
		l.Poll(t0.Add(time.Duration(i) * time.Second))
	}
	st := l.Stats(sensors.ChannelPressure)
	if st.N != 3 || st.Mean != 2 || st.Min != 1 || st.Max != 3 {
		t.Fatalf("stats=%+v", st)
	}
	if math.Abs(st.StdDev-1) > 1e-9 {
		t.Fatalf("stddev=%v want 1", st.StdDev)
	}
	if got := l.Stats(sensors.ChannelDO); got.N != 0 {
		t.Fatalf("empty channel stats=%+v", got)
	}
}

func TestStale(t *testing.T) {
	ph := &scripted{kind: sensors.KindPH, value: 7, valid: true}
	l := New(Config{}, ph)
	if !l.Stale(sensors.ChannelPH, t0, time.Minute) {
		t.Fatalf("never-valid channel should be stale")
	}
	l.Poll(t0)
	ph.valid = false
	for i := 1; i <= 11; i++ {
		l.Poll(t0.Add(time.Duration(i) * time.Second))
	}
	if l.Stale(sensors.ChannelPH, t0.Add(10*time.Second), 10*time.Second) {
		t.Fatalf("age equal to bound is not stale")
	}
	if !l.Stale(sensors.ChannelPH, t0.Add(11*time.Second), 10*time.Second) {
		t.Fatalf("expected stale")
	}
}
