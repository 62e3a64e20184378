package sim

import (
	"testing"
	"time"

	"bioreactor/internal/actuator"
	"bioreactor/internal/motor"
	"bioreactor/internal/sensors"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type duties map[actuator.Name]float64

func (d duties) Duty(n actuator.Name) float64 { return d[n] }

type fixedRPM float64

func (f fixedRPM) RPM() float64 { return float64(f) }

func TestPlant_HeaterRaisesTemperature(t *testing.T) {
	out := duties{}
	p := NewPlant(DefaultPlantParams(), DefaultInitialState(), out, nil)
	p.Advance(t0)
	cold := p.Advance(t0.Add(10 * time.Minute)).TemperatureC

	out[actuator.Heater] = 100
	hot := p.Advance(t0.Add(20 * time.Minute)).TemperatureC
	if hot <= cold+5 {
		t.Fatalf("temperature %v -> %v with full heater", cold, hot)
	}
}

func TestPlant_DosingMovesPH(t *testing.T) {
	out := duties{actuator.BasePump: 50}
	p := NewPlant(DefaultPlantParams(), DefaultInitialState(), out, nil)
	p.Advance(t0)
	if got := p.Advance(t0.Add(time.Minute)).PH; got <= 7 {
		t.Fatalf("ph=%v after base dosing", got)
	}
	out[actuator.BasePump] = 0
	out[actuator.AcidPump] = 100
	if got := p.Advance(t0.Add(5 * time.Minute)).PH; got >= 7 {
		t.Fatalf("ph=%v after acid dosing", got)
	}
}

func TestPlant_AerationRecoversDO(t *testing.T) {
	init := DefaultInitialState()
	init.DOPercent = 10
	p := NewPlant(DefaultPlantParams(), init, duties{}, fixedRPM(0))
	p.Advance(t0)
	still := p.Advance(t0.Add(time.Minute)).DOPercent

	q := NewPlant(DefaultPlantParams(), init, duties{}, fixedRPM(1000))
	q.Advance(t0)
	stirred := q.Advance(t0.Add(time.Minute)).DOPercent
	if stirred <= still {
		t.Fatalf("do stirred=%v still=%v", stirred, still)
	}
}

func TestPlant_BackpressureVents(t *testing.T) {
	init := DefaultInitialState()
	init.PressureBar = 2
	out := duties{}
	p := NewPlant(DefaultPlantParams(), init, out, nil)
	p.Advance(t0)
	closed := p.Advance(t0.Add(time.Minute)).PressureBar

	out[actuator.BackpressureValve] = 100
	vented := p.Advance(t0.Add(2 * time.Minute)).PressureBar
	if vented >= closed-0.3 {
		t.Fatalf("pressure closed=%v vented=%v", closed, vented)
	}
}

func TestPlant_BackwardsTimeIsNoop(t *testing.T) {
	p := NewPlant(DefaultPlantParams(), DefaultInitialState(), duties{actuator.Heater: 100}, nil)
	p.Advance(t0)
	a := p.Advance(t0.Add(time.Minute))
	b := p.Advance(t0)
	if a != b {
		t.Fatalf("state changed going backwards")
	}
}

func TestDrivers_ReportFaults(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{
		Keyframes: []PlantKeyframe{{T: 0, AmbientC: 22}},
		Faults:    []SensorFault{{Channel: "ph", From: 2 * time.Second, Until: 4 * time.Second}},
	})
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	p := NewPlant(DefaultPlantParams(), DefaultInitialState(), duties{}, nil)
	p.SetScenario(scn, false)

	var ph sensors.Driver
	for _, d := range p.Drivers() {
		if d.Kind() == sensors.KindPH {
			ph = d
		}
	}
	if ph == nil {
		t.Fatalf("no ph driver")
	}
	if s := ph.Sample(t0); !s.PH.Valid || s.PH.Value.PH != 7 {
		t.Fatalf("initial sample=%+v", s.PH)
	}
	if s := ph.Sample(t0.Add(3 * time.Second)); s.PH.Valid {
		t.Fatalf("sample valid inside fault window")
	}
	if s := ph.Sample(t0.Add(5 * time.Second)); !s.PH.Valid {
		t.Fatalf("sample invalid after fault window")
	}
}

func TestTMC_DriverRoundTrip(t *testing.T) {
	tmc := NewTMC()
	d := motor.New(tmc, tmc, motor.DefaultConfig())
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	st := motor.NewStirrer(d, 1000)
	if err := st.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := st.SetRPM(200); err != nil {
		t.Fatalf("SetRPM: %v", err)
	}
	rpm, err := st.RPM()
	if err != nil {
		t.Fatalf("RPM: %v", err)
	}
	if rpm < 199.9 || rpm > 200.1 {
		t.Fatalf("rpm=%v want 200", rpm)
	}
	if got := tmc.RPM(); got < 199.9 || got > 200.1 {
		t.Fatalf("plant rpm=%v", got)
	}

	if err := st.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if got := tmc.RPM(); got != 0 {
		t.Fatalf("rpm=%v with stage disabled", got)
	}
	if tmc.Frames() == 0 {
		t.Fatalf("no frames recorded")
	}
}
