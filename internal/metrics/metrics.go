// Package metrics exports controller snapshots as Prometheus series.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bioreactor/internal/controller"
	"bioreactor/internal/safety"
	"bioreactor/internal/sensors"
)

const namespace = "bioreactor"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	sensorValue *prometheus.GaugeVec
	sensorValid *prometheus.GaugeVec
	setpoint    *prometheus.GaugeVec
	loopOutput  *prometheus.GaugeVec
	output      *prometheus.GaugeVec
	loopMode    *prometheus.GaugeVec
	stirrerRPM  prometheus.Gauge
	safetyState prometheus.Gauge
	armed       prometheus.Gauge
	escalated   prometheus.Gauge
	alarms      prometheus.Counter
	ticks       prometheus.Counter

	mu        sync.Mutex
	lastTicks uint64
	lastAlarm int
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_value",
			Help:      "Last valid reading by channel.",
		}, []string{"channel"}),
		sensorValid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_valid",
			Help:      "1 when the channel has a valid reading.",
		}, []string{"channel"}),
		setpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "setpoint",
			Help:      "Active setpoint by variable.",
		}, []string{"variable"}),
		loopOutput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_output",
			Help:      "Last output of each control loop in percent.",
		}, []string{"loop"}),
		output: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actuator_duty_percent",
			Help:      "Commanded duty of each actuator output.",
		}, []string{"output"}),
		loopMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_mode",
			Help:      "1 for the active mode of each variable.",
		}, []string{"variable", "mode"}),
		stirrerRPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stirrer_rpm",
			Help:      "Commanded impeller speed.",
		}),
		safetyState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safety_state",
			Help:      "Safety supervisor state (0 normal, 1 pending, 2 confirmed).",
		}),
		armed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "armed",
			Help:      "1 while loops are allowed to actuate.",
		}),
		escalated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "do_cascade_escalated",
			Help:      "1 while the DO cascade drives its secondary actuator.",
		}),
		alarms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarms_total",
			Help:      "Confirmed alarms and emergency stops.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Controller ticks executed.",
		}),
	}
	m.reg.MustRegister(
		m.sensorValue, m.sensorValid, m.setpoint, m.loopOutput, m.output, m.loopMode,
		m.stirrerRPM, m.safetyState, m.armed, m.escalated, m.alarms, m.ticks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe implements controller.Recorder.
func (m *Metrics) Observe(s controller.Snapshot) {
	if m == nil {
		return
	}
	for _, ch := range sensors.Channels {
		r := s.Readings.Measurement(ch)
		if r.Valid {
			m.sensorValue.WithLabelValues(ch.String()).Set(r.Value)
		}
		m.sensorValid.WithLabelValues(ch.String()).Set(boolGauge(r.Valid))
	}

	sp := s.Setpoints
	for name, v := range map[string]float64{
		"ph":            sp.PH,
		"do_percent":    sp.DOPercent,
		"temperature_c": sp.TemperatureC,
		"pressure_bar":  sp.PressureBar,
		"stirrer_rpm":   sp.StirrerRPM,
		"feed_rate_pct": sp.FeedRatePct,
	} {
		m.setpoint.WithLabelValues(name).Set(v)
	}

	for _, l := range s.Loops {
		m.loopOutput.WithLabelValues(l.Name).Set(l.Output)
	}
	m.loopOutput.WithLabelValues(s.Cascade.Stirrer.Name).Set(s.Cascade.Stirrer.Output)
	m.loopOutput.WithLabelValues(s.Cascade.Gas.Name).Set(s.Cascade.Gas.Output)
	for _, o := range s.Outputs {
		m.output.WithLabelValues(string(o.Name)).Set(o.Duty)
	}
	for v, mode := range s.Modes {
		for _, candidate := range []string{"auto", "manual", "off"} {
			m.loopMode.WithLabelValues(v, candidate).Set(boolGauge(candidate == mode))
		}
	}

	m.stirrerRPM.Set(s.StirrerRPM)
	m.safetyState.Set(float64(stateValue(s.Safety.State)))
	m.armed.Set(boolGauge(s.Armed))
	m.escalated.Set(boolGauge(s.Cascade.Escalated))

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Ticks > m.lastTicks {
		m.ticks.Add(float64(s.Ticks - m.lastTicks))
		m.lastTicks = s.Ticks
	}
	if n := s.Safety.Confirmations + s.Safety.Trips; n > m.lastAlarm {
		m.alarms.Add(float64(n - m.lastAlarm))
		m.lastAlarm = n
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func stateValue(name string) safety.State {
	for _, st := range []safety.State{safety.StateNormal, safety.StatePending, safety.StateConfirmed} {
		if st.String() == name {
			return st
		}
	}
	return safety.StateNormal
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
