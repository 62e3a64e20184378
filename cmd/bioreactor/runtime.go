package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"bioreactor/internal/actuator"
	"bioreactor/internal/clock"
	"bioreactor/internal/config"
	"bioreactor/internal/controller"
	"bioreactor/internal/fusion"
	"bioreactor/internal/gpio"
	"bioreactor/internal/i2c"
	"bioreactor/internal/metrics"
	"bioreactor/internal/modbus"
	"bioreactor/internal/motor"
	"bioreactor/internal/safety"
	"bioreactor/internal/sensors"
	"bioreactor/internal/sensors/bmp280"
	"bioreactor/internal/sensors/chem"
	"bioreactor/internal/sensors/max31865"
	"bioreactor/internal/sim"
	"bioreactor/internal/spi"
	"bioreactor/internal/store"
	"bioreactor/internal/udp"
)

// runtime owns everything the process opened: hardware (or the simulator),
// the orchestrator and its optional store, metrics and link endpoints.
type runtime struct {
	cfg   config.Config
	clock clock.Clock

	outputs *actuator.Bank
	stirrer *motor.Stirrer
	fusion  *fusion.Layer
	sup     *safety.Supervisor
	ctrl    *controller.Controller
	metrics *metrics.Metrics
	store   *store.Store
	plant   *sim.Plant

	link          *udp.Listener
	telemetry     *udp.Broadcaster
	telemetrySeq  uint16
	lastTelemetry time.Time

	closers []io.Closer
}

func newRuntime(cfg config.Config, clk clock.Clock) (*runtime, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	r := &runtime{
		cfg:     cfg,
		clock:   clk,
		outputs: actuator.NewBank(),
		metrics: metrics.New(),
	}

	var drivers []sensors.Driver
	var err error
	if cfg.Sim.Enable {
		drivers, err = r.openSim()
	} else {
		drivers, err = r.openHardware()
	}
	if err != nil {
		r.Close()
		return nil, err
	}

	r.fusion = fusion.New(fusion.Config{Period: cfg.Sensors.PollPeriod, History: cfg.Sensors.History}, drivers...)
	sc, limits := cfg.SupervisorConfig()
	r.sup = safety.New(sc, safety.NewLimits(r.fusion, limits))
	r.sup.Subscribe(safety.NotifierFunc(func(e safety.Event) {
		log.Printf("safety %s id=%s reason=%q", e.Kind, e.ID, e.Reason)
	}))

	deps := controller.Deps{
		Clock:    clk,
		Fusion:   r.fusion,
		Stirrer:  r.stirrer,
		Outputs:  r.outputs,
		Safety:   r.sup,
		Recorder: r.metrics,
	}
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.store = st
		deps.Store = st
	}

	ctrl, err := controller.New(cfg.ControllerConfig(), deps)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.ctrl = ctrl
	if err := ctrl.Restore(); err != nil {
		// Keep running on configured setpoints; the operator can resend them.
		log.Printf("restore failed: %v", err)
	}

	if err := r.openLink(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *runtime) openSim() ([]sensors.Driver, error) {
	for _, n := range actuator.Names {
		r.outputs.Attach(n, &actuator.Memory{})
	}

	tmc := sim.NewTMC()
	drv := motor.New(tmc, tmc, r.cfg.Motor)
	if err := drv.Init(); err != nil {
		return nil, fmt.Errorf("sim motor init: %w", err)
	}
	r.stirrer = motor.NewStirrer(drv, r.cfg.Stirrer.MaxRPM)

	params := sim.DefaultPlantParams()
	params.MaxRPM = r.cfg.Stirrer.MaxRPM
	initial := sim.DefaultInitialState()
	if r.cfg.Sim.InitialTemperatureC != 0 {
		initial.TemperatureC = r.cfg.Sim.InitialTemperatureC
	}
	r.plant = sim.NewPlant(params, initial, r.outputs, tmc)

	if path := r.cfg.Sim.Scenario; path != "" {
		script, err := sim.LoadScenarioScript(path)
		if err != nil {
			return nil, fmt.Errorf("scenario load: %w", err)
		}
		sc, err := sim.NewScenario(script)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", path, err)
		}
		r.plant.SetScenario(sc, r.cfg.Sim.Loop)
		log.Printf("sim scenario=%s duration=%s loop=%t", path, sc.Duration(), r.cfg.Sim.Loop)
	}
	log.Printf("sim enabled")
	return r.plant.Drivers(), nil
}

// openHardware brings up the peripherals. Sensors and outputs that fail to
// open are replaced by stand-ins so the supervisor sees them as invalid; the
// stirrer is mandatory.
func (r *runtime) openHardware() ([]sensors.Driver, error) {
	hw := r.cfg.Hardware
	var drivers []sensors.Driver

	bus, err := modbus.Open(modbus.PortConfig{
		Device:      hw.Modbus.Device,
		BaudRate:    hw.Modbus.BaudRate,
		ReadTimeout: hw.Modbus.ReadTimeout,
	})
	if err != nil {
		log.Printf("modbus init failed: %v", err)
		drivers = append(drivers,
			sensors.Unavailable{K: sensors.KindPH, Err: err},
			sensors.Unavailable{K: sensors.KindDO, Err: err},
			sensors.Unavailable{K: sensors.KindBiomass, Err: err},
		)
	} else {
		r.closers = append(r.closers, bus)
		s := r.cfg.Sensors
		drivers = append(drivers,
			chem.NewPH(bus, s.PHSlave),
			chem.NewDO(bus, s.DOSlave),
			chem.NewBiomass(bus, s.BiomassSlave),
		)
		log.Printf("modbus device=%s baud=%d", hw.Modbus.Device, hw.Modbus.BaudRate)
	}

	drivers = append(drivers, r.openRTDs(), r.openPressure())

	if err := r.openMotor(); err != nil {
		return nil, err
	}
	r.openOutputs()
	return drivers, nil
}

func (r *runtime) openRTDs() sensors.Driver {
	hw := r.cfg.Hardware
	var devs []*max31865.Device
	for i, path := range hw.RTDSPI {
		conn, err := spi.Open(spi.Config{Path: path, Mode: spi.Mode3, SpeedHz: hw.SPISpeedHz})
		if err != nil {
			log.Printf("rtd %s init failed: %v", path, err)
			continue
		}
		r.closers = append(r.closers, conn)

		var drdy *gpio.EdgeFlag
		if i < len(hw.RTDReady) {
			f, err := gpio.WatchFalling(hw.RTDReady[i])
			if err != nil {
				log.Printf("rtd %s data-ready line failed, polling instead: %v", path, err)
			} else {
				drdy = f
				r.closers = append(r.closers, f)
			}
		}
		dev, err := max31865.New(conn, drdy)
		if err != nil {
			log.Printf("rtd %s init failed: %v", path, err)
			continue
		}
		devs = append(devs, dev)
	}
	if len(devs) == 0 {
		return sensors.Unavailable{K: sensors.KindRTD, Err: errors.New("no rtd converter available")}
	}
	log.Printf("rtd converters=%d", len(devs))
	return max31865.NewArray(devs...)
}

func (r *runtime) openPressure() sensors.Driver {
	hw := r.cfg.Hardware
	if hw.I2CBus == "" {
		return sensors.Unavailable{K: sensors.KindPressure, Err: errors.New("no i2c bus configured")}
	}
	bus, err := i2c.Open(hw.I2CBus)
	if err != nil {
		log.Printf("bmp280 init failed: %v", err)
		return sensors.Unavailable{K: sensors.KindPressure, Err: err}
	}
	r.closers = append(r.closers, bus)
	dev, err := bmp280.New(bus.Dev(hw.BMP280Address))
	if err != nil {
		log.Printf("bmp280 init failed: %v", err)
		return sensors.Unavailable{K: sensors.KindPressure, Err: err}
	}
	log.Printf("bmp280 bus=%s addr=0x%02x", hw.I2CBus, hw.BMP280Address)
	return bmp280.NewSensor(dev)
}

func (r *runtime) openMotor() error {
	hw := r.cfg.Hardware
	conn, err := spi.Open(spi.Config{Path: hw.MotorSPI, Mode: spi.Mode3, SpeedHz: hw.SPISpeedHz})
	if err != nil {
		return fmt.Errorf("stirrer spi: %w", err)
	}
	r.closers = append(r.closers, conn)

	var enable motor.EnablePin
	if hw.MotorEnable.Chip != "" {
		// DRV_ENN high keeps the stage off until the controller arms.
		pin, err := gpio.OpenOutput(hw.MotorEnable, 1)
		if err != nil {
			return fmt.Errorf("stirrer enable line: %w", err)
		}
		r.closers = append(r.closers, pin)
		enable = pin
	}
	drv := motor.New(conn, enable, r.cfg.Motor)
	if err := drv.Init(); err != nil {
		return fmt.Errorf("stirrer init: %w", err)
	}
	r.stirrer = motor.NewStirrer(drv, r.cfg.Stirrer.MaxRPM)
	log.Printf("stirrer spi=%s max_rpm=%.0f", hw.MotorSPI, r.cfg.Stirrer.MaxRPM)
	return nil
}

func (r *runtime) openOutputs() {
	for _, n := range actuator.Names {
		o, ok := r.cfg.Hardware.Outputs[string(n)]
		if !ok {
			log.Printf("output %s not configured; using memory output", n)
			r.outputs.Attach(n, &actuator.Memory{})
			continue
		}
		out, err := openOutput(o)
		if err != nil {
			log.Printf("output %s init failed: %v", n, err)
			r.outputs.Attach(n, &actuator.Memory{})
			continue
		}
		r.outputs.Attach(n, out)
	}
}

func openOutput(o config.Output) (actuator.Output, error) {
	switch o.Type {
	case "pwm":
		return actuator.OpenPWM(o.PWM)
	case "gpio":
		line, err := gpio.OpenOutput(o.Line, 0)
		if err != nil {
			return nil, err
		}
		return actuator.NewDigital(line), nil
	default:
		return nil, fmt.Errorf("unknown output type %q", o.Type)
	}
}

func (r *runtime) openLink() error {
	lc := r.cfg.Link
	if lc.Listen != "" {
		l, err := udp.Listen(lc.Listen, lc.Queue)
		if err != nil {
			return fmt.Errorf("link listen: %w", err)
		}
		r.link = l
		log.Printf("link listen=%s", l.Addr())
	}
	if lc.TelemetryDest != "" {
		b, err := udp.NewBroadcaster(lc.TelemetryDest)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		r.telemetry = b
		log.Printf("telemetry dest=%s interval=%s", lc.TelemetryDest, lc.TelemetryInterval)
	}
	return nil
}

// Run drives the tick loop until ctx is cancelled. tick is normally a
// time.Ticker channel.
func (r *runtime) Run(ctx context.Context, tick <-chan time.Time) {
	if r.link != nil {
		go func() {
			if err := r.link.Run(ctx); err != nil {
				log.Printf("link listener stopped: %v", err)
			}
		}()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.step()
		}
	}
}

func (r *runtime) step() {
	r.ctrl.Tick()
	r.serviceLink()
	r.sendTelemetry()
}

// serviceLink answers at most one queue's worth of commands per tick.
func (r *runtime) serviceLink() {
	if r.link == nil {
		return
	}
	for i := 0; i < r.cfg.Link.Queue; i++ {
		d, ok := r.link.Next()
		if !ok {
			return
		}
		reply, err := r.handleRecord(d.Payload)
		if err != nil {
			log.Printf("link dropped record from %s: %v", d.From, err)
			continue
		}
		if err := r.link.Reply(d.From, reply); err != nil {
			log.Printf("link reply to %s failed: %v", d.From, err)
		}
	}
}

func (r *runtime) handleRecord(b []byte) ([]byte, error) {
	var cmd controller.Command
	if err := cmd.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	t := r.ctrl.Exchange(cmd)
	return t.MarshalBinary()
}

func (r *runtime) sendTelemetry() {
	if r.telemetry == nil {
		return
	}
	now := r.clock.Now()
	if !r.lastTelemetry.IsZero() && now.Sub(r.lastTelemetry) < r.cfg.Link.TelemetryInterval {
		return
	}
	r.lastTelemetry = now
	r.telemetrySeq++
	t := r.ctrl.Exchange(controller.Command{Seq: r.telemetrySeq, Op: controller.OpNoop})
	b, err := t.MarshalBinary()
	if err != nil {
		log.Printf("telemetry encode failed: %v", err)
		return
	}
	if err := r.telemetry.Send(b); err != nil {
		log.Printf("telemetry send failed: %v", err)
	}
}

// ServeMetrics serves /metrics until ctx is cancelled.
func (r *runtime) ServeMetrics(ctx context.Context) error {
	if r.cfg.Metrics.Listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics.Handler())
	srv := &http.Server{
		Addr:              r.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("metrics listen=%s", r.cfg.Metrics.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close runs the emergency shutdown path and releases everything opened.
func (r *runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.ctrl != nil {
		r.ctrl.EmergencyStop("shutdown")
	} else if r.outputs != nil {
		errs = append(errs, r.outputs.ZeroAll())
	}
	if r.stirrer != nil {
		errs = append(errs, r.stirrer.Disable())
	}
	if r.link != nil {
		errs = append(errs, r.link.Close())
	}
	if r.telemetry != nil {
		errs = append(errs, r.telemetry.Close())
	}
	if r.outputs != nil {
		errs = append(errs, r.outputs.Close())
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	r.closers = nil
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	return errors.Join(errs...)
}
