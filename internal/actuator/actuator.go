// Package actuator holds the proportional and on/off outputs of the vessel:
// heater jacket, acid and base pumps, gas and backpressure valves, and the
// feed pump. Every output takes a duty in percent.
package actuator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Output is one PWM or digital channel. Close should leave it de-energised.
type Output interface {
	SetDutyPercent(p float64) error
	Close() error
}

type Name string

const (
	Heater            Name = "heater"
	BasePump          Name = "base_pump"
	AcidPump          Name = "acid_pump"
	GasValve          Name = "gas_valve"
	BackpressureValve Name = "backpressure_valve"
	FeedPump          Name = "feed_pump"
)

// Names lists the outputs the controller drives.
var Names = []Name{Heater, BasePump, AcidPump, GasValve, BackpressureValve, FeedPump}

var ErrUnknownOutput = errors.New("actuator: unknown output")

func clampDuty(p float64) float64 {
	if p != p || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Memory is an output with no hardware behind it. The simulator reads its
// duty back, and it stands in for channels whose hardware failed to open.
type Memory struct {
	mu     sync.Mutex
	duty   float64
	closed bool
}

func (m *Memory) SetDutyPercent(p float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duty = clampDuty(p)
	return nil
}

func (m *Memory) Duty() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duty
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duty = 0
	m.closed = true
	return nil
}

// Switch is a digital line, satisfied by *gpio.Output.
type Switch interface {
	Set(high bool) error
	Close() error
}

// Digital maps any duty above zero to on.
type Digital struct {
	sw Switch
}

func NewDigital(sw Switch) *Digital { return &Digital{sw: sw} }

func (d *Digital) SetDutyPercent(p float64) error {
	if d == nil || d.sw == nil {
		return fmt.Errorf("actuator: digital output not initialized")
	}
	return d.sw.Set(clampDuty(p) > 0)
}

func (d *Digital) Close() error {
	if d == nil || d.sw == nil {
		return nil
	}
	_ = d.sw.Set(false)
	err := d.sw.Close()
	d.sw = nil
	return err
}

type ChannelState struct {
	Name      Name    `json:"name"`
	Duty      float64 `json:"duty"`
	LastError string  `json:"last_error,omitempty"`
}

// Bank is the set of named outputs. It clamps duty to 0..100 and remembers
// the last commanded value of each channel.
type Bank struct {
	mu   sync.Mutex
	outs map[Name]Output
	duty map[Name]float64
	errs map[Name]string
}

func NewBank() *Bank {
	return &Bank{
		outs: map[Name]Output{},
		duty: map[Name]float64{},
		errs: map[Name]string{},
	}
}

// Attach installs out under name, replacing (and closing) any previous one.
func (b *Bank) Attach(name Name, out Output) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.outs[name]; ok && old != out {
		_ = old.Close()
	}
	b.outs[name] = out
}

func (b *Bank) Set(name Name, p float64) error {
	p = clampDuty(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	out, ok := b.outs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOutput, name)
	}
	if err := out.SetDutyPercent(p); err != nil {
		b.errs[name] = err.Error()
		return fmt.Errorf("actuator: set %s: %w", name, err)
	}
	delete(b.errs, name)
	b.duty[name] = p
	return nil
}

func (b *Bank) Duty(name Name) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duty[name]
}

// ZeroAll drives every output to 0 %. It attempts all channels even when
// some fail.
func (b *Bank) ZeroAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for name, out := range b.outs {
		if err := out.SetDutyPercent(0); err != nil {
			b.errs[name] = err.Error()
			errs = append(errs, fmt.Errorf("actuator: zero %s: %w", name, err))
			continue
		}
		b.duty[name] = 0
	}
	return errors.Join(errs...)
}

func (b *Bank) Snapshot() []ChannelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ChannelState, 0, len(b.outs))
	for name := range b.outs {
		out = append(out, ChannelState{Name: name, Duty: b.duty[name], LastError: b.errs[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for name, out := range b.outs {
		if err := out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("actuator: close %s: %w", name, err))
		}
		delete(b.outs, name)
	}
	return errors.Join(errs...)
}
