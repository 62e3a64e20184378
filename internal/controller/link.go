package controller

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"bioreactor/internal/actuator"
	"bioreactor/internal/control"
	"bioreactor/internal/safety"
	"bioreactor/internal/sensors"
)

// Command and telemetry records exchanged with the companion controller.
// Both are fixed-layout binary: magic, version, sequence, body, and a
// CRC-16 (poly 0x1021, init 0) trailer sent low byte first. Multi-byte
// fields are big-endian; floats are IEEE-754 single precision.

const (
	LinkVersion = 1
	// MaxRecordLen bounds both record types.
	MaxRecordLen   = 256
	MaxReasonLen   = 64
	maxErrorLen    = 48
	linkMagic      = 'B'
	commandMagic   = 'C'
	telemetryMagic = 'T'
)

var (
	ErrShortRecord = errors.New("link: record too short")
	ErrBadMagic    = errors.New("link: bad magic")
	ErrBadVersion  = errors.New("link: unsupported version")
	ErrBadCRC      = errors.New("link: crc mismatch")
	ErrBadOp       = errors.New("link: unknown op")
	ErrBadLength   = errors.New("link: payload length mismatch")
)

type Op byte

const (
	OpNoop Op = iota
	OpSetSetpoints
	OpSetMode
	OpSetPriority
	OpSetManualOutput
	OpEmergencyStop
	OpAcknowledge
)

func (o Op) String() string {
	switch o {
	case OpNoop:
		return "noop"
	case OpSetSetpoints:
		return "set_setpoints"
	case OpSetMode:
		return "set_mode"
	case OpSetPriority:
		return "set_priority"
	case OpSetManualOutput:
		return "set_manual_output"
	case OpEmergencyStop:
		return "emergency_stop"
	case OpAcknowledge:
		return "acknowledge"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Command is one request from the link. Only the fields used by Op are
// encoded.
type Command struct {
	Seq       uint16
	Op        Op
	Setpoints Setpoints
	Variable  Variable
	Mode      control.Mode
	Priority  control.Priority
	Output    float64
	Reason    string
}

func (c Command) payload() ([]byte, error) {
	var p []byte
	switch c.Op {
	case OpNoop, OpAcknowledge:
	case OpSetSetpoints:
		p = appendSetpoints(p, c.Setpoints)
	case OpSetMode:
		p = append(p, byte(c.Variable), byte(c.Mode))
	case OpSetPriority:
		p = append(p, byte(c.Priority))
	case OpSetManualOutput:
		p = append(p, byte(c.Variable))
		p = appendF32(p, c.Output)
	case OpEmergencyStop:
		r := c.Reason
		if len(r) > MaxReasonLen {
			r = r[:MaxReasonLen]
		}
		p = append(p, r...)
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadOp, byte(c.Op))
	}
	return p, nil
}

func (c Command) MarshalBinary() ([]byte, error) {
	p, err := c.payload()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, 8+len(p))
	msg = append(msg, linkMagic, commandMagic, LinkVersion)
	msg = binary.BigEndian.AppendUint16(msg, c.Seq)
	msg = append(msg, byte(c.Op), byte(len(p)))
	msg = append(msg, p...)
	return appendCRC(msg), nil
}

func (c *Command) UnmarshalBinary(b []byte) error {
	body, err := checkRecord(b, commandMagic, 7)
	if err != nil {
		return err
	}
	var out Command
	out.Seq = binary.BigEndian.Uint16(body[3:5])
	out.Op = Op(body[5])
	n := int(body[6])
	p := body[7:]
	if len(p) != n {
		return fmt.Errorf("%w: header %d, have %d", ErrBadLength, n, len(p))
	}
	want := -1
	switch out.Op {
	case OpNoop, OpAcknowledge:
		want = 0
	case OpSetSetpoints:
		want = 24
		if len(p) == want {
			out.Setpoints = readSetpoints(p)
		}
	case OpSetMode:
		want = 2
		if len(p) == want {
			out.Variable, out.Mode = Variable(p[0]), control.Mode(p[1])
		}
	case OpSetPriority:
		want = 1
		if len(p) == want {
			out.Priority = control.Priority(p[0])
		}
	case OpSetManualOutput:
		want = 5
		if len(p) == want {
			out.Variable = Variable(p[0])
			out.Output = readF32(p[1:])
		}
	case OpEmergencyStop:
		if len(p) > MaxReasonLen {
			return fmt.Errorf("%w: reason %d bytes", ErrBadLength, len(p))
		}
		out.Reason = string(p)
		want = len(p)
	default:
		return fmt.Errorf("%w: %d", ErrBadOp, byte(out.Op))
	}
	if len(p) != want {
		return fmt.Errorf("%w: %s wants %d, have %d", ErrBadLength, out.Op, want, len(p))
	}
	*c = out
	return nil
}

type Status byte

const (
	StatusOK Status = iota
	StatusRejected
)

// Telemetry is the per-tick summary returned for every command.
type Telemetry struct {
	Seq        uint16
	Status     Status
	Error      string
	At         time.Time
	Readings   [5]sensors.Reading[float64]
	Setpoints  Setpoints
	Outputs    [6]float64
	StirrerRPM float64
	Modes      [4]control.Mode
	Priority   control.Priority
	Safety     safety.State
	Armed      bool
	Latched    bool
	Escalated  bool
}

const (
	flagArmed = 1 << iota
	flagLatched
	flagEscalated
)

func (t Telemetry) MarshalBinary() ([]byte, error) {
	msg := make([]byte, 0, 160)
	msg = append(msg, linkMagic, telemetryMagic, LinkVersion)
	msg = binary.BigEndian.AppendUint16(msg, t.Seq)
	msg = append(msg, byte(t.Status))
	e := t.Error
	if len(e) > maxErrorLen {
		e = e[:maxErrorLen]
	}
	msg = append(msg, byte(len(e)))
	msg = append(msg, e...)
	var ms int64
	if !t.At.IsZero() {
		ms = t.At.UnixMilli()
	}
	msg = binary.BigEndian.AppendUint64(msg, uint64(ms))
	for _, r := range t.Readings {
		v := byte(0)
		if r.Valid {
			v = 1
		}
		msg = append(msg, v)
		msg = appendF32(msg, r.Value)
	}
	msg = appendSetpoints(msg, t.Setpoints)
	for _, o := range t.Outputs {
		msg = appendF32(msg, o)
	}
	msg = appendF32(msg, t.StirrerRPM)
	for _, m := range t.Modes {
		msg = append(msg, byte(m))
	}
	var flags byte
	if t.Armed {
		flags |= flagArmed
	}
	if t.Latched {
		flags |= flagLatched
	}
	if t.Escalated {
		flags |= flagEscalated
	}
	msg = append(msg, byte(t.Priority), byte(t.Safety), flags)
	msg = appendCRC(msg)
	if len(msg) > MaxRecordLen {
		return nil, fmt.Errorf("link: telemetry %d bytes exceeds %d", len(msg), MaxRecordLen)
	}
	return msg, nil
}

func (t *Telemetry) UnmarshalBinary(b []byte) error {
	body, err := checkRecord(b, telemetryMagic, 7)
	if err != nil {
		return err
	}
	var out Telemetry
	out.Seq = binary.BigEndian.Uint16(body[3:5])
	out.Status = Status(body[5])
	n := int(body[6])
	rest := body[7:]
	const fixed = 8 + 5*5 + 24 + 6*4 + 4 + 4 + 3
	if len(rest) != n+fixed {
		return fmt.Errorf("%w: telemetry body %d bytes", ErrBadLength, len(rest))
	}
	out.Error = string(rest[:n])
	rest = rest[n:]
	if ms := int64(binary.BigEndian.Uint64(rest)); ms != 0 {
		out.At = time.UnixMilli(ms).UTC()
	}
	rest = rest[8:]
	for i := range out.Readings {
		out.Readings[i] = sensors.Reading[float64]{Valid: rest[0] == 1, Value: readF32(rest[1:]), At: out.At}
		rest = rest[5:]
	}
	out.Setpoints = readSetpoints(rest)
	rest = rest[24:]
	for i := range out.Outputs {
		out.Outputs[i] = readF32(rest)
		rest = rest[4:]
	}
	out.StirrerRPM = readF32(rest)
	rest = rest[4:]
	for i := range out.Modes {
		out.Modes[i] = control.Mode(rest[i])
	}
	rest = rest[4:]
	out.Priority = control.Priority(rest[0])
	out.Safety = safety.State(rest[1])
	out.Armed = rest[2]&flagArmed != 0
	out.Latched = rest[2]&flagLatched != 0
	out.Escalated = rest[2]&flagEscalated != 0
	*t = out
	return nil
}

// Exchange applies one command and returns the telemetry for the current
// state. A rejected command is reported in the telemetry status, never
// dropped silently.
func (c *Controller) Exchange(cmd Command) Telemetry {
	err := c.dispatch(cmd)
	t := c.telemetry()
	t.Seq = cmd.Seq
	if err != nil {
		t.Status = StatusRejected
		t.Error = err.Error()
		if cmd.Op != OpNoop {
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
		}
	}
	return t
}

func (c *Controller) dispatch(cmd Command) error {
	switch cmd.Op {
	case OpNoop:
		return nil
	case OpSetSetpoints:
		return c.ApplySetpoints(cmd.Setpoints)
	case OpSetMode:
		if cmd.Mode > control.ModeOff {
			return fmt.Errorf("link: invalid mode %d", int(cmd.Mode))
		}
		return c.SetControlMode(cmd.Variable, cmd.Mode)
	case OpSetPriority:
		if cmd.Priority > control.GasFirst {
			return fmt.Errorf("link: invalid priority %d", int(cmd.Priority))
		}
		c.SetCascadePriority(cmd.Priority)
		return nil
	case OpSetManualOutput:
		return c.SetManualOutput(cmd.Variable, cmd.Output)
	case OpEmergencyStop:
		c.EmergencyStop(cmd.Reason)
		return nil
	case OpAcknowledge:
		return c.Acknowledge()
	default:
		return fmt.Errorf("%w: %d", ErrBadOp, byte(cmd.Op))
	}
}

func (c *Controller) telemetry() Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var t Telemetry
	t.At = c.clock.Now()
	for i, ch := range sensors.Channels {
		t.Readings[i] = c.fusion.Measurement(ch)
	}
	t.Setpoints = c.setpoints
	for i, n := range actuator.Names {
		t.Outputs[i] = c.outputs.Duty(n)
	}
	t.StirrerRPM = c.stirrer.TargetRPM()
	for i, v := range Variables {
		t.Modes[i] = c.modes[v]
	}
	t.Priority = c.cascade.Priority()
	t.Safety = c.safety.State()
	t.Armed = c.armed
	t.Latched = c.safety.Latched()
	t.Escalated = c.cascade.Snapshot().Escalated
	return t
}

// checkRecord validates magic, version and CRC and returns the record
// without its trailer.
func checkRecord(b []byte, magic byte, minBody int) ([]byte, error) {
	if len(b) < minBody+2 {
		return nil, ErrShortRecord
	}
	if len(b) > MaxRecordLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadLength, len(b))
	}
	body := b[:len(b)-2]
	got := uint16(b[len(b)-2]) | uint16(b[len(b)-1])<<8
	if crc16(body) != got {
		return nil, ErrBadCRC
	}
	if body[0] != linkMagic || body[1] != magic {
		return nil, ErrBadMagic
	}
	if body[2] != LinkVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, body[2])
	}
	return body, nil
}

func appendCRC(msg []byte) []byte {
	crc := crc16(msg)
	return append(msg, byte(crc), byte(crc>>8))
}

func appendF32(b []byte, v float64) []byte {
	return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v)))
}

func readF32(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}

func appendSetpoints(b []byte, s Setpoints) []byte {
	for _, v := range []float64{s.PH, s.DOPercent, s.TemperatureC, s.PressureBar, s.StirrerRPM, s.FeedRatePct} {
		b = appendF32(b, v)
	}
	return b
}

func readSetpoints(b []byte) Setpoints {
	return Setpoints{
		PH:           readF32(b[0:]),
		DOPercent:    readF32(b[4:]),
		TemperatureC: readF32(b[8:]),
		PressureBar:  readF32(b[12:]),
		StirrerRPM:   readF32(b[16:]),
		FeedRatePct:  readF32(b[20:]),
	}
}
