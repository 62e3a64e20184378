package controller

import (
	"errors"
	"strings"
	"testing"
	"time"

	"bioreactor/internal/actuator"
	"bioreactor/internal/control"
	"bioreactor/internal/safety"
)

func TestCRC16_KnownVector(t *testing.T) {
	// CRC-16/XMODEM check value.
	if got := crc16([]byte("123456789")); got != 0x31C3 {
		t.Fatalf("crc=%#04x want 0x31c3", got)
	}
}

func TestCommand_RoundTrip(t *testing.T) {
	sp := Setpoints{PH: 6.5, DOPercent: 30, TemperatureC: 32, PressureBar: 1.25, StirrerRPM: 400, FeedRatePct: 12.5}
	cases := []Command{
		{Seq: 1, Op: OpNoop},
		{Seq: 2, Op: OpSetSetpoints, Setpoints: sp},
		{Seq: 3, Op: OpSetMode, Variable: VarDO, Mode: control.ModeManual},
		{Seq: 4, Op: OpSetPriority, Priority: control.GasFirst},
		{Seq: 5, Op: OpSetManualOutput, Variable: VarPH, Output: -25},
		{Seq: 6, Op: OpEmergencyStop, Reason: "foam"},
		{Seq: 0xFFFF, Op: OpAcknowledge},
	}
	for _, want := range cases {
		b, err := want.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: marshal: %v", want.Op, err)
		}
		var got Command
		if err := got.UnmarshalBinary(b); err != nil {
			t.Fatalf("%s: unmarshal: %v", want.Op, err)
		}
		if got != want {
			t.Fatalf("%s: got %+v want %+v", want.Op, got, want)
		}
	}
}

func TestCommand_TruncatesReason(t *testing.T) {
	b, err := Command{Op: OpEmergencyStop, Reason: strings.Repeat("x", 100)}.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Command
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Reason) != MaxReasonLen {
		t.Fatalf("reason len=%d want %d", len(got.Reason), MaxReasonLen)
	}
}

func TestCommand_RejectsCorruption(t *testing.T) {
	b, _ := Command{Seq: 9, Op: OpSetPriority, Priority: control.GasFirst}.MarshalBinary()

	flipped := append([]byte(nil), b...)
	flipped[7] ^= 0x01
	var c Command
	if err := c.UnmarshalBinary(flipped); !errors.Is(err, ErrBadCRC) {
		t.Fatalf("flipped payload: err=%v want ErrBadCRC", err)
	}
	if err := c.UnmarshalBinary(b[:5]); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("short: err=%v", err)
	}

	tel, _ := Telemetry{}.MarshalBinary()
	if err := c.UnmarshalBinary(tel); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("telemetry as command: err=%v want ErrBadMagic", err)
	}

	bad := appendCRC([]byte{linkMagic, commandMagic, LinkVersion, 0, 1, 0x7F, 0})
	if err := c.UnmarshalBinary(bad); !errors.Is(err, ErrBadOp) {
		t.Fatalf("unknown op: err=%v", err)
	}
	short := appendCRC([]byte{linkMagic, commandMagic, LinkVersion, 0, 1, byte(OpSetMode), 1, 2})
	if err := c.UnmarshalBinary(short); !errors.Is(err, ErrBadLength) {
		t.Fatalf("short payload: err=%v", err)
	}
	v2 := appendCRC([]byte{linkMagic, commandMagic, 2, 0, 1, byte(OpNoop), 0})
	if err := c.UnmarshalBinary(v2); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("version: err=%v", err)
	}
}

func TestTelemetry_RoundTripWithinBound(t *testing.T) {
	r := newRig(t)
	r.c.Tick()
	want := r.c.Exchange(Command{Seq: 77, Op: OpNoop})
	want.Error = strings.Repeat("e", 200)

	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) > MaxRecordLen {
		t.Fatalf("len=%d exceeds %d", len(b), MaxRecordLen)
	}
	var got Telemetry
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Seq != 77 || !got.Armed || got.Safety != safety.StateNormal {
		t.Fatalf("header: %+v", got)
	}
	if len(got.Error) != maxErrorLen {
		t.Fatalf("error len=%d", len(got.Error))
	}
	if !got.At.Equal(want.At) {
		t.Fatalf("at=%v want %v", got.At, want.At)
	}
	if got.Readings[0].Value != 7 || !got.Readings[0].Valid {
		t.Fatalf("ph reading=%+v", got.Readings[0])
	}
	if got.Readings[4].Valid {
		t.Fatalf("biomass has no driver but reads valid")
	}
	if got.Setpoints != DefaultSetpoints() {
		t.Fatalf("setpoints=%+v", got.Setpoints)
	}
}

func TestExchange_AppliesCommands(t *testing.T) {
	r := newRig(t)
	r.c.Tick()

	sp := DefaultSetpoints()
	sp.TemperatureC = 30
	if tel := r.c.Exchange(Command{Seq: 1, Op: OpSetSetpoints, Setpoints: sp}); tel.Status != StatusOK {
		t.Fatalf("set setpoints rejected: %s", tel.Error)
	}
	r.run(time.Second, time.Second)
	if got := r.c.Setpoints().TemperatureC; got != 30 {
		t.Fatalf("temperature setpoint=%v", got)
	}

	if tel := r.c.Exchange(Command{Seq: 2, Op: OpSetPriority, Priority: control.GasFirst}); tel.Priority != control.GasFirst {
		t.Fatalf("priority=%s", tel.Priority)
	}
	tel := r.c.Exchange(Command{Seq: 3, Op: OpSetMode, Variable: VarPressure, Mode: control.ModeOff})
	if tel.Modes[3] != control.ModeOff {
		t.Fatalf("modes=%v", tel.Modes)
	}

	tel = r.c.Exchange(Command{Seq: 4, Op: OpEmergencyStop, Reason: "remote"})
	if tel.Status != StatusOK || tel.Safety != safety.StateConfirmed || !tel.Latched {
		t.Fatalf("emergency stop telemetry=%+v", tel)
	}
	for i, n := range actuator.Names {
		if tel.Outputs[i] != 0 {
			t.Fatalf("%s=%v after emergency stop", n, tel.Outputs[i])
		}
	}
	if tel := r.c.Exchange(Command{Seq: 5, Op: OpAcknowledge}); tel.Status != StatusOK {
		t.Fatalf("acknowledge rejected: %s", tel.Error)
	}
}

func TestExchange_ReportsRejection(t *testing.T) {
	r := newRig(t)
	bad := DefaultSetpoints()
	bad.DOPercent = 150

	tel := r.c.Exchange(Command{Seq: 8, Op: OpSetSetpoints, Setpoints: bad})
	if tel.Status != StatusRejected || tel.Seq != 8 {
		t.Fatalf("status=%d seq=%d", tel.Status, tel.Seq)
	}
	if !strings.Contains(tel.Error, "do_percent") {
		t.Fatalf("error=%q", tel.Error)
	}

	tel = r.c.Exchange(Command{Op: OpSetMode, Variable: VarPH, Mode: control.Mode(9)})
	if tel.Status != StatusRejected {
		t.Fatalf("invalid mode accepted")
	}
}
