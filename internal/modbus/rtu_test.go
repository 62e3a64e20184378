package modbus

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

// fakePort answers every write with the next canned response, delivered in
// chunks of at most chunk bytes to exercise partial reads.
type fakePort struct {
	writes    [][]byte
	responses [][]byte
	pending   []byte
	chunk     int
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	if len(f.responses) > 0 {
		f.pending = f.responses[0]
		f.responses = f.responses[1:]
	}
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		return 0, nil
	}
	n := len(p)
	if f.chunk > 0 && n > f.chunk {
		n = f.chunk
	}
	n = copy(p[:n], f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func TestCRC16_KnownVectors(t *testing.T) {
	cases := []struct {
		frame []byte
		want  []byte
	}{
		{frame: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, want: []byte{0xC5, 0xCD}},
		{frame: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, want: []byte{0x84, 0x0A}},
	}
	for _, tc := range cases {
		got := appendCRC(append([]byte(nil), tc.frame...))
		if !bytes.Equal(got[len(got)-2:], tc.want) {
			t.Fatalf("crc(% X)=% X want % X", tc.frame, got[len(got)-2:], tc.want)
		}
	}
}

func TestReadHoldingRegisters_RequestAndDecode(t *testing.T) {
	resp := appendCRC([]byte{0x04, 0x03, 0x04, 0x12, 0x34, 0xAB, 0xCD})
	port := &fakePort{responses: [][]byte{resp}, chunk: 3}
	c := NewClient(port)

	regs, err := c.ReadHoldingRegisters(4, 2409, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if len(regs) != 2 || regs[0] != 0x1234 || regs[1] != 0xABCD {
		t.Fatalf("regs=%04X", regs)
	}

	wantReq := appendCRC([]byte{0x04, 0x03, 0x09, 0x69, 0x00, 0x02})
	if len(port.writes) != 1 || !bytes.Equal(port.writes[0], wantReq) {
		t.Fatalf("request=% X want % X", port.writes, wantReq)
	}
}

func TestReadHoldingRegisters_Errors(t *testing.T) {
	good := appendCRC([]byte{0x03, 0x03, 0x02, 0x00, 0x01})
	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-1] ^= 0xFF
	wrongSlave := appendCRC([]byte{0x05, 0x03, 0x02, 0x00, 0x01})
	exception := appendCRC([]byte{0x03, 0x83, 0x02})

	cases := []struct {
		name string
		resp []byte
		check func(t *testing.T, err error)
	}{
		{"Timeout", nil, func(t *testing.T, err error) {
			if !errors.Is(err, ErrTimeout) {
				t.Fatalf("err=%v want ErrTimeout", err)
			}
		}},
		{"CRC", badCRC, func(t *testing.T, err error) {
			if !errors.Is(err, ErrCRC) {
				t.Fatalf("err=%v want ErrCRC", err)
			}
		}},
		{"WrongSlave", wrongSlave, func(t *testing.T, err error) {
			if !errors.Is(err, ErrBadResponse) {
				t.Fatalf("err=%v want ErrBadResponse", err)
			}
		}},
		{"Exception", exception, func(t *testing.T, err error) {
			var ex *ExceptionError
			if !errors.As(err, &ex) {
				t.Fatalf("err=%v want ExceptionError", err)
			}
			if ex.Code != 0x02 || ex.Function != 0x03 {
				t.Fatalf("exception=%+v", ex)
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			port := &fakePort{}
			if tc.resp != nil {
				port.responses = [][]byte{tc.resp}
			}
			_, err := NewClient(port).ReadHoldingRegisters(3, 2089, 1)
			tc.check(t, err)
		})
	}
}

func TestReadHoldingRegisters_ClosedOrInvalid(t *testing.T) {
	var nilClient *Client
	if _, err := nilClient.ReadHoldingRegisters(1, 0, 1); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("nil client err=%v", err)
	}
	c := NewClient(&fakePort{})
	if _, err := c.ReadHoldingRegisters(1, 0, 0); err == nil {
		t.Fatalf("expected error for zero count")
	}
	_ = c.Close()
	if _, err := c.ReadHoldingRegisters(1, 0, 1); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("closed client err=%v", err)
	}
}

func TestRegistersToFloat_LowWordFirst(t *testing.T) {
	bits := math.Float32bits(7.25)
	got := RegistersToFloat(uint16(bits), uint16(bits>>16))
	if got != 7.25 {
		t.Fatalf("got=%v want 7.25", got)
	}
}
