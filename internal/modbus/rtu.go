// Package modbus is a minimal Modbus RTU master for the RS485 multi-drop bus
// shared by the chemical sensors.
//
// Only "read holding registers" (function 0x03) is implemented; that is all
// the probes expose. Each request is a bounded request/response exchange: the
// underlying port must return (0, nil) or an error when its read timeout
// expires, which go.bug.st/serial does once SetReadTimeout is configured.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

const (
	fnReadHoldingRegisters = 0x03
	exceptionFlag          = 0x80

	// maxRegisters is the protocol limit for a single 0x03 request.
	maxRegisters = 125
)

var (
	ErrTimeout     = errors.New("modbus: response timeout")
	ErrCRC         = errors.New("modbus: crc mismatch")
	ErrBadResponse = errors.New("modbus: malformed response")
	ErrNotOpen     = errors.New("modbus: bus not open")
)

// ExceptionError is returned when the slave answers with an exception frame.
type ExceptionError struct {
	Slave    byte
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: slave %d function 0x%02X exception 0x%02X", e.Slave, e.Function, e.Code)
}

// Client issues requests on one port. Requests are serialised so that two
// drivers sharing the bus never interleave frames.
type Client struct {
	mu   sync.Mutex
	port io.ReadWriter
}

func NewClient(port io.ReadWriter) *Client {
	return &Client{port: port}
}

// Close closes the underlying port when it supports closing.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.port.(io.Closer); ok && c.port != nil {
		err := cl.Close()
		c.port = nil
		return err
	}
	c.port = nil
	return nil
}

// ReadHoldingRegisters reads count 16-bit registers starting at start.
func (c *Client) ReadHoldingRegisters(slave byte, start, count uint16) ([]uint16, error) {
	if c == nil {
		return nil, ErrNotOpen
	}
	if count == 0 || count > maxRegisters {
		return nil, fmt.Errorf("modbus: invalid register count %d", count)
	}

	req := make([]byte, 6, 8)
	req[0] = slave
	req[1] = fnReadHoldingRegisters
	binary.BigEndian.PutUint16(req[2:4], start)
	binary.BigEndian.PutUint16(req[4:6], count)
	req = appendCRC(req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil, ErrNotOpen
	}

	if _, err := c.port.Write(req); err != nil {
		return nil, fmt.Errorf("modbus: write request: %w", err)
	}

	want := 5 + 2*int(count)
	resp, err := c.readFrame(want)
	if err != nil {
		return nil, err
	}
	return decodeHoldingRegisters(slave, count, resp)
}

// readFrame reads until want bytes arrived, shortening the expectation to an
// exception frame when the function byte carries the exception flag.
func (c *Client) readFrame(want int) ([]byte, error) {
	buf := make([]byte, want)
	got := 0
	for got < want {
		n, err := c.port.Read(buf[got:want])
		if err != nil {
			return nil, fmt.Errorf("modbus: read response: %w", err)
		}
		if n == 0 {
			return nil, ErrTimeout
		}
		got += n
		if got >= 2 && buf[1]&exceptionFlag != 0 && want != 5 {
			want = 5
		}
	}
	return buf[:want], nil
}

func decodeHoldingRegisters(slave byte, count uint16, frame []byte) ([]uint16, error) {
	if len(frame) < 5 {
		return nil, ErrBadResponse
	}
	body := frame[:len(frame)-2]
	gotCRC := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if crc16(body) != gotCRC {
		return nil, ErrCRC
	}
	if frame[0] != slave {
		return nil, fmt.Errorf("%w: slave %d want %d", ErrBadResponse, frame[0], slave)
	}
	if frame[1]&exceptionFlag != 0 {
		return nil, &ExceptionError{Slave: slave, Function: frame[1] &^ exceptionFlag, Code: frame[2]}
	}
	if frame[1] != fnReadHoldingRegisters {
		return nil, fmt.Errorf("%w: function 0x%02X", ErrBadResponse, frame[1])
	}
	if int(frame[2]) != 2*int(count) || len(body) != 3+2*int(count) {
		return nil, fmt.Errorf("%w: byte count %d want %d", ErrBadResponse, frame[2], 2*count)
	}
	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(body[3+2*i:])
	}
	return regs, nil
}

// RegistersToFloat reassembles an IEEE-754 float from two adjacent registers,
// low word first as the probes transmit it.
func RegistersToFloat(lo, hi uint16) float32 {
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}
