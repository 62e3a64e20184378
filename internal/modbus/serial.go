package modbus

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// PortConfig describes the RS485 line. The probes ship configured for
// 19200 baud, 8 data bits, no parity, 2 stop bits.
type PortConfig struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// Open opens the serial device and returns a client bound to it.
func Open(cfg PortConfig) (*Client, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("modbus: serial device is required")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 19200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}
	port, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	})
	if err != nil {
		return nil, fmt.Errorf("modbus: open %s: %w", cfg.Device, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("modbus: set read timeout: %w", err)
	}
	_ = port.ResetInputBuffer()
	return NewClient(port), nil
}
