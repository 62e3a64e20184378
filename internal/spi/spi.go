// Package spi provides full-duplex transfers on Linux spidev devices.
//
// Every transfer is a single fixed-length exchange with chip select held for
// its whole duration, which is how both the stepper driver and the RTD
// converters frame their register accesses.
package spi

import "errors"

var (
	ErrClosed         = errors.New("spi: device is closed")
	ErrLengthMismatch = errors.New("spi: rx buffer length must match tx")
)

// Mode3 is CPOL=1 (clock idles high), CPHA=1 (sample on trailing edge).
const Mode3 = 0x03

type Config struct {
	// Path is the spidev node, e.g. /dev/spidev0.0.
	Path    string
	Mode    uint8
	SpeedHz uint32
}
