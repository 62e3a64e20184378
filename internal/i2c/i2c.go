// Package i2c provides register access to devices on a Linux i2c-dev bus.
// The headspace pressure sensor is the only I2C peripheral on the board.
package i2c

import "errors"

var ErrClosed = errors.New("i2c: bus is closed")
