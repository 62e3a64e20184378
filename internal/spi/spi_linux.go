//go:build linux

package spi

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers from linux/spi/spidev.h (magic 'k').
const (
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04
	spiIocMessage1      = 0x40206b00
)

// transfer mirrors struct spi_ioc_transfer (32 bytes).
type transfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Conn is an open spidev device. Transfers are serialised.
type Conn struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	speedHz uint32
}

func Open(cfg Config) (*Conn, error) {
	path := filepath.Clean(cfg.Path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("spi: open %s: %w", path, err)
	}
	if cfg.SpeedHz == 0 {
		cfg.SpeedHz = 1_000_000
	}
	c := &Conn{f: f, path: path, speedHz: cfg.SpeedHz}

	mode := cfg.Mode
	bits := uint8(8)
	speed := cfg.SpeedHz
	if err := c.ioctl(spiIocWrMode, unsafe.Pointer(&mode)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi: set mode %d: %w", mode, err)
	}
	if err := c.ioctl(spiIocWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi: set bits per word: %w", err)
	}
	if err := c.ioctl(spiIocWrMaxSpeedHz, unsafe.Pointer(&speed)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi: set speed %d: %w", speed, err)
	}
	return c, nil
}

func (c *Conn) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Tx clocks out w and, when r is non-nil, captures the bytes shifted in
// during the same exchange. r must be nil or len(w).
func (c *Conn) Tx(w, r []byte) error {
	if r != nil && len(r) != len(w) {
		return ErrLengthMismatch
	}
	if len(w) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return ErrClosed
	}

	rx := r
	if rx == nil {
		rx = make([]byte, len(w))
	}
	xfer := transfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&w[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(w)),
		speedHz:     c.speedHz,
		bitsPerWord: 8,
	}
	if err := c.ioctl(spiIocMessage1, unsafe.Pointer(&xfer)); err != nil {
		return fmt.Errorf("spi: transfer on %s: %w", c.path, err)
	}
	return nil
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}
