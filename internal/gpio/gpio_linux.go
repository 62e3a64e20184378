//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "bioreactor"

// Output is a requested output line.
type Output struct {
	line *gpiocdev.Line
}

// OpenOutput requests the line as an output driven to initial.
func OpenOutput(cfg LineConfig, initial int) (*Output, error) {
	if cfg.Chip == "" {
		return nil, fmt.Errorf("gpio: chip is required")
	}
	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Offset, gpiocdev.AsOutput(initial), gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("gpio: request %s:%d: %w", cfg.Chip, cfg.Offset, err)
	}
	return &Output{line: line}, nil
}

// Set drives the line high or low.
func (o *Output) Set(high bool) error {
	if o == nil || o.line == nil {
		return fmt.Errorf("gpio: output not initialized")
	}
	v := 0
	if high {
		v = 1
	}
	return o.line.SetValue(v)
}

func (o *Output) Close() error {
	if o == nil || o.line == nil {
		return nil
	}
	err := o.line.Close()
	o.line = nil
	return err
}

// WatchFalling requests the line as an input and latches falling edges into
// the returned flag. MAX31865 pulls DRDY low when a conversion completes.
func WatchFalling(cfg LineConfig) (*EdgeFlag, error) {
	if cfg.Chip == "" {
		return nil, fmt.Errorf("gpio: chip is required")
	}
	flag := NewEdgeFlag()
	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Offset,
		gpiocdev.WithConsumer(consumer),
		gpiocdev.WithFallingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { flag.Signal() }),
	)
	if err != nil {
		return nil, fmt.Errorf("gpio: watch %s:%d: %w", cfg.Chip, cfg.Offset, err)
	}
	flag.close = line.Close
	return flag, nil
}
