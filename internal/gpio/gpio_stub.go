//go:build !linux

package gpio

import "fmt"

type Output struct{}

func OpenOutput(cfg LineConfig, initial int) (*Output, error) {
	return nil, fmt.Errorf("gpio: unsupported OS (need linux)")
}

func (o *Output) Set(high bool) error { return fmt.Errorf("gpio: unsupported OS") }

func (o *Output) Close() error { return nil }

func WatchFalling(cfg LineConfig) (*EdgeFlag, error) {
	return nil, fmt.Errorf("gpio: unsupported OS (need linux)")
}
