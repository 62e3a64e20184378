// Package gpio wraps the Linux GPIO character device for the few digital
// lines the controller drives or watches: stepper enable pins, on/off pump
// and valve outputs, and RTD converter data-ready signals.
package gpio

import "sync/atomic"

// LineConfig selects one line on a gpiochip.
type LineConfig struct {
	Chip   string `yaml:"chip"`
	Offset int    `yaml:"offset"`
}

// EdgeFlag latches an edge seen by the kernel event handler until the
// cooperative loop consumes it with Take. The handler goroutine only ever
// touches the atomic flag.
type EdgeFlag struct {
	ready atomic.Bool
	close func() error
}

// NewEdgeFlag returns a flag not bound to any line. Signal must be called by
// whoever owns the event source.
func NewEdgeFlag() *EdgeFlag {
	return &EdgeFlag{}
}

func (e *EdgeFlag) Signal() { e.ready.Store(true) }

// Take reports whether an edge arrived since the last call and clears it.
func (e *EdgeFlag) Take() bool {
	if e == nil {
		return true
	}
	return e.ready.Swap(false)
}

func (e *EdgeFlag) Close() error {
	if e == nil || e.close == nil {
		return nil
	}
	err := e.close()
	e.close = nil
	return err
}
