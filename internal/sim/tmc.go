package sim

import (
	"errors"
	"sync"

	"bioreactor/internal/motor"
)

// TMC register addresses the model gives behaviour to.
const (
	tmcRampMode = 0x20
	tmcVActual  = 0x22
	tmcVMax     = 0x27
	tmcGStat    = 0x01
)

var errFrameLength = errors.New("sim: tmc frame must be 5 bytes")

// TMC models a TMC5130A behind motor.Bus. In velocity mode with the stage
// enabled VACTUAL follows VMAX at once; otherwise it reads zero. Reads of
// GSTAT clear it.
type TMC struct {
	mu      sync.Mutex
	regs    map[byte]uint32
	enabled bool
	frames  int
}

func NewTMC() *TMC {
	return &TMC{regs: map[byte]uint32{tmcGStat: 0x1}}
}

func (t *TMC) Tx(w, r []byte) error {
	if len(w) != 5 || len(r) != 5 {
		return errFrameLength
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames++
	addr := w[0] &^ 0x80
	r[0] = 0
	if t.enabled {
		r[0] = 0x08
	}
	if w[0]&0x80 != 0 {
		t.regs[addr] = uint32(w[1])<<24 | uint32(w[2])<<16 | uint32(w[3])<<8 | uint32(w[4])
		return nil
	}
	v := t.value(addr)
	if addr == tmcGStat {
		t.regs[tmcGStat] = 0
	}
	r[1], r[2], r[3], r[4] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	return nil
}

func (t *TMC) value(addr byte) uint32 {
	if addr != tmcVActual {
		return t.regs[addr]
	}
	if !t.enabled {
		return 0
	}
	switch t.regs[tmcRampMode] {
	case motor.RampVelocityPos:
		return t.regs[tmcVMax] & 0xFFFFFF
	case motor.RampVelocityNeg:
		return uint32(-int32(t.regs[tmcVMax])) & 0xFFFFFF
	default:
		return 0
	}
}

// Set drives DRV_ENN; low enables the stage.
func (t *TMC) Set(high bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = !high
	return nil
}

// RPM is the shaft speed the plant sees.
func (t *TMC) RPM() float64 {
	t.mu.Lock()
	v := t.value(tmcVActual)
	t.mu.Unlock()
	if v&0x800000 != 0 {
		v |= 0xFF000000
	}
	return motor.VelocityToRPM(int32(v))
}

// Frames is the number of SPI exchanges seen.
func (t *TMC) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}
