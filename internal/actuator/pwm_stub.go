//go:build !linux

package actuator

import "fmt"

func OpenPWM(cfg PWMConfig) (Output, error) {
	return nil, fmt.Errorf("actuator: pwm unsupported on this platform")
}
