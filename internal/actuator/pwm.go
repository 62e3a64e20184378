package actuator

// PWMConfig selects a sysfs PWM channel. An empty Chip picks the first
// pwmchip exposing at least Channel+1 channels.
type PWMConfig struct {
	Chip        string `yaml:"chip"`
	Channel     int    `yaml:"channel"`
	FrequencyHz int    `yaml:"frequency_hz"`
}

// DefaultPWMFrequencyHz suits SSR-driven heaters and peristaltic pump drivers.
const DefaultPWMFrequencyHz = 1000
