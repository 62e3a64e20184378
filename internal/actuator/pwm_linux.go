//go:build linux

package actuator

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// sysfsPWM drives a hardware PWM channel via /sys/class/pwm.
//
// On Raspberry Pi the channels appear once `dtoverlay=pwm-2chan` (or
// equivalent) is enabled.
type sysfsPWM struct {
	chipPath string // /sys/class/pwm/pwmchipN
	pwmPath  string // /sys/class/pwm/pwmchipN/pwmM
	channel  int

	periodNS uint64
	enabled  bool
}

var pwmSysfsBase = "/sys/class/pwm"

// OpenPWM exports the channel, programs its period and leaves it at 0 %.
func OpenPWM(cfg PWMConfig) (Output, error) {
	if cfg.Channel < 0 {
		return nil, fmt.Errorf("actuator: invalid pwm channel %d", cfg.Channel)
	}
	chipPath, err := findPWMChip(cfg.Chip, cfg.Channel)
	if err != nil {
		return nil, err
	}
	d := &sysfsPWM{
		chipPath: chipPath,
		channel:  cfg.Channel,
		pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", cfg.Channel)),
	}
	if err := d.ensureExported(); err != nil {
		return nil, err
	}
	hz := cfg.FrequencyHz
	if hz <= 0 {
		hz = DefaultPWMFrequencyHz
	}
	if err := d.setFrequencyHz(hz); err != nil {
		return nil, err
	}
	if err := d.SetDutyPercent(0); err != nil {
		return nil, err
	}
	return d, nil
}

func findPWMChip(chip string, channel int) (string, error) {
	base := pwmSysfsBase
	if chip != "" {
		p := filepath.Join(base, chip)
		n, err := readInt(filepath.Join(p, "npwm"))
		if err != nil {
			return "", fmt.Errorf("actuator: read %s npwm: %w", chip, err)
		}
		if channel >= n {
			return "", fmt.Errorf("actuator: %s has %d channels, want channel %d", chip, n, channel)
		}
		return p, nil
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("actuator: read %s: %w", base, err)
	}
	// pwmchipN entries are commonly symlinks, not directories.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "pwmchip") {
			names = append(names, e.Name())
		}
	}
	for _, name := range names {
		p := filepath.Join(base, name)
		n, err := readInt(filepath.Join(p, "npwm"))
		if err != nil || n <= channel {
			continue
		}
		return p, nil
	}
	return "", fmt.Errorf("actuator: no sysfs pwmchip with channel %d (is pwm overlay enabled?)", channel)
}

func (d *sysfsPWM) ensureExported() error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	exportPath := filepath.Join(d.chipPath, "export")
	if err := writeSysfs(exportPath, strconv.Itoa(d.channel)); err != nil {
		// Exported by someone else meanwhile.
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("actuator: export pwm: %w", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("actuator: pwm path not created after export: %w", err)
	}
	return nil
}

// Close drives the channel to 0 % and disables it. A heater left on is the
// failure mode we care about, so duty goes to zero before enable drops.
func (d *sysfsPWM) Close() error {
	err := d.SetDutyPercent(0)
	_ = d.writeBool("enable", false)
	d.enabled = false
	return err
}

func (d *sysfsPWM) setFrequencyHz(hz int) error {
	periodNS := uint64(1_000_000_000 / hz)
	if periodNS == 0 {
		periodNS = 1
	}
	// Period can only change while disabled.
	_ = d.writeBool("enable", false)
	d.enabled = false
	if err := d.writeUint("duty_cycle", 0); err != nil {
		return err
	}
	if err := d.writeUint("period", periodNS); err != nil {
		return err
	}
	d.periodNS = periodNS
	return nil
}

func (d *sysfsPWM) SetDutyPercent(p float64) error {
	p = clampDuty(p)
	if d.periodNS == 0 {
		d.periodNS = 1_000_000_000 / DefaultPWMFrequencyHz
	}
	duty := uint64(math.Round(float64(d.periodNS) * (p / 100.0)))
	if duty > d.periodNS {
		duty = d.periodNS
	}
	if err := d.writeUint("duty_cycle", duty); err != nil {
		return err
	}
	if !d.enabled {
		if err := d.writeBool("enable", true); err != nil {
			return err
		}
		d.enabled = true
	}
	return nil
}

func (d *sysfsPWM) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(d.pwmPath, name), strconv.FormatUint(v, 10))
}

func (d *sysfsPWM) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(d.pwmPath, name), val)
}

// writeSysfs opens without O_TRUNC/O_CREATE, which some sysfs attributes
// reject. Right after export udev may still be fixing permissions, so EACCES
// and ENOENT are retried for a short while.
func writeSysfs(path string, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
				time.Sleep(25 * time.Millisecond)
				continue
			}
			return err
		}
		_, werr := f.WriteString(value)
		cerr := f.Close()
		if werr == nil && cerr == nil {
			return nil
		}
		lastErr := errors.Join(werr, cerr)
		if time.Now().Before(deadline) && isRetryableSysfsErr(lastErr) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return lastErr
	}
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.Atoi(s)
}
