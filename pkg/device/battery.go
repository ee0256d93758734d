// Package device reads power signals of the host for upload conditions.
package device

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/unijord/eventpipe/pkg/upload"
)

const (
	DefaultPowerSupplyDir  = "/sys/class/power_supply"
	DefaultPlatformProfile = "/sys/firmware/acpi/platform_profile"
)

// SysfsBattery reports the first battery found under a Linux power_supply
// class directory. It returns nil from BatteryStatus when the host has no
// battery, which upload conditions treat as unknown.
type SysfsBattery struct {
	PowerSupplyDir string
	// PlatformProfile is read to detect the "low-power" profile.
	PlatformProfile string
	Logger          *slog.Logger
}

// NewSysfsBattery returns a provider over the default sysfs paths.
func NewSysfsBattery() *SysfsBattery {
	return &SysfsBattery{
		PowerSupplyDir:  DefaultPowerSupplyDir,
		PlatformProfile: DefaultPlatformProfile,
	}
}

// BatteryStatus implements upload.BatteryStatusProvider.
func (b *SysfsBattery) BatteryStatus() *upload.BatteryStatus {
	dir, ok := b.findBattery()
	if !ok {
		return nil
	}

	status := &upload.BatteryStatus{
		State:        parseState(readValue(filepath.Join(dir, "status"))),
		Level:        -1,
		LowPowerMode: b.PlatformProfile != "" && readValue(b.PlatformProfile) == "low-power",
	}
	if capacity, err := strconv.Atoi(readValue(filepath.Join(dir, "capacity"))); err == nil {
		status.Level = float64(min(max(capacity, 0), 100)) / 100
	} else {
		b.logger().Debug("battery capacity unavailable", "path", dir, "error", err)
	}
	return status
}

func (b *SysfsBattery) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default().With("component", "sysfs_battery")
}

func (b *SysfsBattery) findBattery() (string, bool) {
	entries, err := os.ReadDir(b.PowerSupplyDir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		dir := filepath.Join(b.PowerSupplyDir, entry.Name())
		if readValue(filepath.Join(dir, "type")) == "Battery" {
			return dir, true
		}
	}
	return "", false
}

func parseState(s string) upload.BatteryState {
	switch s {
	case "Discharging", "Not charging":
		return upload.BatteryUnplugged
	case "Charging":
		return upload.BatteryCharging
	case "Full":
		return upload.BatteryFull
	default:
		return upload.BatteryUnknown
	}
}

func readValue(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
