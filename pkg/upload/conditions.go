package upload

// BatteryState is the charging state reported by the platform.
type BatteryState uint8

const (
	BatteryUnknown BatteryState = iota
	BatteryUnplugged
	BatteryCharging
	BatteryFull
)

func (s BatteryState) String() string {
	switch s {
	case BatteryUnplugged:
		return "unplugged"
	case BatteryCharging:
		return "charging"
	case BatteryFull:
		return "full"
	default:
		return "unknown"
	}
}

// BatteryStatus is one sample of the power signals. A nil *BatteryStatus
// means the platform exposes no power information.
type BatteryStatus struct {
	State BatteryState
	// Level is the charge in [0, 1]. Negative when unknown.
	Level float64
	// LowPowerMode is the OS battery saver switch.
	LowPowerMode bool
}

// BatteryStatusProvider returns the current power signals. It is polled
// right before each upload attempt.
type BatteryStatusProvider interface {
	BatteryStatus() *BatteryStatus
}

// BatteryStatusFunc adapts a function to act as a BatteryStatusProvider.
type BatteryStatusFunc func() *BatteryStatus

// BatteryStatus implements BatteryStatusProvider.
func (f BatteryStatusFunc) BatteryStatus() *BatteryStatus { return f() }

// DefaultMinBatteryLevel is the charge below which an unplugged device
// does not upload.
const DefaultMinBatteryLevel = 0.1

// Conditions decides whether the environment allows an upload.
type Conditions struct {
	MinBatteryLevel float64
}

// DefaultConditions returns the default upload policy.
func DefaultConditions() Conditions {
	return Conditions{MinBatteryLevel: DefaultMinBatteryLevel}
}

// IsMet reports whether uploading is allowed under status. Unknown signals
// never block.
func (c Conditions) IsMet(status *BatteryStatus) bool {
	if status == nil {
		return true
	}
	if status.LowPowerMode {
		return false
	}
	if status.State == BatteryUnplugged && status.Level >= 0 && status.Level < c.MinBatteryLevel {
		return false
	}
	return true
}
