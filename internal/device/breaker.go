package device

// BreakerMode is a breaker channel's sourcing mode.
type BreakerMode int

const (
	ModeAuto BreakerMode = iota
	ModeGrid
	ModeBattery
	ModeOff
)

var breakerModeNames = []string{"Auto", "Grid", "Battery", "Off"}

// BreakerModeNames lists the selectable mode options in display order.
func BreakerModeNames() []string {
	out := make([]string, len(breakerModeNames))
	copy(out, breakerModeNames)
	return out
}

// String returns the display name of the mode.
func (m BreakerMode) String() string {
	if m < ModeAuto || m > ModeOff {
		return "Auto"
	}
	return breakerModeNames[m]
}

// ParseBreakerMode maps a display name back to a mode.
func ParseBreakerMode(name string) (BreakerMode, bool) {
	for i, n := range breakerModeNames {
		if n == name {
			return BreakerMode(i), true
		}
	}
	return ModeAuto, false
}

// ActionParams returns the control parameters the firmware expects for
// switching a breaker into this mode. Auto hands control back to the
// panel; the manual modes pin the source via sta.
func (m BreakerMode) ActionParams() map[string]any {
	switch m {
	case ModeGrid:
		return map[string]any{"ctrlMode": 1, "sta": 0}
	case ModeBattery:
		return map[string]any{"ctrlMode": 1, "sta": 1}
	case ModeOff:
		return map[string]any{"ctrlMode": 1, "sta": 2}
	default:
		return map[string]any{"ctrlMode": 0}
	}
}

// BreakerModeFrom derives the mode from the reported ctrlMode/sta pair.
func BreakerModeFrom(ctrlMode, sta int) BreakerMode {
	if ctrlMode != 1 {
		return ModeAuto
	}
	switch sta {
	case 0:
		return ModeGrid
	case 1:
		return ModeBattery
	default:
		return ModeOff
	}
}
