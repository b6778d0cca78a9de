// Package device holds the per-device state model for the EcoFlow panel
// family: the canonical field-key space, the command wire codec, and the
// Smart Home Panel parser that reconciles HTTP snapshots with MQTT deltas.
package device

// Product names as reported by the device/list endpoint.
const ProductSmartHomePanel = "Smart Home Panel"

// Panel channel layout: channels 0-9 are breakers, 10+ are battery ports.
const (
	BreakersCount     = 10
	BatteryStartIndex = 10
)

// PowerType is the sourcing mode reported per channel.
type PowerType int

const (
	PowerGrid    PowerType = 0
	PowerBattery PowerType = 1
	PowerOff     PowerType = 2
)

// IsGrid reports whether the channel is drawing from the grid.
func (p PowerType) IsGrid() bool { return p == PowerGrid }

// String returns the display name used for the breaker source sensor.
func (p PowerType) String() string {
	switch p {
	case PowerGrid:
		return "Grid"
	case PowerBattery:
		return "Battery"
	default:
		return "OFF"
	}
}

// Device is one cloud-bound device owned by the coordinator. Snapshot and
// delta updates must write into the same field-key space.
type Device interface {
	SN() string
	Name() string
	Online() bool
	SetOnline(online bool)
	State() *State

	// ApplySnapshot rebuilds the full field-key space from one HTTP
	// quota/all payload.
	ApplySnapshot(data map[string]any) error

	// ApplyDelta patches the affected field keys from one inbound MQTT
	// telemetry payload.
	ApplyDelta(payload []byte) error
}
