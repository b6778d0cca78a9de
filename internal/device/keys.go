package device

import "strconv"

// FieldKind discriminates the three field-key families of a panel device.
type FieldKind int

const (
	KindGlobal FieldKind = iota
	KindBreaker
	KindBattery
)

// FieldKey identifies one semantic field of a device. Both the HTTP
// snapshot path and the MQTT delta path translate their source shapes into
// this key space, so consumers cannot tell where a value came from. The
// key is resolved to a string only at the presentation boundary.
type FieldKey struct {
	Kind  FieldKind
	Index int // breaker channel (0-based) or battery unit (1-based)
	Attr  string
}

// Breaker attributes.
const (
	AttrPower      = "" // bare key carries the instantaneous watts / level
	AttrPriority   = "priority"
	AttrMode       = "mode"
	AttrSourceType = "source_type"
	AttrSource     = "source"
	AttrCurLimit   = "cur_limit"
	AttrModeSelect = "mode_select"
)

// Battery attributes.
const (
	AttrInput         = "input"
	AttrOutput        = "output"
	AttrConnected     = "connected"
	AttrEnabled       = "enabled"
	AttrGridCharging  = "grid_charging"
	AttrMpptCharging  = "mppt_charging"
	AttrACOpen        = "ac_open"
	AttrDischargeTime = "discharge_time"
	AttrChargeTime    = "charge_time"
	AttrPowerRate     = "power_rate"
	AttrBatTemp       = "bat_temp"
	AttrChargeSwitch  = "charge_switch"
)

// Global attributes.
const (
	AttrGridPower      = "shp_grid"
	AttrGridMaxOutput  = "shp_grid_max_output"
	AttrBatteriesCount = "batteries_count"
	AttrEPS            = "eps"
)

// Breaker returns the key for a breaker channel attribute. Index is the
// 0-based channel number.
func Breaker(index int, attr string) FieldKey {
	return FieldKey{Kind: KindBreaker, Index: index, Attr: attr}
}

// Battery returns the key for a battery unit attribute. Index is the
// 1-based unit number.
func Battery(index int, attr string) FieldKey {
	return FieldKey{Kind: KindBattery, Index: index, Attr: attr}
}

// Global returns the key for a device-wide attribute.
func Global(attr string) FieldKey {
	return FieldKey{Kind: KindGlobal, Attr: attr}
}

// String resolves the key to its stable presentation name, e.g.
// "breaker_0_priority", "battery_1_input", "shp_grid".
func (k FieldKey) String() string {
	switch k.Kind {
	case KindBreaker:
		s := "breaker_" + strconv.Itoa(k.Index)
		if k.Attr != "" {
			s += "_" + k.Attr
		}
		return s
	case KindBattery:
		s := "battery_" + strconv.Itoa(k.Index)
		if k.Attr != "" {
			s += "_" + k.Attr
		}
		return s
	default:
		return k.Attr
	}
}

// breakerGroupAttrs are the attributes hidden together with a breaker when
// its channel is disabled.
var breakerGroupAttrs = []string{AttrPower, AttrPriority, AttrMode, AttrCurLimit, AttrSource}

// batteryGroupAttrs are the attributes hidden together with a battery when
// the unit is disconnected.
var batteryGroupAttrs = []string{
	AttrPower, AttrInput, AttrOutput, AttrConnected, AttrEnabled,
	AttrGridCharging, AttrMpptCharging, AttrACOpen, AttrDischargeTime,
	AttrChargeTime, AttrPowerRate, AttrCurLimit, AttrBatTemp, AttrChargeSwitch,
}
