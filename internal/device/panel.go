package device

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
)

// Snapshot payload keys (dotted paths into the quota/all response).
const (
	snapBreakerControls = "heartbeat.loadCmdChCtrlInfos"
	snapBreakerNames    = "loadChInfo.info"
	snapBreakerPower    = "channelPower.infoList"
	snapBreakerEnabled  = "chUseInfo.isEnable"
	snapBatteryInfo     = "heartbeat.energyInfos"
	snapCurrentLimits   = "loadChCurInfo.cur"
	snapEPSMode         = "epsModeInfo.eps"
)

// Delta payload keys (short names inside the MQTT params object).
const (
	deltaBreakerPower    = "infoList"
	deltaHeartbeat       = "heartbeat"
	deltaBreakerControls = "loadCmdChCtrlInfos"
	deltaBatteryInfo     = "energyInfos"
)

// SmartHomePanel models one panel device: ten breaker channels plus a
// battery bank. An initial HTTP snapshot builds the full field-key space;
// MQTT deltas then patch individual field groups for the device's
// lifetime.
type SmartHomePanel struct {
	sn     string
	name   string
	online atomic.Bool
	state  *State
	logger *slog.Logger
}

// NewSmartHomePanel creates the state model for one enumerated panel.
func NewSmartHomePanel(sn, name string, online bool, logger *slog.Logger) *SmartHomePanel {
	p := &SmartHomePanel{
		sn:     sn,
		name:   name,
		state:  NewState(),
		logger: logger.With("component", "panel", "sn", sn),
	}
	p.online.Store(online)
	return p
}

func (p *SmartHomePanel) SN() string { return p.sn }

func (p *SmartHomePanel) Name() string { return p.name }

func (p *SmartHomePanel) Online() bool { return p.online.Load() }

func (p *SmartHomePanel) SetOnline(online bool) { p.online.Store(online) }

func (p *SmartHomePanel) State() *State { return p.state }

// ApplySnapshot rebuilds the whole field-key space from one quota/all
// payload. This is a full rebuild, not a merge: every snapshot produces
// the same state for the same payload.
func (p *SmartHomePanel) ApplySnapshot(data map[string]any) error {
	controls, ok := lookupSlice(data, snapBreakerControls)
	if !ok {
		return fmt.Errorf("snapshot missing %s", snapBreakerControls)
	}
	power, ok := lookupSlice(data, snapBreakerPower)
	if !ok {
		return fmt.Errorf("snapshot missing %s", snapBreakerPower)
	}
	batteries, ok := lookupSlice(data, snapBatteryInfo)
	if !ok {
		return fmt.Errorf("snapshot missing %s", snapBatteryInfo)
	}
	names, _ := lookupSlice(data, snapBreakerNames)
	enabled, _ := lookupSlice(data, snapBreakerEnabled)
	limits, _ := lookupSlice(data, snapCurrentLimits)
	eps, _ := lookup(data, snapEPSMode)

	p.state.Reset()

	p.parseBreakerControls(controls)
	p.parseBreakerPower(power)
	p.state.Set(DomainSwitches, Global(AttrEPS), "EPS Mode", asBool(eps))

	// Channel names and enablement arrive only over HTTP.
	for i, entry := range names {
		if i >= BreakersCount {
			break
		}
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := m["chName"].(string); ok {
			p.state.SetCustomAttrs(Breaker(i, AttrPower), map[string]any{"Custom Name": name})
		}
	}
	for i, v := range enabled {
		if i >= BreakersCount {
			break
		}
		visible := asBool(v)
		for _, attr := range breakerGroupAttrs {
			p.state.SetVisibility(Breaker(i, attr), visible)
		}
	}

	for i, v := range limits {
		limit, ok := asFloat(v)
		if !ok {
			continue
		}
		if i < BreakersCount {
			p.state.Set(DomainSensors, Breaker(i, AttrCurLimit),
				fmt.Sprintf("Breaker %d current limit", i+1), limit)
		} else {
			unit := i - BreakersCount + 1
			p.state.Set(DomainSensors, Battery(unit, AttrCurLimit),
				fmt.Sprintf("Battery %d current limit", unit), limit)
		}
	}

	p.state.Set(DomainSensors, Global(AttrBatteriesCount), "Batteries Count", len(batteries))
	p.parseBatteryInfo(batteries)
	return nil
}

// mqttDelta is the outer shape of an inbound telemetry message.
type mqttDelta struct {
	Params map[string]json.RawMessage `json:"params"`
}

// ApplyDelta patches state from one inbound MQTT telemetry payload. Only
// the field keys derived from the recognized shape are rewritten;
// everything else is untouched. Unrecognized shapes are ignored.
func (p *SmartHomePanel) ApplyDelta(payload []byte) error {
	var delta mqttDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		return fmt.Errorf("parse delta: %w", err)
	}
	if delta.Params == nil {
		return nil
	}

	if raw, ok := delta.Params[deltaBreakerPower]; ok {
		var list []any
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("parse %s: %w", deltaBreakerPower, err)
		}
		p.parseBreakerPower(list)
		return nil
	}

	if raw, ok := delta.Params[deltaHeartbeat]; ok {
		var hb map[string]json.RawMessage
		if err := json.Unmarshal(raw, &hb); err != nil {
			return fmt.Errorf("parse heartbeat: %w", err)
		}
		if ctrlRaw, ok := hb[deltaBreakerControls]; ok {
			var list []any
			if err := json.Unmarshal(ctrlRaw, &list); err != nil {
				return fmt.Errorf("parse %s: %w", deltaBreakerControls, err)
			}
			p.parseBreakerControls(list)
		}
		if batRaw, ok := hb[deltaBatteryInfo]; ok {
			var list []any
			if err := json.Unmarshal(batRaw, &list); err != nil {
				return fmt.Errorf("parse %s: %w", deltaBatteryInfo, err)
			}
			p.parseBatteryInfo(list)
		}
		return nil
	}

	// A command echo carries cmdSet+id at params level; telemetry-wise a
	// no-op since the set_reply topic resolves the pending call.
	if _, hasSet := delta.Params["cmdSet"]; hasSet {
		if _, hasID := delta.Params["id"]; hasID {
			return nil
		}
	}
	return nil
}

// parseBreakerControls updates the per-channel control fields: priority,
// control mode, source type and the mode select's current option.
func (p *SmartHomePanel) parseBreakerControls(list []any) {
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		label := strconv.Itoa(i + 1)
		ctrlSta := asInt(m["ctrlSta"])
		ctrlMode := asInt(m["ctrlMode"])
		source := PowerType(ctrlSta)

		p.state.Set(DomainSensors, Breaker(i, AttrPriority),
			"Breaker "+label+" priority", asInt(m["priority"]))
		p.state.Set(DomainSensors, Breaker(i, AttrMode),
			"Breaker "+label+" mode", ctrlMode)
		p.state.Set(DomainSensors, Breaker(i, AttrSourceType),
			"Breaker "+label+" source type", int(source))
		p.state.Set(DomainSensors, Breaker(i, AttrSource),
			"Breaker "+label+" source", source.String())
		p.state.Set(DomainSelects, Breaker(i, AttrModeSelect),
			"Breaker "+label+" mode", BreakerModeFrom(ctrlMode, ctrlSta).String())
	}
}

// parseBreakerPower updates per-channel instantaneous power and the
// derived grid-usage total. Channels past the breaker range are battery
// ports: a port sourcing "off" is actually drawing grid power to charge,
// so it counts as grid input.
func (p *SmartHomePanel) parseBreakerPower(list []any) {
	totalGrid := 0.0
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		watts, _ := asFloat(m["chWatt"])
		powType := PowerType(asInt(m["powType"]))

		if i < BreakersCount {
			p.state.Set(DomainSensors, Breaker(i, AttrPower),
				fmt.Sprintf("Breaker %d", i+1), watts)
			if powType.IsGrid() {
				totalGrid += watts
			}
			continue
		}

		unit := i - BreakersCount + 1
		label := fmt.Sprintf("Battery %d", unit)
		var input, output float64
		if powType == PowerOff {
			input = watts
		} else {
			output = watts
		}
		totalGrid += input

		p.state.Set(DomainSensors, Battery(unit, AttrInput), label+" Input", input)
		p.state.Set(DomainSensors, Battery(unit, AttrOutput), label+" Output", output)
	}
	p.state.Set(DomainSensors, Global(AttrGridPower), "Grid Usage", totalGrid)
}

// parseBatteryInfo updates the battery-unit field group and the derived
// fleet maximum output. A disconnected unit hides its whole field group.
func (p *SmartHomePanel) parseBatteryInfo(list []any) {
	maxOutput := 0.0
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		unit := i + 1
		label := fmt.Sprintf("Battery %d", unit)
		states, _ := m["stateBean"].(map[string]any)
		connected := asBool(states["isConnect"])
		ratePower, _ := asFloat(m["ratePower"])
		maxOutput += ratePower

		p.state.Set(DomainSensors, Battery(unit, AttrConnected), label+" Connected", connected)
		p.state.Set(DomainSensors, Battery(unit, AttrEnabled), label+" Enabled", asBool(states["isEnable"]))
		p.state.Set(DomainSensors, Battery(unit, AttrGridCharging), label+" Grid Charging", asBool(states["isGridCharge"]))
		p.state.Set(DomainSensors, Battery(unit, AttrMpptCharging), label+" MPPT Charging", asBool(states["isMpptCharge"]))
		p.state.Set(DomainSensors, Battery(unit, AttrACOpen), label+" AC Open", asBool(states["isAcOpen"]))
		p.state.Set(DomainSensors, Battery(unit, AttrDischargeTime), label+" Discharge Time", asInt(m["dischargeTime"]))
		p.state.Set(DomainSensors, Battery(unit, AttrChargeTime), label+" Charge Time", asInt(m["chargeTime"]))
		p.state.Set(DomainSensors, Battery(unit, AttrPower), label, asInt(m["batteryPercentage"]))
		p.state.Set(DomainSensors, Battery(unit, AttrPowerRate), label+" Power Rate", ratePower)
		p.state.Set(DomainSensors, Battery(unit, AttrBatTemp), label+" Battery Temperature", asInt(m["emsBatTemp"]))

		p.state.Set(DomainSwitches, Battery(unit, AttrChargeSwitch), label+" Charging", asBool(states["isGridCharge"]))

		for _, attr := range batteryGroupAttrs {
			p.state.SetVisibility(Battery(unit, attr), connected)
		}
	}
	p.state.Set(DomainSensors, Global(AttrGridMaxOutput), "Grid Max Output Power", maxOutput)
}

// EPSCommand builds the EPS mode on/off command.
func (p *SmartHomePanel) EPSCommand(on bool) Command {
	v := 0
	if on {
		v = 1
	}
	return NewCommand(p.sn, CmdSetCommand, CmdIDEPS, map[string]any{"eps": v}).
		WithStateEffect(DomainSwitches, Global(AttrEPS), on)
}

// BatteryChargeCommand builds the grid-charging switch command for one
// battery unit (1-based). Battery ports sit above the breaker channels in
// the firmware's channel numbering.
func (p *SmartHomePanel) BatteryChargeCommand(unit int, on bool) Command {
	ch := BatteryStartIndex + unit - 1
	sta := 0
	if on {
		sta = 2
	}
	return NewCommand(p.sn, CmdSetCommand, CmdIDBatteryControl,
		map[string]any{"ch": ch, "sta": sta, "ctrlMode": 0}).
		WithStateEffect(DomainSwitches, Battery(unit, AttrChargeSwitch), on)
}

// BreakerModeCommand builds the mode-select command for one breaker
// channel (0-based).
func (p *SmartHomePanel) BreakerModeCommand(channel int, mode BreakerMode) Command {
	params := mode.ActionParams()
	params["ch"] = channel
	return NewCommand(p.sn, CmdSetCommand, CmdIDBreakerControl, params).
		WithStateEffect(DomainSelects, Breaker(channel, AttrModeSelect), mode.String())
}

// lookup resolves a dotted-path key in a quota/all payload. The vendor
// mostly flattens paths into literal dotted keys, but some groups arrive
// as nested objects; try the flat key first, then traverse.
func lookup(data map[string]any, path string) (any, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}
	var cur any = data
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[path[start:i]]
		if !ok {
			return nil, false
		}
		start = i + 1
	}
	return cur, true
}

func lookupSlice(data map[string]any, path string) ([]any, bool) {
	v, ok := lookup(data, path)
	if !ok {
		return nil, false
	}
	list, ok := v.([]any)
	return list, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(v any) int {
	f, ok := asFloat(v)
	if !ok {
		return 0
	}
	return int(f)
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	default:
		f, ok := asFloat(v)
		return ok && f != 0
	}
}
