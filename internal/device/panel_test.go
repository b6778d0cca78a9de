package device

import (
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// snapshotFixture mimics a quota/all payload: mostly flat dotted keys,
// with loadChInfo arriving as a nested object like the real API does.
const snapshotFixture = `{
	"heartbeat.loadCmdChCtrlInfos": [
		{"ctrlSta": 0, "ctrlMode": 0, "priority": 1},
		{"ctrlSta": 1, "ctrlMode": 1, "priority": 2},
		{"ctrlSta": 2, "ctrlMode": 1, "priority": 3},
		{"ctrlSta": 0, "ctrlMode": 0, "priority": 4},
		{"ctrlSta": 0, "ctrlMode": 0, "priority": 5},
		{"ctrlSta": 0, "ctrlMode": 0, "priority": 6},
		{"ctrlSta": 0, "ctrlMode": 0, "priority": 7},
		{"ctrlSta": 0, "ctrlMode": 0, "priority": 8},
		{"ctrlSta": 0, "ctrlMode": 0, "priority": 9},
		{"ctrlSta": 0, "ctrlMode": 0, "priority": 10}
	],
	"loadChInfo": {"info": [
		{"chName": "Kitchen"}, {"chName": "Garage"}, {"chName": "Well Pump"},
		{"chName": "Ch 4"}, {"chName": "Ch 5"}, {"chName": "Ch 6"},
		{"chName": "Ch 7"}, {"chName": "Ch 8"}, {"chName": "Ch 9"},
		{"chName": "Ch 10"}
	]},
	"channelPower.infoList": [
		{"chWatt": 150, "powType": 0},
		{"chWatt": 60, "powType": 1},
		{"chWatt": 0, "powType": 2},
		{"chWatt": 40, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 500, "powType": 2},
		{"chWatt": 120, "powType": 1}
	],
	"chUseInfo.isEnable": [1, 1, 0, 1, 1, 1, 1, 1, 1, 1],
	"heartbeat.energyInfos": [
		{
			"stateBean": {"isConnect": 1, "isEnable": 1, "isGridCharge": 1, "isMpptCharge": 0, "isAcOpen": 1},
			"ratePower": 3600, "dischargeTime": 0, "chargeTime": 95,
			"batteryPercentage": 72, "emsBatTemp": 31
		},
		{
			"stateBean": {"isConnect": 0, "isEnable": 0, "isGridCharge": 0, "isMpptCharge": 0, "isAcOpen": 0},
			"ratePower": 2400, "dischargeTime": 0, "chargeTime": 0,
			"batteryPercentage": 0, "emsBatTemp": 20
		}
	],
	"loadChCurInfo.cur": [16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 20, 20],
	"epsModeInfo.eps": 1
}`

func loadSnapshot(t *testing.T) map[string]any {
	t.Helper()
	var data map[string]any
	if err := json.Unmarshal([]byte(snapshotFixture), &data); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return data
}

func newTestPanel(t *testing.T) *SmartHomePanel {
	t.Helper()
	p := NewSmartHomePanel("HW51ZKH4SF000000", ProductSmartHomePanel, true, testLogger())
	if err := p.ApplySnapshot(loadSnapshot(t)); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	return p
}

func sensorValue(t *testing.T, p *SmartHomePanel, key FieldKey) any {
	t.Helper()
	v, ok := p.State().Get(DomainSensors, key)
	if !ok {
		t.Fatalf("sensor %s missing", key)
	}
	return v.Value
}

func TestSnapshotBuildsFullKeySpace(t *testing.T) {
	p := newTestPanel(t)

	// Exactly one power key per breaker channel.
	for i := 0; i < BreakersCount; i++ {
		if _, ok := p.State().Get(DomainSensors, Breaker(i, AttrPower)); !ok {
			t.Errorf("breaker_%d power key missing", i)
		}
	}

	// Grid usage: breaker 0 (150W grid) + breaker 3 (40W grid) + idle grid
	// channels + battery port at channel 10 sourcing "off" (500W grid
	// charge input).
	if got := sensorValue(t, p, Global(AttrGridPower)); got != 690.0 {
		t.Errorf("shp_grid = %v, want 690", got)
	}

	if got := sensorValue(t, p, Global(AttrBatteriesCount)); got != 2 {
		t.Errorf("batteries_count = %v, want 2", got)
	}
	if got := sensorValue(t, p, Global(AttrGridMaxOutput)); got != 6000.0 {
		t.Errorf("shp_grid_max_output = %v, want 6000", got)
	}

	// EPS arrives as a switch.
	eps, ok := p.State().Get(DomainSwitches, Global(AttrEPS))
	if !ok || eps.Value != true {
		t.Errorf("eps switch = %+v, want true", eps)
	}

	// Battery port channels map to battery input/output keys.
	if got := sensorValue(t, p, Battery(1, AttrInput)); got != 500.0 {
		t.Errorf("battery_1_input = %v, want 500", got)
	}
	if got := sensorValue(t, p, Battery(2, AttrOutput)); got != 120.0 {
		t.Errorf("battery_2_output = %v, want 120", got)
	}
}

func TestSnapshotRebuildIdempotent(t *testing.T) {
	p := newTestPanel(t)
	first := p.State().Fields(DomainSensors)

	if err := p.ApplySnapshot(loadSnapshot(t)); err != nil {
		t.Fatalf("second ApplySnapshot: %v", err)
	}
	second := p.State().Fields(DomainSensors)

	if !reflect.DeepEqual(first, second) {
		t.Error("snapshot parse is not idempotent")
	}
}

func TestSnapshotMissingRequiredKey(t *testing.T) {
	data := loadSnapshot(t)
	delete(data, snapBreakerControls)
	p := NewSmartHomePanel("SN", ProductSmartHomePanel, true, testLogger())
	if err := p.ApplySnapshot(data); err == nil {
		t.Error("expected error for missing breaker control list")
	}
}

func TestBreakerVisibilityFollowsEnablement(t *testing.T) {
	p := newTestPanel(t)

	// Channel 2 is disabled in the fixture: whole group hidden.
	for _, attr := range []string{AttrPower, AttrPriority, AttrMode, AttrCurLimit, AttrSource} {
		if p.State().Visible(Breaker(2, attr)) {
			t.Errorf("breaker_2_%s should be hidden", attr)
		}
	}
	if !p.State().Visible(Breaker(0, AttrPower)) {
		t.Error("breaker_0 should be visible")
	}
}

func TestBatteryVisibilityFollowsConnection(t *testing.T) {
	p := newTestPanel(t)

	if !p.State().Visible(Battery(1, AttrInput)) {
		t.Error("connected battery 1 should be visible")
	}
	for _, attr := range []string{AttrPower, AttrInput, AttrChargeSwitch, AttrBatTemp} {
		if p.State().Visible(Battery(2, attr)) {
			t.Errorf("battery_2_%s should be hidden while disconnected", attr)
		}
	}
}

func TestBreakerCustomName(t *testing.T) {
	p := newTestPanel(t)
	v, ok := p.State().Get(DomainSensors, Breaker(0, AttrPower))
	if !ok {
		t.Fatal("breaker_0 missing")
	}
	if v.CustomAttrs["Custom Name"] != "Kitchen" {
		t.Errorf("custom name = %v", v.CustomAttrs)
	}
}

func TestDeltaBreakerPower(t *testing.T) {
	p := newTestPanel(t)

	payload := []byte(`{"params":{"infoList":[
		{"chWatt": 100, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 0},
		{"chWatt": 0, "powType": 1},
		{"chWatt": 0, "powType": 1}
	]}}`)
	if err := p.ApplyDelta(payload); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if got := sensorValue(t, p, Breaker(0, AttrPower)); got != 100.0 {
		t.Errorf("breaker_0 = %v, want 100", got)
	}
	if got := sensorValue(t, p, Global(AttrGridPower)); got != 100.0 {
		t.Errorf("shp_grid = %v, want 100", got)
	}
}

func TestDeltaDoesNotDisturbUnrelatedKeys(t *testing.T) {
	p := newTestPanel(t)
	beforeTemp := sensorValue(t, p, Battery(1, AttrBatTemp))
	beforeMax := sensorValue(t, p, Global(AttrGridMaxOutput))

	payload := []byte(`{"params":{"infoList":[{"chWatt": 999, "powType": 0}]}}`)
	if err := p.ApplyDelta(payload); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if got := sensorValue(t, p, Battery(1, AttrBatTemp)); got != beforeTemp {
		t.Errorf("battery temp changed by power delta: %v", got)
	}
	if got := sensorValue(t, p, Global(AttrGridMaxOutput)); got != beforeMax {
		t.Errorf("max output changed by power delta: %v", got)
	}
	if got := sensorValue(t, p, Breaker(0, AttrPower)); got != 999.0 {
		t.Errorf("breaker_0 = %v, want 999", got)
	}
}

func TestDeltaHeartbeatControls(t *testing.T) {
	p := newTestPanel(t)

	payload := []byte(`{"params":{"heartbeat":{"loadCmdChCtrlInfos":[
		{"ctrlSta": 1, "ctrlMode": 1, "priority": 9}
	]}}}`)
	if err := p.ApplyDelta(payload); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if got := sensorValue(t, p, Breaker(0, AttrPriority)); got != 9 {
		t.Errorf("priority = %v, want 9", got)
	}
	if got := sensorValue(t, p, Breaker(0, AttrSource)); got != "Battery" {
		t.Errorf("source = %v, want Battery", got)
	}
	sel, ok := p.State().Get(DomainSelects, Breaker(0, AttrModeSelect))
	if !ok || sel.Value != "Battery" {
		t.Errorf("mode select = %+v, want Battery", sel)
	}
}

func TestDeltaHeartbeatBatteryInfo(t *testing.T) {
	p := newTestPanel(t)

	payload := []byte(`{"params":{"heartbeat":{"energyInfos":[
		{
			"stateBean": {"isConnect": 1, "isEnable": 1, "isGridCharge": 0, "isMpptCharge": 1, "isAcOpen": 1},
			"ratePower": 3600, "dischargeTime": 240, "chargeTime": 0,
			"batteryPercentage": 68, "emsBatTemp": 33
		}
	]}}}`)
	if err := p.ApplyDelta(payload); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if got := sensorValue(t, p, Battery(1, AttrPower)); got != 68 {
		t.Errorf("battery_1 level = %v, want 68", got)
	}
	if got := sensorValue(t, p, Battery(1, AttrDischargeTime)); got != 240 {
		t.Errorf("discharge time = %v, want 240", got)
	}
	sw, ok := p.State().Get(DomainSwitches, Battery(1, AttrChargeSwitch))
	if !ok || sw.Value != false {
		t.Errorf("charge switch = %+v, want false", sw)
	}
}

func TestDeltaCommandEchoIsNoOp(t *testing.T) {
	p := newTestPanel(t)
	before := p.State().Fields(DomainSensors)

	payload := []byte(`{"params":{"cmdSet": 11, "id": 24, "eps": 1}}`)
	if err := p.ApplyDelta(payload); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if !reflect.DeepEqual(before, p.State().Fields(DomainSensors)) {
		t.Error("command echo mutated sensor state")
	}
}

func TestDeltaMalformedPayload(t *testing.T) {
	p := newTestPanel(t)
	if err := p.ApplyDelta([]byte("not json")); err == nil {
		t.Error("expected parse error")
	}
	// State must be untouched after a decode failure.
	if got := sensorValue(t, p, Global(AttrGridPower)); got != 690.0 {
		t.Errorf("shp_grid = %v after bad delta", got)
	}
}

func TestLookupDottedAndNested(t *testing.T) {
	data := map[string]any{
		"flat.key": "a",
		"outer":    map[string]any{"inner": "b"},
	}
	if v, ok := lookup(data, "flat.key"); !ok || v != "a" {
		t.Errorf("flat lookup = %v %v", v, ok)
	}
	if v, ok := lookup(data, "outer.inner"); !ok || v != "b" {
		t.Errorf("nested lookup = %v %v", v, ok)
	}
	if _, ok := lookup(data, "outer.missing"); ok {
		t.Error("missing nested key should not resolve")
	}
}
