package mqtt

import (
	"fmt"
	"testing"

	"ecoflow-bridge/internal/device"
)

func TestBrokerURL(t *testing.T) {
	cfg := SessionConfig{URL: "mqtt-e.ecoflow.com", Port: 8883, Protocol: "mqtts"}
	if got := cfg.BrokerURL(); got != "mqtts://mqtt-e.ecoflow.com:8883" {
		t.Errorf("BrokerURL = %q", got)
	}

	// Protocol defaults to TLS MQTT.
	cfg.Protocol = ""
	if got := cfg.BrokerURL(); got != "mqtts://mqtt-e.ecoflow.com:8883" {
		t.Errorf("default BrokerURL = %q", got)
	}
}

func TestDeviceTopic(t *testing.T) {
	if got := DeviceTopic("open-abc", "HW51001", SuffixSet); got != "/open/open-abc/HW51001/set" {
		t.Errorf("DeviceTopic = %q", got)
	}
}

func TestParseDeviceTopic(t *testing.T) {
	sn, suffix, ok := ParseDeviceTopic("/open/open-abc/HW51001/quota")
	if !ok || sn != "HW51001" || suffix != "quota" {
		t.Errorf("parse = %q %q %v", sn, suffix, ok)
	}

	for _, bad := range []string{"", "open/a/b/c", "/other/a/b/c", "/open/a/b", "/open/a/b/c/d"} {
		if _, _, ok := ParseDeviceTopic(bad); ok {
			t.Errorf("topic %q should not parse", bad)
		}
	}
}

// newTestSession builds a session with a device channel registered,
// bypassing the broker.
func newTestSession(sn string) (*Session, chan InboundMessage) {
	s := NewSession(SessionConfig{Username: "open-abc"}, testLogger())
	ch := make(chan InboundMessage, 4)
	s.inbound[sn] = ch
	return s, ch
}

func TestDispatchQuotaToDeviceChannel(t *testing.T) {
	s, ch := newTestSession("HW51001")

	payload := []byte(`{"params":{"infoList":[]}}`)
	s.dispatch("/open/open-abc/HW51001/quota", payload)

	select {
	case msg := <-ch:
		if msg.SN != "HW51001" || msg.Suffix != SuffixQuota {
			t.Errorf("msg routing = %+v", msg)
		}
		if string(msg.Payload) != string(payload) {
			t.Errorf("payload = %s", msg.Payload)
		}
	default:
		t.Fatal("no message delivered")
	}
}

func TestDispatchSetReplyToCorrelatorHandler(t *testing.T) {
	s, ch := newTestSession("HW51001")

	var got device.CommandResponse
	s.OnCommandReply(func(resp device.CommandResponse) { got = resp })

	s.dispatch("/open/open-abc/HW51001/set_reply",
		[]byte(`{"id": 777, "code": "0", "data": {"sta": 0, "cmdSet": 11, "ack": 0, "id": 24}}`))

	if got.ID != 777 || !got.Acknowledged() {
		t.Errorf("reply = %+v", got)
	}
	// Replies do not flow into the telemetry channel.
	select {
	case msg := <-ch:
		t.Errorf("unexpected telemetry delivery: %+v", msg)
	default:
	}
}

func TestDispatchMalformedReplyDropped(t *testing.T) {
	s, _ := newTestSession("HW51001")

	called := false
	s.OnCommandReply(func(device.CommandResponse) { called = true })

	s.dispatch("/open/open-abc/HW51001/set_reply", []byte("not json"))
	if called {
		t.Error("malformed reply should be dropped")
	}
}

func TestDispatchUntrackedDeviceDropped(t *testing.T) {
	s, ch := newTestSession("HW51001")

	s.dispatch("/open/open-abc/OTHER01/quota", []byte(`{}`))
	select {
	case msg := <-ch:
		t.Errorf("message for other device delivered: %+v", msg)
	default:
	}
}

func TestDispatchOverflowDropsOldest(t *testing.T) {
	s, ch := newTestSession("HW51001")

	for i := 0; i < cap(ch)+2; i++ {
		s.dispatch("/open/open-abc/HW51001/quota", []byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}

	// The two oldest messages were evicted; the first remaining is seq 2.
	first := <-ch
	if string(first.Payload) != `{"seq":2}` {
		t.Errorf("first remaining = %s", first.Payload)
	}
	if len(ch) != cap(ch)-1 {
		t.Errorf("channel depth = %d, want %d", len(ch), cap(ch)-1)
	}
}
