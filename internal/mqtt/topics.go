package mqtt

import "strings"

// Per-device topic suffixes under /open/{username}/{sn}/.
const (
	SuffixSet      = "set"       // outbound commands
	SuffixQuota    = "quota"     // inbound telemetry deltas
	SuffixSetReply = "set_reply" // inbound command acknowledgements
)

// DeviceTopic builds the broker topic for one device and suffix.
func DeviceTopic(username, sn, suffix string) string {
	return "/open/" + username + "/" + sn + "/" + suffix
}

// ParseDeviceTopic extracts the serial number and suffix from an inbound
// topic of the form /open/{username}/{sn}/{suffix}.
func ParseDeviceTopic(topic string) (sn, suffix string, ok bool) {
	parts := strings.Split(topic, "/")
	// Leading slash yields an empty first element.
	if len(parts) != 5 || parts[0] != "" || parts[1] != "open" {
		return "", "", false
	}
	return parts[3], parts[4], true
}
