package mqttc

import "strings"

// Topics builds the broker topic surface for a configured camera prefix.
// The wildcard position of inbound subscriptions carries the device MAC in
// its original formatting. A legacy "device" prefix is mirrored for
// firmware that predates the prefix change.
type Topics struct {
	Prefix string
}

// LegacyPrefix is the historical topic root still used by old firmware.
const LegacyPrefix = "device"

// Cmd is the outbound command topic for a device.
func (t Topics) Cmd(mac string) string { return t.Prefix + "/" + mac + "/cmd" }

// Ack is the outbound acknowledgment topic for a device.
func (t Topics) Ack(mac string) string { return t.Prefix + "/" + mac + "/ack" }

// Subscriptions returns every inbound wildcard pattern, current and legacy.
func (t Topics) Subscriptions() []string {
	var out []string
	for _, prefix := range []string{t.Prefix, LegacyPrefix} {
		for _, leaf := range []string{"status", "data", "ack"} {
			out = append(out, prefix+"/+/"+leaf)
		}
	}
	return out
}

// Parse splits an inbound topic into its device MAC (original formatting)
// and leaf. Returns ok=false for topics outside the device surface.
func (t Topics) Parse(topic string) (mac, leaf string, ok bool) {
	var parts = strings.Split(topic, "/")
	if len(parts) != 3 {
		return "", "", false
	}
	if parts[0] != t.Prefix && parts[0] != LegacyPrefix {
		return "", "", false
	}
	switch parts[2] {
	case "status", "data", "ack":
		return parts[1], parts[2], true
	}
	return "", "", false
}
