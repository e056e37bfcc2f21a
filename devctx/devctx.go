// Package devctx resolves device identity and context: identifier
// normalization, organizational lineage caching, device timestamp parsing,
// unit conversion, and audit logging.
package devctx

import (
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Special identifier prefixes that bypass MAC validation. Used by test
// rigs and virtual devices.
var passthroughPrefixes = []string{"TEST-", "SYSTEM:", "VIRTUAL:"}

// NormalizeMAC canonicalizes a device identifier: separators stripped,
// uppercased, exactly 12 hex characters. Specially prefixed identifiers
// are passed through uppercased. Returns an error for anything else.
func NormalizeMAC(raw string) (string, error) {
	var trimmed = strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty device identifier")
	}

	var upper = strings.ToUpper(trimmed)
	for _, prefix := range passthroughPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return upper, nil
		}
	}

	var stripped = strings.NewReplacer(":", "", "-", "", " ", "").Replace(upper)
	if len(stripped) != 12 {
		return "", fmt.Errorf("device identifier %q is not a 12-hex MAC", raw)
	}
	for _, r := range stripped {
		if !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')) {
			return "", fmt.Errorf("device identifier %q contains non-hex %q", raw, r)
		}
	}
	return stripped, nil
}

// TimestampSource records whether a parsed capture time came from the
// device or fell back to the server clock.
type TimestampSource string

const (
	SourceDevice         TimestampSource = "device"
	SourceServerFallback TimestampSource = "server_fallback"
)

// ParsedTimestamp is the outcome of parsing a device-sent capture time.
type ParsedTimestamp struct {
	Time   time.Time
	Source TimestampSource
	Raw    string
}

// Device clocks drift badly when the RTC battery dies; anything outside
// this window is treated as garbage and replaced by the server clock.
const (
	minPlausibleYear = 2020
	maxPlausibleYear = 2100
)

// ParseDeviceTimestamp accepts ISO-8601 with a Z suffix, or the space
// separated "YYYY-MM-DD HH:MM:SS" variant, interpreted as UTC. Parse
// failures and implausible years fall back to now.
func ParseDeviceTimestamp(raw string, now time.Time) ParsedTimestamp {
	var fallback = ParsedTimestamp{Time: now.UTC(), Source: SourceServerFallback, Raw: raw}

	var trimmed = strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	if strings.Contains(trimmed, " ") && !strings.Contains(trimmed, "T") {
		trimmed = strings.Replace(trimmed, " ", "T", 1) + "Z"
	}

	var parsed, err = time.Parse(time.RFC3339, trimmed)
	if err != nil {
		log.WithFields(log.Fields{"raw": raw, "error": err}).
			Warn("unparseable device timestamp, using server clock")
		return fallback
	}
	if year := parsed.UTC().Year(); year < minPlausibleYear || year > maxPlausibleYear {
		log.WithFields(log.Fields{"raw": raw, "year": year}).
			Warn("implausible device timestamp, using server clock")
		return fallback
	}
	return ParsedTimestamp{Time: parsed.UTC(), Source: SourceDevice, Raw: raw}
}

// Sensor operating range of the onboard environmental sensor, in Celsius.
const (
	sensorMinC = -40.0
	sensorMaxC = 85.0
)

// CelsiusToFahrenheit converts at the persistence boundary, rounded to two
// decimal places. Nil in, nil out.
func CelsiusToFahrenheit(c *float64) *float64 {
	if c == nil {
		return nil
	}
	if *c < sensorMinC || *c > sensorMaxC {
		log.WithField("celsius", *c).Warn("temperature outside sensor operating range")
	}
	var f = math.Round((*c*1.8+32)*100) / 100
	return &f
}
