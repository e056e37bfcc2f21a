package devctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeMAC(t *testing.T) {
	var cases = []struct {
		in   string
		want string
	}{
		{"98:A3:16:F8:29:28", "98A316F82928"},
		{"98a316f82928", "98A316F82928"},
		{"98-A3-16-F8-29-28", "98A316F82928"},
		{"98 A3 16 F8 29 28", "98A316F82928"},
		{"  AABBCCDDEEFF  ", "AABBCCDDEEFF"},
		{"test-rig-7", "TEST-RIG-7"},
		{"SYSTEM:dispatcher", "SYSTEM:DISPATCHER"},
		{"virtual:cam-2", "VIRTUAL:CAM-2"},
	}
	for _, tc := range cases {
		var got, err = NormalizeMAC(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "   ", "AABBCCDDEEF", "AABBCCDDEEFF00", "GGBBCCDDEEFF", "not-a-mac"} {
		var _, err = NormalizeMAC(bad)
		require.Error(t, err, bad)
	}
}

func TestNormalizeMACIdempotent(t *testing.T) {
	var once, err = NormalizeMAC("98:a3:16:f8:29:28")
	require.NoError(t, err)
	twice, err := NormalizeMAC(once)
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestParseDeviceTimestamp(t *testing.T) {
	var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var p = ParseDeviceTimestamp("2026-03-01 08:30:00", now)
	require.Equal(t, SourceDevice, p.Source)
	require.Equal(t, time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC), p.Time)

	p = ParseDeviceTimestamp("2026-03-01T08:30:00Z", now)
	require.Equal(t, SourceDevice, p.Source)
	require.Equal(t, time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC), p.Time)

	// Dead RTC battery: year 1970 falls back to the server clock.
	p = ParseDeviceTimestamp("1970-01-01 00:00:12", now)
	require.Equal(t, SourceServerFallback, p.Source)
	require.Equal(t, now, p.Time)

	p = ParseDeviceTimestamp("garbage", now)
	require.Equal(t, SourceServerFallback, p.Source)

	p = ParseDeviceTimestamp("", now)
	require.Equal(t, SourceServerFallback, p.Source)
	require.Equal(t, now, p.Time)
}

func TestCelsiusToFahrenheit(t *testing.T) {
	var c = 40.0
	require.Equal(t, 104.0, *CelsiusToFahrenheit(&c))

	c = 0.0
	require.Equal(t, 32.0, *CelsiusToFahrenheit(&c))

	c = 21.55
	require.Equal(t, 70.79, *CelsiusToFahrenheit(&c))

	require.Nil(t, CelsiusToFahrenheit(nil))
}

type countingSource struct {
	calls   int
	lineage *Lineage
}

func (s *countingSource) ResolveLineage(context.Context, string) (*Lineage, error) {
	s.calls++
	return s.lineage, nil
}

func TestResolverCaches(t *testing.T) {
	var source = &countingSource{lineage: &Lineage{
		DeviceID:  "dev-1",
		CompanyID: "co-1",
		ProgramID: "pr-1",
		SiteID:    "si-1",
	}}
	var r = NewResolver(source, time.Minute)

	var got, err = r.Resolve(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	require.True(t, got.Complete())

	_, err = r.Resolve(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	require.Equal(t, 1, source.calls)

	r.Invalidate("AABBCCDDEEFF")
	_, err = r.Resolve(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)
}

func TestResolverUnknownDevice(t *testing.T) {
	var source = &countingSource{} // Resolves to nil.
	var r = NewResolver(source, time.Minute)

	var got, err = r.Resolve(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	require.Nil(t, got)

	// Unknown devices are not cached; a later mapping must be visible.
	_, _ = r.Resolve(context.Background(), "AABBCCDDEEFF")
	require.Equal(t, 2, source.calls)
}

func TestLineageComplete(t *testing.T) {
	require.False(t, Lineage{DeviceID: "d"}.Complete())
	require.True(t, Lineage{DeviceID: "d", CompanyID: "c", ProgramID: "p", SiteID: "s"}.Complete())
}
