package bars

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecFamilies(t *testing.T) {
	cases := []struct {
		spec    string
		barType string
	}{
		{"tick_500", "tick_500"},
		{"volume_100", "volume_100"},
		{"volume_0.5", "volume_0.5"},
		{"dollar_1000000", "dollar_1000000"},
		{"time_30s", "time_30s"},
		{"time_90s", "time_90s"},
		{"time_5m", "time_5m"},
		{"time_90m", "time_90m"},
		{"time_1h", "time_1h"},
		{"time_1d", "time_1d"},
		{"tib_10", "tib_10"},
		{"vib_10", "vib_10"},
		{"dib_10", "dib_10"},
		{"trb_10", "trb_10"},
		{"vrb_10", "vrb_10"},
		{"drb_10", "drb_10"},
	}

	for _, tc := range cases {
		t.Run(tc.spec, func(t *testing.T) {
			b, err := ParseSpec(tc.spec, "coinbase", "BTC-USD")
			require.NoError(t, err)
			assert.Equal(t, tc.barType, b.BarType())
		})
	}
}

func TestParseSpecRejectsBadInput(t *testing.T) {
	bad := []string{
		"",
		"tick",
		"tick_",
		"tick_0",
		"tick_-5",
		"tick_abc",
		"volume_-1",
		"volume_xyz",
		"time_5",
		"time_5x",
		"time_x5m",
		"time_60s",
		"time_120m",
		"time_24h",
		"tib_0",
		"bogus_5",
	}

	for _, spec := range bad {
		t.Run("bad/"+spec, func(t *testing.T) {
			_, err := ParseSpec(spec, "coinbase", "BTC-USD")
			require.Error(t, err)
			var specErr *SpecError
			assert.True(t, errors.As(err, &specErr), "want *SpecError, got %T", err)
		})
	}
}

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"30s": 30 * time.Second,
		"90s": 90 * time.Second,
		"5m":  5 * time.Minute,
		"90m": 90 * time.Minute,
		"2h":  2 * time.Hour,
		"1d":  24 * time.Hour,
	}
	for in, want := range cases {
		got, err := parseInterval(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseIntervalRejectsAliases(t *testing.T) {
	// One label per interval: an alias would put the same family under
	// two table names and break warm resume.
	cases := map[string]string{
		"60s":  "1m",
		"120m": "2h",
		"24h":  "1d",
		"48h":  "2d",
	}
	for in, canonical := range cases {
		_, err := parseInterval(in)
		require.Error(t, err, in)
		assert.Contains(t, err.Error(), canonical)
	}
}

func TestIntervalLabelRoundTrips(t *testing.T) {
	for _, in := range []string{"30s", "90s", "5m", "90m", "2h", "1d"} {
		d, err := parseInterval(in)
		require.NoError(t, err)
		assert.Equal(t, in, intervalLabel(d))
	}
}
