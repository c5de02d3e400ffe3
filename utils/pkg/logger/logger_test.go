package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDistributor_Logger_ParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatText, f)

	f, err = ParseFormat("json")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	require.Error(t, err)
}

func TestDistributor_Logger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithFormat(&buf, FormatJSON, false)
	log.Debug("hidden")
	log.Info("processor: created claim", "claimant", "abc", "empty", "")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "processor: created claim", line["msg"])
	require.Equal(t, "abc", line["claimant"])
	require.NotContains(t, line, "empty")

	ts, ok := line["time"].(string)
	require.True(t, ok)
	require.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, ts)
}

func TestDistributor_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 12, 30, 45, 123_456_789, time.FixedZone("x", 3600))
	require.Equal(t, "2024-03-01T11:30:45.123Z", formatRFC3339Millis(ts))
}
