package observability_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"EqualisLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("debug"))
	require.Equal(t, zerolog.WarnLevel, observability.ParseLogLevel(" WARN "))
	require.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel(""))
	require.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("loud"))
}

func TestNewLoggerTo_TagsComponentAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "kernel", zerolog.WarnLevel)
	log.Info().Msg("hidden")
	log.Warn().Str("pool", "1").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "kernel", line["component"])
	require.Equal(t, "shown", line["message"])
	require.Equal(t, "warn", line["level"])
}
