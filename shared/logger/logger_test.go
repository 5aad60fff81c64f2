package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(t *testing.T, level, format string, enableSource bool) (*Logger, *bytes.Buffer) {
	t.Helper()
	output := &bytes.Buffer{}
	l, err := New(&Config{
		Level:        level,
		Format:       format,
		Output:       "stdout",
		EnableSource: enableSource,
		TimeFormat:   time.RFC3339,
		writer:       output,
	})
	require.NoError(t, err)
	return l, output
}

func TestNewJSONLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		log       func(l *Logger)
		wantLevel string
		wantMsg   string
		wantAttr  string
		wantValue string
		wantLines int
	}{
		{
			name:      "debug level passes debug records",
			level:     "debug",
			log:       func(l *Logger) { l.Debug("hold requested", slog.String("job_id", "job-1")) },
			wantLevel: "DEBUG",
			wantMsg:   "hold requested",
			wantAttr:  "job_id",
			wantValue: "job-1",
			wantLines: 1,
		},
		{
			name:  "info level drops debug records",
			level: "info",
			log: func(l *Logger) {
				l.Debug("dropped")
				l.Info("escrow released", slog.String("payment_reference", "pi_1"))
			},
			wantLevel: "INFO",
			wantMsg:   "escrow released",
			wantAttr:  "payment_reference",
			wantValue: "pi_1",
			wantLines: 1,
		},
		{
			name:  "warn level drops info records",
			level: "warn",
			log: func(l *Logger) {
				l.Info("dropped")
				l.Warn("dedup store unavailable", slog.String("event_id", "evt_1"))
			},
			wantLevel: "WARN",
			wantMsg:   "dedup store unavailable",
			wantAttr:  "event_id",
			wantValue: "evt_1",
			wantLines: 1,
		},
		{
			name:  "error level drops warn records",
			level: "error",
			log: func(l *Logger) {
				l.Warn("dropped")
				l.Error("conflicting finalization", slog.String("payment_reference", "pi_1"))
			},
			wantLevel: "ERROR",
			wantMsg:   "conflicting finalization",
			wantAttr:  "payment_reference",
			wantValue: "pi_1",
			wantLines: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, output := newBufferedLogger(t, tt.level, "json", false)
			tt.log(l)

			lines := strings.Split(strings.TrimSpace(output.String()), "\n")
			require.Len(t, lines, tt.wantLines)

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, tt.wantMsg, entry["msg"])
			assert.Equal(t, tt.wantValue, entry[tt.wantAttr])
			assert.Contains(t, entry, "time")
		})
	}
}

func TestNewConsoleFormat(t *testing.T) {
	l, output := newBufferedLogger(t, "info", "console", false)

	l.Info("webhook event queued")

	// tint abbreviates the level to three letters.
	assert.Contains(t, output.String(), "INF")
	assert.Contains(t, output.String(), "webhook event queued")
}

func TestNewWithSource(t *testing.T) {
	l, output := newBufferedLogger(t, "info", "json", true)

	l.Info("message with source")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &entry))
	require.Contains(t, entry, "source")
	source := entry["source"].(map[string]interface{})
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNewDefault(t *testing.T) {
	l := NewDefault()
	require.NotNil(t, l)
	assert.NotNil(t, l.Logger)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		// parseLevel is case-sensitive; anything unrecognized falls back
		// to info.
		{"DEBUG", slog.LevelInfo},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLoggerWithGroup(t *testing.T) {
	l, output := newBufferedLogger(t, "info", "json", false)

	l.WithGroup("escrow").Info("transition applied", slog.String("job_id", "job-1"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &entry))
	require.Contains(t, entry, "escrow")
	group := entry["escrow"].(map[string]interface{})
	assert.Equal(t, "job-1", group["job_id"])
}

func TestLoggerWithAttrs(t *testing.T) {
	l, output := newBufferedLogger(t, "info", "json", false)

	l.WithAttrs(
		slog.String("worker_id", "billing-worker-1"),
		slog.Int("concurrency", 5),
	).Info("worker started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &entry))
	assert.Equal(t, "billing-worker-1", entry["worker_id"])
	assert.Equal(t, float64(5), entry["concurrency"]) // JSON numbers are float64
	assert.Equal(t, "worker started", entry["msg"])
}

func TestLoggerWith(t *testing.T) {
	l, output := newBufferedLogger(t, "info", "json", false)

	l.With(slog.String("service", "billing-api")).Info("ready")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &entry))
	assert.Equal(t, "billing-api", entry["service"])
	assert.Equal(t, "ready", entry["msg"])
}
