package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"trace":   zerolog.TraceLevel,
	}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		if !ok || got != want {
			t.Errorf("ParseLevel(%q) = %v, %t; want %v", in, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Errorf("ParseLevel(loud) should fail")
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "")

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "packet-server", Config{Level: "warn", Format: "json"})
	logger.Info().Msg("hidden")
	logger.Warn().Str("op", "X").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["app"] != "packet-server" || entry["op"] != "X" || entry["message"] != "shown" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "json")

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "x", Config{Level: "debug", Format: "console"})
	logger.Warn().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("env level override ignored: %q", buf.String())
	}
	logger.Error().Msg("kept")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("env format override ignored: %q", buf.String())
	}
}
