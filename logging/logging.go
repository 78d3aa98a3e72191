// Package logging builds the zerolog loggers used by the binaries.
// Library packages take a zerolog.Logger through their options and never
// configure output themselves.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "PACKET_RPC_LOG_LEVEL"
	EnvLogFormat  = "PACKET_RPC_LOG_FORMAT"
	EnvLogNoColor = "PACKET_RPC_LOG_NOCOLOR"
)

// Config selects level and output format.
type Config struct {
	Level   string `toml:"level"`  // trace, debug, info, warn, error, disabled
	Format  string `toml:"format"` // console or json
	NoColor bool   `toml:"no_color"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "console"}
}

// New builds a logger writing to stdout and installs it as the global
// zerolog logger. Environment overrides win over cfg.
func New(app string, cfg Config) zerolog.Logger {
	logger := NewWithWriter(os.Stdout, app, cfg)
	log.Logger = logger
	return logger
}

func NewWithWriter(w io.Writer, app string, cfg Config) zerolog.Logger {
	applyEnvOverrides(&cfg)

	out := w
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Format = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		cfg.NoColor = v
	}
}

// ParseLevel accepts the usual level names, case-insensitive.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "", "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
