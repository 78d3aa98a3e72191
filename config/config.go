// Package config loads the TOML files read by packet-server and
// packet-client. Library packages never read files; the binaries turn these
// structs into functional options.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"packet-rpc/loadbalance"
	"packet-rpc/logging"
)

const (
	DefaultServerAddr     = ":8080"
	DefaultClientAddr     = "localhost:8080"
	DefaultQueueSize      = 1024
	DefaultMaxFrameSize   = 16 << 20
	DefaultServiceName    = "packet-rpc"
	DefaultRegistryDial   = 5 * time.Second
	DefaultRegistryWeight = 1
	DefaultDialTimeout    = 5 * time.Second
	DefaultReconnectWait  = 5 * time.Second
	DefaultReconnectMax   = 12
)

var ErrInvalid = errors.New("config: invalid value")

// RegistryConfig enables etcd service discovery when Endpoints is non-empty.
type RegistryConfig struct {
	Endpoints   []string
	Service     string
	DialTimeout time.Duration
	Weight      int    // advertised by the server
	Balancer    string // client strategy, see loadbalance.New
}

func (r RegistryConfig) Enabled() bool {
	return len(r.Endpoints) > 0
}

type ServerConfig struct {
	Addr           string
	AdvertiseAddr  string
	Workers        int
	QueueSize      int
	MaxFrameSize   uint32
	HandlerTimeout time.Duration // zero disables the timeout middleware
	RateLimit      float64       // requests per second, zero disables
	RateBurst      int
	MetricsAddr    string // admin HTTP listener, empty disables
	Log            logging.Config
	Registry       RegistryConfig
}

type ClientConfig struct {
	Addr                 string
	AutoReconnect        bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	MaxFrameSize         uint32
	Log                  logging.Config
	Registry             RegistryConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         DefaultServerAddr,
		Workers:      runtime.NumCPU(),
		QueueSize:    DefaultQueueSize,
		MaxFrameSize: DefaultMaxFrameSize,
		Log:          logging.DefaultConfig(),
		Registry: RegistryConfig{
			Service:     DefaultServiceName,
			DialTimeout: DefaultRegistryDial,
			Weight:      DefaultRegistryWeight,
			Balancer:    loadbalance.StrategyRoundRobin,
		},
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:                 DefaultClientAddr,
		AutoReconnect:        true,
		ReconnectInterval:    DefaultReconnectWait,
		MaxReconnectAttempts: DefaultReconnectMax,
		DialTimeout:          DefaultDialTimeout,
		MaxFrameSize:         DefaultMaxFrameSize,
		Log:                  logging.DefaultConfig(),
		Registry: RegistryConfig{
			Service:     DefaultServiceName,
			DialTimeout: DefaultRegistryDial,
			Weight:      DefaultRegistryWeight,
			Balancer:    loadbalance.StrategyRoundRobin,
		},
	}
}

type fileRegistry struct {
	Endpoints   []string `toml:"endpoints"`
	Service     string   `toml:"service"`
	DialTimeout string   `toml:"dial_timeout"`
	Weight      int      `toml:"weight"`
	Balancer    string   `toml:"balancer"`
}

type fileServer struct {
	Addr           string  `toml:"addr"`
	AdvertiseAddr  string  `toml:"advertise_addr"`
	Workers        int     `toml:"workers"`
	QueueSize      int     `toml:"queue_size"`
	MaxFrameSize   uint32  `toml:"max_frame_size"`
	HandlerTimeout string  `toml:"handler_timeout"`
	RateLimit      float64 `toml:"rate_limit"`
	RateBurst      int     `toml:"rate_burst"`
	MetricsAddr    string  `toml:"metrics_addr"`
}

type fileClient struct {
	Addr                 string `toml:"addr"`
	AutoReconnect        bool   `toml:"auto_reconnect"`
	ReconnectInterval    string `toml:"reconnect_interval"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	DialTimeout          string `toml:"dial_timeout"`
	MaxFrameSize         uint32 `toml:"max_frame_size"`
}

type fileConfig struct {
	Server   fileServer     `toml:"server"`
	Client   fileClient     `toml:"client"`
	Log      logging.Config `toml:"log"`
	Registry fileRegistry   `toml:"registry"`
}

// LoadServerConfig reads the [server], [log] and [registry] tables of path
// over the defaults. An empty path returns the defaults.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	if meta.IsDefined("server", "addr") {
		cfg.Addr = strings.TrimSpace(raw.Server.Addr)
	}
	if meta.IsDefined("server", "advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.Server.AdvertiseAddr)
	}
	if meta.IsDefined("server", "workers") {
		cfg.Workers = raw.Server.Workers
	}
	if meta.IsDefined("server", "queue_size") {
		cfg.QueueSize = raw.Server.QueueSize
	}
	if meta.IsDefined("server", "max_frame_size") {
		cfg.MaxFrameSize = raw.Server.MaxFrameSize
	}
	if meta.IsDefined("server", "handler_timeout") {
		if cfg.HandlerTimeout, err = parseDuration("server.handler_timeout", raw.Server.HandlerTimeout); err != nil {
			return ServerConfig{}, err
		}
	}
	if meta.IsDefined("server", "rate_limit") {
		cfg.RateLimit = raw.Server.RateLimit
	}
	if meta.IsDefined("server", "rate_burst") {
		cfg.RateBurst = raw.Server.RateBurst
	}
	if meta.IsDefined("server", "metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Server.MetricsAddr)
	}
	applyLog(&cfg.Log, meta, raw.Log)
	if err := applyRegistry(&cfg.Registry, meta, raw.Registry); err != nil {
		return ServerConfig{}, err
	}
	return cfg, cfg.Validate()
}

// LoadClientConfig reads the [client], [log] and [registry] tables of path
// over the defaults. An empty path returns the defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	if meta.IsDefined("client", "addr") {
		cfg.Addr = strings.TrimSpace(raw.Client.Addr)
	}
	if meta.IsDefined("client", "auto_reconnect") {
		cfg.AutoReconnect = raw.Client.AutoReconnect
	}
	if meta.IsDefined("client", "reconnect_interval") {
		if cfg.ReconnectInterval, err = parseDuration("client.reconnect_interval", raw.Client.ReconnectInterval); err != nil {
			return ClientConfig{}, err
		}
	}
	if meta.IsDefined("client", "max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.Client.MaxReconnectAttempts
	}
	if meta.IsDefined("client", "dial_timeout") {
		if cfg.DialTimeout, err = parseDuration("client.dial_timeout", raw.Client.DialTimeout); err != nil {
			return ClientConfig{}, err
		}
	}
	if meta.IsDefined("client", "max_frame_size") {
		cfg.MaxFrameSize = raw.Client.MaxFrameSize
	}
	applyLog(&cfg.Log, meta, raw.Log)
	if err := applyRegistry(&cfg.Registry, meta, raw.Registry); err != nil {
		return ClientConfig{}, err
	}
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: server.addr is empty", ErrInvalid)
	case c.Workers < 1:
		return fmt.Errorf("%w: server.workers must be at least 1, got %d", ErrInvalid, c.Workers)
	case c.QueueSize < 0:
		return fmt.Errorf("%w: server.queue_size must not be negative, got %d", ErrInvalid, c.QueueSize)
	case c.HandlerTimeout < 0:
		return fmt.Errorf("%w: server.handler_timeout must not be negative", ErrInvalid)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: server.rate_limit must not be negative", ErrInvalid)
	case c.RateLimit > 0 && c.RateBurst < 1:
		return fmt.Errorf("%w: server.rate_burst must be at least 1 when rate_limit is set", ErrInvalid)
	}
	return c.Registry.validate()
}

func (c ClientConfig) Validate() error {
	switch {
	case c.Addr == "" && !c.Registry.Enabled():
		return fmt.Errorf("%w: client.addr is empty and no registry is configured", ErrInvalid)
	case c.ReconnectInterval <= 0:
		return fmt.Errorf("%w: client.reconnect_interval must be positive", ErrInvalid)
	case c.MaxReconnectAttempts < 1:
		return fmt.Errorf("%w: client.max_reconnect_attempts must be at least 1, got %d", ErrInvalid, c.MaxReconnectAttempts)
	case c.DialTimeout <= 0:
		return fmt.Errorf("%w: client.dial_timeout must be positive", ErrInvalid)
	}
	return c.Registry.validate()
}

func (r RegistryConfig) validate() error {
	if !r.Enabled() {
		return nil
	}
	if r.Service == "" {
		return fmt.Errorf("%w: registry.service is empty", ErrInvalid)
	}
	if r.DialTimeout <= 0 {
		return fmt.Errorf("%w: registry.dial_timeout must be positive", ErrInvalid)
	}
	if r.Weight < 0 {
		return fmt.Errorf("%w: registry.weight must not be negative, got %d", ErrInvalid, r.Weight)
	}
	if _, err := loadbalance.New(r.Balancer); err != nil {
		return fmt.Errorf("%w: registry.balancer: %v", ErrInvalid, err)
	}
	return nil
}

func applyLog(cfg *logging.Config, meta toml.MetaData, raw logging.Config) {
	if meta.IsDefined("log", "level") {
		cfg.Level = strings.TrimSpace(raw.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Format = strings.TrimSpace(raw.Format)
	}
	if meta.IsDefined("log", "no_color") {
		cfg.NoColor = raw.NoColor
	}
}

func applyRegistry(cfg *RegistryConfig, meta toml.MetaData, raw fileRegistry) error {
	if meta.IsDefined("registry", "endpoints") {
		cfg.Endpoints = normalizeList(raw.Endpoints)
	}
	if meta.IsDefined("registry", "service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("registry", "dial_timeout") {
		d, err := parseDuration("registry.dial_timeout", raw.DialTimeout)
		if err != nil {
			return err
		}
		cfg.DialTimeout = d
	}
	if meta.IsDefined("registry", "weight") {
		cfg.Weight = raw.Weight
	}
	if meta.IsDefined("registry", "balancer") {
		cfg.Balancer = strings.TrimSpace(raw.Balancer)
	}
	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
