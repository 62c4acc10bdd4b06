// Package config loads the duplex command configuration from TOML.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/andrei-cloud/duplex/server"
)

const (
	DefaultPort        = 60000
	DefaultMetricsAddr = "127.0.0.1:9100"
	DefaultLogLevel    = "info"
)

// Config is the resolved serve configuration.
type Config struct {
	Port            uint16
	Host            string
	MaxConns        int
	MaxBodySize     uint32
	KeepAlive       time.Duration
	ShutdownTimeout time.Duration
	MetricsAddr     string // empty disables the metrics endpoint.
	LogLevel        zerolog.Level
}

// config.toml key mapping.
type fileConfig struct {
	Port            int    `toml:"port"`
	Host            string `toml:"host"`
	MaxConns        int    `toml:"max_conns"`
	MaxBodySize     int64  `toml:"max_body_size"`
	KeepAlive       string `toml:"keepalive"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	MetricsAddr     string `toml:"metrics_addr"`
	LogLevel        string `toml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Port:            DefaultPort,
		KeepAlive:       server.DefaultKeepAliveInterval,
		ShutdownTimeout: server.DefaultShutdownTimeout,
		MetricsAddr:     DefaultMetricsAddr,
		LogLevel:        zerolog.InfoLevel,
	}
}

// Load reads path and overlays the keys it defines on Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		if raw.Port <= 0 || raw.Port > 65535 {
			return Config{}, fmt.Errorf("load config: port %d out of range", raw.Port)
		}
		cfg.Port = uint16(raw.Port)
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("max_conns") {
		if raw.MaxConns < 0 {
			return Config{}, fmt.Errorf("load config: max_conns must not be negative")
		}
		cfg.MaxConns = raw.MaxConns
	}
	if meta.IsDefined("max_body_size") {
		if raw.MaxBodySize < 0 || raw.MaxBodySize > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("load config: max_body_size %d out of range", raw.MaxBodySize)
		}
		cfg.MaxBodySize = uint32(raw.MaxBodySize)
	}
	if meta.IsDefined("keepalive") {
		if cfg.KeepAlive, err = parseDuration("keepalive", raw.KeepAlive); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("shutdown_timeout") {
		if cfg.ShutdownTimeout, err = parseDuration("shutdown_timeout", raw.ShutdownTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw.LogLevel)))
		if err != nil {
			return Config{}, fmt.Errorf("load config: log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("load config: %s: %w", key, err)
	}
	return d, nil
}

// ServerConfig maps c onto a server.Config. Logger and Metrics are left to
// the caller.
func (c Config) ServerConfig() *server.Config {
	return &server.Config{
		Host:              c.Host,
		MaxConns:          c.MaxConns,
		MaxBodySize:       c.MaxBodySize,
		ShutdownTimeout:   c.ShutdownTimeout,
		KeepAliveInterval: c.KeepAlive,
	}
}
