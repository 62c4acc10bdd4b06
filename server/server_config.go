package server

import (
	"time"

	"github.com/andrei-cloud/duplex"
)

const (
	DefaultMaxConns          = 0                // default max connections means no limit.
	DefaultShutdownTimeout   = 5 * time.Second  // default shutdown timeout duration.
	DefaultKeepAliveInterval = 30 * time.Second // default TCP keepalive period.
)

type Config struct {
	Host              string          // listen host; empty listens on all interfaces.
	MaxConns          int             // maximum open connections allowed; zero means no limit.
	MaxBodySize       uint32          // largest accepted inbound body; zero means no limit.
	ShutdownTimeout   time.Duration   // grace period for in-flight operations on Stop.
	KeepAliveInterval time.Duration   // interval for TCP keepalive probes; negative disables.
	Backlog           int             // initial capacity of the reactor queue.
	Logger            duplex.Logger   // optional logger for server events.
	Metrics           *duplex.Metrics // optional metrics sink.
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}

	if c.Logger == nil {
		c.Logger = &duplex.NoopLogger{}
	}
}
