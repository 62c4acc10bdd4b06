package duplex

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/andrei-cloud/duplex/internal/reactor"
)

// ErrResolve indicates the client could not resolve the server host.
var ErrResolve = errors.New("resolve failed")

// DefaultKeepAliveInterval is the TCP keepalive period used when none is configured.
const DefaultKeepAliveInterval = 30 * time.Second

// ClientConfig contains configuration options for a client.
type ClientConfig struct {
	KeepAliveInterval time.Duration // TCP keepalive period; negative disables.
	MaxBodySize       uint32        // largest accepted inbound body; zero means no limit.
	Logger            Logger        // optional logger for client events.
	Metrics           *Metrics      // optional metrics sink.
}

func (c *ClientConfig) applyDefaults() {
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
}

// Client owns one connection to a server and the reactor goroutine that
// drives it. Inbound messages are pulled from Incoming.
type Client[T Tag] struct {
	mu      sync.Mutex
	config  ClientConfig
	reactor *reactor.Reactor
	conn    *Connection[T]
	inbound *Queue[OwnedMessage[T]]
}

// NewClient creates a disconnected client. A nil config selects defaults.
func NewClient[T Tag](config *ClientConfig) *Client[T] {
	cfg := ClientConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()

	return &Client[T]{
		config:  cfg,
		inbound: NewQueue[OwnedMessage[T]](0),
	}
}

// Connect resolves host and starts connecting in the background. Only
// resolution failures are reported; connect and handshake failures surface as
// IsConnected staying or turning false. A previous connection is dropped first.
func (c *Client[T]) Connect(host string, port uint16) error {
	return c.ConnectContext(context.Background(), host, port)
}

// ConnectContext is Connect with a context bounding name resolution.
func (c *Client[T]) ConnectContext(ctx context.Context, host string, port uint16) error {
	c.Disconnect()

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s: no addresses", ErrResolve, host)
	}

	endpoints := make([]string, 0, len(addrs))
	for _, a := range addrs {
		endpoints = append(endpoints, net.JoinHostPort(a, strconv.Itoa(int(port))))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r := reactor.New(0)
	conn := NewConnection(OwnerClient, r, nil, c.inbound, ConnConfig{
		Logger:      c.config.Logger,
		Metrics:     c.config.Metrics,
		MaxBodySize: c.config.MaxBodySize,
		Dialer:      &net.Dialer{KeepAlive: c.config.KeepAliveInterval},
	})
	conn.ConnectToServer(endpoints)

	c.reactor = r
	c.conn = conn
	go r.Run()

	c.config.Logger.Infof("connecting to %s:%d", host, port)

	return nil
}

// Disconnect closes the connection through the reactor, stops the reactor
// and waits for its goroutines. It is a no-op when not connected.
func (c *Client[T]) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reactor == nil {
		return
	}

	if c.conn != nil {
		if !c.reactor.Dispatch(c.conn.Close) {
			c.conn.Close()
		}
	}

	c.reactor.Stop()
	<-c.reactor.Done()
	_ = c.reactor.Wait()

	c.reactor = nil
	c.conn = nil
	c.config.Logger.Infof("disconnected")
}

// IsConnected reports whether the socket is open.
func (c *Client[T]) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil && c.conn.IsConnected()
}

// Connection returns the current connection, nil when none was started.
func (c *Client[T]) Connection() *Connection[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// Send queues msg on the current connection. Messages sent while the dial or
// handshake is still in progress are written once it completes. Without a
// connection, or once it closed, msg is dropped.
func (c *Client[T]) Send(msg Message[T]) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && conn.State() != StateClosed {
		conn.Send(msg)
	}
}

// Incoming returns the queue of received messages.
func (c *Client[T]) Incoming() *Queue[OwnedMessage[T]] {
	return c.inbound
}
