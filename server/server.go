package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/andrei-cloud/duplex"
	"github.com/andrei-cloud/duplex/internal/reactor"
)

// Unlimited makes Update drain the whole inbound queue.
const Unlimited = -1

// acceptRetryDelay spaces accept attempts after a failed one.
const acceptRetryDelay = 100 * time.Millisecond

// ErrServerStarted indicates Start was called twice.
var ErrServerStarted = errors.New("server already started")

// Server accepts connections, runs the handshake and routes their messages
// into one inbound queue drained by Update.
type Server[T duplex.Tag] struct {
	port      uint16                                // port to listen on.
	config    *Config                               // server configuration options.
	handler   Handler[T]                            // hooks for server events.
	listener  net.Listener                          // TCP listener for incoming connections.
	reactor   *reactor.Reactor                      // runs every socket completion.
	inbound   *duplex.Queue[duplex.OwnedMessage[T]] // messages from all connections.
	conns     registry[T]                           // admitted connections.
	idCounter uint32                                // last assigned identity, reactor-owned.
	mu        sync.Mutex                            // guards started and stopped.
	started   bool
	stopped   bool
}

// NewServer creates a server for port. Nothing is bound until Start.
func NewServer[T duplex.Tag](port uint16, handler Handler[T], config *Config) (*Server[T], error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()

	return &Server[T]{
		port:    port,
		config:  &cfg,
		handler: handler,
		inbound: duplex.NewQueue[duplex.OwnedMessage[T]](0),
	}, nil
}

// Start binds the listener, arms the accept loop and starts the reactor
// goroutine. Bind failures are returned.
func (s *Server[T]) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerStarted
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(int(s.port))))
	if err != nil {
		s.config.Logger.Errorf("[SERVER] listen error: %v", err)
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = ln
	s.reactor = reactor.New(s.config.Backlog)
	s.started = true

	s.waitForClientConnection(0)
	go s.reactor.Run()

	s.config.Logger.Infof("[SERVER] started on %s", ln.Addr())

	return nil
}

// Stop stops the reactor, closes the listener and every connection, then
// waits up to ShutdownTimeout for in-flight operations.
func (s *Server[T]) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	s.reactor.Stop()
	<-s.reactor.Done()

	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	for _, e := range s.conns.snapshot() {
		e.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		_ = s.reactor.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.logf("timeout waiting for connections to close")
	}

	s.config.Logger.Infof("[SERVER] stopped")

	return err
}

// Addr returns the bound address, nil before Start.
func (s *Server[T]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// waitForClientConnection arms one accept. The completion handles the socket
// and arms the next one.
func (s *Server[T]) waitForClientConnection(delay time.Duration) {
	var sock net.Conn
	s.reactor.Go(func() error {
		if delay > 0 {
			time.Sleep(delay)
		}
		var err error
		sock, err = s.listener.Accept()
		return err
	}, func(err error) {
		if err != nil {
			if sock != nil {
				_ = sock.Close()
			}
			if errors.Is(err, reactor.ErrAborted) || errors.Is(err, net.ErrClosed) {
				return
			}

			s.config.Metrics.IOError("accept")
			s.logf("[SERVER] new connection error: %v", err)
			s.waitForClientConnection(acceptRetryDelay)

			return
		}

		s.handleNewConnection(sock)
		s.waitForClientConnection(0)
	})
}

func (s *Server[T]) handleNewConnection(sock net.Conn) {
	s.configureSocket(sock)
	s.logf("[SERVER] connection initiated: %s", sock.RemoteAddr())

	c := duplex.NewConnection(duplex.OwnerServer, s.reactor, sock, s.inbound, duplex.ConnConfig{
		Logger:      s.config.Logger,
		Metrics:     s.config.Metrics,
		MaxBodySize: s.config.MaxBodySize,
	})

	if s.config.MaxConns > 0 && s.conns.open() >= s.config.MaxConns {
		s.logf("[-----] connection denied: limit of %d reached", s.config.MaxConns)
		s.config.Metrics.ConnectionRejected()
		c.Close()

		return
	}

	if !s.handler.OnClientConnect(c) {
		s.logf("[-----] connection denied")
		s.config.Metrics.ConnectionRejected()
		c.Close()

		return
	}

	s.conns.add(c)
	s.idCounter++
	c.ConnectToClient(s.idCounter, s.handler.OnClientValidated)
	s.config.Metrics.ConnectionAccepted()

	s.logf("[%d] connection approved", c.ID())
}

// MessageClient sends msg to c. If c is found closed, OnClientDisconnect
// fires and c leaves the registry.
func (s *Server[T]) MessageClient(c *duplex.Connection[T], msg duplex.Message[T]) {
	if c == nil {
		return
	}
	if c.IsConnected() {
		c.Send(msg)
		return
	}

	if e := s.conns.find(c, 0); e != nil {
		s.disconnect(e)
		s.conns.compact()
	}
}

// MessageClientID is MessageClient addressed by identity. It reports whether a
// live connection with that identity took the message.
func (s *Server[T]) MessageClientID(id uint32, msg duplex.Message[T]) bool {
	e := s.conns.find(nil, id)
	if e == nil {
		return false
	}
	if e.conn.IsConnected() {
		e.conn.Send(msg)
		return true
	}

	s.disconnect(e)
	s.conns.compact()

	return false
}

// MessageAllClients sends msg to every open connection except exclude, in
// registration order. Closed connections get OnClientDisconnect and are
// removed once the pass is over.
func (s *Server[T]) MessageAllClients(msg duplex.Message[T], exclude *duplex.Connection[T]) {
	invalid := false
	for _, e := range s.conns.snapshot() {
		if e.conn.IsConnected() {
			if e.conn != exclude {
				e.conn.Send(msg)
			}
			continue
		}

		s.disconnect(e)
		invalid = true
	}

	if invalid {
		s.conns.compact()
	}
}

// disconnect flags e and fires the hook if this caller flagged it.
func (s *Server[T]) disconnect(e *entry[T]) {
	if !s.conns.evict(e) {
		return
	}

	s.logf("[%d] client disconnected", e.conn.ID())
	s.handler.OnClientDisconnect(e.conn)
}

// Update dispatches up to maxMessages inbound messages to OnMessage on the
// calling goroutine; a negative maxMessages means all of them. With wait set
// it first blocks until at least one message is queued. It returns the number
// dispatched.
func (s *Server[T]) Update(maxMessages int, wait bool) int {
	if wait {
		s.inbound.Wait()
	}

	n := 0
	for maxMessages < 0 || n < maxMessages {
		m, ok := s.inbound.PopFront()
		if !ok {
			break
		}
		s.handler.OnMessage(m.Remote, m.Msg)
		n++
	}
	s.config.Metrics.InboundQueueLength(s.inbound.Len())

	return n
}

// Connections returns the registered connections in registration order.
func (s *Server[T]) Connections() []*duplex.Connection[T] {
	entries := s.conns.snapshot()
	out := make([]*duplex.Connection[T], 0, len(entries))
	for _, e := range entries {
		out = append(out, e.conn)
	}

	return out
}

// ConnectionCount returns the number of registered connections, including
// closed ones not yet noticed by a send.
func (s *Server[T]) ConnectionCount() int {
	return s.conns.count()
}

func (s *Server[T]) logf(format string, v ...any) {
	s.config.Logger.Printf(format, v...)
}
