package duplex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/andrei-cloud/duplex/internal/reactor"
)

var (
	// ErrConnect indicates the client could not reach any resolved endpoint.
	ErrConnect = errors.New("connect failed")

	// ErrRead indicates a socket read failed; the connection is closed.
	ErrRead = errors.New("read failed")

	// ErrWrite indicates a socket write failed; the connection is closed and
	// its outbound queue dropped.
	ErrWrite = errors.New("write failed")
)

// Owner tells which side of the link a Connection serves.
type Owner int

const (
	OwnerServer Owner = iota
	OwnerClient
)

func (o Owner) String() string {
	if o == OwnerServer {
		return "server"
	}
	return "client"
}

// State is the handshake/lifecycle state of a Connection.
type State int32

const (
	StateCreated            State = iota // socket not yet exchanging handshake words.
	StateHandshakeSent                   // client replied to the nonce.
	StateHandshakeVerifying              // server sent the nonce and awaits the reply.
	StateValidated                       // frames flow in both directions.
	StateClosed                          // socket closed; terminal.
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateHandshakeVerifying:
		return "handshake-verifying"
	case StateValidated:
		return "validated"
	default:
		return "closed"
	}
}

// ConnConfig carries the optional collaborators of a Connection.
type ConnConfig struct {
	Logger      Logger      // defaults to NoopLogger.
	Metrics     *Metrics    // nil disables metrics.
	MaxBodySize uint32      // zero accepts any announced body size.
	Dialer      *net.Dialer // client role only; defaults to a zero Dialer.
}

// Connection owns one TCP socket. Handshake, read chain and write chain run
// as completion handlers on the owning reactor; only the queues, the state
// word and the open flag are shared with other goroutines.
type Connection[T Tag] struct {
	owner    Owner
	reactor  *reactor.Reactor
	socket   net.Conn
	outbound *Queue[Message[T]]
	inbound  *Queue[OwnedMessage[T]]
	logger   Logger
	metrics  *Metrics
	maxBody  uint32
	dialer   *net.Dialer

	id         atomic.Uint32
	state      atomic.Int32
	open       atomic.Bool
	cancelDial context.CancelFunc

	errMu sync.Mutex
	err   error

	// Reactor-owned.
	incoming       Message[T]
	hdrIn          []byte
	handshakeIn    [HandshakeSize]byte
	handshakeOut   uint64
	handshakeCheck uint64
	onValidated    func(*Connection[T])
}

// NewConnection wraps socket for the given role. Server connections must be
// given an open socket; client connections are created without one and get
// it from ConnectToServer. Inbound messages are pushed onto inbound.
func NewConnection[T Tag](owner Owner, r *reactor.Reactor, socket net.Conn, inbound *Queue[OwnedMessage[T]], cfg ConnConfig) *Connection[T] {
	c := &Connection[T]{
		owner:    owner,
		reactor:  r,
		socket:   socket,
		outbound: NewQueue[Message[T]](0),
		inbound:  inbound,
		logger:   orNoop(cfg.Logger),
		metrics:  cfg.Metrics,
		maxBody:  cfg.MaxBodySize,
		dialer:   cfg.Dialer,
		hdrIn:    make([]byte, HeaderSize[T]()),
	}
	if c.dialer == nil {
		c.dialer = &net.Dialer{}
	}

	if owner == OwnerServer {
		c.handshakeOut = newNonce()
		c.handshakeCheck = Scramble(c.handshakeOut)
		if socket != nil {
			c.open.Store(true)
			c.metrics.connOpened()
		}
	}

	return c
}

// ID returns the identity assigned by the server, zero on the client side.
func (c *Connection[T]) ID() uint32 {
	return c.id.Load()
}

// Owner returns the role of the connection.
func (c *Connection[T]) Owner() Owner {
	return c.owner
}

// State returns the current handshake/lifecycle state.
func (c *Connection[T]) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the socket is open.
func (c *Connection[T]) IsConnected() bool {
	return c.open.Load()
}

// RemoteAddr returns the peer address. On the client side it is nil unless
// the socket is open.
func (c *Connection[T]) RemoteAddr() net.Addr {
	if c.owner == OwnerClient && !c.open.Load() {
		return nil
	}
	return c.socket.RemoteAddr()
}

// Err returns the failure that closed the connection, if any.
func (c *Connection[T]) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send queues msg for writing. The message is copied, so the caller may reuse
// it. Messages sent before the handshake completes are held until it does.
func (c *Connection[T]) Send(msg Message[T]) {
	msg = msg.Clone()
	msg.Header.Size = uint32(len(msg.Body))

	c.reactor.Post(func() {
		if c.State() == StateClosed {
			return
		}

		writing := !c.outbound.Empty()
		c.outbound.PushBack(msg)
		if !writing && c.State() == StateValidated {
			c.writeHeader()
		}
	})
}

// Disconnect closes the socket from the reactor goroutine.
func (c *Connection[T]) Disconnect() {
	if c.IsConnected() {
		c.reactor.Post(c.Close)
	}
}

// Close closes the socket immediately. It is safe from any goroutine and
// idempotent.
func (c *Connection[T]) Close() {
	c.state.Store(int32(StateClosed))
	if c.cancelDial != nil {
		c.cancelDial()
	}
	if c.open.CompareAndSwap(true, false) {
		_ = c.socket.Close()
		c.metrics.connClosed()
	}
}

// ConnectToClient assigns the identity and starts the server side of the
// handshake. onValidated runs on the reactor once the client answered
// correctly, before any of its messages are read.
func (c *Connection[T]) ConnectToClient(id uint32, onValidated func(*Connection[T])) {
	if c.owner != OwnerServer || !c.IsConnected() {
		return
	}

	c.id.Store(id)
	c.onValidated = onValidated
	if !c.transition(StateHandshakeVerifying) {
		return
	}

	c.writeValidation()
	c.readValidation()
}

// ConnectToServer dials endpoints in order and, on the first success, starts
// the client side of the handshake.
func (c *Connection[T]) ConnectToServer(endpoints []string) {
	if c.owner != OwnerClient {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel

	var conn net.Conn
	c.reactor.Go(func() error {
		err := errors.New("no endpoints")
		for _, ep := range endpoints {
			conn, err = c.dialer.DialContext(ctx, "tcp", ep)
			if err == nil {
				return nil
			}
		}

		return err
	}, func(err error) {
		if err != nil {
			if conn != nil {
				_ = conn.Close()
			}
			if errors.Is(err, reactor.ErrAborted) || errors.Is(err, context.Canceled) {
				c.Close()
				return
			}
			c.metrics.IOError("connect")
			c.logger.Warnf("connect to %v failed: %v", endpoints, err)
			c.setErr(fmt.Errorf("%w: %w", ErrConnect, err))
			c.Close()

			return
		}

		if c.State() == StateClosed {
			_ = conn.Close()
			return
		}

		c.socket = conn
		c.open.Store(true)
		c.metrics.connOpened()
		c.readValidation()
	})
}

// transition moves to s unless the connection is already closed.
func (c *Connection[T]) transition(s State) bool {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

func (c *Connection[T]) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// fail records err, logs it and closes the socket. It may run off the reactor
// when the operation was aborted, so it only touches goroutine-safe state.
func (c *Connection[T]) fail(op string, kind, err error) {
	if c.State() == StateClosed || errors.Is(err, reactor.ErrAborted) || errors.Is(err, net.ErrClosed) {
		c.Close()
		return
	}

	if errors.Is(err, io.EOF) {
		c.logger.Infof("[%d] %s: peer closed the connection", c.ID(), op)
	} else {
		c.logger.Warnf("[%d] %s fail: %v", c.ID(), op, err)
	}
	if kind == ErrWrite {
		c.metrics.IOError("write")
	} else {
		c.metrics.IOError("read")
	}
	c.setErr(fmt.Errorf("%w: %s: %w", kind, op, err))
	if kind == ErrWrite {
		c.outbound.Clear()
	}
	c.Close()
}

// validated finishes the handshake: the read chain starts and anything queued
// meanwhile is written.
func (c *Connection[T]) validated() {
	c.metrics.handshake("validated")
	c.readHeader()
	if !c.outbound.Empty() {
		c.writeHeader()
	}
}

func (c *Connection[T]) writeValidation() {
	buf := make([]byte, HandshakeSize)
	binary.NativeEndian.PutUint64(buf, c.handshakeOut)

	c.reactor.Go(func() error {
		_, err := c.socket.Write(buf)
		return err
	}, func(err error) {
		if err != nil {
			c.metrics.handshake("failed")
			c.fail("write validation", ErrWrite, err)
			return
		}

		if c.owner == OwnerClient {
			if !c.transition(StateValidated) {
				return
			}
			c.validated()
		}
	})
}

func (c *Connection[T]) readValidation() {
	c.reactor.Go(func() error {
		_, err := io.ReadFull(c.socket, c.handshakeIn[:])
		return err
	}, func(err error) {
		if err != nil {
			c.metrics.handshake("failed")
			c.fail("read validation", ErrRead, err)
			return
		}

		in := binary.NativeEndian.Uint64(c.handshakeIn[:])
		if c.owner == OwnerClient {
			if !c.transition(StateHandshakeSent) {
				return
			}
			c.handshakeOut = Scramble(in)
			c.writeValidation()

			return
		}

		if in != c.handshakeCheck {
			c.logger.Warnf("[%d] client disconnected (fail validation)", c.ID())
			c.metrics.handshake("mismatch")
			c.setErr(ErrHandshakeMismatch)
			c.Close()

			return
		}

		if !c.transition(StateValidated) {
			return
		}
		c.logger.Infof("[%d] client validated", c.ID())
		if c.onValidated != nil {
			c.onValidated(c)
		}
		c.validated()
	})
}

func (c *Connection[T]) writeHeader() {
	msg, ok := c.outbound.Front()
	if !ok {
		return
	}

	n := HeaderSize[T]()
	buf := getBuffer(n)
	EncodeHeader(buf[:n], msg.Header)

	c.reactor.Go(func() error {
		_, err := c.socket.Write(buf[:n])
		return err
	}, func(err error) {
		putBuffer(buf)
		if err != nil {
			c.fail("write header", ErrWrite, err)
			return
		}

		if len(msg.Body) > 0 {
			c.writeBody(msg)
			return
		}

		c.outbound.PopFront()
		c.metrics.sent(n)
		if !c.outbound.Empty() {
			c.writeHeader()
		}
	})
}

func (c *Connection[T]) writeBody(msg Message[T]) {
	c.reactor.Go(func() error {
		_, err := c.socket.Write(msg.Body)
		return err
	}, func(err error) {
		if err != nil {
			c.fail("write body", ErrWrite, err)
			return
		}

		c.outbound.PopFront()
		c.metrics.sent(HeaderSize[T]() + len(msg.Body))
		if !c.outbound.Empty() {
			c.writeHeader()
		}
	})
}

func (c *Connection[T]) readHeader() {
	c.reactor.Go(func() error {
		_, err := io.ReadFull(c.socket, c.hdrIn)
		return err
	}, func(err error) {
		if err != nil {
			c.fail("read header", ErrRead, err)
			return
		}

		c.incoming.Header = DecodeHeader[T](c.hdrIn)
		size := c.incoming.Header.Size
		if size == 0 {
			c.incoming.Body = nil
			c.addToIncomingMessageQueue()
			return
		}

		if c.maxBody > 0 && size > c.maxBody {
			c.fail("read header", ErrRead, fmt.Errorf("body of %d bytes: %w", size, ErrBodyTooLarge))
			return
		}

		c.incoming.Body = make([]byte, size)
		c.readBody()
	})
}

func (c *Connection[T]) readBody() {
	body := c.incoming.Body

	c.reactor.Go(func() error {
		_, err := io.ReadFull(c.socket, body)
		return err
	}, func(err error) {
		if err != nil {
			c.fail("read body", ErrRead, err)
			return
		}

		c.addToIncomingMessageQueue()
	})
}

func (c *Connection[T]) addToIncomingMessageQueue() {
	owned := OwnedMessage[T]{Msg: c.incoming}
	if c.owner == OwnerServer {
		owned.Remote = c
	}
	c.incoming = Message[T]{}

	c.metrics.received(HeaderSize[T]() + len(owned.Msg.Body))
	c.inbound.PushBack(owned)

	c.readHeader()
}
