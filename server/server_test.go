package server

import (
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/andrei-cloud/duplex"
)

type msgType uint32

const (
	msgEcho msgType = iota + 1
	msgPing
	msgBroadcast
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recorder is a Handler that records every event.
type recorder struct {
	mu           sync.Mutex
	reject       bool
	validated    []uint32
	disconnected []uint32
	messages     []duplex.Message[msgType]
	from         []*duplex.Connection[msgType]
	connects     atomic.Int32
}

func (r *recorder) OnClientConnect(_ *duplex.Connection[msgType]) bool {
	r.connects.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.reject
}

func (r *recorder) OnClientValidated(c *duplex.Connection[msgType]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validated = append(r.validated, c.ID())
}

func (r *recorder) OnClientDisconnect(c *duplex.Connection[msgType]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, c.ID())
}

func (r *recorder) OnMessage(c *duplex.Connection[msgType], msg duplex.Message[msgType]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	r.from = append(r.from, c)
}

func (r *recorder) validatedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.validated)
}

func (r *recorder) disconnectedIDs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.disconnected...)
}

func startServer(t *testing.T, h Handler[msgType], cfg *Config) *Server[msgType] {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Host = "127.0.0.1"

	srv, err := NewServer[msgType](0, h, cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

func port(srv *Server[msgType]) uint16 {
	return uint16(srv.Addr().(*net.TCPAddr).Port)
}

func connectClient(t *testing.T, srv *Server[msgType]) *duplex.Client[msgType] {
	t.Helper()

	c := duplex.NewClient[msgType](nil)
	require.NoError(t, c.Connect("127.0.0.1", port(srv)))
	t.Cleanup(c.Disconnect)
	require.Eventually(t, func() bool {
		conn := c.Connection()
		return conn != nil && conn.State() == duplex.StateValidated
	}, waitFor, tick)

	return c
}

// pump runs Update until cond holds.
func pump(t *testing.T, srv *Server[msgType], cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		srv.Update(Unlimited, false)
		return cond()
	}, waitFor, tick)
}

func TestNewServerRequiresHandler(t *testing.T) {
	_, err := NewServer[msgType](0, nil, nil)
	require.Error(t, err)
}

func TestServerStartTwice(t *testing.T) {
	srv := startServer(t, &HandlerFuncs[msgType]{}, nil)
	require.ErrorIs(t, srv.Start(), ErrServerStarted)
}

func TestServerStartBindFailure(t *testing.T) {
	srv := startServer(t, &HandlerFuncs[msgType]{}, nil)

	other, err := NewServer[msgType](port(srv), &HandlerFuncs[msgType]{}, &Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	require.Error(t, other.Start())
}

func TestServerReceivesMessage(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)
	c := connectClient(t, srv)

	require.Eventually(t, func() bool { return rec.validatedCount() == 1 }, waitFor, tick)

	msg := duplex.NewMessage(msgEcho)
	msg.Body = []byte{1, 2, 3, 4}
	c.Send(msg)

	pump(t, srv, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.messages) == 1
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, msgEcho, rec.messages[0].Header.ID)
	require.Equal(t, uint32(4), rec.messages[0].Header.Size)
	require.Equal(t, []byte{1, 2, 3, 4}, rec.messages[0].Body)
	require.NotNil(t, rec.from[0])
	require.Equal(t, uint32(1), rec.from[0].ID())
}

func TestServerZeroBodyAndOrder(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)
	c := connectClient(t, srv)

	for i := 0; i < 10; i++ {
		msg := duplex.NewMessage(msgPing)
		if i%2 == 1 {
			require.NoError(t, duplex.Append(&msg, int64(i)))
		}
		c.Send(msg)
	}

	pump(t, srv, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.messages) == 10
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, m := range rec.messages {
		if i%2 == 0 {
			require.Zero(t, m.Header.Size)
			require.Empty(t, m.Body)
			continue
		}
		var v int64
		require.NoError(t, duplex.Extract(&m, &v))
		require.Equal(t, int64(i), v)
	}
}

func TestServerEcho(t *testing.T) {
	handler := &HandlerFuncs[msgType]{
		Message: func(c *duplex.Connection[msgType], msg duplex.Message[msgType]) {
			c.Send(msg)
		},
	}
	srv := startServer(t, handler, nil)
	c := connectClient(t, srv)

	msg := duplex.NewMessage(msgEcho)
	require.NoError(t, duplex.Append(&msg, uint64(0xCAFE)))
	c.Send(msg)

	pump(t, srv, func() bool { return !c.Incoming().Empty() })

	in, ok := c.Incoming().PopFront()
	require.True(t, ok)
	var v uint64
	require.NoError(t, duplex.Extract(&in.Msg, &v))
	require.Equal(t, uint64(0xCAFE), v)
}

func TestServerUpdateLimitAndWait(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)
	c := connectClient(t, srv)

	for i := 0; i < 3; i++ {
		c.Send(duplex.NewMessage(msgPing))
	}

	require.Eventually(t, func() bool { return srv.inbound.Len() == 3 }, waitFor, tick)
	require.Equal(t, 1, srv.Update(1, true))
	require.Equal(t, 2, srv.Update(Unlimited, false))
	require.Equal(t, 0, srv.Update(Unlimited, false))
}

func TestServerRejectsBadHandshake(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))

	buf := make([]byte, duplex.HandshakeSize)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	nonce := binary.NativeEndian.Uint64(buf)
	binary.NativeEndian.PutUint64(buf, duplex.Scramble(nonce)+1)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	_, err = conn.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, int32(1), rec.connects.Load())
	require.Zero(t, rec.validatedCount())

	conns := srv.Connections()
	require.Len(t, conns, 1)
	require.False(t, conns[0].IsConnected())
	require.ErrorIs(t, conns[0].Err(), duplex.ErrHandshakeMismatch)
}

func TestServerAnswersValidHandshakeByHand(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))

	buf := make([]byte, duplex.HandshakeSize)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	binary.NativeEndian.PutUint64(buf, duplex.Scramble(binary.NativeEndian.Uint64(buf)))
	_, err = conn.Write(buf)
	require.NoError(t, err)

	msg := duplex.NewMessage(msgEcho)
	msg.Body = []byte("hi")
	require.NoError(t, duplex.WriteMessage(conn, msg))

	pump(t, srv, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.messages) == 1
	})
	require.Equal(t, 1, rec.validatedCount())
}

func TestServerAdmissionReject(t *testing.T) {
	rec := &recorder{reject: true}
	srv := startServer(t, rec, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))

	buf := make([]byte, duplex.HandshakeSize)
	_, err = conn.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, int32(1), rec.connects.Load())
	require.Zero(t, srv.ConnectionCount())
}

func TestServerMaxConns(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, &Config{MaxConns: 1})
	connectClient(t, srv)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))

	buf := make([]byte, duplex.HandshakeSize)
	_, err = conn.Read(buf)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, srv.ConnectionCount())
	require.Equal(t, int32(1), rec.connects.Load(), "limit is checked before admission")
}

func TestServerMessageClient(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)
	c := connectClient(t, srv)

	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, waitFor, tick)
	target := srv.Connections()[0]

	msg := duplex.NewMessage(msgBroadcast)
	msg.Body = []byte{9}
	srv.MessageClient(target, msg)
	require.True(t, srv.MessageClientID(target.ID(), msg))
	require.False(t, srv.MessageClientID(target.ID()+100, msg))

	require.Eventually(t, func() bool { return c.Incoming().Len() == 2 }, waitFor, tick)
	in, _ := c.Incoming().PopFront()
	require.Equal(t, msgBroadcast, in.Msg.Header.ID)
	require.Equal(t, []byte{9}, in.Msg.Body)
}

func TestServerMessageAllClientsExclude(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)

	clients := make([]*duplex.Client[msgType], 3)
	for i := range clients {
		clients[i] = connectClient(t, srv)
		// Identities follow accept order only when clients connect one by one.
		require.Eventually(t, func() bool { return srv.ConnectionCount() == i+1 }, waitFor, tick)
	}

	conns := srv.Connections()
	require.Len(t, conns, 3)
	for i, c := range conns {
		require.Equal(t, uint32(i+1), c.ID(), "registry keeps accept order")
	}

	for seq := range uint32(2) {
		msg := duplex.NewMessage(msgBroadcast)
		require.NoError(t, duplex.Append(&msg, seq))
		srv.MessageAllClients(msg, conns[1])
	}

	for _, c := range []*duplex.Client[msgType]{clients[0], clients[2]} {
		require.Eventually(t, func() bool { return c.Incoming().Len() == 2 }, waitFor, tick)
		for want := range uint32(2) {
			in, ok := c.Incoming().PopFront()
			require.True(t, ok)
			require.Equal(t, msgBroadcast, in.Msg.Header.ID)

			var seq uint32
			require.NoError(t, duplex.Extract(&in.Msg, &seq))
			require.Equal(t, want, seq, "broadcasts arrive in send order")
		}
	}
	time.Sleep(50 * time.Millisecond)
	require.True(t, clients[1].Incoming().Empty())
}

func TestServerGreetOnValidateUnderLoad(t *testing.T) {
	const peers = 64

	handler := &HandlerFuncs[msgType]{
		Validated: func(c *duplex.Connection[msgType]) {
			time.Sleep(time.Millisecond)
			c.Send(duplex.NewMessage(msgEcho))
		},
	}
	srv := startServer(t, handler, &Config{Backlog: 4})
	addr := srv.Addr().String()

	var (
		g       errgroup.Group
		greeted atomic.Int32
	)
	for range peers {
		g.Go(func() error {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return err
			}

			buf := make([]byte, duplex.HandshakeSize)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return err
			}
			binary.NativeEndian.PutUint64(buf, duplex.Scramble(binary.NativeEndian.Uint64(buf)))
			if _, err := conn.Write(buf); err != nil {
				return err
			}

			msg, err := duplex.ReadMessage[msgType](conn, 0)
			if err != nil {
				return err
			}
			if msg.Header.ID == msgEcho {
				greeted.Add(1)
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	require.Equal(t, int32(peers), greeted.Load())

	// The reactor still runs completions.
	require.True(t, srv.reactor.Dispatch(func() {}))
}

func TestServerDisconnectDetectedOnce(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec, nil)

	a := connectClient(t, srv)
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, waitFor, tick)
	b := connectClient(t, srv)
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 2 }, waitFor, tick)

	a.Disconnect()
	require.Eventually(t, func() bool { return !srv.Connections()[0].IsConnected() }, waitFor, tick)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.MessageAllClients(duplex.NewMessage(msgBroadcast), nil)
		}()
	}
	wg.Wait()

	require.Equal(t, []uint32{1}, rec.disconnectedIDs())
	require.Equal(t, 1, srv.ConnectionCount())
	require.Equal(t, uint32(2), srv.Connections()[0].ID())

	require.Eventually(t, func() bool { return b.Incoming().Len() == 4 }, waitFor, tick)
}

func TestServerStopClosesClients(t *testing.T) {
	rec := &recorder{}
	srv, err := NewServer[msgType](0, rec, &Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	c := connectClient(t, srv)

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())

	require.Eventually(t, func() bool { return !c.IsConnected() }, waitFor, tick)

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	require.Error(t, err)
}

func TestHandlerFuncsDefaults(t *testing.T) {
	h := &HandlerFuncs[msgType]{}

	require.True(t, h.OnClientConnect(nil))
	require.NotPanics(t, func() {
		h.OnClientValidated(nil)
		h.OnClientDisconnect(nil)
		h.OnMessage(nil, duplex.NewMessage(msgPing))
	})
}

func TestRegistryCompactKeepsOrder(t *testing.T) {
	var r registry[msgType]
	conns := make([]*duplex.Connection[msgType], 4)
	for i := range conns {
		conns[i] = duplex.NewConnection[msgType](duplex.OwnerServer, nil, nil, nil, duplex.ConnConfig{})
		r.add(conns[i])
	}

	snap := r.snapshot()
	require.True(t, r.evict(snap[1]))
	require.False(t, r.evict(snap[1]))
	require.True(t, r.evict(snap[3]))
	require.Equal(t, 2, r.count())

	r.compact()
	snap = r.snapshot()
	require.Len(t, snap, 2)
	require.Same(t, conns[0], snap[0].conn)
	require.Same(t, conns[2], snap[1].conn)
	require.Same(t, conns[2], r.find(conns[2], 0).conn)
	require.Nil(t, r.find(conns[1], 0))
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := startServer(t, &recorder{}, &Config{Metrics: duplex.NewMetrics(duplex.WithRegistry(reg))})
	connectClient(t, srv)

	expected := `
# HELP duplex_connections_total Accepted sockets by admission outcome
# TYPE duplex_connections_total counter
duplex_connections_total{outcome="accepted"} 1
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(expected), "duplex_connections_total") == nil
	}, waitFor, tick)

	validated := `
# HELP duplex_handshakes_total Handshakes by result
# TYPE duplex_handshakes_total counter
duplex_handshakes_total{result="validated"} 1
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(validated), "duplex_handshakes_total") == nil
	}, waitFor, tick)
}
