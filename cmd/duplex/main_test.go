package main

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/duplex"
	"github.com/andrei-cloud/duplex/server"
)

func startEcho(t *testing.T) *server.Server[msgType] {
	t.Helper()

	h := &echoHandler{log: zerolog.Nop()}
	srv, err := server.NewServer[msgType](0, h, &server.Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	h.srv = srv
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	go func() {
		for {
			srv.Update(server.Unlimited, true)
		}
	}()

	return srv
}

func dial(t *testing.T, srv *server.Server[msgType]) *duplex.Client[msgType] {
	t.Helper()

	c := duplex.NewClient[msgType](nil)
	require.NoError(t, c.Connect("127.0.0.1", uint16(srv.Addr().(*net.TCPAddr).Port)))
	t.Cleanup(c.Disconnect)

	// The greeting proves the server validated us.
	require.Eventually(t, func() bool {
		m, ok := c.Incoming().Front()
		return ok && m.Msg.Header.ID == msgAccept
	}, 2*time.Second, 5*time.Millisecond)
	c.Incoming().PopFront()

	return c
}

func TestPingEcho(t *testing.T) {
	srv := startEcho(t)
	c := dial(t, srv)

	rtt, err := ping(c, 2*time.Second)
	require.NoError(t, err)
	require.Positive(t, rtt)
}

func TestBroadcastRelay(t *testing.T) {
	srv := startEcho(t)
	a := dial(t, srv)
	b := dial(t, srv)
	c := dial(t, srv)

	a.Send(duplex.NewMessage(msgBroadcast))

	for _, peer := range []*duplex.Client[msgType]{b, c} {
		require.Eventually(t, func() bool { return !peer.Incoming().Empty() }, 2*time.Second, 5*time.Millisecond)
		in, _ := peer.Incoming().PopFront()
		require.Equal(t, msgServerMessage, in.Msg.Header.ID)

		var from uint32
		require.NoError(t, duplex.Extract(&in.Msg, &from))
		require.Equal(t, uint32(1), from)
	}

	time.Sleep(50 * time.Millisecond)
	require.True(t, a.Incoming().Empty())
}

func TestPingCommand(t *testing.T) {
	srv := startEcho(t)

	cmd := pingCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(srv.Addr().(*net.TCPAddr).Port),
		"--count", "2",
	})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), "seq=1")
	require.Contains(t, out.String(), "seq=2")
}

func TestPingCommandRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cmd := pingCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--port", strconv.Itoa(port), "--timeout", "2s"})

	err = cmd.ExecuteContext(context.Background())
	require.ErrorIs(t, err, duplex.ErrConnect)
}
