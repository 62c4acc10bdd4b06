package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/duplex"
	"github.com/andrei-cloud/duplex/internal/config"
)

var errTimeout = errors.New("timed out")

func pingCmd() *cobra.Command {
	var (
		host    string
		port    uint16
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure round-trip time to a duplex server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := duplex.NewClient[msgType](nil)
			if err := c.ConnectContext(cmd.Context(), host, port); err != nil {
				return err
			}
			defer c.Disconnect()

			conn := c.Connection()
			if err := waitUntil(timeout, func() bool {
				s := conn.State()
				return s == duplex.StateValidated || s == duplex.StateClosed
			}); err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
			if conn.State() != duplex.StateValidated {
				if err := conn.Err(); err != nil {
					return err
				}
				return errors.New("connection closed during handshake")
			}

			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				rtt, err := ping(c, timeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "seq=%d time=%s\n", i+1, rtt)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().Uint16VarP(&port, "port", "p", config.DefaultPort, "server port")
	cmd.Flags().IntVarP(&count, "count", "n", 4, "number of pings")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-step timeout")

	return cmd
}

// ping sends one timestamped Ping and waits for its echo. Other messages,
// such as the server greeting, are skipped.
func ping(c *duplex.Client[msgType], timeout time.Duration) (time.Duration, error) {
	msg := duplex.NewMessage(msgPing)
	if err := duplex.Append(&msg, time.Now().UnixNano()); err != nil {
		return 0, err
	}
	c.Send(msg)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		in, ok := c.Incoming().PopFront()
		if !ok {
			if !c.IsConnected() {
				return 0, errors.New("connection closed")
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if in.Msg.Header.ID != msgPing {
			continue
		}

		var sent int64
		if err := duplex.Extract(&in.Msg, &sent); err != nil {
			return 0, err
		}
		return time.Since(time.Unix(0, sent)), nil
	}

	return 0, fmt.Errorf("ping: %w", errTimeout)
}

func waitUntil(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return errTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}
