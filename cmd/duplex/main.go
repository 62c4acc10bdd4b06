package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// msgType is the message discriminant spoken by serve and ping.
type msgType uint32

const (
	msgAccept        msgType = iota // server to client once validated.
	msgPing                         // echoed back to the sender.
	msgBroadcast                    // relayed to every other client.
	msgServerMessage                // relayed broadcast, carries the sender id.
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "duplex",
		Short:         "Typed message server and client over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		pingCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
