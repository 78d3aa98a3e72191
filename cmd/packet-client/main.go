package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:   "packet-client",
		Short: "Send packets to a packet-server",
		Long: `packet-client connects to a packet-server and sends one packet.

Arguments are parsed as JSON literals; anything that is not valid JSON is
sent as a string, so "packet-client call UPPERCASE hello world" needs no quoting.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(rootCmd)

	rootCmd.AddCommand(
		callCmd(&opts),
		sendCmd(&opts),
		replCmd(&opts),
	)
	return rootCmd
}
