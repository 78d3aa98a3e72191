package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"packet-rpc/client"
	"packet-rpc/config"
	"packet-rpc/loadbalance"
	"packet-rpc/logging"
	"packet-rpc/message"
	"packet-rpc/registry"
)

type globalOptions struct {
	configPath string
	addr       string
	timeout    time.Duration
}

func (o *globalOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "Path to a TOML config file")
	cmd.PersistentFlags().StringVarP(&o.addr, "addr", "a", config.DefaultClientAddr, "Server address (host:port)")
	cmd.PersistentFlags().DurationVarP(&o.timeout, "timeout", "t", 10*time.Second, "How long to wait for the reply")
}

// connect builds a client from config and flags and opens the connection.
// session is true for commands that keep the connection open; only those
// reconnect after a loss. The returned cleanup closes the connection and any
// registry handle.
func (o *globalOptions) connect(cmd *cobra.Command, session bool) (*client.Client, func(), error) {
	cfg, err := config.LoadClientConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr = o.addr
		cfg.Registry.Endpoints = nil
	}

	c, closeRegistry, err := newClient(cfg, session)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Connect(cmd.Context()); err != nil {
		closeRegistry()
		return nil, nil, err
	}
	return c, func() {
		c.Disconnect()
		closeRegistry()
	}, nil
}

func newClient(cfg config.ClientConfig, session bool) (*client.Client, func(), error) {
	logger := logging.New("packet-client", cfg.Log)
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithAutoReconnect(session && cfg.AutoReconnect),
		client.WithReconnectInterval(cfg.ReconnectInterval),
		client.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
		client.WithDialTimeout(cfg.DialTimeout),
		client.WithMaxFrameSize(cfg.MaxFrameSize),
	}

	closeRegistry := func() {}
	if cfg.Registry.Enabled() {
		bal, err := loadbalance.New(cfg.Registry.Balancer)
		if err != nil {
			return nil, nil, err
		}
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		closeRegistry = func() { etcd.Close() }
		opts = append(opts, client.WithDiscovery(etcd, cfg.Registry.Service, bal))
	}
	return client.New(cfg.Addr, opts...), closeRegistry, nil
}

func parseArgs(args []string) []message.Value {
	data := make([]message.Value, len(args))
	for i, a := range args {
		data[i] = message.ParseValue(a)
	}
	return data
}

func callCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call OPERATION [VALUE...]",
		Short: "Send a request and print the reply data",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := opts.connect(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			reply, err := c.Call(ctx, args[0], parseArgs(args[1:])...)
			if err != nil {
				return err
			}
			for _, v := range reply.Data {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
}

func sendCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send OPERATION [VALUE...]",
		Short: "Send a one-way packet",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := opts.connect(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()
			return c.SendOneWay(args[0], parseArgs(args[1:])...)
		},
	}
}

func replCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Keep a connection open and send one packet per input line",
		Long: `Each input line is OPERATION [VALUE...] and is sent as a request; the
reply data is printed on one line. A line starting with "send" is sent
one-way. Values are separated by whitespace.

The connection follows the [client] reconnect settings of the config file,
so requests made while it is down fail until it is back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := opts.connect(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				fields := strings.Fields(sc.Text())
				if len(fields) == 0 {
					continue
				}
				if err := opts.runLine(cmd.Context(), c, fields, cmd.OutOrStdout()); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", err)
				}
			}
			return sc.Err()
		},
	}
}

func (o *globalOptions) runLine(ctx context.Context, c *client.Client, fields []string, out io.Writer) error {
	if fields[0] == "send" {
		if len(fields) < 2 {
			return fmt.Errorf("send needs an operation")
		}
		return c.SendOneWay(fields[1], parseArgs(fields[2:])...)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	reply, err := c.Call(ctx, fields[0], parseArgs(fields[1:])...)
	if err != nil {
		return err
	}
	parts := make([]string, len(reply.Data))
	for i, v := range reply.Data {
		parts[i] = v.String()
	}
	fmt.Fprintln(out, strings.Join(parts, " "))
	return nil
}
