package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"packet-rpc/config"
	"packet-rpc/handlers"
	"packet-rpc/message"
	"packet-rpc/server"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"1", "2.5", "hello", `"quoted"`, "true", "null", "[1,2]"})
	want := []message.Value{
		message.Int(1),
		message.Number(2.5),
		message.String("hello"),
		message.String("quoted"),
		message.Bool(true),
		message.Null(),
		message.List(message.Int(1), message.Int(2)),
	}
	if !message.EqualValues(got, want) {
		t.Fatalf("got %v, want %v", message.List(got...), message.List(want...))
	}
}

func runClient(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := runClientWithInput(t, "", args...)
	return out, err
}

func runClientWithInput(t *testing.T, input string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("PACKET_RPC_LOG_LEVEL", "disabled")
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetIn(strings.NewReader(input))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func startServer(t *testing.T) string {
	t.Helper()
	svr := server.NewServer(server.WithLogger(zerolog.Nop()))
	if err := handlers.RegisterDefaults(svr, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return l.Addr().String()
}

func TestCallAndSend(t *testing.T) {
	addr := startServer(t)

	out, err := runClient(t, "--addr", addr, "call", handlers.OpSum, "1", "2", "3", "4", "5")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "15" {
		t.Fatalf("sum output %q", out)
	}

	out, err = runClient(t, "--addr", addr, "call", handlers.OpUppercase, "hello", "world")
	if err != nil {
		t.Fatal(err)
	}
	if out != "\"HELLO\"\n\"WORLD\"\n" {
		t.Fatalf("uppercase output %q", out)
	}

	out, err = runClient(t, "--addr", addr, "send", handlers.OpLog, "x")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Fatalf("send printed %q", out)
	}
}

func TestCallUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	if _, err := runClient(t, "--addr", addr, "call", handlers.OpEcho); err == nil {
		t.Fatal("expect a connect error")
	}
}

func TestRepl(t *testing.T) {
	addr := startServer(t)

	input := "CALCULATE_SUM 1 2\n\nNOPE\nsend LOG x\nsend\nUPPERCASE a b\n"
	out, errOut, err := runClientWithInput(t, input, "--addr", addr, "repl")
	if err != nil {
		t.Fatal(err)
	}
	want := "3\n\"Unknown operation: NOPE\"\n\"A\" \"B\"\n"
	if out != want {
		t.Fatalf("repl output %q, want %q", out, want)
	}
	if !strings.Contains(errOut, "send needs an operation") {
		t.Fatalf("stderr %q", errOut)
	}
}

func TestNewClientReconnectSettings(t *testing.T) {
	t.Setenv("PACKET_RPC_LOG_LEVEL", "disabled")

	tests := []struct {
		name          string
		autoReconnect bool
		session       bool
		want          bool
	}{
		{"session follows config", true, true, true},
		{"session with reconnect off", false, true, false},
		{"one-shot never reconnects", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultClientConfig()
			cfg.AutoReconnect = tt.autoReconnect
			c, closeRegistry, err := newClient(cfg, tt.session)
			if err != nil {
				t.Fatal(err)
			}
			defer closeRegistry()
			if c.AutoReconnect() != tt.want {
				t.Fatalf("AutoReconnect() = %v, want %v", c.AutoReconnect(), tt.want)
			}
		})
	}
}
