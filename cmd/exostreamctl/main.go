// Package main implements exostreamctl, a thin reference client for the
// exostreamd RPC protocol (spec §4.E/§4.F, supplemented per
// SPEC_FULL.md §1.1). One subcommand per RPC method; no argument-parsing
// UX beyond what's needed to exercise the wire protocol.
//
// Usage:
//
//	exostreamctl [--socket path | --host host --port port] <command> [json-params]
//
// Commands mirror the daemon's RPC method catalog: ping, status,
// shutdown, devices, start, stop, stream-status, settings-get,
// settings-update, settings-available.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/exostream/exostreamd/internal/config"
	"github.com/exostream/exostreamd/internal/rpc"
)

const dialTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "exostreamctl: %v\n", err)
		os.Exit(1)
	}
}

// run is the entry point proper, extracted for testability (teacher's
// cmd/lyrebird/main.go run(args []string) error pattern).
func run(args []string) error {
	fs := flag.NewFlagSet("exostreamctl", flag.ContinueOnError)
	socketPath := fs.String("socket", config.DefaultSocketPath, "local control socket path")
	host := fs.String("host", "", "TCP host (overrides --socket when set)")
	port := fs.Int("port", config.DefaultNetworkPort, "TCP port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: exostreamctl [--socket path | --host host] <command> [json-params]")
	}
	command := rest[0]

	method, ok := methodTable[command]
	if !ok {
		return fmt.Errorf("unknown command: %s", command)
	}

	var params json.RawMessage
	if len(rest) > 1 {
		params = json.RawMessage(rest[1])
	}

	conn, err := dial(*host, *port, *socketPath)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := call(conn, method, params)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if resp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

var methodTable = map[string]string{
	"ping":               "daemon.ping",
	"status":             "daemon.status",
	"shutdown":           "daemon.shutdown",
	"devices":            "devices.list",
	"start":              "stream.start",
	"stop":               "stream.stop",
	"stream-status":      "stream.status",
	"settings-get":       "settings.get",
	"settings-update":    "settings.update",
	"settings-available": "settings.get_available",
}

func dial(host string, port int, socketPath string) (net.Conn, error) {
	if host != "" {
		return net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
	}
	return net.DialTimeout("unix", socketPath, dialTimeout)
}

func call(conn net.Conn, method string, params json.RawMessage) (*rpc.Response, error) {
	req := rpc.Request{JSONRPC: rpc.ProtocolVersion, Method: method, Params: params, ID: 1}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp rpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}
