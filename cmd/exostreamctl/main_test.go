package main

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_UnknownCommandReturnsError(t *testing.T) {
	err := run([]string{"--socket", "/nonexistent.sock", "bogus"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown command")
}

func TestRun_NoArgsReturnsUsageError(t *testing.T) {
	err := run(nil)
	require.Error(t, err)
}

func TestRun_PingAgainstFakeServer(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var req map[string]interface{}
		_ = json.Unmarshal(line, &req)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req["id"], "result": map[string]bool{"pong": true}}
		data, _ := json.Marshal(resp)
		_, _ = conn.Write(append(data, '\n'))
	}()

	err = run([]string{"--socket", sockPath, "ping"})
	require.NoError(t, err)
}
