package rpc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/exostream/exostreamd/internal/config"
	"github.com/exostream/exostreamd/internal/deviceprobe"
	"github.com/exostream/exostreamd/internal/rpcerr"
	"github.com/exostream/exostreamd/internal/statestore"
	"github.com/exostream/exostreamd/internal/supervisor"
)

type fakeProber struct{ devices []deviceprobe.Device }

func (f *fakeProber) List() []deviceprobe.Device { return f.devices }

func writeEncoderScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "encoder.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestRouter(t *testing.T, encoderScript string) (*Router, *supervisor.Supervisor) {
	t.Helper()

	store := statestore.New(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	store.Load()

	sv := supervisor.New(supervisor.Config{
		Probe: &fakeProber{devices: []deviceprobe.Device{
			{Path: "/dev/video0", Name: "Cam0", Index: 0},
			{Path: "/dev/video1", Name: "Cam1", Index: 1},
		}},
		Store:             store,
		EncoderBinaryPath: encoderScript,
		Logger:            zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sv.Run(ctx) }()

	cfg := cfgpkg.DefaultConfig()

	router := NewDaemonRouter(Deps{
		Supervisor: sv,
		Store:      store,
		Config:     cfg,
		Version:    "test",
		StartedAt:  time.Now(),
		PID:        os.Getpid(),
	}, zerolog.Nop())

	return router, sv
}

func call(t *testing.T, r *Router, method string, params interface{}, id interface{}) map[string]interface{} {
	t.Helper()
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		rawParams = data
	}
	req := Request{JSONRPC: ProtocolVersion, Method: method, Params: rawParams, ID: id}
	frame, err := json.Marshal(req)
	require.NoError(t, err)

	respFrame := r.Handle(context.Background(), frame)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(respFrame, &decoded))
	return decoded
}

func TestRouter_DaemonPing(t *testing.T) {
	r, _ := newTestRouter(t, "/bin/true")

	resp := call(t, r, "daemon.ping", map[string]interface{}{}, 1)

	result := resp["result"].(map[string]interface{})
	require.Equal(t, true, result["pong"])
	require.Nil(t, resp["error"])
}

func TestRouter_UnknownMethod(t *testing.T) {
	r, _ := newTestRouter(t, "/bin/true")

	resp := call(t, r, "bogus.method", map[string]interface{}{}, 1)

	errObj := resp["error"].(map[string]interface{})
	require.EqualValues(t, int(rpcerr.MethodNotFound), errObj["code"])
}

func TestRouter_ParseError(t *testing.T) {
	r, _ := newTestRouter(t, "/bin/true")

	frame := r.Handle(context.Background(), []byte(`{not json`))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	errObj := decoded["error"].(map[string]interface{})
	require.EqualValues(t, int(rpcerr.ParseError), errObj["code"])
}

func TestRouter_StreamStartStopRoundtrip(t *testing.T) {
	bin := writeEncoderScript(t, "trap 'exit 0' INT\nsleep 30\n")
	r, _ := newTestRouter(t, bin)

	startResp := call(t, r, "stream.start", map[string]interface{}{
		"device": "/dev/video0", "name": "Cam", "resolution": "1920x1080", "fps": 30,
	}, 1)
	result := startResp["result"].(map[string]interface{})
	require.Equal(t, "started", result["status"])

	statusResp := call(t, r, "stream.status", map[string]interface{}{}, 2)
	statusResult := statusResp["result"].(map[string]interface{})
	require.Equal(t, true, statusResult["streaming"])
	require.EqualValues(t, 1, statusResult["stream_count"])

	stopResp := call(t, r, "stream.stop", map[string]interface{}{}, 3)
	stopResult := stopResp["result"].(map[string]interface{})
	require.Equal(t, "stopped", stopResult["status"])

	statusAfter := call(t, r, "stream.status", map[string]interface{}{}, 4)
	afterResult := statusAfter["result"].(map[string]interface{})
	require.Equal(t, false, afterResult["streaming"])
}

func TestRouter_StreamStart_InvalidFPS(t *testing.T) {
	r, _ := newTestRouter(t, "/bin/true")

	resp := call(t, r, "stream.start", map[string]interface{}{
		"device": "/dev/video0", "name": "Cam", "resolution": "1920x1080", "fps": 999,
	}, 1)

	errObj := resp["error"].(map[string]interface{})
	require.EqualValues(t, int(rpcerr.InvalidConfiguration), errObj["code"])
}

func TestRouter_DevicesList(t *testing.T) {
	r, _ := newTestRouter(t, "/bin/true")

	resp := call(t, r, "devices.list", map[string]interface{}{}, 1)
	result := resp["result"].(map[string]interface{})
	devices := result["devices"].([]interface{})
	require.Len(t, devices, 2)
}

func TestRouter_SettingsUpdate_WithoutRestart(t *testing.T) {
	r, _ := newTestRouter(t, "/bin/true")

	resp := call(t, r, "settings.update", map[string]interface{}{
		"device": "/dev/video0", "resolution": "1280x720", "fps": 30,
	}, 1)

	result := resp["result"].(map[string]interface{})
	require.Equal(t, "updated", result["status"])

	getResp := call(t, r, "settings.get", map[string]interface{}{}, 2)
	getResult := getResp["result"].(map[string]interface{})
	require.Equal(t, "1280x720", getResult["resolution"])
	require.Equal(t, false, getResult["streaming"])
}

func TestRouter_SettingsGetAvailable(t *testing.T) {
	r, _ := newTestRouter(t, "/bin/true")

	resp := call(t, r, "settings.get_available", map[string]interface{}{}, 1)
	result := resp["result"].(map[string]interface{})
	require.NotEmpty(t, result["resolutions"])
	require.NotEmpty(t, result["fps_options"])
}
