package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/exostream/exostreamd/internal/deviceprobe"
	"github.com/exostream/exostreamd/internal/statestore"
)

type fakeProber struct {
	devices []deviceprobe.Device
}

func (f *fakeProber) List() []deviceprobe.Device { return f.devices }

func writeLongRunningEncoder(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-encoder.sh")
	script := "#!/bin/sh\ntrap 'exit 0' INT\nsleep 30\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeFailingEncoder(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "bad-encoder.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, binary string, devices []deviceprobe.Device) *Supervisor {
	t.Helper()
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	store.Load()

	sv := New(Config{
		Probe:             &fakeProber{devices: devices},
		Store:             store,
		EncoderBinaryPath: binary,
		Logger:            zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sv.Run(ctx) }()

	return sv
}

func sampleDevices() []deviceprobe.Device {
	return []deviceprobe.Device{
		{Path: "/dev/video0", Name: "Cam0", Index: 0},
		{Path: "/dev/video1", Name: "Cam1", Index: 1},
		{Path: "/dev/video2", Name: "Cam2", Index: 2},
	}
}

func TestStartStream_Success(t *testing.T) {
	dir := t.TempDir()
	bin := writeLongRunningEncoder(t, dir)
	sv := newTestSupervisor(t, bin, sampleDevices())

	result, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video0", StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})

	require.NoError(t, err)
	require.Equal(t, "started", result.Status)
	require.Greater(t, result.PID, 0)

	streams := sv.ListStreams()
	require.Len(t, streams, 1)
	require.Equal(t, StateRunning, streams[0].State)

	_, _ = sv.StopStream(nil)
}

func TestStartStream_DeviceNotFound(t *testing.T) {
	sv := newTestSupervisor(t, "/bin/true", sampleDevices())

	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video99", StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})

	require.Error(t, err)
}

func TestStartStream_InvalidConfiguration(t *testing.T) {
	sv := newTestSupervisor(t, "/bin/true", sampleDevices())

	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video0", StreamName: "Cam", Resolution: "1920x1080", FPS: 999,
	})

	require.Error(t, err)
}

func TestStartStream_TableFullRejectsFourth(t *testing.T) {
	dir := t.TempDir()
	bin := writeLongRunningEncoder(t, dir)
	devices := sampleDevices()
	devices = append(devices, deviceprobe.Device{Path: "/dev/video3", Name: "Cam3", Index: 3})
	sv := newTestSupervisor(t, bin, devices)

	for i, path := range []string{"/dev/video0", "/dev/video1", "/dev/video2"} {
		_, err := sv.StartStream(context.Background(), StreamParams{
			DevicePath: path, StreamName: "Cam", Resolution: "1920x1080", FPS: 30 + i,
		})
		require.NoError(t, err)
	}

	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video3", StreamName: "Cam3", Resolution: "1920x1080", FPS: 30,
	})
	require.Error(t, err)

	_, _ = sv.StopStream(nil)
}

func TestStartStream_SameDeviceTwiceRejected(t *testing.T) {
	dir := t.TempDir()
	bin := writeLongRunningEncoder(t, dir)
	sv := newTestSupervisor(t, bin, sampleDevices())

	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video0", StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})
	require.NoError(t, err)

	_, err = sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video0", StreamName: "Cam2", Resolution: "1280x720", FPS: 30,
	})
	require.Error(t, err)

	_, _ = sv.StopStream(nil)
}

func TestStartStream_EncoderStartFailure(t *testing.T) {
	dir := t.TempDir()
	bin := writeFailingEncoder(t, dir)
	sv := newTestSupervisor(t, bin, sampleDevices())

	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video0", StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})

	require.Error(t, err)
	require.Empty(t, sv.ListStreams())
}

func TestStopStream_IdempotentSecondCallFails(t *testing.T) {
	dir := t.TempDir()
	bin := writeLongRunningEncoder(t, dir)
	sv := newTestSupervisor(t, bin, sampleDevices())

	device := "/dev/video0"
	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: device, StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})
	require.NoError(t, err)

	_, err = sv.StopStream(&device)
	require.NoError(t, err)

	_, err = sv.StopStream(&device)
	require.Error(t, err)

	require.Empty(t, sv.ListStreams())
}

func TestRestartStream_Success(t *testing.T) {
	dir := t.TempDir()
	bin := writeLongRunningEncoder(t, dir)
	sv := newTestSupervisor(t, bin, sampleDevices())

	device := "/dev/video0"
	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: device, StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})
	require.NoError(t, err)

	newFPS := 60
	result, err := sv.RestartStream(context.Background(), device, PartialParams{FPS: &newFPS})

	require.NoError(t, err)
	require.Equal(t, 60, result.NewSettings.FPS)
	require.Equal(t, 30, result.OldSettings.FPS)
	require.GreaterOrEqual(t, result.DowntimeSeconds, 0.0)

	streams := sv.ListStreams()
	require.Len(t, streams, 1)
	require.Equal(t, 60, streams[0].FPS)

	_, _ = sv.StopStream(nil)
}

func TestRestartStream_InvalidConfigurationLeavesStreamUntouched(t *testing.T) {
	dir := t.TempDir()
	bin := writeLongRunningEncoder(t, dir)
	sv := newTestSupervisor(t, bin, sampleDevices())

	device := "/dev/video0"
	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: device, StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})
	require.NoError(t, err)

	before := sv.ListStreams()[0]

	badFPS := 999
	_, err = sv.RestartStream(context.Background(), device, PartialParams{FPS: &badFPS})
	require.Error(t, err)

	after := sv.ListStreams()[0]
	require.Equal(t, before.FPS, after.FPS)
	require.Equal(t, before.State, after.State)

	_, _ = sv.StopStream(nil)
}

func TestRestartStream_RollsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	goodBin := writeLongRunningEncoder(t, dir)
	sv := newTestSupervisor(t, goodBin, sampleDevices())

	device := "/dev/video0"
	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: device, StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})
	require.NoError(t, err)

	// Swap the binary out from under the supervisor so the *next* spawn
	// (the restart's new-config attempt) fails. Rollback reuses the old
	// params against the same now-failing binary, so it fails too: the
	// restart must report an error and the stream must end up absent
	// rather than silently "restarted".
	require.NoError(t, os.WriteFile(goodBin, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	newFPS := 60
	_, err = sv.RestartStream(context.Background(), device, PartialParams{FPS: &newFPS})
	require.Error(t, err)
	require.Empty(t, sv.ListStreams())

	_, _ = sv.StopStream(nil)
}

func TestHealth_EmptyTableIsHealthy(t *testing.T) {
	sv := newTestSupervisor(t, "/bin/true", sampleDevices())

	health := sv.Health()

	require.True(t, health.Healthy)
	require.Equal(t, 0, health.StreamCount)
}

func TestHealth_ReportsProcessNotAlive(t *testing.T) {
	dir := t.TempDir()
	// Encoder that survives the start grace window then exits shortly after.
	bin := filepath.Join(dir, "short-lived.sh")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nsleep 0.3\nexit 1\n"), 0o755))
	sv := newTestSupervisor(t, bin, sampleDevices())

	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video0", StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !sv.Health().Healthy
	}, 3*time.Second, 50*time.Millisecond)

	_, _ = sv.StopStream(nil)
}

func TestShutdown_StopsActiveStreamsAndClearsTable(t *testing.T) {
	dir := t.TempDir()
	bin := writeLongRunningEncoder(t, dir)
	sv := newTestSupervisor(t, bin, sampleDevices())

	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video0", StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})
	require.NoError(t, err)
	require.Len(t, sv.ListStreams(), 1)

	sv.Shutdown()

	require.Empty(t, sv.ListStreams())
}

func TestValidateIdleParams_AllowsEmptyStreamName(t *testing.T) {
	sv := newTestSupervisor(t, "/bin/true", sampleDevices())

	err := sv.ValidateIdleParams(StreamParams{DevicePath: "/dev/video0", Resolution: "1280x720", FPS: 30})
	require.NoError(t, err)

	err = sv.ValidateParams(StreamParams{DevicePath: "/dev/video0", Resolution: "1280x720", FPS: 30})
	require.Error(t, err)
}

func TestListDevices_MarksInUse(t *testing.T) {
	dir := t.TempDir()
	bin := writeLongRunningEncoder(t, dir)
	sv := newTestSupervisor(t, bin, sampleDevices())

	_, err := sv.StartStream(context.Background(), StreamParams{
		DevicePath: "/dev/video0", StreamName: "Cam", Resolution: "1920x1080", FPS: 30,
	})
	require.NoError(t, err)

	views := sv.ListDevices()
	require.Len(t, views, 3)
	for _, v := range views {
		if v.Path == "/dev/video0" {
			require.True(t, v.InUse)
		} else {
			require.False(t, v.InUse)
		}
	}

	_, _ = sv.StopStream(nil)
}
