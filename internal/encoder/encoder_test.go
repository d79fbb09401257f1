package encoder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestDriver_Start_MissingBinary(t *testing.T) {
	d := New(Config{BinaryPath: "/nonexistent/encoder-binary", Logger: zerolog.Nop()})

	err := d.Start(context.Background())

	var missing *ErrMissingBinary
	require.ErrorAs(t, err, &missing)
}

func TestDriver_Start_FailsFastWhenChildExitsImmediately(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "bad-encoder.sh", "exit 1\n")

	d := New(Config{BinaryPath: bin, StreamName: "cam0", Logger: zerolog.Nop()})

	err := d.Start(context.Background())

	var startFailed *ErrStartFailed
	require.ErrorAs(t, err, &startFailed)
	require.Nil(t, d.Process())
}

func TestDriver_Start_SucceedsWhenChildSurvivesGraceWindow(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "good-encoder.sh", "trap 'exit 0' INT\nsleep 5\n")

	d := New(Config{BinaryPath: bin, StreamName: "cam0", Logger: zerolog.Nop()})

	err := d.Start(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d.Process())
	require.True(t, d.Alive())

	d.Stop()
	require.False(t, d.Alive())
}

func TestDriver_Stop_ForceKillsAfterTimeout(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "stubborn-encoder.sh", "trap '' INT\nsleep 30\n")

	d := New(Config{BinaryPath: bin, StreamName: "cam0", Logger: zerolog.Nop()})
	require.NoError(t, d.Start(context.Background()))

	start := time.Now()
	d.Stop()
	elapsed := time.Since(start)

	require.False(t, d.Alive())
	require.Less(t, elapsed, StopTimeout+2*time.Second)
}

func TestDriver_Stop_NeverStartedIsNoop(t *testing.T) {
	d := New(Config{BinaryPath: "/bin/true", Logger: zerolog.Nop()})
	require.NotPanics(t, func() { d.Stop() })
}

func TestDriver_OnErrorLine_InvokedForStderrErrors(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "chatty-encoder.sh", `
echo "starting up" 1>&2
echo "ERROR: device busy" 1>&2
trap 'exit 0' INT
sleep 5
`)

	var captured []string
	d := New(Config{
		BinaryPath:  bin,
		StreamName:  "cam0",
		Logger:      zerolog.Nop(),
		OnErrorLine: func(line string) { captured = append(captured, line) },
	})

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool { return len(captured) > 0 }, time.Second, 10*time.Millisecond)
	require.Contains(t, captured[0], "device busy")
}

func TestBuildCommand_RawInputSelectsRawvideoFormat(t *testing.T) {
	cmd := buildCommand(context.Background(), Config{
		BinaryPath: "/usr/bin/ffmpeg",
		DevicePath: "/dev/video0",
		StreamName: "cam0",
		Width:      1920,
		Height:     1080,
		FPS:        30,
		RawInput:   true,
	})

	require.Contains(t, cmd.Args, "rawvideo")
	require.Contains(t, cmd.Args, "1920x1080")
	require.Contains(t, cmd.Args, "/dev/video0")
	require.Contains(t, cmd.Args, "cam0")
}

func TestBuildCommand_GroupsOmittedWhenEmpty(t *testing.T) {
	cmd := buildCommand(context.Background(), Config{
		BinaryPath: "/usr/bin/ffmpeg",
		StreamName: "cam0",
		Width:      640,
		Height:     480,
		FPS:        15,
	})

	require.NotContains(t, cmd.Args, "-ndi_groups")
}
