// Package encoder drives one external media-encoder subprocess per active
// stream: it builds the command line, spawns the child, relays its
// stderr, and exposes graceful-then-forceful Stop semantics.
//
// Reference: spec §4.C. Grounded on the teacher's
// internal/stream/manager.go buildFFmpegCommand/startFFmpeg/stop trio —
// same race-avoidance rules (assign the process handle only after a
// successful Start, capture the process pointer before the kill-timeout
// goroutine so it survives a concurrent Wait), same SIGINT-then-SIGKILL
// shutdown shape.
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// StartGrace is how long Start waits before checking whether the freshly
// spawned child is still alive (spec §4.C: "≈200ms").
const StartGrace = 200 * time.Millisecond

// StopTimeout is how long Stop waits after SIGINT before sending SIGKILL
// (spec §4.C: "up to 5s").
const StopTimeout = 5 * time.Second

// ErrMissingBinary is returned by Start when the configured encoder binary
// cannot be found on disk.
type ErrMissingBinary struct {
	Path string
}

func (e *ErrMissingBinary) Error() string {
	return fmt.Sprintf("encoder binary not found: %s", e.Path)
}

// ErrStartFailed is returned by Start when the child exited within the
// grace window.
type ErrStartFailed struct {
	Err error
}

func (e *ErrStartFailed) Error() string {
	return fmt.Sprintf("encoder exited during startup: %v", e.Err)
}

func (e *ErrStartFailed) Unwrap() error { return e.Err }

// Config carries everything needed to build and run one encoder
// subprocess for one stream.
type Config struct {
	// BinaryPath is the path to the external encoder executable.
	BinaryPath string

	DevicePath      string
	StreamName      string
	Width           int
	Height          int
	FPS             int
	BitrateKbps     int
	KeyframeInterval int
	RawInput        bool
	Groups          string

	// NDIOutputModule names the encoder's NDI sink module/muxer.
	NDIOutputModule string

	Logger zerolog.Logger

	// OnErrorLine is invoked for every stderr line classified as an
	// error. May be nil.
	OnErrorLine func(line string)
}

// Driver supervises a single encoder subprocess.
type Driver struct {
	cfg Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
}

// New creates a Driver for the given configuration. It does not spawn
// anything yet.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// Start spawns the encoder child and returns once the child is observably
// alive (spec §4.C). If the child exits within StartGrace, Start returns
// *ErrStartFailed.
func (d *Driver) Start(ctx context.Context) error {
	if _, err := os.Stat(d.cfg.BinaryPath); err != nil {
		return &ErrMissingBinary{Path: d.cfg.BinaryPath}
	}

	cmd := buildCommand(ctx, d.cfg)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("encoder: failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("encoder: failed to start: %w", err)
	}

	d.mu.Lock()
	d.cmd = cmd
	d.started = true
	d.mu.Unlock()

	go d.drainStderr(stderr)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		d.mu.Lock()
		d.cmd = nil
		d.mu.Unlock()
		return &ErrStartFailed{Err: err}
	case <-time.After(StartGrace):
		// Child is still alive after the grace window. Let the Wait
		// goroutine keep running in the background; Stop() waits on the
		// process itself.
		go func() {
			if err := <-exited; err != nil {
				d.cfg.Logger.Debug().Err(err).Str("stream", d.cfg.StreamName).Msg("encoder exited")
			}
			d.mu.Lock()
			d.cmd = nil
			d.mu.Unlock()
		}()
		return nil
	}
}

// Process returns the current child's process descriptor, or nil if the
// encoder has not been started or has already exited.
func (d *Driver) Process() *os.Process {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil {
		return nil
	}
	return d.cmd.Process
}

// Alive reports whether the child process is still running.
func (d *Driver) Alive() bool {
	proc := d.Process()
	if proc == nil {
		return false
	}
	// Signal 0 probes liveness without affecting the process.
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop sends an interrupt, waits up to StopTimeout, then force-kills.
// Idempotent: calling Stop on an already-stopped driver is a no-op.
func (d *Driver) Stop() {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	proc := cmd.Process

	// If the process already exited, Signal returns ESRCH; that race is
	// expected and benign.
	_ = proc.Signal(os.Interrupt)

	deadline := time.NewTimer(StopTimeout)
	defer deadline.Stop()

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-deadline.C:
		_ = proc.Kill()
		<-done
	}
}

func (d *Driver) drainStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if isErrorLine(line) {
			if d.cfg.OnErrorLine != nil {
				d.cfg.OnErrorLine(line)
			}
			d.cfg.Logger.Error().Str("stream", d.cfg.StreamName).Str("line", line).Msg("encoder stderr")
		} else {
			d.cfg.Logger.Debug().Str("stream", d.cfg.StreamName).Str("line", line).Msg("encoder stderr")
		}
	}
}

// isErrorLine applies a conservative heuristic used only to decide which
// stderr lines are worth surfacing through OnErrorLine; it never affects
// process supervision decisions.
func isErrorLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range []string{"error", "fatal", "failed"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// buildCommand assembles the encoder's command line deterministically
// from VideoParams + StreamParams. The exact flag layout is not part of
// the spec's contract — only the required inputs and the resulting
// NDI-visible stream name are (spec §4.C) — so this mirrors a common
// v4l2-to-NDI bridge's flag surface without over-specifying it.
func buildCommand(ctx context.Context, cfg Config) *exec.Cmd {
	inputFormat := "yuyv422"
	if cfg.RawInput {
		inputFormat = "rawvideo"
	}

	args := []string{
		"-f", "v4l2",
		"-input_format", inputFormat,
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-framerate", strconv.Itoa(cfg.FPS),
		"-thread_queue_size", "512",
		"-i", cfg.DevicePath,
		"-pix_fmt", "uyvy422",
	}

	if cfg.KeyframeInterval > 0 {
		args = append(args, "-g", strconv.Itoa(cfg.KeyframeInterval))
	}
	if cfg.BitrateKbps > 0 {
		args = append(args, "-b:v", fmt.Sprintf("%dk", cfg.BitrateKbps))
	}

	ndiModule := cfg.NDIOutputModule
	if ndiModule == "" {
		ndiModule = "libndi_newtek"
	}

	args = append(args, "-f", ndiModule, "-ndi_name", cfg.StreamName)
	if cfg.Groups != "" {
		args = append(args, "-ndi_groups", cfg.Groups)
	}
	args = append(args, "-clock_video", "1", "-clock_audio", "0", cfg.StreamName)

	// #nosec G204 - BinaryPath and args are derived from validated daemon
	// configuration, not directly from untrusted network input.
	return exec.CommandContext(ctx, cfg.BinaryPath, args...)
}
