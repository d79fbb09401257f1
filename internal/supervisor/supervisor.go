// Package supervisor owns the in-memory stream table: lifecycle,
// validation, graceful reconfiguration, and rollback for the set of
// concurrent encoder subprocesses.
//
// Reference: spec §4.D. Grounded on the teacher's internal/supervisor
// (coarse lock held only across table mutations, never across blocking
// child I/O) fused with internal/stream.Manager's state-machine naming
// and start/stop shape. Unlike the teacher, a dead encoder is never
// auto-restarted here — late death is surfaced only through Health(),
// per spec §4.D.5/§7; a client must stop-then-start to recover. Each
// stream's background liveness worker is registered with a real
// thejerf/suture/v4 supervisor rather than the teacher's hand-rolled
// restart loop, replacing a dependency the teacher declared but never
// wired.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/exostream/exostreamd/internal/deviceprobe"
	"github.com/exostream/exostreamd/internal/encoder"
	"github.com/exostream/exostreamd/internal/rpcerr"
	"github.com/exostream/exostreamd/internal/statestore"
)

// MaxStreams is N_MAX from spec §3: at most this many concurrent streams.
const MaxStreams = 3

// OrdinaryStopTimeout is the join budget for an explicit stop (spec §4.D.3).
const OrdinaryStopTimeout = 10 * time.Second

// RestartStopTimeout is the shorter join budget used mid-reconfiguration
// to favor downtime over a clean exit (spec §4.D.4, §9).
const RestartStopTimeout = 5 * time.Second

// State is a stream's position in the state machine of spec §4.D.5.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamParams is one device's full declared configuration (spec §3).
type StreamParams struct {
	DevicePath string
	StreamName string
	Resolution string
	FPS        int
	RawInput   bool
	Groups     string
}

// PartialParams carries an optional subset of StreamParams for restart /
// settings.update, where unset fields inherit the live configuration.
type PartialParams struct {
	StreamName *string
	Resolution *string
	FPS        *int
	RawInput   *bool
	Groups     *string
}

// StreamStatus is a read-only view of one table row.
type StreamStatus struct {
	Device       string
	StreamName   string
	Resolution   string
	FPS          int
	RawInput     bool
	Groups       string
	State        State
	PID          int
	StartedAt    time.Time
	RecentErrors []string
}

// StartResult is the result of a successful StartStream (spec §4.F.1).
type StartResult struct {
	Status     string
	Device     string
	StreamName string
	Resolution string
	FPS        int
	PID        int
}

// StopResult is the result of StopStream, single-device or aggregate.
type StopResult struct {
	Status string
	Device string
	Count  int
	Errors []string
}

// RestartResult is the result of a successful RestartStream.
type RestartResult struct {
	Status          string
	DowntimeSeconds float64
	OldSettings     StreamParams
	NewSettings     StreamParams
}

// DeviceView augments a probed device with whether it is currently in use.
type DeviceView struct {
	deviceprobe.Device
	InUse bool
}

// HealthView is the aggregate health report of spec §4.D.7.
type HealthView struct {
	Healthy     bool
	StreamCount int
	Issues      []string
}

// DeviceProber is the subset of *deviceprobe.Prober the supervisor needs;
// an interface so tests can inject a fixed device list.
type DeviceProber interface {
	List() []deviceprobe.Device
}

// activeStream is one row of the stream table.
type activeStream struct {
	params    StreamParams
	state     State
	childPID  int
	startedAt time.Time
	driver    *encoder.Driver
	token     suture.ServiceToken

	errMu        sync.Mutex
	recentErrors []string
}

// Config configures a Supervisor.
type Config struct {
	Probe             DeviceProber
	Store             *statestore.Store
	EncoderBinaryPath string
	NDIOutputModule   string
	Logger            zerolog.Logger
	MaxStreams        int
}

// Supervisor owns the stream table and drives the Device Probe and the
// Encoder Driver per spec §4.D.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	streams map[string]*activeStream

	workers *suture.Supervisor
}

// New constructs a Supervisor. Call Run to start its background workers.
func New(cfg Config) *Supervisor {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = MaxStreams
	}
	return &Supervisor{
		cfg:     cfg,
		streams: make(map[string]*activeStream),
		workers: suture.New("stream-liveness", suture.Spec{}),
	}
}

// Run blocks, driving each stream's liveness worker until ctx is
// cancelled. Intended to be run under an errgroup alongside the daemon's
// other long-lived workers.
func (sv *Supervisor) Run(ctx context.Context) error {
	return sv.workers.Serve(ctx)
}

// ListStreams returns a snapshot of every row in the table.
func (sv *Supervisor) ListStreams() []StreamStatus {
	sv.mu.Lock()
	rows := make([]*activeStream, 0, len(sv.streams))
	for _, row := range sv.streams {
		rows = append(rows, row)
	}
	sv.mu.Unlock()

	out := make([]StreamStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.snapshot())
	}
	return out
}

func (row *activeStream) snapshot() StreamStatus {
	row.errMu.Lock()
	errs := append([]string(nil), row.recentErrors...)
	row.errMu.Unlock()

	return StreamStatus{
		Device:       row.params.DevicePath,
		StreamName:   row.params.StreamName,
		Resolution:   row.params.Resolution,
		FPS:          row.params.FPS,
		RawInput:     row.params.RawInput,
		Groups:       row.params.Groups,
		State:        row.state,
		PID:          row.childPID,
		StartedAt:    row.startedAt,
		RecentErrors: errs,
	}
}

// Get returns the current row for device, if any.
func (sv *Supervisor) Get(device string) (StreamStatus, bool) {
	sv.mu.Lock()
	row, ok := sv.streams[device]
	sv.mu.Unlock()
	if !ok {
		return StreamStatus{}, false
	}
	return row.snapshot(), true
}

// ListDevices augments the Device Probe's list with an in-use flag.
func (sv *Supervisor) ListDevices() []DeviceView {
	devices := sv.cfg.Probe.List()

	sv.mu.Lock()
	inUse := make(map[string]bool, len(sv.streams))
	for d := range sv.streams {
		inUse[d] = true
	}
	sv.mu.Unlock()

	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceView{Device: d, InUse: inUse[d.Path]})
	}
	return out
}

// StartStream implements spec §4.D.2.
func (sv *Supervisor) StartStream(ctx context.Context, params StreamParams) (*StartResult, error) {
	devices := sv.cfg.Probe.List()
	if len(devices) == 0 {
		return nil, rpcerr.New(rpcerr.DeviceNotFound, "no devices")
	}
	if err := validateAgainstDevices(params, devices, true); err != nil {
		return nil, err
	}

	sv.mu.Lock()
	if _, exists := sv.streams[params.DevicePath]; exists {
		sv.mu.Unlock()
		return nil, rpcerr.New(rpcerr.StreamAlreadyRunning, "device %s already streaming", params.DevicePath)
	}
	if len(sv.streams) >= sv.cfg.MaxStreams {
		sv.mu.Unlock()
		return nil, rpcerr.New(rpcerr.StreamAlreadyRunning, "stream table full (max %d)", sv.cfg.MaxStreams)
	}

	row := &activeStream{params: params, state: StateStarting, startedAt: time.Now()}
	sv.streams[params.DevicePath] = row
	sv.mu.Unlock()

	driver, err := sv.spawnEncoder(ctx, row, params)
	if err != nil {
		sv.mu.Lock()
		delete(sv.streams, params.DevicePath)
		sv.mu.Unlock()
		return nil, err
	}

	pid := driver.Process().Pid

	sv.mu.Lock()
	row.driver = driver
	row.state = StateRunning
	row.childPID = pid
	row.token = sv.workers.Add(newStreamWorker(params.DevicePath, driver, func() { sv.markError(params.DevicePath) }))
	sv.mu.Unlock()

	sv.cfg.Store.SetStreamActive(params.DevicePath, params.StreamName, params.Resolution, params.FPS, params.RawInput, params.Groups, pid)

	return &StartResult{
		Status:     "started",
		Device:     params.DevicePath,
		StreamName: params.StreamName,
		Resolution: params.Resolution,
		FPS:        params.FPS,
		PID:        pid,
	}, nil
}

// spawnEncoder builds and starts an encoder for params, mapping failures
// to the wire error codes of spec §4.E. It never touches the stream
// table lock.
func (sv *Supervisor) spawnEncoder(ctx context.Context, row *activeStream, params StreamParams) (*encoder.Driver, error) {
	width, height, _ := parseResolution(params.Resolution)

	driver := encoder.New(encoder.Config{
		BinaryPath:      sv.cfg.EncoderBinaryPath,
		DevicePath:      params.DevicePath,
		StreamName:      params.StreamName,
		Width:           width,
		Height:          height,
		FPS:             params.FPS,
		RawInput:        params.RawInput,
		Groups:          params.Groups,
		NDIOutputModule: sv.cfg.NDIOutputModule,
		Logger:          sv.cfg.Logger,
		OnErrorLine:     func(line string) { row.appendError(line) },
	})

	// The child must outlive the request context: it is stopped only
	// through Driver.Stop (explicit stop, restart, or Shutdown), so it
	// always gets the graceful interrupt-then-kill sequence.
	if err := driver.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, rpcerr.New(rpcerr.FFmpegError, "%v", err)
	}
	return driver, nil
}

func (row *activeStream) appendError(line string) {
	const ringCap = 10
	row.errMu.Lock()
	row.recentErrors = append(row.recentErrors, line)
	if len(row.recentErrors) > ringCap {
		row.recentErrors = row.recentErrors[len(row.recentErrors)-ringCap:]
	}
	row.errMu.Unlock()
}

// markError transitions a row to Error, used when its liveness worker
// observes the child exit unexpectedly (spec §4.D.5).
func (sv *Supervisor) markError(device string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if row, ok := sv.streams[device]; ok {
		row.state = StateError
	}
}

// StopStream implements spec §4.D.3. A nil device stops every stream.
func (sv *Supervisor) StopStream(device *string) (*StopResult, error) {
	if device != nil {
		return sv.stopOne(*device, OrdinaryStopTimeout)
	}

	sv.mu.Lock()
	targets := make([]string, 0, len(sv.streams))
	for d := range sv.streams {
		targets = append(targets, d)
	}
	sv.mu.Unlock()

	var errs []string
	count := 0
	for _, d := range targets {
		if _, err := sv.stopOne(d, OrdinaryStopTimeout); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		count++
	}
	return &StopResult{Status: "stopped", Count: count, Errors: errs}, nil
}

func (sv *Supervisor) stopOne(device string, joinTimeout time.Duration) (*StopResult, error) {
	sv.mu.Lock()
	row, ok := sv.streams[device]
	if !ok {
		sv.mu.Unlock()
		return nil, rpcerr.New(rpcerr.StreamNotRunning, "device %s not streaming", device)
	}
	row.state = StateStopping
	token := row.token
	driver := row.driver
	sv.mu.Unlock()

	_ = sv.workers.Remove(token)
	joinWithTimeout(driver, joinTimeout)

	sv.mu.Lock()
	delete(sv.streams, device)
	sv.mu.Unlock()

	sv.cfg.Store.SetStreamInactive(&device)

	return &StopResult{Status: "stopped", Device: device}, nil
}

// joinWithTimeout stops driver and waits up to timeout for it to finish
// its own graceful-then-forceful shutdown. The encoder package already
// enforces its own internal SIGKILL deadline; this is an outer bound so a
// caller never blocks indefinitely even if that invariant is violated.
func joinWithTimeout(driver *encoder.Driver, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		driver.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// RestartStream implements spec §4.D.4: graceful reconfiguration with
// rollback on failure.
func (sv *Supervisor) RestartStream(ctx context.Context, device string, partial PartialParams) (*RestartResult, error) {
	sv.mu.Lock()
	row, ok := sv.streams[device]
	if !ok {
		sv.mu.Unlock()
		return nil, rpcerr.New(rpcerr.StreamNotRunning, "device %s not streaming", device)
	}
	oldParams := row.params
	sv.mu.Unlock()

	merged := Merge(oldParams, partial)

	devices := sv.cfg.Probe.List()
	if err := validateAgainstDevices(merged, devices, true); err != nil {
		// Step 1 failure: the live stream is never touched.
		return nil, err
	}

	t0 := time.Now()

	sv.mu.Lock()
	row.state = StateStopping
	oldToken := row.token
	oldDriver := row.driver
	sv.mu.Unlock()

	_ = sv.workers.Remove(oldToken)
	joinWithTimeout(oldDriver, RestartStopTimeout)

	newDriver, startErr := sv.spawnEncoder(ctx, row, merged)
	if startErr != nil {
		return sv.rollback(ctx, row, device, oldParams, startErr)
	}

	pid := newDriver.Process().Pid

	sv.mu.Lock()
	row.params = merged
	row.driver = newDriver
	row.state = StateRunning
	row.childPID = pid
	row.token = sv.workers.Add(newStreamWorker(device, newDriver, func() { sv.markError(device) }))
	sv.mu.Unlock()

	sv.cfg.Store.SetStreamActive(device, merged.StreamName, merged.Resolution, merged.FPS, merged.RawInput, merged.Groups, pid)

	return &RestartResult{
		Status:          "restarted",
		DowntimeSeconds: time.Since(t0).Seconds(),
		OldSettings:     oldParams,
		NewSettings:     merged,
	}, nil
}

// rollback attempts one restart of oldParams after a failed
// reconfiguration (spec §4.D.4 step 7).
func (sv *Supervisor) rollback(ctx context.Context, row *activeStream, device string, oldParams StreamParams, startErr error) (*RestartResult, error) {
	rollbackDriver, rbErr := sv.spawnEncoder(ctx, row, oldParams)
	if rbErr != nil {
		sv.mu.Lock()
		delete(sv.streams, device)
		sv.mu.Unlock()
		sv.cfg.Store.SetStreamInactive(&device)
		return nil, rpcerr.New(rpcerr.FFmpegError, "restart failed and rollback failed — manual intervention required: %v / %v", startErr, rbErr)
	}

	pid := rollbackDriver.Process().Pid
	sv.mu.Lock()
	row.driver = rollbackDriver
	row.params = oldParams
	row.state = StateRunning
	row.childPID = pid
	row.token = sv.workers.Add(newStreamWorker(device, rollbackDriver, func() { sv.markError(device) }))
	sv.mu.Unlock()

	sv.cfg.Store.SetStreamActive(device, oldParams.StreamName, oldParams.Resolution, oldParams.FPS, oldParams.RawInput, oldParams.Groups, pid)

	return nil, rpcerr.New(rpcerr.FFmpegError, "restart failed, rolled back: %v", startErr)
}

// Health implements spec §4.D.7.
func (sv *Supervisor) Health() HealthView {
	sv.mu.Lock()
	rows := make([]*activeStream, 0, len(sv.streams))
	for _, row := range sv.streams {
		rows = append(rows, row)
	}
	sv.mu.Unlock()

	var issues []string
	for _, row := range rows {
		snap := row.snapshot()
		switch {
		case snap.State == StateError:
			issues = append(issues, fmt.Sprintf("%s: error state", snap.Device))
		case snap.State == StateRunning && row.driver != nil && !row.driver.Alive():
			issues = append(issues, fmt.Sprintf("%s: process not alive", snap.Device))
		case len(snap.RecentErrors) > 0:
			issues = append(issues, fmt.Sprintf("%s: %s", snap.Device, snap.RecentErrors[len(snap.RecentErrors)-1]))
		}
	}

	return HealthView{Healthy: len(issues) == 0, StreamCount: len(rows), Issues: issues}
}

// Shutdown stops every active stream, each under the ordinary join
// budget, and drains the liveness-worker supervisor.
func (sv *Supervisor) Shutdown() {
	_, _ = sv.StopStream(nil)
}

// ValidateParams runs the same validation Start and Restart use, without
// mutating the table. Used by settings.update when the target device is
// currently streaming, so the merged params already carry a stream name.
func (sv *Supervisor) ValidateParams(params StreamParams) error {
	return validateAgainstDevices(params, sv.cfg.Probe.List(), true)
}

// ValidateIdleParams is ValidateParams without the stream-name check, for
// settings.update against an idle device: that path only persists
// last-config (spec §4.D.4's idle branch), and last_config has no
// stream_name field to validate.
func (sv *Supervisor) ValidateIdleParams(params StreamParams) error {
	return validateAgainstDevices(params, sv.cfg.Probe.List(), false)
}

func validateAgainstDevices(params StreamParams, devices []deviceprobe.Device, requireName bool) error {
	found := false
	for _, d := range devices {
		if d.Path == params.DevicePath {
			found = true
			break
		}
	}
	if !found {
		return rpcerr.New(rpcerr.DeviceNotFound, "device %s not found", params.DevicePath).WithData(map[string]any{"available": devices})
	}

	width, height, err := parseResolution(params.Resolution)
	if err != nil || width <= 0 || height <= 0 || width > 4096 || height > 4096 {
		return rpcerr.New(rpcerr.InvalidConfiguration, "invalid resolution %q", params.Resolution)
	}
	if params.FPS < 1 || params.FPS > 120 {
		return rpcerr.New(rpcerr.InvalidConfiguration, "invalid fps %d", params.FPS)
	}
	if requireName && strings.TrimSpace(params.StreamName) == "" {
		return rpcerr.New(rpcerr.InvalidConfiguration, "stream name required")
	}
	return nil
}

func parseResolution(res string) (int, int, error) {
	parts := strings.SplitN(res, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution must be WxH")
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("resolution must be WxH")
	}
	return w, h, nil
}

// Merge applies partial onto old, leaving unset fields inherited from the
// live configuration (spec §4.D.4).
func Merge(old StreamParams, partial PartialParams) StreamParams {
	merged := old
	if partial.StreamName != nil {
		merged.StreamName = *partial.StreamName
	}
	if partial.Resolution != nil {
		merged.Resolution = *partial.Resolution
	}
	if partial.FPS != nil {
		merged.FPS = *partial.FPS
	}
	if partial.RawInput != nil {
		merged.RawInput = *partial.RawInput
	}
	if partial.Groups != nil {
		merged.Groups = *partial.Groups
	}
	return merged
}

// streamWorker is the per-stream background task of spec §4.D.6: it polls
// its encoder's liveness until the child exits on its own or ctx is
// cancelled by an explicit stop. It never touches the stream table
// directly.
type streamWorker struct {
	device string
	driver *encoder.Driver
	onExit func()
}

func newStreamWorker(device string, driver *encoder.Driver, onExit func()) *streamWorker {
	return &streamWorker{device: device, driver: driver, onExit: onExit}
}

func (w *streamWorker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !w.driver.Alive() {
				w.onExit()
				return suture.ErrDoNotRestart
			}
		}
	}
}

func (w *streamWorker) String() string {
	return fmt.Sprintf("stream-worker(%s)", w.device)
}
