// Package statestore is the daemon's crash-safe reflection of declared
// stream intent and last-known-good configuration.
//
// Reference: spec §4.A, §3 DaemonState. Grounded on the teacher's
// internal/config.Config.saveWith atomic-write sequence and on
// original_source/exostream/daemon/state_manager.py's StateManager, whose
// default document shape ({version, daemon, streams, last_config}) this
// package reproduces exactly. The temp-file-then-rename dance itself is
// delegated to google/renameio/v2 rather than hand-rolled, per the ambient
// stack's atomic-write convention.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Version is written into every persisted document.
const Version = "1"

// StreamSnapshot is one entry of DaemonState.streams (spec §6).
type StreamSnapshot struct {
	Active     bool   `json:"active"`
	StreamName string `json:"stream_name"`
	Device     string `json:"device"`
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
	RawInput   bool   `json:"raw_input"`
	Groups     string `json:"groups,omitempty"`
	StartedAt  string `json:"started_at"`
	FFmpegPID  int    `json:"ffmpeg_pid"`
}

// DaemonInfo is DaemonState.daemon.
type DaemonInfo struct {
	StartedAt *string `json:"started_at"`
	PID       *int    `json:"pid"`
}

// LastConfig is DaemonState.last_config.
type LastConfig struct {
	Device     string `json:"device"`
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
	RawInput   bool   `json:"raw_input"`
}

// DaemonState is the full persisted document (spec §6).
type DaemonState struct {
	Version    string                    `json:"version"`
	Daemon     DaemonInfo                `json:"daemon"`
	Streams    map[string]StreamSnapshot `json:"streams"`
	LastConfig LastConfig                `json:"last_config"`
}

func defaultState() DaemonState {
	return DaemonState{
		Version: Version,
		Daemon:  DaemonInfo{},
		Streams: make(map[string]StreamSnapshot),
	}
}

// Store owns state.json exclusively; every read or write in the process
// goes through it (spec §3 Ownership).
type Store struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
	state  DaemonState
}

// New creates a Store bound to path. Call Load before use.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{path: path, logger: logger, state: defaultState()}
}

// Load reads the document from disk. A missing or corrupt file produces a
// fresh default and a logged warning; Load never returns an error that
// should abort startup (spec §4.A, testable property 4).
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// #nosec G304 - path is daemon configuration, not user input
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("state file unreadable, starting fresh")
		}
		s.state = defaultState()
		return
	}

	var loaded DaemonState
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("state file corrupt, starting fresh")
		s.state = defaultState()
		return
	}

	if loaded.Streams == nil {
		loaded.Streams = make(map[string]StreamSnapshot)
	}
	if loaded.Version == "" {
		loaded.Version = Version
	}
	s.state = loaded
}

// SetDaemonStarted records the daemon's own start time and pid.
func (s *Store) SetDaemonStarted(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	s.state.Daemon = DaemonInfo{StartedAt: &now, PID: &pid}
	s.save()
}

// ClearDaemonStarted is called at orderly shutdown (spec §3 Lifecycles).
func (s *Store) ClearDaemonStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Daemon = DaemonInfo{}
	s.save()
}

// SetStreamActive records a running stream and its last-good config.
func (s *Store) SetStreamActive(device, streamName, resolution string, fps int, rawInput bool, groups string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Streams[device] = StreamSnapshot{
		Active:     true,
		StreamName: streamName,
		Device:     device,
		Resolution: resolution,
		FPS:        fps,
		RawInput:   rawInput,
		Groups:     groups,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		FFmpegPID:  pid,
	}
	s.state.LastConfig = LastConfig{Device: device, Resolution: resolution, FPS: fps, RawInput: rawInput}
	s.save()
}

// SetLastConfig persists a desired configuration without implying an
// active stream, used by settings.update when the target device is not
// currently streaming (spec §4.F.1 settings.update semantics).
func (s *Store) SetLastConfig(device, resolution string, fps int, rawInput bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.LastConfig = LastConfig{Device: device, Resolution: resolution, FPS: fps, RawInput: rawInput}
	s.save()
}

// SetStreamInactive removes one stream's entry, or every entry when device
// is nil (spec §4.A).
func (s *Store) SetStreamInactive(device *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device == nil {
		s.state.Streams = make(map[string]StreamSnapshot)
	} else {
		delete(s.state.Streams, *device)
	}
	s.save()
}

// UpdateStreamPid updates the persisted pid for an already-active stream,
// used after a reconfiguration replaces the encoder process.
func (s *Store) UpdateStreamPid(device string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.state.Streams[device]
	if !ok {
		return
	}
	snap.FFmpegPID = pid
	s.state.Streams[device] = snap
	s.save()
}

// GetStreamingInfo returns the snapshot for one device, or the full map
// when device is nil.
func (s *Store) GetStreamingInfo(device *string) map[string]StreamSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device == nil {
		out := make(map[string]StreamSnapshot, len(s.state.Streams))
		for k, v := range s.state.Streams {
			out[k] = v
		}
		return out
	}
	if snap, ok := s.state.Streams[*device]; ok {
		return map[string]StreamSnapshot{*device: snap}
	}
	return map[string]StreamSnapshot{}
}

// GetLastConfig returns the most recently persisted stream configuration.
func (s *Store) GetLastConfig() LastConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastConfig
}

// Clear resets the document to its default shape and persists it.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = defaultState()
	s.save()
}

// save serializes the current document and atomically replaces the file
// on disk. I/O errors are logged and swallowed (spec §4.A Error
// semantics): in-memory state stays authoritative and the next successful
// write rewrites the snapshot. Caller must hold s.mu.
func (s *Store) save() {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal state document")
		return
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Error().Err(err).Str("dir", dir).Msg("failed to create state directory")
			return
		}
	}

	if err := renameio.WriteFile(s.path, data, 0o640); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("failed to persist state document")
	}
}
