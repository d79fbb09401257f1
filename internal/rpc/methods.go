package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/exostream/exostreamd/internal/config"
	"github.com/exostream/exostreamd/internal/rpcerr"
	"github.com/exostream/exostreamd/internal/statestore"
	"github.com/exostream/exostreamd/internal/supervisor"
)

// Deps wires the domain collaborators a daemon-level Router needs to
// implement the method catalog of spec §4.F.1.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Store      *statestore.Store
	Config     *config.Config
	Version    string
	StartedAt  time.Time
	PID        int

	// RequestShutdown is invoked (asynchronously, after the response is
	// sent) by daemon.shutdown.
	RequestShutdown func()
}

type deviceView struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Index  int    `json:"index"`
	Driver string `json:"driver"`
	Card   string `json:"card"`
	InUse  bool   `json:"in_use"`
}

type startParams struct {
	Device     string `json:"device"`
	Name       string `json:"name"`
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
	RawInput   bool   `json:"raw_input"`
	Groups     string `json:"groups"`
}

type stopParams struct {
	Device *string `json:"device"`
}

type statusParams struct {
	Device *string `json:"device"`
}

type settingsUpdateParams struct {
	Device            *string `json:"device"`
	StreamName        *string `json:"stream_name"`
	Resolution        *string `json:"resolution"`
	FPS               *int    `json:"fps"`
	RawInput          *bool   `json:"raw_input"`
	Groups            *string `json:"groups"`
	RestartIfStreaming bool   `json:"restart_if_streaming"`
}

// NewDaemonRouter registers the full method catalog of spec §4.F.1 on a
// fresh Router. Local and network listeners both dispatch through the
// same instance (spec §9 "two transports, one router").
func NewDaemonRouter(deps Deps, logger zerolog.Logger) *Router {
	r := NewRouter(logger)

	r.Register("daemon.ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]bool{"pong": true}, nil
	})

	r.Register("daemon.status", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"running":         true,
			"version":         deps.Version,
			"uptime_seconds":  time.Since(deps.StartedAt).Seconds(),
			"pid":             deps.PID,
			"health":          healthView(deps.Supervisor),
		}, nil
	})

	r.Register("daemon.shutdown", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		if deps.RequestShutdown != nil {
			go func() {
				time.Sleep(50 * time.Millisecond)
				deps.RequestShutdown()
			}()
		}
		return map[string]string{"status": "shutting_down"}, nil
	})

	r.Register("devices.list", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		views := deps.Supervisor.ListDevices()
		out := make([]deviceView, 0, len(views))
		for _, v := range views {
			out = append(out, deviceView{Path: v.Path, Name: v.Name, Index: v.Index, Driver: v.Driver, Card: v.Card, InUse: v.InUse})
		}
		return map[string]interface{}{"devices": out}, nil
	})

	r.Register("stream.start", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p startParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, rpcerr.New(rpcerr.InvalidParams, "invalid params: %v", err)
		}
		result, err := deps.Supervisor.StartStream(ctx, supervisor.StreamParams{
			DevicePath: p.Device,
			StreamName: p.Name,
			Resolution: p.Resolution,
			FPS:        p.FPS,
			RawInput:   p.RawInput,
			Groups:     p.Groups,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"status":      result.Status,
			"stream_name": result.StreamName,
			"device":      result.Device,
			"resolution":  result.Resolution,
			"fps":         result.FPS,
			"pid":         result.PID,
		}, nil
	})

	r.Register("stream.stop", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p stopParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, rpcerr.New(rpcerr.InvalidParams, "invalid params: %v", err)
			}
		}
		result, err := deps.Supervisor.StopStream(p.Device)
		if err != nil {
			return nil, err
		}
		out := map[string]interface{}{"status": result.Status}
		if p.Device != nil {
			out["device"] = result.Device
		} else {
			out["count"] = result.Count
			if len(result.Errors) > 0 {
				out["errors"] = result.Errors
			}
		}
		return out, nil
	})

	r.Register("stream.status", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p statusParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, rpcerr.New(rpcerr.InvalidParams, "invalid params: %v", err)
			}
		}
		if p.Device != nil {
			status, ok := deps.Supervisor.Get(*p.Device)
			if !ok {
				return map[string]interface{}{"streaming": false, "device": *p.Device}, nil
			}
			return streamStatusView(status), nil
		}

		streams := deps.Supervisor.ListStreams()
		views := make([]interface{}, 0, len(streams))
		for _, s := range streams {
			views = append(views, streamStatusView(s))
		}
		return map[string]interface{}{
			"streaming":    len(streams) > 0,
			"stream_count": len(streams),
			"max_streams":  supervisor.MaxStreams,
			"streams":      views,
		}, nil
	})

	r.Register("settings.get", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		last := deps.Store.GetLastConfig()
		_, streaming := deps.Supervisor.Get(last.Device)
		return map[string]interface{}{
			"device":     last.Device,
			"resolution": last.Resolution,
			"fps":        last.FPS,
			"raw_input":  last.RawInput,
			"streaming":  streaming,
		}, nil
	})

	r.Register("settings.update", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p settingsUpdateParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, rpcerr.New(rpcerr.InvalidParams, "invalid params: %v", err)
		}

		device := ""
		if p.Device != nil {
			device = *p.Device
		} else {
			device = deps.Store.GetLastConfig().Device
		}
		if device == "" {
			return nil, rpcerr.New(rpcerr.InvalidConfiguration, "no target device: pass device or establish one via stream.start first")
		}

		current, isStreaming := deps.Supervisor.Get(device)
		base := supervisor.StreamParams{DevicePath: device}
		if isStreaming {
			base = supervisor.StreamParams{
				DevicePath: device, StreamName: current.StreamName, Resolution: current.Resolution,
				FPS: current.FPS, RawInput: current.RawInput, Groups: current.Groups,
			}
		} else {
			last := deps.Store.GetLastConfig()
			base = supervisor.StreamParams{DevicePath: device, Resolution: last.Resolution, FPS: last.FPS, RawInput: last.RawInput}
		}

		merged := supervisor.Merge(base, supervisor.PartialParams{
			StreamName: p.StreamName, Resolution: p.Resolution, FPS: p.FPS, RawInput: p.RawInput, Groups: p.Groups,
		})

		if isStreaming {
			if err := deps.Supervisor.ValidateParams(merged); err != nil {
				return nil, err
			}
		} else {
			if err := deps.Supervisor.ValidateIdleParams(merged); err != nil {
				return nil, err
			}
		}

		if isStreaming && p.RestartIfStreaming {
			result, err := deps.Supervisor.RestartStream(ctx, device, supervisor.PartialParams{
				StreamName: p.StreamName, Resolution: p.Resolution, FPS: p.FPS, RawInput: p.RawInput, Groups: p.Groups,
			})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"status":   "restarted",
				"settings": merged,
				"stream_info": map[string]interface{}{
					"downtime_seconds": result.DowntimeSeconds,
				},
			}, nil
		}

		if isStreaming {
			deps.Store.SetStreamActive(device, merged.StreamName, merged.Resolution, merged.FPS, merged.RawInput, merged.Groups, current.PID)
		} else {
			deps.Store.SetLastConfig(device, merged.Resolution, merged.FPS, merged.RawInput)
		}

		return map[string]interface{}{
			"status":   "updated",
			"settings": merged,
		}, nil
	})

	r.Register("settings.get_available", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		devices := deps.Supervisor.ListDevices()
		return map[string]interface{}{
			"devices":       devices,
			"resolutions":   deps.Config.AvailableResolutions,
			"fps_options":   deps.Config.AvailableFPSOptions,
			"input_formats": deps.Config.AvailableInputFormats,
		}, nil
	})

	return r
}

func streamStatusView(s supervisor.StreamStatus) map[string]interface{} {
	return map[string]interface{}{
		"streaming":     true,
		"device":        s.Device,
		"stream_name":   s.StreamName,
		"resolution":    s.Resolution,
		"fps":           s.FPS,
		"state":         s.State.String(),
		"pid":           s.PID,
		"started_at":    s.StartedAt,
		"recent_errors": s.RecentErrors,
	}
}

func healthView(sv *supervisor.Supervisor) map[string]interface{} {
	h := sv.Health()
	return map[string]interface{}{
		"healthy":      h.Healthy,
		"stream_count": h.StreamCount,
		"issues":       h.Issues,
	}
}
