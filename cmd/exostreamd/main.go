// Package main implements exostreamd, the local camera broadcast daemon
// (spec §1/§2).
//
// exostreamd exposes the stream supervisor over a local filesystem
// socket and, optionally, a LAN TCP socket, broadcasts its presence with
// a periodic UDP beacon, and listens for peer daemons on the LAN. A
// small HTTP surface serves /healthz and /metrics.
//
// Usage:
//
//	exostreamd [options]
//
// Options:
//
//	--socket <path>          local control socket path
//	--state-dir <path>       directory hosting state.json
//	--network-control        enable the LAN TCP listener
//	--network-host <addr>    TCP bind address
//	--network-port <int>     TCP bind port
//	--verbose                elevate log verbosity
//	--version                print version and exit
//
// The daemon handles SIGINT/SIGTERM for graceful shutdown and SIGHUP to
// force an immediate configuration reload. When --config is set, the
// file is also watched for changes and reloaded automatically.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/exostream/exostreamd/internal/config"
	"github.com/exostream/exostreamd/internal/control"
	"github.com/exostream/exostreamd/internal/deviceprobe"
	"github.com/exostream/exostreamd/internal/discovery"
	"github.com/exostream/exostreamd/internal/metrics"
	"github.com/exostream/exostreamd/internal/presence"
	"github.com/exostream/exostreamd/internal/rpc"
	"github.com/exostream/exostreamd/internal/statestore"
	"github.com/exostream/exostreamd/internal/supervisor"
)

// Version is set via ldflags at build time.
var Version = "dev"

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "exostreamd: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the entry point proper, extracted for testability (teacher's
// cmd/lyrebird/main.go run(args []string) error pattern).
func run(args []string) error {
	fs := flag.NewFlagSet("exostreamd", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file (layered under EXOSTREAM_* env vars)")
	socketPath := fs.String("socket", config.DefaultSocketPath, "local control socket path")
	stateDir := fs.String("state-dir", "", "directory hosting state.json (default $HOME/.exostream)")
	networkControl := fs.Bool("network-control", false, "enable the LAN TCP listener")
	networkHost := fs.String("network-host", "0.0.0.0", "TCP bind address")
	networkPort := fs.Int("network-port", config.DefaultNetworkPort, "TCP bind port")
	verbose := fs.Bool("verbose", false, "elevate log verbosity")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println("exostreamd", Version)
		return nil
	}

	// Config precedence, lowest to highest: built-in defaults, YAML file
	// (--config), EXOSTREAM_* env vars, explicit command-line flags.
	kc, err := config.NewKoanfConfig(config.WithYAMLFile(*configPath), config.WithEnvPrefix("EXOSTREAM"))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg, err := kc.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if explicit["socket"] {
		cfg.Socket = *socketPath
	}
	if explicit["network-control"] {
		cfg.NetworkControl = *networkControl
	}
	if explicit["network-host"] {
		cfg.NetworkHost = *networkHost
	}
	if explicit["network-port"] {
		cfg.NetworkPort = *networkPort
	}
	if explicit["verbose"] {
		cfg.Verbose = *verbose
	}

	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "exostreamd").Logger()

	dir := *stateDir
	if dir == "" {
		dir = cfg.StateDir
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving default state dir: %w", err)
		}
		dir = filepath.Join(home, config.DefaultStateDirName)
	}
	cfg.StateDir = dir

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store := statestore.New(filepath.Join(dir, "state.json"), logger)
	store.Load()

	sv := supervisor.New(supervisor.Config{
		Probe:             deviceprobe.New(),
		Store:             store,
		EncoderBinaryPath: cfg.EncoderBinaryPath,
		NDIOutputModule:   cfg.NDIOutputModule,
		Logger:            logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if err := kc.Reload(); err != nil {
					logger.Warn().Err(err).Msg("configuration reload failed")
				} else {
					logger.Info().Msg("configuration sources re-read; the running daemon keeps the settings it loaded at startup until restarted")
				}
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
			return
		}
	}()

	discoveryListener := &discovery.Listener{Logger: logger}

	router := rpc.NewDaemonRouter(rpc.Deps{
		Supervisor:      sv,
		Store:           store,
		Config:          cfg,
		Version:         Version,
		StartedAt:       time.Now(),
		PID:             os.Getpid(),
		RequestShutdown: cancel,
	}, logger)

	local := &control.LocalListener{Path: cfg.Socket, Router: router, Logger: logger}

	store.SetDaemonStarted(os.Getpid())
	defer store.ClearDaemonStarted()

	g, gctx := errgroup.WithContext(ctx)

	if *configPath != "" {
		g.Go(func() error {
			return kc.Watch(gctx, func(event string, err error) {
				if err != nil {
					logger.Warn().Err(err).Str("event", event).Msg("configuration file watch error")
					return
				}
				logger.Info().Str("event", event).Msg("configuration file change detected")
			})
		})
	}

	g.Go(func() error { return sv.Run(gctx) })
	g.Go(func() error { return local.Run(gctx) })

	if cfg.NetworkControl {
		network := &control.NetworkListener{Host: cfg.NetworkHost, Port: cfg.NetworkPort, Router: router, Logger: logger}
		g.Go(func() error { return network.Run(gctx) })
	}

	beaconPort := cfg.NetworkPort
	beacon := &presence.Beacon{Name: cfg.PresenceName, Port: beaconPort, Version: Version, Logger: logger}
	g.Go(func() error { return beacon.Run(gctx) })

	g.Go(func() error { return discoveryListener.Run(gctx) })

	healthHandler := metrics.NewHandler(&daemonStatusProvider{sv: sv, discovery: discoveryListener})
	g.Go(func() error { return metrics.ListenAndServe(gctx, cfg.HealthAddr, healthHandler) })

	logger.Info().Str("socket", cfg.Socket).Bool("network_control", cfg.NetworkControl).Msg("exostreamd started")

	waitErr := g.Wait()

	sv.Shutdown()

	if waitErr != nil && gctx.Err() == nil {
		return waitErr
	}

	logger.Info().Msg("exostreamd shutdown complete")
	return nil
}

// daemonStatusProvider adapts the supervisor and discovery listener to
// metrics.StatusProvider.
type daemonStatusProvider struct {
	sv        *supervisor.Supervisor
	discovery *discovery.Listener
}

func (p *daemonStatusProvider) Streams() []metrics.StreamInfo {
	streams := p.sv.ListStreams()
	out := make([]metrics.StreamInfo, 0, len(streams))
	for _, s := range streams {
		out = append(out, metrics.StreamInfo{
			Device:    s.Device,
			Name:      s.StreamName,
			State:     s.State.String(),
			Healthy:   s.State == supervisor.StateRunning,
			StartedAt: s.StartedAt,
		})
	}
	return out
}

func (p *daemonStatusProvider) PeerCount() int {
	return len(p.discovery.GetServices())
}
