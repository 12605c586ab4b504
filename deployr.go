// Package deployr is an embeddable deployment agent: it registers managed
// units with a distribution platform, keeps their application and runtime
// archives downloaded and staged, and starts, updates and stops them by port.
package deployr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/config"
	"github.com/loykin/deployr/internal/detector"
	"github.com/loykin/deployr/internal/download"
	"github.com/loykin/deployr/internal/env"
	"github.com/loykin/deployr/internal/history"
	hfactory "github.com/loykin/deployr/internal/history/factory"
	"github.com/loykin/deployr/internal/manager"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/platform"
	"github.com/loykin/deployr/internal/process"
	"github.com/loykin/deployr/internal/registry"
	"github.com/loykin/deployr/internal/staging"
	"github.com/loykin/deployr/internal/store"
	sfactory "github.com/loykin/deployr/internal/store/factory"
)

// newSinks opens the configured history sinks.
var newSinks = hfactory.NewSinksFromDSNs

// Re-export the types embedders need.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Unit = registry.Unit

type UnitStatus = manager.UnitStatus

type RegisterRequest = manager.RegisterRequest

type HostInfo = platform.HostInfo

type ArtifactRef = artifact.Ref

type ProgressFunc = download.ProgressFunc

// LoadConfig reads an optional TOML file plus DEPLOYR_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config { return config.Default() }

// Options are the embedding hooks that do not belong in a config file.
type Options struct {
	// Out receives the operation narration; nil means os.Stdout.
	Out    io.Writer
	Logger *slog.Logger
	// Host overrides host identity collection.
	Host func(context.Context) (HostInfo, error)
	// Progress is called while artifacts download.
	Progress ProgressFunc
	// Launcher replaces the java launcher.
	Launcher process.Launcher
	// Supervisor replaces the socket-table based port supervisor.
	Supervisor detector.Supervisor
}

// Agent is a fully wired deployment agent.
type Agent struct {
	*manager.Manager

	cfg   Config
	state store.Store
	hist  *history.Recorder
}

// New wires every component from cfg. Close the agent to release the
// download state store and history sinks.
func New(ctx context.Context, cfg Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	pc, err := platform.New(platform.Config{
		Timeout:  cfg.Platform.Timeout,
		CACert:   cfg.Platform.CACert,
		Insecure: cfg.Platform.Insecure,
		Logger:   opts.Logger,
		Host:     opts.Host,
	})
	if err != nil {
		return nil, fmt.Errorf("platform client: %w", err)
	}

	state, err := sfactory.NewFromDSN(cfg.Download.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("download state store: %w", err)
	}
	if err := state.EnsureSchema(ctx); err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("download state schema: %w", err)
	}

	var sinks []history.Sink
	if cfg.History.Enabled {
		sinks, err = newSinks(cfg.History.DSNs)
		if err != nil {
			_ = state.Close()
			_ = history.NewRecorder(opts.Logger, sinks...).Close()
			return nil, fmt.Errorf("history sinks: %w", err)
		}
	}
	hist := history.NewRecorder(opts.Logger, sinks...)

	runtimeEnv, err := cfg.RuntimeEnv()
	if err != nil {
		_ = state.Close()
		_ = hist.Close()
		return nil, fmt.Errorf("runtime env: %w", err)
	}

	dl := download.New(download.Config{
		CacheRoot: cfg.Paths.CacheRoot,
		TargetOS:  platform.TargetOS(runtime.GOOS),
		Arch:      platform.Arch(runtime.GOARCH),
		UserAgent: cfg.Download.UserAgent,
		Timeout:   cfg.Download.Timeout,
		Transport: pc.Transport(),
		Logger:    opts.Logger.With("component", "download"),
		Progress:  opts.Progress,
	}, state)

	stager := staging.New(staging.Config{
		CacheRoot: cfg.Paths.CacheRoot,
		ProdRoot:  cfg.Paths.ProdRoot,
		DirPrefix: cfg.Runtime.DirPrefix,
		Logger:    opts.Logger.With("component", "staging"),
	})

	sup := opts.Supervisor
	if sup == nil {
		sup = detector.NewPortSupervisor(detector.WithLogger(opts.Logger.With("component", "detector")))
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = process.NewJavaLauncher(process.Config{
			LogDir:  cfg.Paths.LogDir,
			JavaBin: cfg.Runtime.JavaBin,
			Env:     env.New(),
			Logger:  opts.Logger.With("component", "launcher"),
		})
	}

	m := manager.New(manager.Config{
		Registry:   registry.New(filepath.Clean(cfg.Paths.DescriptorFile)),
		Platform:   pc,
		Downloader: dl,
		Stager:     stager,
		Supervisor: sup,
		Launcher:   launcher,
		History:    hist,
		JavaOpts:   cfg.Runtime.JavaOpts,
		Env:        runtimeEnv,
		Out:        opts.Out,
		Logger:     opts.Logger,
	})
	return &Agent{Manager: m, cfg: cfg, state: state, hist: hist}, nil
}

// Config returns the configuration the agent was built with.
func (a *Agent) Config() Config { return a.cfg }

// WriteMetrics writes the metrics textfile when one is configured.
func (a *Agent) WriteMetrics() error {
	return metrics.WriteTextfile(a.cfg.Metrics.Textfile, prometheus.DefaultGatherer)
}

// Close releases the download state store and the history sinks.
func (a *Agent) Close() error {
	return errors.Join(a.state.Close(), a.hist.Close())
}
