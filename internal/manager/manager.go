package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/detector"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/platform"
	"github.com/loykin/deployr/internal/process"
	"github.com/loykin/deployr/internal/registry"
	"github.com/loykin/deployr/internal/staging"
)

// ErrPortInUse is returned by Register when another process already
// listens on the requested port.
var ErrPortInUse = errors.New("port is occupied by another process")

// Platform is the remote distribution platform.
type Platform interface {
	Host(ctx context.Context) (platform.HostInfo, error)
	Register(ctx context.Context, baseURL, registrationToken string, port int, serverToken string) (platform.Installer, error)
	RequestLatest(ctx context.Context, baseURL, installerToken string, port int, serverToken string) (platform.Installer, error)
	Deregister(ctx context.Context, baseURL, installerToken string) error
}

// Downloader guarantees a finalized cache file for an artifact.
type Downloader interface {
	Acquire(ctx context.Context, rootURL string, ref artifact.Ref) (string, error)
}

// Stager promotes cached artifacts into the production layout.
type Stager interface {
	EnsureStaged(ref artifact.Ref, mode staging.Mode) (string, error)
	// Target is the production path of ref without touching the disk.
	Target(ref artifact.Ref, mode staging.Mode) string
}

// Config wires the collaborators of a Manager.
type Config struct {
	Registry   *registry.Registry
	Platform   Platform
	Downloader Downloader
	Stager     Stager
	Supervisor detector.Supervisor
	// Detector builds the liveness check of a unit. Defaults to a
	// PortDetector over Supervisor.
	Detector   func(port int) detector.Detector
	Launcher   process.Launcher
	History    *history.Recorder

	// JavaOpts and Env are applied to every launch.
	JavaOpts []string
	Env      []string

	// PortWait bounds how long a restart waits for a killed process to
	// release its port. Zero means 5s; negative disables the wait.
	PortWait time.Duration

	// Out receives the human-readable narration; nil means os.Stdout.
	Out    io.Writer
	Logger *slog.Logger
}

// Manager orchestrates the lifecycle of managed units. Every call runs to
// completion synchronously; a single agent process is assumed.
type Manager struct {
	reg        *registry.Registry
	platform   Platform
	downloader Downloader
	stager     Stager
	sup        detector.Supervisor
	detect     func(port int) detector.Detector
	launcher   process.Launcher
	hist       *history.Recorder

	javaOpts []string
	env      []string
	portWait time.Duration
	inspect  func(ctx context.Context, pid int32) detector.ProcessInfo

	out    io.Writer
	logger *slog.Logger
}

func New(cfg Config) *Manager {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PortWait == 0 {
		cfg.PortWait = 5 * time.Second
	}
	if cfg.Detector == nil {
		sup := cfg.Supervisor
		cfg.Detector = func(port int) detector.Detector {
			return detector.PortDetector{Port: port, Finder: sup}
		}
	}
	return &Manager{
		reg:        cfg.Registry,
		platform:   cfg.Platform,
		downloader: cfg.Downloader,
		stager:     cfg.Stager,
		sup:        cfg.Supervisor,
		detect:     cfg.Detector,
		launcher:   cfg.Launcher,
		hist:       cfg.History,
		javaOpts:   cfg.JavaOpts,
		env:        cfg.Env,
		portWait:   cfg.PortWait,
		inspect:    detector.Inspect,
		out:        cfg.Out,
		logger:     cfg.Logger,
	}
}

func (m *Manager) say(format string, args ...any) {
	_, _ = fmt.Fprintf(m.out, format+"\n", args...)
}

// load reads the descriptor and refreshes the registered-units gauge.
func (m *Manager) load() (*registry.File, error) {
	f, err := m.reg.Load()
	if err != nil {
		return nil, err
	}
	metrics.SetRegisteredUnits(len(f.Installers))
	return f, nil
}

func (m *Manager) unit(port int) (registry.Unit, *registry.File, error) {
	f, err := m.load()
	if err != nil {
		return registry.Unit{}, nil, err
	}
	u, ok := f.Find(port)
	if !ok {
		return registry.Unit{}, nil, fmt.Errorf("%w: %d", registry.ErrNotRegistered, port)
	}
	return u, f, nil
}

func (m *Manager) record(ctx context.Context, t history.EventType, u registry.Unit, pid int32, outcome string, err error) {
	e := history.NewEvent(t, u.AppRunPort)
	e.AppName, e.AppVersion = u.AppName, u.AppVersion
	e.JdkName, e.JdkVersion = u.JdkName, u.JdkVersion
	e.PID = pid
	e.Outcome = outcome
	if err != nil && outcome == "" {
		e.Outcome = "failed"
	}
	m.hist.Record(ctx, e.WithError(err))
}

// finish is the per-unit error boundary: it counts the operation, narrates
// a failure and prefixes it with the port.
func (m *Manager) finish(op string, port int, err error) error {
	metrics.IncOperation(op, err)
	if err == nil {
		return nil
	}
	m.logger.Error("unit operation failed", "op", op, "port", port, "error", err)
	m.say("unit %d: %s failed: %v", port, op, err)
	var ve *platform.ValidationError
	if errors.As(err, &ve) {
		for _, msg := range ve.Messages() {
			m.say("  - %s", msg)
		}
	}
	return fmt.Errorf("unit %d: %w", port, err)
}

// each runs fn for every registered unit in port order. A failure on one
// unit does not stop the others; a descriptor that cannot be read aborts.
func (m *Manager) each(ctx context.Context, fn func(context.Context, int) error) error {
	f, err := m.load()
	if err != nil {
		return err
	}
	if len(f.Installers) == 0 {
		m.say("no units registered")
		return nil
	}
	var result *multierror.Error
	for _, u := range f.Installers {
		if err := ctx.Err(); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		if err := fn(ctx, u.AppRunPort); err != nil {
			if errors.Is(err, registry.ErrCorrupt) {
				return multierror.Append(result, err).ErrorOrNil()
			}
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// stage guarantees ref is downloaded and promoted, returning its
// production path.
func (m *Manager) stage(ctx context.Context, u registry.Unit, ref artifact.Ref, mode staging.Mode) (string, error) {
	m.say("unit %d: acquiring %s %s", u.AppRunPort, ref.Name, ref.Version)
	_, err := m.downloader.Acquire(ctx, u.URL, ref)
	ev := history.NewEvent(history.EventDownload, u.AppRunPort)
	ev.AppName, ev.AppVersion = ref.Name, ref.Version
	ev.Outcome = "acquired"
	if err != nil {
		ev.Outcome = "failed"
	}
	m.hist.Record(ctx, ev.WithError(err))
	if err != nil {
		return "", fmt.Errorf("download %s: %w", ref.FileName, err)
	}
	p, err := m.stager.EnsureStaged(ref, mode)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", ref.FileName, err)
	}
	return p, nil
}

func (m *Manager) launch(ctx context.Context, u registry.Unit, appPath, jdkDir string) (int, error) {
	pid, err := m.launcher.Launch(ctx, process.Spec{
		Port:       u.AppRunPort,
		AppPath:    appPath,
		RuntimeDir: jdkDir,
		JavaOpts:   m.javaOpts,
		Env:        m.env,
	})
	if err != nil {
		return 0, fmt.Errorf("launch: %w", err)
	}
	return pid, nil
}

func (m *Manager) kill(port int, pid int32) error {
	if err := m.sup.Kill(pid); err != nil {
		return err
	}
	metrics.IncKill(strconv.Itoa(port))
	return nil
}

// waitFree polls until nothing listens on port or the wait elapses.
func (m *Manager) waitFree(ctx context.Context, port int) error {
	if m.portWait < 0 {
		return nil
	}
	deadline := time.Now().Add(m.portWait)
	for {
		_, ok, err := m.detect(port).Alive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d still occupied after %s", port, m.portWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
