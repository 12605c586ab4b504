package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/loykin/deployr/internal/env"
	"github.com/loykin/deployr/internal/metrics"
)

// Spec describes one launch of a managed application.
type Spec struct {
	Port int
	// AppPath is the staged application archive.
	AppPath string
	// RuntimeDir is the expanded runtime containing bin/java.
	RuntimeDir string
	// JavaOpts are passed to the JVM before -jar.
	JavaOpts []string
	// Env holds extra "K=V" entries for this launch.
	Env []string
}

// Launcher starts a managed application and returns its pid.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (int, error)
}

// JavaLauncher runs "<runtime>/bin/java -jar <app> --server.port <port>"
// detached from the agent, with output appended to per-port log files.
type JavaLauncher struct {
	env    *env.Env
	logDir string
	// javaBin overrides the runtime's own launcher when set.
	javaBin string
	logger  *slog.Logger
}

// Config holds JavaLauncher settings.
type Config struct {
	LogDir  string
	JavaBin string
	Env     *env.Env
	Logger  *slog.Logger
}

func NewJavaLauncher(cfg Config) *JavaLauncher {
	if cfg.Env == nil {
		cfg.Env = env.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &JavaLauncher{env: cfg.Env, logDir: cfg.LogDir, javaBin: cfg.JavaBin, logger: cfg.Logger}
}

// JavaPath returns the launcher binary used for spec.
func (l *JavaLauncher) JavaPath(spec Spec) string {
	if l.javaBin != "" {
		return l.javaBin
	}
	return filepath.Join(spec.RuntimeDir, "bin", javaExecutable)
}

// LogPaths returns the stdout and stderr files for a port.
func (l *JavaLauncher) LogPaths(port int) (string, string) {
	base := filepath.Join(l.logDir, "app-"+strconv.Itoa(port))
	return base + ".stdout.log", base + ".stderr.log"
}

// BuildCommand constructs the command for spec without starting it.
// The child must outlive the agent, so no context is bound to it.
func (l *JavaLauncher) BuildCommand(spec Spec) *exec.Cmd {
	args := append([]string(nil), spec.JavaOpts...)
	args = append(args, "-jar", spec.AppPath, "--server.port", strconv.Itoa(spec.Port))

	// #nosec G204
	cmd := exec.Command(l.JavaPath(spec), args...)
	cmd.Dir = filepath.Dir(spec.AppPath)

	e := l.env.Clone()
	e.PrependPath(filepath.Join(spec.RuntimeDir, "bin"))
	e.Set("JAVA_HOME", spec.RuntimeDir)
	cmd.Env = e.Merge(spec.Env)
	return cmd
}

// Launch starts the application and releases it; the agent never waits on it.
func (l *JavaLauncher) Launch(ctx context.Context, spec Spec) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	java := l.JavaPath(spec)
	for _, p := range []string{java, spec.AppPath} {
		if err := makeExecutable(p); err != nil {
			return 0, fmt.Errorf("prepare %s: %w", p, err)
		}
	}

	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}
	outPath, errPath := l.LogPaths(spec.Port)
	stdout, err := openAppend(outPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := openAppend(errPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stderr.Close() }()

	cmd := l.BuildCommand(spec)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", java, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		l.logger.Warn("release process handle", "pid", pid, "error", err)
	}
	metrics.IncLaunch(strconv.Itoa(spec.Port))
	l.logger.Info("launched application", "port", spec.Port, "pid", pid, "app", spec.AppPath, "runtime", spec.RuntimeDir, "stdout", outPath)
	return pid, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}
