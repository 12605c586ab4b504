package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deployr"
	"github.com/loykin/deployr/internal/platform/platformtest"
	"github.com/loykin/deployr/internal/process"
)

type fakeHost struct {
	mu        sync.Mutex
	listeners map[int]int32
	launched  []process.Spec
	killed    []int32
}

func (h *fakeHost) FindByPort(_ context.Context, port int) (int32, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pid, ok := h.listeners[port]
	return pid, ok, nil
}

func (h *fakeHost) Kill(pid int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = append(h.killed, pid)
	for port, p := range h.listeners {
		if p == pid {
			delete(h.listeners, port)
		}
	}
	return nil
}

func (h *fakeHost) Launch(_ context.Context, spec process.Spec) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.launched = append(h.launched, spec)
	pid := int32(7000 + len(h.launched))
	h.listeners[spec.Port] = pid
	return int(pid), nil
}

type cli struct {
	cfgPath string
	host    *fakeHost
	out     *bytes.Buffer
	errOut  *bytes.Buffer
}

func newCLI(t *testing.T, platformURL string) *cli {
	t.Helper()
	dir := t.TempDir()
	cfg := strings.Join([]string{
		"[paths]",
		`cache_root = "` + filepath.ToSlash(filepath.Join(dir, "apps")) + `"`,
		`prod_root = "` + filepath.ToSlash(filepath.Join(dir, "prod")) + `"`,
		`descriptor_file = "` + filepath.ToSlash(filepath.Join(dir, "installer_config.toml")) + `"`,
		`log_dir = "` + filepath.ToSlash(filepath.Join(dir, "logs")) + `"`,
		"[download]",
		`state_dsn = "` + filepath.ToSlash(filepath.Join(dir, "state.db")) + `"`,
		"[platform]",
		`url = "` + platformURL + `"`,
		"[metrics]",
		`textfile = "` + filepath.ToSlash(filepath.Join(dir, "deployr.prom")) + `"`,
	}, "\n")
	p := filepath.Join(dir, "deployr.toml")
	require.NoError(t, os.WriteFile(p, []byte(cfg), 0o644))
	return &cli{cfgPath: p, host: &fakeHost{listeners: map[int]int32{}}, out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
}

func (c *cli) run(args ...string) error {
	return c.root(args...).Execute()
}

func (c *cli) root(args ...string) *cobra.Command {
	c.out.Reset()
	root := buildRoot(command{
		newAgent: deployr.New,
		opts: deployr.Options{
			Host: func(context.Context) (deployr.HostInfo, error) {
				return deployr.HostInfo{ServerToken: "AA:BB:CC:DD:EE:FF", OSType: "linux", Arch: "x86_64"}, nil
			},
			Launcher:   c.host,
			Supervisor: c.host,
		},
		out:    c.out,
		errOut: c.errOut,
	})
	root.SetArgs(append([]string{"--config", c.cfgPath}, args...))
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	return root
}

func TestTargetFlagsValidate(t *testing.T) {
	assert.NoError(t, TargetFlags{Port: 8080}.Validate())
	assert.NoError(t, TargetFlags{All: true}.Validate())
	assert.Error(t, TargetFlags{}.Validate())
	assert.Error(t, TargetFlags{Port: 70000}.Validate())
	assert.Error(t, TargetFlags{Port: 80, All: true}.Validate())
}

func TestRootHasSubcommands(t *testing.T) {
	root := buildRoot(command{newAgent: deployr.New})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"register", "list", "unregister", "run", "update", "stop"} {
		assert.Contains(t, names, want)
	}
}

func TestTargetCommandsRequirePortOrAll(t *testing.T) {
	c := newCLI(t, "http://127.0.0.1:1")
	for _, sub := range []string{"run", "update", "stop", "unregister"} {
		assert.Error(t, c.run(sub), sub)
		assert.Error(t, c.run(sub, "--port", "80", "--all"), sub)
	}
}

func TestCLILifecycle(t *testing.T) {
	srv := platformtest.New()
	t.Cleanup(srv.Close)
	srv.AddRegistration("reg-9", platformtest.Installer{
		AppName: "demo", AppVersion: "1.0.0", AppFileName: "demo-1.0.0.jar",
		JdkName: "openjdk", JdkVersion: "17", JdkFileName: "openjdk-17.zip",
	})
	c := newCLI(t, srv.URL)

	require.NoError(t, c.run("register", "--token", "reg-9", "--port", "18181"))
	assert.Contains(t, c.out.String(), "unit 18181: registered demo 1.0.0")

	err := c.run("register", "--token", "reg-9", "--port", "18181")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port already registered")

	// pretend the unit is already up so run has nothing to download
	c.host.listeners[18181] = 555
	require.NoError(t, c.run("run", "--all"))
	assert.Contains(t, c.out.String(), "already running (pid 555)")
	assert.Empty(t, srv.ArtifactCalls())

	require.NoError(t, c.run("list"))
	var rows []deployr.UnitStatus
	require.NoError(t, json.Unmarshal(c.out.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 18181, rows[0].Unit.AppRunPort)
	assert.True(t, rows[0].Running)

	require.NoError(t, c.run("stop", "-p", "18181"))
	assert.Equal(t, []int32{555}, c.host.killed)

	require.NoError(t, c.run("unregister", "-a"))
	assert.Equal(t, []string{"inst-18181"}, srv.Deregistrations())

	require.NoError(t, c.run("list"))
	assert.Equal(t, "[]", strings.TrimSpace(c.out.String()))
}

func TestCLIRejectsBadConfig(t *testing.T) {
	c := newCLI(t, "http://127.0.0.1:1")
	c.cfgPath = filepath.Join(t.TempDir(), "missing.toml")
	assert.Error(t, c.run("list"))
}

func TestRunAllReportsFailureCountOnly(t *testing.T) {
	srv := platformtest.New()
	t.Cleanup(srv.Close)
	for _, tok := range []string{"reg-a", "reg-b"} {
		srv.AddRegistration(tok, platformtest.Installer{
			AppName: "missing", AppVersion: "1.0.0", AppFileName: "missing-1.0.0.jar",
			JdkName: "openjdk", JdkVersion: "17", JdkFileName: "openjdk-17.zip",
		})
	}
	c := newCLI(t, srv.URL)
	require.NoError(t, c.run("register", "--token", "reg-a", "--port", "18281"))
	require.NoError(t, c.run("register", "--token", "reg-b", "--port", "18282"))
	c.errOut.Reset()

	code := execute(c.root("run", "--all"), c.errOut)
	assert.Equal(t, 1, code)

	out := c.out.String()
	assert.Contains(t, out, "unit 18281: run failed:")
	assert.Contains(t, out, "unit 18282: run failed:")

	stderr := c.errOut.String()
	assert.Contains(t, stderr, "2 unit(s) failed")
	assert.NotContains(t, stderr, "errors occurred")
	assert.NotContains(t, stderr, "Error:")
	assert.Empty(t, c.host.launched)
}

func TestExecuteReportsSingleError(t *testing.T) {
	c := newCLI(t, "http://127.0.0.1:1")
	c.errOut.Reset()
	code := execute(c.root("stop"), c.errOut)
	assert.Equal(t, 1, code)
	assert.Equal(t, 1, strings.Count(c.errOut.String(), "Error:"))
}
