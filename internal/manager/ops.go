package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/deployr/internal/detector"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/registry"
	"github.com/loykin/deployr/internal/staging"
)

// RegisterRequest carries the operator input for a new unit.
type RegisterRequest struct {
	URL   string
	Token string
	Port  int
}

// Register confirms a new unit with the platform and persists it. The port
// must be neither registered nor served by another process.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (registry.Unit, error) {
	u, err := m.register(ctx, req)
	return u, m.finish("register", req.Port, err)
}

func (m *Manager) register(ctx context.Context, req RegisterRequest) (registry.Unit, error) {
	if req.Port <= 0 || req.Port > 65535 {
		return registry.Unit{}, fmt.Errorf("port %d out of range", req.Port)
	}
	if req.URL == "" || req.Token == "" {
		return registry.Unit{}, errors.New("platform url and registration token are required")
	}
	f, err := m.load()
	if err != nil {
		return registry.Unit{}, err
	}
	if _, ok := f.Find(req.Port); ok {
		return registry.Unit{}, fmt.Errorf("%w: %d", registry.ErrPortTaken, req.Port)
	}
	pid, busy, err := m.detect(req.Port).Alive(ctx)
	if err != nil {
		return registry.Unit{}, err
	}
	if busy {
		return registry.Unit{}, fmt.Errorf("%w: %d (pid %d)", ErrPortInUse, req.Port, pid)
	}

	if f.ServerToken == "" {
		hi, err := m.platform.Host(ctx)
		switch {
		case hi.ServerToken != "":
			if err != nil {
				m.logger.Warn("host identity incomplete", "error", err)
			}
			f.ServerToken = hi.ServerToken
		default:
			m.logger.Warn("host identity unavailable, a random server token is used", "error", err)
			f.ServerToken = registry.NewServerToken()
		}
	}
	inst, err := m.platform.Register(ctx, req.URL, req.Token, req.Port, f.ServerToken)
	if err != nil {
		return registry.Unit{}, err
	}
	u := unitFrom(inst, req.URL, req.Port)
	if u.AppRunPort != req.Port {
		return registry.Unit{}, fmt.Errorf("platform assigned port %d, requested %d", u.AppRunPort, req.Port)
	}
	if err := u.Validate(); err != nil {
		return registry.Unit{}, fmt.Errorf("platform descriptor: %w", err)
	}
	if err := f.Add(u); err != nil {
		return registry.Unit{}, err
	}
	if err := m.reg.Save(f); err != nil {
		return registry.Unit{}, err
	}
	m.record(ctx, history.EventRegister, u, 0, "registered", nil)
	m.say("unit %d: registered %s %s with %s %s", u.AppRunPort, u.AppName, u.AppVersion, u.JdkName, u.JdkVersion)
	return u, nil
}

// UnitStatus is one row of List.
type UnitStatus struct {
	Unit     registry.Unit         `json:"unit"`
	Detector string                `json:"detector"`
	Running  bool                  `json:"running"`
	Process  *detector.ProcessInfo `json:"process,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// List reports every unit and whether its port is currently served.
func (m *Manager) List(ctx context.Context) ([]UnitStatus, error) {
	f, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]UnitStatus, 0, len(f.Installers))
	for _, u := range f.Installers {
		det := m.detect(u.AppRunPort)
		st := UnitStatus{Unit: u, Detector: det.Describe()}
		pid, ok, err := det.Alive(ctx)
		switch {
		case err != nil:
			st.Error = err.Error()
		case ok:
			st.Running = true
			info := m.inspect(ctx, pid)
			st.Process = &info
		}
		out = append(out, st)
	}
	return out, nil
}

// Unregister removes a unit from the platform, stops its process and drops
// it from the descriptor. A platform failure leaves everything in place.
func (m *Manager) Unregister(ctx context.Context, port int) error {
	return m.finish("unregister", port, m.unregister(ctx, port))
}

func (m *Manager) UnregisterAll(ctx context.Context) error {
	return m.each(ctx, m.Unregister)
}

func (m *Manager) unregister(ctx context.Context, port int) error {
	u, _, err := m.unit(port)
	if err != nil {
		return err
	}
	if err := m.platform.Deregister(ctx, u.URL, u.InstallerToken); err != nil {
		m.record(ctx, history.EventUnregister, u, 0, "", err)
		return err
	}
	pid, stopErr := m.stop(ctx, u)
	if err := m.reg.Mutate(func(f *registry.File) error {
		f.Remove(port)
		return nil
	}); err != nil {
		return err
	}
	m.record(ctx, history.EventUnregister, u, pid, "unregistered", stopErr)
	m.say("unit %d: unregistered", port)
	if stopErr != nil {
		return fmt.Errorf("stop: %w", stopErr)
	}
	return nil
}

// Run stages both artifacts and launches the unit unless its port is
// already served. An occupied port means zero downloads and zero spawns.
func (m *Manager) Run(ctx context.Context, port int) error {
	return m.finish("run", port, m.run(ctx, port))
}

func (m *Manager) RunAll(ctx context.Context) error {
	return m.each(ctx, m.Run)
}

func (m *Manager) run(ctx context.Context, port int) error {
	u, _, err := m.unit(port)
	if err != nil {
		return err
	}
	if pid, ok, err := m.detect(port).Alive(ctx); err != nil {
		return err
	} else if ok {
		m.say("unit %d: already running (pid %d)", port, pid)
		m.record(ctx, history.EventRun, u, pid, "already-running", nil)
		return nil
	}
	appPath, err := m.stage(ctx, u, u.App(), staging.Copy)
	if err != nil {
		m.record(ctx, history.EventRun, u, 0, "", err)
		return err
	}
	jdkDir, err := m.stage(ctx, u, u.Jdk(), staging.Expand)
	if err != nil {
		m.record(ctx, history.EventRun, u, 0, "", err)
		return err
	}
	pid, err := m.launch(ctx, u, appPath, jdkDir)
	m.record(ctx, history.EventRun, u, int32(pid), "started", err)
	if err != nil {
		return err
	}
	m.say("unit %d: started %s %s (pid %d)", port, u.AppName, u.AppVersion, pid)
	return nil
}

// Update fetches the latest descriptor and refreshes only the artifacts
// whose remote version is newer. A live unit is restarted when anything
// changed; a halted unit is never started.
func (m *Manager) Update(ctx context.Context, port int) error {
	return m.finish("update", port, m.update(ctx, port))
}

func (m *Manager) UpdateAll(ctx context.Context) error {
	return m.each(ctx, m.Update)
}

func (m *Manager) update(ctx context.Context, port int) error {
	u, f, err := m.unit(port)
	if err != nil {
		return err
	}
	latest, err := m.platform.RequestLatest(ctx, u.URL, u.InstallerToken, port, f.ServerToken)
	if err != nil {
		return err
	}
	state := Compare(u, latest)
	next := apply(u, latest, state)
	m.logger.Debug("compared versions", "port", port, "state", state.String(),
		"app", u.AppVersion, "app_latest", latest.AppVersion,
		"jdk", u.JdkVersion, "jdk_latest", latest.JdkVersion)

	appPath := m.stager.Target(next.App(), staging.Copy)
	jdkDir := m.stager.Target(next.Jdk(), staging.Expand)
	if state.App() {
		if appPath, err = m.stage(ctx, next, next.App(), staging.Copy); err != nil {
			m.record(ctx, history.EventUpdate, next, 0, "", err)
			return err
		}
	}
	if state.Jdk() {
		if jdkDir, err = m.stage(ctx, next, next.Jdk(), staging.Expand); err != nil {
			m.record(ctx, history.EventUpdate, next, 0, "", err)
			return err
		}
	}

	pid, running, err := m.detect(port).Alive(ctx)
	if err != nil {
		return err
	}
	switch {
	case !running:
		if err := m.persist(next, u); err != nil {
			return err
		}
		m.record(ctx, history.EventUpdate, next, 0, state.String(), nil)
		m.say("unit %d: not running, descriptor updated (%s)", port, state)
		return nil
	case state == NoChange:
		m.record(ctx, history.EventUpdate, u, pid, state.String(), nil)
		m.say("unit %d: %s %s is up to date", port, u.AppName, u.AppVersion)
		return nil
	}

	m.say("unit %d: %s, restarting pid %d", port, state, pid)
	if err := m.kill(port, pid); err != nil {
		m.record(ctx, history.EventUpdate, next, pid, "", err)
		return err
	}
	if err := m.waitFree(ctx, port); err != nil {
		m.record(ctx, history.EventUpdate, next, pid, "", err)
		return err
	}
	newPID, err := m.launch(ctx, next, appPath, jdkDir)
	if err != nil {
		m.record(ctx, history.EventUpdate, next, 0, "", err)
		return err
	}
	if err := m.persist(next, u); err != nil {
		return err
	}
	m.record(ctx, history.EventUpdate, next, int32(newPID), state.String(), nil)
	m.say("unit %d: now running %s %s on %s %s (pid %d)", port, next.AppName, next.AppVersion, next.JdkName, next.JdkVersion, newPID)
	return nil
}

func (m *Manager) persist(next, prev registry.Unit) error {
	if next == prev {
		return nil
	}
	return m.reg.Mutate(func(f *registry.File) error { return f.Replace(next) })
}

// Stop kills the process serving the unit's port. A free port is a no-op.
// The descriptor is left untouched.
func (m *Manager) Stop(ctx context.Context, port int) error {
	return m.finish("stop", port, m.stopUnit(ctx, port))
}

func (m *Manager) StopAll(ctx context.Context) error {
	return m.each(ctx, m.Stop)
}

func (m *Manager) stopUnit(ctx context.Context, port int) error {
	u, _, err := m.unit(port)
	if err != nil {
		return err
	}
	pid, err := m.stop(ctx, u)
	outcome := "stopped"
	if err == nil && pid == 0 {
		outcome = "not-running"
	}
	m.record(ctx, history.EventStop, u, pid, outcome, err)
	return err
}

// stop returns the killed pid, or zero when nothing listened.
func (m *Manager) stop(ctx context.Context, u registry.Unit) (int32, error) {
	pid, ok, err := m.detect(u.AppRunPort).Alive(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		m.say("unit %d: not running", u.AppRunPort)
		return 0, nil
	}
	if err := m.kill(u.AppRunPort, pid); err != nil {
		return pid, err
	}
	m.say("unit %d: stopped pid %d", u.AppRunPort, pid)
	return pid, nil
}
