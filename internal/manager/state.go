package manager

import (
	"github.com/hashicorp/go-version"

	"github.com/loykin/deployr/internal/platform"
	"github.com/loykin/deployr/internal/registry"
)

// ChangeState says which artifacts of a unit have a newer remote version.
type ChangeState int

const (
	NoChange ChangeState = iota
	AppChanged
	JdkChanged
	BothChanged
)

func (s ChangeState) String() string {
	switch s {
	case AppChanged:
		return "app-changed"
	case JdkChanged:
		return "jdk-changed"
	case BothChanged:
		return "both-changed"
	default:
		return "no-change"
	}
}

// App reports whether the application archive must be refreshed.
func (s ChangeState) App() bool { return s == AppChanged || s == BothChanged }

// Jdk reports whether the runtime archive must be refreshed.
func (s ChangeState) Jdk() bool { return s == JdkChanged || s == BothChanged }

// Newer reports whether remote takes precedence over installed. Versions
// that do not parse are compared by inequality.
func Newer(installed, remote string) bool {
	iv, err := version.NewVersion(installed)
	if err != nil {
		return installed != remote
	}
	rv, err := version.NewVersion(remote)
	if err != nil {
		return installed != remote
	}
	return rv.GreaterThan(iv)
}

// Compare computes the change state of u against the latest descriptor.
// The application and the runtime are compared independently.
func Compare(u registry.Unit, latest platform.Installer) ChangeState {
	app := Newer(u.AppVersion, latest.AppVersion)
	jdk := Newer(u.JdkVersion, latest.JdkVersion)
	switch {
	case app && jdk:
		return BothChanged
	case app:
		return AppChanged
	case jdk:
		return JdkChanged
	default:
		return NoChange
	}
}

// apply refreshes u from the latest descriptor. Only artifacts that changed
// take the remote name, version and file; the port never moves.
func apply(u registry.Unit, latest platform.Installer, state ChangeState) registry.Unit {
	if latest.InstallerToken != "" {
		u.InstallerToken = latest.InstallerToken
	}
	if latest.URL != "" {
		u.URL = latest.URL
	}
	if state.App() {
		u.AppName = latest.AppName
		u.AppVersion = latest.AppVersion
		u.AppFileName = latest.AppFileName
	}
	if state.Jdk() {
		u.JdkName = latest.JdkName
		u.JdkVersion = latest.JdkVersion
		u.JdkFileName = latest.JdkFileName
	}
	return u
}

// unitFrom turns a freshly registered descriptor into a persisted unit.
func unitFrom(inst platform.Installer, url string, port int) registry.Unit {
	u := registry.Unit{
		URL:            inst.URL,
		InstallerToken: inst.InstallerToken,
		AppName:        inst.AppName,
		AppVersion:     inst.AppVersion,
		AppFileName:    inst.AppFileName,
		AppRunPort:     inst.AppRunPort,
		JdkName:        inst.JdkName,
		JdkVersion:     inst.JdkVersion,
		JdkFileName:    inst.JdkFileName,
	}
	if u.URL == "" {
		u.URL = url
	}
	if u.AppRunPort == 0 {
		u.AppRunPort = port
	}
	return u
}
