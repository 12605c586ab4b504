package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/deployr/internal/platform"
	"github.com/loykin/deployr/internal/registry"
)

func TestNewer(t *testing.T) {
	cases := []struct {
		installed, remote string
		want              bool
	}{
		{"1.2.0", "1.3.0", true},
		{"1.3.0", "1.2.0", false},
		{"1.2.0", "1.2.0", false},
		{"1.9.0", "1.10.0", true},
		{"8", "8", false},
		{"8", "11", true},
		{"11.0.2", "11.0.10", true},
		{"nightly", "nightly", false},
		{"nightly", "nightly-2", true},
		{"1.0.0", "latest", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Newer(c.installed, c.remote), "%s -> %s", c.installed, c.remote)
	}
}

func TestCompareIndependentArtifacts(t *testing.T) {
	u := registry.Unit{AppVersion: "1.2.0", JdkVersion: "8"}
	assert.Equal(t, AppChanged, Compare(u, platform.Installer{AppVersion: "1.3.0", JdkVersion: "8"}))
	assert.Equal(t, JdkChanged, Compare(u, platform.Installer{AppVersion: "1.2.0", JdkVersion: "11"}))
	assert.Equal(t, BothChanged, Compare(u, platform.Installer{AppVersion: "2.0.0", JdkVersion: "11"}))
	assert.Equal(t, NoChange, Compare(u, platform.Installer{AppVersion: "1.2.0", JdkVersion: "8"}))
	assert.Equal(t, NoChange, Compare(u, platform.Installer{AppVersion: "1.1.0", JdkVersion: "7"}))
}

func TestApplyKeepsUnchangedArtifact(t *testing.T) {
	u := registry.Unit{
		URL: "http://p", InstallerToken: "old", AppRunPort: 8080,
		AppName: "demo", AppVersion: "1.2.0", AppFileName: "demo-1.2.0.jar",
		JdkName: "jdk", JdkVersion: "8", JdkFileName: "jdk-8.zip",
	}
	latest := platform.Installer{
		InstallerToken: "new", AppRunPort: 9999,
		AppName: "demo", AppVersion: "1.3.0", AppFileName: "demo-1.3.0.jar",
		JdkName: "jdk", JdkVersion: "8", JdkFileName: "jdk-8-other.zip",
	}
	got := apply(u, latest, AppChanged)
	assert.Equal(t, "new", got.InstallerToken)
	assert.Equal(t, "http://p", got.URL)
	assert.Equal(t, 8080, got.AppRunPort)
	assert.Equal(t, "demo-1.3.0.jar", got.AppFileName)
	assert.Equal(t, "jdk-8.zip", got.JdkFileName)
	assert.True(t, AppChanged.App())
	assert.False(t, AppChanged.Jdk())
	assert.True(t, BothChanged.Jdk())
	assert.Equal(t, "no-change", NoChange.String())
}
