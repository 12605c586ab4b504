package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(port int, appVersion string) Unit {
	return Unit{
		URL:            "https://platform.example",
		InstallerToken: "inst-" + appVersion,
		AppName:        "demo",
		AppVersion:     appVersion,
		AppFileName:    "demo-" + appVersion + ".jar",
		AppRunPort:     port,
		JdkName:        "openjdk",
		JdkVersion:     "11.0.2",
		JdkFileName:    "openjdk-11.0.2.zip",
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "installer_config.toml"))
	f, err := r.Load()
	require.NoError(t, err)
	assert.Empty(t, f.Installers)
	assert.Empty(t, f.ServerToken)
}

func TestSaveLoadRoundTripSortedByPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "installer_config.toml")
	r := New(path)

	require.NoError(t, r.Mutate(func(f *File) error {
		require.NoError(t, f.Add(unit(9000, "1.0.0")))
		return f.Add(unit(8080, "2.0.0"))
	}))

	f, err := r.Load()
	require.NoError(t, err)
	require.Len(t, f.Installers, 2)
	assert.Equal(t, 8080, f.Installers[0].AppRunPort)
	assert.Equal(t, 9000, f.Installers[1].AppRunPort)
	assert.NotEmpty(t, f.ServerToken)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "[[installers]]")
	assert.Contains(t, string(raw), "app_run_port = 8080")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestSaveGeneratesServerTokenOnce(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "d.toml"))
	f := &File{}
	require.NoError(t, r.Save(f))
	require.NotEmpty(t, f.ServerToken)

	loaded, err := r.Load()
	require.NoError(t, err)
	require.NoError(t, r.Save(loaded))
	assert.Equal(t, f.ServerToken, loaded.ServerToken)
}

func TestAddRejectsDuplicatePort(t *testing.T) {
	f := &File{}
	require.NoError(t, f.Add(unit(8080, "1.0.0")))
	err := f.Add(unit(8080, "1.1.0"))
	assert.ErrorIs(t, err, ErrPortTaken)
}

func TestReplaceAndRemove(t *testing.T) {
	f := &File{}
	require.NoError(t, f.Add(unit(8080, "1.0.0")))
	require.NoError(t, f.Replace(unit(8080, "1.1.0")))
	u, ok := f.Find(8080)
	require.True(t, ok)
	assert.Equal(t, "1.1.0", u.AppVersion)

	assert.ErrorIs(t, f.Replace(unit(9090, "1.0.0")), ErrNotRegistered)
	assert.True(t, f.Remove(8080))
	assert.False(t, f.Remove(8080))
	assert.Empty(t, f.Installers)
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is = = not toml"), 0o644))
	_, err := New(path).Load()
	assert.True(t, errors.Is(err, ErrCorrupt))

	dup := strings.Join([]string{
		"[[installers]]", "app_run_port = 80",
		"[[installers]]", "app_run_port = 80",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(dup), 0o644))
	_, err = New(path).Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestMutateErrorDoesNotSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.toml")
	r := New(path)
	err := r.Mutate(func(f *File) error { return errors.New("nope") })
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnitRefsAndValidate(t *testing.T) {
	u := unit(8080, "1.2.0")
	assert.Equal(t, "demo", u.App().Name)
	assert.Equal(t, "demo-1.2.0.jar", u.App().FileName)
	assert.Equal(t, "11.0.2", u.Jdk().Version)
	require.NoError(t, u.Validate())

	bad := u
	bad.AppRunPort = 0
	assert.Error(t, bad.Validate())
	bad = u
	bad.JdkFileName = "../x.zip"
	assert.Error(t, bad.Validate())
}
