package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deployr/internal/platform/platformtest"
)

func staticHost(context.Context) (HostInfo, error) {
	return HostInfo{ServerToken: "AA:BB:CC:DD:EE:FF", IP: "10.0.0.5", OSType: "ubuntu", OSVersion: "22.04", TargetOS: "linux", Arch: "x86_64"}, nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{Host: staticHost})
	require.NoError(t, err)
	return c
}

func TestRegisterSendsHostIdentity(t *testing.T) {
	srv := platformtest.New()
	t.Cleanup(srv.Close)
	srv.AddRegistration("reg-1", platformtest.Installer{
		AppName: "demo", AppVersion: "1.0.0", AppFileName: "demo-1.0.0.jar",
		JdkName: "openjdk", JdkVersion: "11.0.2", JdkFileName: "openjdk-11.0.2.zip",
	})

	c := newTestClient(t)
	inst, err := c.Register(context.Background(), srv.URL, "reg-1", 8080, "")
	require.NoError(t, err)

	assert.Equal(t, "inst-8080", inst.InstallerToken)
	assert.Equal(t, 8080, inst.AppRunPort)
	assert.Equal(t, "demo", inst.AppName)
	assert.Equal(t, srv.URL, inst.URL)

	require.Len(t, srv.RegisterRequests, 1)
	got := srv.RegisterRequests[0]
	assert.Equal(t, "reg-1", got.Token)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got.ServerToken)
	assert.Equal(t, "10.0.0.5", got.IP)
	assert.Equal(t, 8080, got.AppRunPort)
	assert.Equal(t, "x86_64", got.Arch)
}

func TestRegisterValidationError(t *testing.T) {
	srv := platformtest.New()
	t.Cleanup(srv.Close)
	srv.RejectRegistration("bad", map[string][]string{
		"token":      {"expired"},
		"appRunPort": {"already used", "out of range"},
	})

	c := newTestClient(t)
	_, err := c.Register(context.Background(), srv.URL, "bad", 8080, "server-x")
	require.Error(t, err)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindValidation, pe.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, pe.Status)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"appRunPort: already used", "appRunPort: out of range", "token: expired"}, ve.Messages())
	assert.Equal(t, "server-x", srv.RegisterRequests[0].ServerToken)
}

func TestRequestLatestAndDeregister(t *testing.T) {
	srv := platformtest.New()
	t.Cleanup(srv.Close)
	srv.SetLatest(platformtest.Installer{InstallerToken: "tok", AppName: "demo", AppVersion: "2.0.0", AppRunPort: 9000})

	c := newTestClient(t)
	inst, err := c.RequestLatest(context.Background(), srv.URL+"/", "tok", 9000, "srv")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", inst.AppVersion)
	assert.Equal(t, "tok", srv.LatestRequests[0].Token)

	require.NoError(t, c.Deregister(context.Background(), srv.URL, "tok"))
	assert.Equal(t, []string{"tok"}, srv.Deregistrations())

	_, err = c.RequestLatest(context.Background(), srv.URL, "tok", 9000, "srv")
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindStatus, pe.Kind)
	assert.Equal(t, http.StatusNotFound, pe.Status)
}

func TestDeregisterFailure(t *testing.T) {
	srv := platformtest.New()
	t.Cleanup(srv.Close)
	srv.FailDeregister("tok")

	err := newTestClient(t).Deregister(context.Background(), srv.URL, "tok")
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindStatus, pe.Kind)
	assert.Equal(t, http.StatusInternalServerError, pe.Status)
}

func TestNetworkAndDecodeErrors(t *testing.T) {
	c := newTestClient(t)

	_, err := c.RequestLatest(context.Background(), "http://127.0.0.1:1", "tok", 1, "")
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindNetwork, pe.Kind)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(ts.Close)
	_, err = c.RequestLatest(context.Background(), ts.URL, "tok", 1, "")
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindDecode, pe.Kind)
}

func TestHostCollectedOnce(t *testing.T) {
	calls := 0
	c, err := New(Config{Host: func(ctx context.Context) (HostInfo, error) {
		calls++
		return staticHost(ctx)
	}})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.Host(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestNewRejectsUnreadableCACert(t *testing.T) {
	_, err := New(Config{CACert: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}

func TestRegisterWithoutHostIdentity(t *testing.T) {
	srv := platformtest.New()
	t.Cleanup(srv.Close)
	srv.AddRegistration("reg-1", platformtest.Installer{
		AppName: "demo", AppVersion: "1.0.0", AppFileName: "demo-1.0.0.jar",
		JdkName: "openjdk", JdkVersion: "11.0.2", JdkFileName: "openjdk-11.0.2.zip",
	})

	c, err := New(Config{Host: func(context.Context) (HostInfo, error) {
		return HostInfo{Arch: "x86_64"}, ErrNoInterface
	}})
	require.NoError(t, err)

	_, err = c.Register(context.Background(), srv.URL, "reg-1", 8080, "")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindNetwork, pe.Kind)
	assert.ErrorIs(t, err, ErrNoInterface)
	assert.Empty(t, srv.RegisterRequests)

	_, err = c.Register(context.Background(), srv.URL, "reg-1", 8080, "6F1C-TOKEN")
	require.NoError(t, err)
	require.Len(t, srv.RegisterRequests, 1)
	assert.Equal(t, "6F1C-TOKEN", srv.RegisterRequests[0].ServerToken)
	assert.Equal(t, "x86_64", srv.RegisterRequests[0].Arch)
}
