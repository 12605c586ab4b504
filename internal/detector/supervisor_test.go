package detector

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listener(port uint32, pid int32, status string) gnet.ConnectionStat {
	return gnet.ConnectionStat{Laddr: gnet.Addr{IP: "0.0.0.0", Port: port}, Status: status, Pid: pid}
}

func fixedConns(conns ...gnet.ConnectionStat) ConnLister {
	return func(context.Context) ([]gnet.ConnectionStat, error) { return conns, nil }
}

func TestFindByPortExactMatch(t *testing.T) {
	s := NewPortSupervisor(WithConnLister(fixedConns(
		listener(8080, 4242, "LISTEN"),
		listener(18080, 5555, "LISTEN"),
	)))
	ctx := context.Background()

	_, ok, err := s.FindByPort(ctx, 80)
	require.NoError(t, err)
	assert.False(t, ok, "port 80 must not match a listener on 8080")

	_, ok, err = s.FindByPort(ctx, 808)
	require.NoError(t, err)
	assert.False(t, ok)

	pid, ok, err := s.FindByPort(ctx, 8080)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(4242), pid)
}

func TestFindByPortIgnoresNonListening(t *testing.T) {
	s := NewPortSupervisor(WithConnLister(fixedConns(
		gnet.ConnectionStat{Laddr: gnet.Addr{Port: 51000}, Raddr: gnet.Addr{Port: 8080}, Status: "ESTABLISHED", Pid: 1},
		listener(8080, 2, "TIME_WAIT"),
	)))
	_, ok, err := s.FindByPort(context.Background(), 8080)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindByPortInvisibleOwner(t *testing.T) {
	s := NewPortSupervisor(WithConnLister(fixedConns(listener(9000, 0, "LISTEN"))))
	pid, ok, err := s.FindByPort(context.Background(), 9000)
	require.NoError(t, err)
	assert.True(t, ok, "an occupied port counts even without a pid")
	assert.Equal(t, int32(0), pid)

	err = s.Kill(pid)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, KindKill, de.Kind)
}

func TestFindByPortLookupError(t *testing.T) {
	s := NewPortSupervisor(WithConnLister(func(context.Context) ([]gnet.ConnectionStat, error) {
		return nil, errors.New("permission denied")
	}))
	_, _, err := s.FindByPort(context.Background(), 8080)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, KindLookup, de.Kind)

	_, _, err = s.FindByPort(context.Background(), 70000)
	require.True(t, errors.As(err, &de))
}

func TestKillDelegatesToPrimitive(t *testing.T) {
	var killed []int32
	s := NewPortSupervisor(WithKill(func(pid int32) error {
		killed = append(killed, pid)
		if pid == 13 {
			return errors.New("operation not permitted")
		}
		return nil
	}))
	require.NoError(t, s.Kill(42))
	err := s.Kill(13)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, int32(13), de.PID)
	assert.Equal(t, []int32{42, 13}, killed)
}

func TestPortDetector(t *testing.T) {
	s := NewPortSupervisor(WithConnLister(fixedConns(listener(8080, 7, "LISTEN"))))
	var d Detector = PortDetector{Port: 8080, Finder: s}
	pid, alive, err := d.Alive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, int32(7), pid)

	d = PortDetector{Port: 80, Finder: s}
	_, alive, err = d.Alive(context.Background())
	require.NoError(t, err)
	assert.False(t, alive)
	assert.Equal(t, "tcp-listen:80", d.Describe())
}

func TestFindByPortRealListener(t *testing.T) {
	if testing.Short() {
		t.Skip("reads the host socket table")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	pid, ok, err := NewPortSupervisor().FindByPort(context.Background(), port)
	if err != nil {
		t.Skipf("socket table unavailable: %v", err)
	}
	require.True(t, ok)
	if pid != 0 {
		assert.Equal(t, int32(os.Getpid()), pid)
	}

	info := Inspect(context.Background(), int32(os.Getpid()))
	assert.Equal(t, int32(os.Getpid()), info.PID)
	assert.False(t, info.StartedAt.IsZero())
}
