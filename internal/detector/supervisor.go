package detector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ConnLister enumerates the host's TCP sockets.
type ConnLister func(ctx context.Context) ([]gnet.ConnectionStat, error)

// ListTCP lists IPv4 and IPv6 TCP sockets of every process.
func ListTCP(ctx context.Context) ([]gnet.ConnectionStat, error) {
	return gnet.ConnectionsWithContext(ctx, "tcp")
}

// PortSupervisor implements Supervisor over the socket table. The kill
// primitive is selected per platform at build time.
type PortSupervisor struct {
	list   ConnLister
	kill   func(pid int32) error
	logger *slog.Logger
}

type Option func(*PortSupervisor)

// WithConnLister replaces the socket source.
func WithConnLister(l ConnLister) Option { return func(s *PortSupervisor) { s.list = l } }

// WithKill replaces the termination primitive.
func WithKill(k func(pid int32) error) Option { return func(s *PortSupervisor) { s.kill = k } }

func WithLogger(l *slog.Logger) Option { return func(s *PortSupervisor) { s.logger = l } }

func NewPortSupervisor(opts ...Option) *PortSupervisor {
	s := &PortSupervisor{list: ListTCP, kill: killPID, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FindByPort matches listening sockets whose local port equals port exactly.
// A listener whose owner is not visible (pid 0) still counts as occupied.
func (s *PortSupervisor) FindByPort(ctx context.Context, port int) (int32, bool, error) {
	if port <= 0 || port > 65535 {
		return 0, false, &Error{Kind: KindLookup, Port: port, Err: errors.New("port out of range")}
	}
	conns, err := s.list(ctx)
	if err != nil {
		return 0, false, &Error{Kind: KindLookup, Port: port, Err: err}
	}
	found := false
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) {
			continue
		}
		if c.Pid > 0 {
			return c.Pid, true, nil
		}
		found = true
	}
	if found {
		s.logger.Debug("port is occupied by a process that is not visible", "port", port)
	}
	return 0, found, nil
}

func (s *PortSupervisor) Kill(pid int32) error {
	if pid <= 0 {
		return &Error{Kind: KindKill, PID: pid, Err: errors.New("owner of the port is not visible to this user")}
	}
	if err := s.kill(pid); err != nil {
		return &Error{Kind: KindKill, PID: pid, Err: err}
	}
	s.logger.Info("killed process", "pid", pid)
	return nil
}

// ProcessInfo describes a running process for listings.
type ProcessInfo struct {
	PID       int32     `json:"pid"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	RSSBytes  uint64    `json:"rss_bytes,omitempty"`
}

// Inspect gathers best-effort details about pid. Fields that cannot be read
// are left zero.
func Inspect(ctx context.Context, pid int32) ProcessInfo {
	info := ProcessInfo{PID: pid}
	if pid <= 0 {
		return info
	}
	info.StartedAt = procStartTime(pid)
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return info
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		info.RSSBytes = mi.RSS
	}
	return info
}
