package platform

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	gnet "github.com/shirou/gopsutil/v4/net"
)

// HostInfo identifies this machine to the platform.
type HostInfo struct {
	// ServerToken is the upper-case MAC address of the primary interface.
	ServerToken string
	IP          string
	OSType      string
	OSVersion   string
	// TargetOS is the artifact platform name: windows, linux or macos.
	TargetOS string
	// Arch is the artifact architecture name: x86_64, aarch64, x86 or arm.
	Arch string
}

// ErrNoInterface is returned when no up, non-loopback IPv4 interface exists.
var ErrNoInterface = errors.New("no usable network interface")

// TargetOS maps a GOOS value to the platform's operating-system name.
func TargetOS(goos string) string {
	switch goos {
	case "darwin":
		return "macos"
	default:
		return goos
	}
}

// Arch maps a GOARCH value to the platform's architecture name.
func Arch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "x86"
	default:
		return goarch
	}
}

// CollectHostInfo inspects network interfaces and the OS release.
func CollectHostInfo(ctx context.Context) (HostInfo, error) {
	hi := HostInfo{TargetOS: TargetOS(runtime.GOOS), Arch: Arch(runtime.GOARCH)}

	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return hi, err
	}
	mac, ip, ok := primaryInterface(ifaces)
	if !ok {
		return hi, ErrNoInterface
	}
	hi.ServerToken, hi.IP = mac, ip

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return hi, err
	}
	hi.OSType = info.Platform
	if hi.OSType == "" {
		hi.OSType = info.OS
	}
	hi.OSVersion = info.PlatformVersion
	return hi, nil
}

func primaryInterface(ifaces gnet.InterfaceStatList) (mac, ip string, ok bool) {
	for _, ifc := range ifaces {
		if ifc.HardwareAddr == "" || !hasFlag(ifc.Flags, "up") || hasFlag(ifc.Flags, "loopback") {
			continue
		}
		for _, a := range ifc.Addrs {
			addr := a.Addr
			if i := strings.IndexByte(addr, '/'); i >= 0 {
				addr = addr[:i]
			}
			parsed := net.ParseIP(addr)
			if parsed == nil || parsed.To4() == nil || parsed.IsLoopback() {
				continue
			}
			return strings.ToUpper(ifc.HardwareAddr), parsed.String(), true
		}
	}
	return "", "", false
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
