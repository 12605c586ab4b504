//go:build !windows

package detector

import "syscall"

// killPID sends SIGKILL.
func killPID(pid int32) error {
	return syscall.Kill(int(pid), syscall.SIGKILL)
}
