//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// javaw runs without attaching a console, so the child is not tied to the
// agent's console window.
const javaExecutable = "javaw.exe"

// Windows creation flags
const (
	CREATE_NEW_PROCESS_GROUP = 0x00000200
	DETACHED_PROCESS         = 0x00000008
)

// configureSysProcAttr detaches the child from the agent's console and
// process group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: CREATE_NEW_PROCESS_GROUP | DETACHED_PROCESS}
}

func makeExecutable(string) error { return nil }
