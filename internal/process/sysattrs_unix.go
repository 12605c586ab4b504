//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// javaExecutable is the runtime launcher name inside <runtime>/bin.
const javaExecutable = "java"

// configureSysProcAttr starts the child in a new session (setsid) so it is
// detached from the controlling terminal and survives the agent's exit.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// makeExecutable adds the execute bits that archives and copies may lose.
func makeExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := fi.Mode().Perm()
	if mode&0o111 == 0o111 {
		return nil
	}
	return os.Chmod(path, mode|0o111)
}
