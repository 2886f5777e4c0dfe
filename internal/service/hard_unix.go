//go:build unix

package service

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the wrapper as a leader of a new process group, so
// the whole tree can be killed at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if err != nil {
		return p.Kill()
	}
	return nil
}

func signaledKill(state *os.ProcessState) bool {
	ws, ok := state.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL
}
