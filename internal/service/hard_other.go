//go:build !unix

package service

import (
	"os"
	"os/exec"
)

func setProcessGroup(_ *exec.Cmd) {}

func killTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func signaledKill(_ *os.ProcessState) bool {
	return false
}
