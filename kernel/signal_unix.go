//go:build !windows

package kernel

import (
	"os"
	"os/exec"
	"syscall"
)

func interrupt(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

func hideWindow(*exec.Cmd) {}
