//go:build windows

package kernel

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// interrupt has no console signal to send to a detached child, so the
// process is killed directly.
func interrupt(p *os.Process) error {
	return p.Kill()
}

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: windows.CREATE_NO_WINDOW}
}
