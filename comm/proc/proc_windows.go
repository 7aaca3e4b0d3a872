//go:build windows

package proc

import (
	"fmt"
	"strings"

	"github.com/yusufpapurcu/wmi"
	"golang.org/x/sys/windows"
)

type win32Process struct {
	ProcessId uint32
	Name      string
}

// Find queries Win32_Process for an exact image name.
func Find(name string) ([]int, error) {
	name = strings.ReplaceAll(baseName(name), "'", "")
	var dst []win32Process
	q := wmi.CreateQuery(&dst, fmt.Sprintf("WHERE Name = '%s'", name))
	if err := wmi.Query(q, &dst); err != nil {
		return nil, err
	}
	var pids []int
	for _, p := range dst {
		if !self(int(p.ProcessId)) {
			pids = append(pids, int(p.ProcessId))
		}
	}
	return pids, nil
}

func KillByPid(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		if err == windows.ERROR_INVALID_PARAMETER {
			return nil
		}
		return fmt.Errorf("open %d: %w", pid, err)
	}
	defer windows.CloseHandle(h)
	if err := windows.TerminateProcess(h, 1); err != nil {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	return nil
}

func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}
