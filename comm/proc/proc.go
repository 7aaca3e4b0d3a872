// Package proc finds and kills processes by executable name. Each platform
// uses its own mechanism; only the function set is shared.
package proc

import (
	"os"
	"path/filepath"
	"strings"
)

// System is the process table of the running OS.
type System struct{}

func (System) IsProcessRunning(name string) bool {
	return IsProcessRunning(name)
}

func (System) KillByName(name string, exceptPID int) error {
	return KillByName(name, exceptPID)
}

func (System) KillByPid(pid int) error {
	return KillByPid(pid)
}

// IsProcessRunning reports whether any process other than this one runs
// the executable name.
func IsProcessRunning(name string) bool {
	pids, err := Find(name)
	return err == nil && len(pids) > 0
}

// KillByName kills every process running name except exceptPID and the
// current process. Failures on individual pids are collected.
func KillByName(name string, exceptPID int) error {
	pids, err := Find(name)
	if err != nil {
		return err
	}
	var errs []string
	for _, pid := range pids {
		if pid == exceptPID {
			continue
		}
		if err := KillByPid(pid); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return &KillError{Name: name, Errs: errs}
	}
	return nil
}

type KillError struct {
	Name string
	Errs []string
}

func (e *KillError) Error() string {
	return "kill " + e.Name + ": " + strings.Join(e.Errs, "; ")
}

// baseName strips any directory from name.
func baseName(name string) string {
	return filepath.Base(strings.TrimSpace(name))
}

func self(pid int) bool {
	return pid == os.Getpid()
}
