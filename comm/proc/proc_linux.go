//go:build linux

package proc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// comm values are truncated by the kernel to 15 bytes.
const commLen = 15

// Find scans /proc for processes whose exe or comm matches name.
func Find(name string) ([]int, error) {
	name = baseName(name)
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	short := name
	if len(short) > commLen {
		short = short[:commLen]
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || self(pid) {
			continue
		}
		dir := filepath.Join("/proc", e.Name())
		if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
			if filepath.Base(strings.TrimSuffix(exe, " (deleted)")) == name {
				pids = append(pids, pid)
				continue
			}
		}
		comm, err := os.ReadFile(filepath.Join(dir, "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == short && !zombie(dir) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// zombie reports a process that has exited but was not reaped.
func zombie(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return true
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] == 'Z'
}
