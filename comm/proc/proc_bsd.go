//go:build unix && !linux

package proc

import (
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// Find asks pgrep for exact name matches.
func Find(name string) ([]int, error) {
	out, err := exec.Command("pgrep", "-x", baseName(name)).Output()
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	var pids []int
	for _, line := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(line)
		if err == nil && !self(pid) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
