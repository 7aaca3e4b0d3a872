//go:build windows

package netstat

import (
	"github.com/cakturk/go-netstat/netstat"
)

// PortOwner returns the pid listening on TCP port, or 0 when nobody is.
func PortOwner(port int) (int, error) {
	tbl, err := netstat.GetTCPTable2(true)
	if err != nil {
		return 0, err
	}
	s := tbl.Rows()
	for i := range s {
		if s[i].SockState() == netstat.Listen && s[i].LocalSock().Port == uint16(port) {
			return int(s[i].WinPid), nil
		}
	}
	return 0, nil
}

func Listening(port int) bool {
	pid, err := PortOwner(port)
	return err == nil && pid != 0
}
