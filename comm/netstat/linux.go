//go:build linux

package netstat

import (
	"github.com/cakturk/go-netstat/netstat"
)

// PortOwner returns the pid listening on TCP port, or 0 when nobody is.
// Process lookup is only done for the matching socket.
func PortOwner(port int) (int, error) {
	tbl, err := netstat.TCPSocks(func(s *netstat.SockTabEntry) bool {
		return s.State == netstat.Listen && s.LocalAddr.Port == uint16(port)
	})
	if err != nil {
		return 0, err
	}
	tbl6, err := netstat.TCP6Socks(func(s *netstat.SockTabEntry) bool {
		return s.State == netstat.Listen && s.LocalAddr.Port == uint16(port)
	})
	if err == nil {
		tbl = append(tbl, tbl6...)
	}
	for _, ent := range tbl {
		if ent.Process != nil {
			return ent.Process.Pid, nil
		}
	}
	return 0, nil
}

// Listening reports whether anything listens on TCP port.
func Listening(port int) bool {
	tbl, err := netstat.TCPSocks(func(s *netstat.SockTabEntry) bool {
		return s.State == netstat.Listen && s.LocalAddr.Port == uint16(port)
	})
	return err == nil && len(tbl) > 0
}
