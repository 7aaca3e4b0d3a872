//go:build !linux && !windows

package netstat

import (
	"errors"
	"net"
	"strconv"
	"time"
)

var ErrUnsupported = errors.New("socket table not available on this platform")

// PortOwner cannot map sockets to processes here.
func PortOwner(port int) (int, error) {
	return 0, ErrUnsupported
}

func Listening(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
