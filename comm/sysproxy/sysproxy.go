// Package sysproxy points the desktop's proxy settings at the local mixed
// listener.
package sysproxy

import (
	"errors"
	"strings"
)

var ErrUnsupported = errors.New("system proxy not supported on this platform")

// Proxy implements kernel.SystemProxy for the current OS.
type Proxy struct{}

func (Proxy) Enable(addr string, bypass []string) error {
	return enable(addr, bypass)
}

func (Proxy) Disable() error {
	return disable()
}

func joinBypass(bypass []string, sep string) string {
	var out []string
	for _, b := range bypass {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return strings.Join(out, sep)
}
