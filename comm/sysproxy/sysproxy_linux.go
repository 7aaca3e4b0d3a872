//go:build linux

package sysproxy

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
)

// gsettings covers GNOME and most GTK desktops.
func gsettings(args ...string) error {
	path, err := exec.LookPath("gsettings")
	if err != nil {
		return ErrUnsupported
	}
	if out, err := exec.Command(path, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("gsettings %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func enable(addr string, bypass []string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	for _, scheme := range []string{"http", "https", "socks"} {
		if err := gsettings("set", "org.gnome.system.proxy."+scheme, "host", host); err != nil {
			return err
		}
		if err := gsettings("set", "org.gnome.system.proxy."+scheme, "port", port); err != nil {
			return err
		}
	}
	ignore := make([]string, 0, len(bypass))
	for _, b := range bypass {
		if b = strings.TrimSpace(b); b != "" && b != "<local>" {
			ignore = append(ignore, "'"+b+"'")
		}
	}
	if err := gsettings("set", "org.gnome.system.proxy", "ignore-hosts", "["+strings.Join(ignore, ", ")+"]"); err != nil {
		return err
	}
	return gsettings("set", "org.gnome.system.proxy", "mode", "manual")
}

func disable() error {
	return gsettings("set", "org.gnome.system.proxy", "mode", "none")
}
