//go:build !windows && !linux

package sysproxy

func enable(string, []string) error { return ErrUnsupported }

func disable() error { return ErrUnsupported }
