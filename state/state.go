// Package state holds the kernel lifecycle state machine. State and the
// control-API port share one atomic word, so a reader never observes
// Running without its port or a stopped state with a stale port.
package state

import (
	"sync/atomic"
)

type KernelState uint32

const (
	Stopped KernelState = iota
	Starting
	Running
	Stopping
	Failed
	Crashed
)

func (s KernelState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	case Crashed:
		return "crashed"
	}
	return "unknown"
}

// allowed[from] lists the states reachable from from.
var allowed = [...][]KernelState{
	Stopped:  {Starting},
	Starting: {Running, Failed, Stopping, Stopped},
	Running:  {Stopping, Crashed, Running},
	Stopping: {Stopped, Failed},
	Failed:   {Starting, Stopped},
	Crashed:  {Starting, Stopped},
}

func CanTransition(from, to KernelState) bool {
	if int(from) >= len(allowed) {
		return false
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Manager struct {
	word atomic.Uint64
}

func NewManager() *Manager {
	return &Manager{}
}

func pack(s KernelState, port uint16) uint64 {
	return uint64(s)<<32 | uint64(port)
}

func unpack(w uint64) (KernelState, uint16) {
	return KernelState(w >> 32), uint16(w)
}

func (m *Manager) State() KernelState {
	s, _ := unpack(m.word.Load())
	return s
}

func (m *Manager) APIPort() int {
	_, p := unpack(m.word.Load())
	return int(p)
}

// Snapshot returns state and port from the same load.
func (m *Manager) Snapshot() (KernelState, int) {
	s, p := unpack(m.word.Load())
	return s, int(p)
}

func (m *Manager) transition(to KernelState, port uint16, from ...KernelState) bool {
	for {
		old := m.word.Load()
		cur, _ := unpack(old)
		ok := false
		for _, f := range from {
			ok = ok || f == cur
		}
		if !ok || !CanTransition(cur, to) {
			return false
		}
		if m.word.CompareAndSwap(old, pack(to, port)) {
			return true
		}
	}
}

// TryTransitionToStarting is the start gate; only one of several
// concurrent callers wins.
func (m *Manager) TryTransitionToStarting() bool {
	return m.transition(Starting, 0, Stopped, Failed, Crashed)
}

func (m *Manager) TryTransitionToStopping() bool {
	for {
		old := m.word.Load()
		cur, port := unpack(old)
		if cur != Running && cur != Starting {
			return false
		}
		if m.word.CompareAndSwap(old, pack(Stopping, port)) {
			return true
		}
	}
}

// MarkRunning records the port; a zero port is refused.
func (m *Manager) MarkRunning(port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	return m.transition(Running, uint16(port), Starting, Running)
}

func (m *Manager) MarkStopped() bool {
	return m.transition(Stopped, 0, Starting, Stopping, Failed, Crashed)
}

func (m *Manager) MarkFailed() bool {
	return m.transition(Failed, 0, Starting, Stopping)
}

func (m *Manager) MarkCrashed() bool {
	return m.transition(Crashed, 0, Running)
}
