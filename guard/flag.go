package guard

import "sync/atomic"

// Flag is a cross-goroutine armed/disarmed switch.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) Arm() { f.v.Store(true) }

func (f *Flag) Disarm() { f.v.Store(false) }

func (f *Flag) IsArmed() bool { return f.v.Load() }
