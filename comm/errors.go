package comm

import (
	"errors"
	"fmt"
)

var (
	ErrConfig         = errors.New("config error")
	ErrAlreadyRunning = errors.New("kernel already running")
	ErrNotRunning     = errors.New("kernel not running")
	ErrStartFailed    = errors.New("kernel start failed")
	ErrStopFailed     = errors.New("kernel stop failed")
	ErrNetwork        = errors.New("network error")
	ErrTimeout        = errors.New("timeout")
)

// Error carries one of the sentinel kinds above plus the operation and
// cause. errors.Is matches both the kind and anything in the cause chain.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind error, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the taxonomy kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, k := range []error{ErrConfig, ErrAlreadyRunning, ErrNotRunning, ErrStartFailed, ErrStopFailed, ErrNetwork, ErrTimeout} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
