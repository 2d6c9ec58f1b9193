package agent

import (
	"errors"
	"fmt"
)

// ErrIterationLimit ends a turn that keeps asking for tools past the
// configured bound.
var ErrIterationLimit = errors.New("iteration limit reached")

// ErrSchedulerClosed is returned by Submit after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// BackendError is a failed model call: transport, timeout, or output
// that does not parse. It is not retried.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string { return "model backend: " + e.Err.Error() }
func (e *BackendError) Unwrap() error { return e.Err }

// PersistenceError is a failed history or policy read or write. The
// turn cannot continue with a context it can no longer trust.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
