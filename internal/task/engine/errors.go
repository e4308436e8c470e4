package engine

import "errors"

var (
	// ErrNoTargets means the task's selector matched no stored groups.
	ErrNoTargets = errors.New("no target groups")
	// ErrNothingSent means every forward of the run failed.
	ErrNothingSent = errors.New("no forward succeeded")
)

// TargetError is one failed forward. It does not abort the run.
type TargetError struct {
	GroupID  int64
	Fallback bool
	Err      error
}

func (e TargetError) Error() string { return e.Err.Error() }
func (e TargetError) Unwrap() error { return e.Err }
