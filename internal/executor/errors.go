package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrLaunch is wrapped by every *LaunchError.
	ErrLaunch = errors.New("job launch failed")
	// ErrJobExit is wrapped by every *JobExitError.
	ErrJobExit = errors.New("job exited non-zero")
)

// LaunchError means the job's process could not be started at all
// (missing script, permission denied, missing interpreter).
type LaunchError struct {
	Job  string
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%v: %s (%s): %v", ErrLaunch, e.Job, e.Path, e.Err)
}

func (e *LaunchError) Unwrap() []error { return []error{ErrLaunch, e.Err} }

// JobExitError means the process ran and exited with a non-zero status.
type JobExitError struct {
	Job  string
	Code int
	// TimedOut is set when the job was killed by the job timeout.
	TimedOut bool
}

func (e *JobExitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%v: %s: killed after timeout", ErrJobExit, e.Job)
	}
	return fmt.Sprintf("%v: %s: exit status %d", ErrJobExit, e.Job, e.Code)
}

func (e *JobExitError) Unwrap() error { return ErrJobExit }
