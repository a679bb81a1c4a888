package actions

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedMode is returned when the target mode is not available on this machine
	ErrUnsupportedMode = errors.New("unsupported mode")

	// ErrVfioDisabled is returned when Vfio is requested but vfio_enable is off
	ErrVfioDisabled = errors.New("vfio mode is disabled in config")

	// ErrMuxHardwired is returned when a change needs the mux but it is set to the dGPU
	ErrMuxHardwired = errors.New("gpu mux is hardwired to the discrete GPU")

	// ErrLogoutTimeout is returned when graphical sessions outlive logout_timeout_s
	ErrLogoutTimeout = errors.New("timed out waiting for logout")

	// ErrActionOrder is matched by every OrderError
	ErrActionOrder = errors.New("action order violation")

	// ErrCancelled is returned when a newer request supersedes a running plan
	ErrCancelled = errors.New("mode change cancelled")
)

// StageError wraps the failure of a single stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
