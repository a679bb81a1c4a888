// Package rpc holds the control socket message types and a client for them.
package rpc

import (
	"fmt"

	"github.com/onkernel/gpumode/lib/gfx"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeUnsupportedMode = "unsupported_mode"
	CodeVfioDisabled    = "vfio_disabled"
	CodeMuxHardwired    = "mux_hardwired"
	CodeDgpuNotFound    = "dgpu_not_found"
	CodeLogoutTimeout   = "logout_timeout"
	CodeInternal        = "internal_error"
)

type VersionResponse struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version,omitempty"`
	Kernel    string `json:"kernel,omitempty"`
}

type ModeResponse struct {
	Mode gfx.Mode `json:"mode"`
}

type ModesResponse struct {
	Modes []gfx.Mode `json:"modes"`
}

type VendorResponse struct {
	Vendor gfx.Vendor `json:"vendor"`
}

type PowerResponse struct {
	Power gfx.GpuPowerState `json:"power"`
}

type ActionResponse struct {
	Action  gfx.RequiredUserAction `json:"action"`
	Message string                 `json:"message,omitempty"`
}

// SetModeRequest accepts any spelling gfx.ParseMode does.
type SetModeRequest struct {
	Mode string `json:"mode"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is a non-2xx reply from the daemon.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
