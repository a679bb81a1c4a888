package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/onkernel/gpumode/lib/actions"
	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/logger"
	"github.com/onkernel/gpumode/lib/rpc"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, rpc.ErrorResponse{Code: code, Message: message})
}

// errorStatus maps sentinel errors to a status and code. Anything unknown is
// an internal error.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, actions.ErrUnsupportedMode):
		return http.StatusBadRequest, rpc.CodeUnsupportedMode
	case errors.Is(err, actions.ErrVfioDisabled):
		return http.StatusConflict, rpc.CodeVfioDisabled
	case errors.Is(err, actions.ErrMuxHardwired):
		return http.StatusConflict, rpc.CodeMuxHardwired
	case errors.Is(err, devices.ErrDgpuNotFound):
		return http.StatusNotFound, rpc.CodeDgpuNotFound
	case errors.Is(err, actions.ErrLogoutTimeout):
		return http.StatusGatewayTimeout, rpc.CodeLogoutTimeout
	default:
		return http.StatusInternalServerError, rpc.CodeInternal
	}
}

func (s *ApiService) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).ErrorContext(r.Context(), msg, "error", err)
	}
	writeError(w, status, code, err.Error())
}
