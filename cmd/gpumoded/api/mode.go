package api

import (
	"encoding/json"
	"net/http"

	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/logger"
	"github.com/onkernel/gpumode/lib/rpc"
)

// maxBodyBytes bounds request bodies; the largest is a config document.
const maxBodyBytes = 64 << 10

func (s *ApiService) GetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rpc.ModeResponse{Mode: s.Modes.Mode()})
}

// SetMode requests a mode change. User actions are successes; only planner
// and device failures are errors.
func (s *ApiService) SetMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req rpc.SetModeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, rpc.CodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	target, err := gfx.ParseMode(req.Mode)
	if err != nil || target == gfx.ModeNone {
		writeError(w, http.StatusBadRequest, rpc.CodeUnsupportedMode, "unknown graphics mode "+req.Mode)
		return
	}

	logger.FromContext(ctx).InfoContext(ctx, "mode change requested", "target", target)
	action, err := s.Modes.SetMode(ctx, target)
	if err != nil {
		s.fail(w, r, "mode change failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.ActionResponse{Action: action, Message: action.Describe()})
}

func (s *ApiService) GetSupportedModes(w http.ResponseWriter, r *http.Request) {
	modes, err := s.Modes.SupportedModes(r.Context())
	if err != nil {
		s.fail(w, r, "failed to list supported modes", err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.ModesResponse{Modes: modes})
}

func (s *ApiService) GetVendor(w http.ResponseWriter, r *http.Request) {
	vendor, err := s.Modes.Vendor(r.Context())
	if err != nil {
		s.fail(w, r, "failed to read vendor", err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.VendorResponse{Vendor: vendor})
}

func (s *ApiService) GetPower(w http.ResponseWriter, r *http.Request) {
	power, err := s.Modes.Power(r.Context())
	if err != nil {
		s.fail(w, r, "failed to read power status", err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.PowerResponse{Power: power})
}

func (s *ApiService) GetPendingMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rpc.ModeResponse{Mode: s.Modes.PendingMode()})
}

func (s *ApiService) GetPendingAction(w http.ResponseWriter, r *http.Request) {
	action := s.Modes.PendingAction()
	writeJSON(w, http.StatusOK, rpc.ActionResponse{Action: action, Message: action.Describe()})
}
