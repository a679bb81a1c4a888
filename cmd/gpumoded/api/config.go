package api

import (
	"encoding/json"
	"net/http"

	"github.com/onkernel/gpumode/lib/rpc"
)

func (s *ApiService) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Modes.Config())
}

// SetConfig decodes the body over the current config, so fields left out
// keep their value. Unknown fields are rejected.
func (s *ApiService) SetConfig(w http.ResponseWriter, r *http.Request) {
	next := s.Modes.Config()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, rpc.CodeInvalidRequest, "invalid config: "+err.Error())
		return
	}
	if err := s.Modes.SetConfig(r.Context(), next); err != nil {
		s.fail(w, r, "config update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Modes.Config())
}
