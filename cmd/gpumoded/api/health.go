package api

import (
	"net/http"

	"github.com/onkernel/gpumode/lib/otel"
	"github.com/onkernel/gpumode/lib/rpc"
)

// GetHealth implements health check endpoint
func (s *ApiService) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetVersion reports the daemon build.
func (s *ApiService) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rpc.VersionResponse{
		Version:   s.Config.Version,
		GoVersion: otel.GoVersion(),
		Kernel:    otel.KernelRelease(),
	})
}
