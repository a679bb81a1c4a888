package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveUnix serves h on a unix socket and returns a client for it.
func serveUnix(t *testing.T, h http.Handler) *Client {
	t.Helper()
	dir, err := os.MkdirTemp("", "rpc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "s.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return NewClient(sock)
}

func reply(status int, v any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
}

func TestClientGetters(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /mode", reply(http.StatusOK, ModeResponse{Mode: gfx.ModeIntegrated}))
	mux.Handle("GET /modes", reply(http.StatusOK, ModesResponse{Modes: []gfx.Mode{gfx.ModeIntegrated}}))
	mux.Handle("GET /vendor", reply(http.StatusOK, VendorResponse{Vendor: gfx.VendorAMD}))
	mux.Handle("GET /power", reply(http.StatusOK, PowerResponse{Power: gfx.PowerOff}))
	mux.Handle("GET /pending/action", reply(http.StatusOK, ActionResponse{Action: gfx.ActionLogout}))
	mux.Handle("GET /version", reply(http.StatusOK, VersionResponse{Version: "9"}))
	c := serveUnix(t, mux)
	ctx := context.Background()

	mode, err := c.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, gfx.ModeIntegrated, mode)

	modes, err := c.SupportedModes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []gfx.Mode{gfx.ModeIntegrated}, modes)

	vendor, err := c.Vendor(ctx)
	require.NoError(t, err)
	assert.Equal(t, gfx.VendorAMD, vendor)

	power, err := c.Power(ctx)
	require.NoError(t, err)
	assert.Equal(t, gfx.PowerOff, power)

	action, err := c.PendingAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionLogout, action)

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9", v.Version)
}

func TestClientSetModeSendsBody(t *testing.T) {
	var got SetModeRequest
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /mode", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reply(http.StatusOK, ActionResponse{Action: gfx.ActionReboot})(w, r)
	})
	c := serveUnix(t, mux)

	action, err := c.SetMode(context.Background(), "vfio")
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionReboot, action)
	assert.Equal(t, "vfio", got.Mode)
}

func TestClientErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("PUT /mode", reply(http.StatusConflict, ErrorResponse{Code: CodeVfioDisabled, Message: "off"}))
	mux.HandleFunc("GET /mode", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "not json")
	})
	c := serveUnix(t, mux)

	_, err := c.SetMode(context.Background(), "Vfio")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, http.StatusConflict, rpcErr.Status)
	assert.Equal(t, CodeVfioDisabled, rpcErr.Code)
	assert.Equal(t, "off", rpcErr.Message)

	_, err = c.Mode(context.Background())
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, http.StatusBadGateway, rpcErr.Status)
	assert.Equal(t, CodeInternal, rpcErr.Code)
}

func TestClientNoDaemon(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.Mode(context.Background())
	require.Error(t, err)
	var rpcErr *Error
	assert.NotErrorAs(t, err, &rpcErr)
}

func TestClientWatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteJSON(events.ModeChanged(gfx.ModeVfio))
		ws.WriteJSON(events.UserActionRequired(gfx.ActionLogout))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	c := serveUnix(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []events.Event
	err := c.Watch(ctx, func(e events.Event) { got = append(got, e) })
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, gfx.ModeVfio, got[0].Mode)
	assert.Equal(t, gfx.ActionLogout, got[1].Action)
}
