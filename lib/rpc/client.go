package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/modeconfig"
)

// baseURL is a placeholder host; every request goes over the socket.
const baseURL = "http://gpumoded"

// DefaultTimeout covers the slowest inline switch, which unloads drivers.
const DefaultTimeout = 2 * time.Minute

// Client talks to gpumoded over its unix socket.
type Client struct {
	socket string
	http   *http.Client
	dialer *websocket.Dialer
	base   string
}

// NewClient creates a client for the socket at path.
func NewClient(path string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
	return &Client{
		socket: path,
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: &http.Transport{DialContext: dial},
		},
		dialer: &websocket.Dialer{NetDialContext: dial, HandshakeTimeout: 10 * time.Second},
		base:   baseURL,
	}
}

// Socket returns the socket path the client dials.
func (c *Client) Socket() string {
	return c.socket
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			return &Error{Status: resp.StatusCode, Code: CodeInternal, Message: resp.Status}
		}
		return &Error{Status: resp.StatusCode, Code: e.Code, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Version(ctx context.Context) (VersionResponse, error) {
	var v VersionResponse
	err := c.do(ctx, http.MethodGet, "/version", nil, &v)
	return v, err
}

func (c *Client) Mode(ctx context.Context) (gfx.Mode, error) {
	var r ModeResponse
	err := c.do(ctx, http.MethodGet, "/mode", nil, &r)
	return r.Mode, err
}

func (c *Client) SupportedModes(ctx context.Context) ([]gfx.Mode, error) {
	var r ModesResponse
	err := c.do(ctx, http.MethodGet, "/modes", nil, &r)
	return r.Modes, err
}

func (c *Client) Vendor(ctx context.Context) (gfx.Vendor, error) {
	var r VendorResponse
	err := c.do(ctx, http.MethodGet, "/vendor", nil, &r)
	return r.Vendor, err
}

func (c *Client) Power(ctx context.Context) (gfx.GpuPowerState, error) {
	var r PowerResponse
	err := c.do(ctx, http.MethodGet, "/power", nil, &r)
	return r.Power, err
}

func (c *Client) PendingMode(ctx context.Context) (gfx.Mode, error) {
	var r ModeResponse
	err := c.do(ctx, http.MethodGet, "/pending/mode", nil, &r)
	return r.Mode, err
}

func (c *Client) PendingAction(ctx context.Context) (gfx.RequiredUserAction, error) {
	var r ActionResponse
	err := c.do(ctx, http.MethodGet, "/pending/action", nil, &r)
	return r.Action, err
}

// SetMode requests a switch and returns what the user has to do next.
func (c *Client) SetMode(ctx context.Context, mode string) (gfx.RequiredUserAction, error) {
	var r ActionResponse
	err := c.do(ctx, http.MethodPut, "/mode", SetModeRequest{Mode: mode}, &r)
	return r.Action, err
}

func (c *Client) Config(ctx context.Context) (modeconfig.Config, error) {
	var cfg modeconfig.Config
	err := c.do(ctx, http.MethodGet, "/config", nil, &cfg)
	return cfg, err
}

// SetConfig sends a partial config document as is.
func (c *Client) SetConfig(ctx context.Context, patch json.RawMessage) (modeconfig.Config, error) {
	var cfg modeconfig.Config
	err := c.do(ctx, http.MethodPut, "/config", patch, &cfg)
	return cfg, err
}

// Watch calls fn for each daemon event until ctx is done or the stream
// breaks. A cancelled ctx is not an error.
func (c *Client) Watch(ctx context.Context, fn func(events.Event)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	url := "ws" + c.base[len("http"):] + "/events"
	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ws.Close()
	}()

	for {
		var e events.Event
		if err := ws.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		fn(e)
	}
}
