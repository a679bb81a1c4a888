package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/onkernel/gpumode/cmd/gpumoded/config"
	"github.com/onkernel/gpumode/lib/controller"
	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/modeconfig"
)

// ModeService is the part of the controller the control socket exposes.
type ModeService interface {
	Mode() gfx.Mode
	PendingMode() gfx.Mode
	PendingAction() gfx.RequiredUserAction
	Config() modeconfig.Config
	Vendor(ctx context.Context) (gfx.Vendor, error)
	Power(ctx context.Context) (gfx.GpuPowerState, error)
	SupportedModes(ctx context.Context) ([]gfx.Mode, error)
	SetMode(ctx context.Context, target gfx.Mode) (gfx.RequiredUserAction, error)
	SetConfig(ctx context.Context, next modeconfig.Config) error
}

// Subscriber hands out event streams.
type Subscriber interface {
	Subscribe(ctx context.Context, buffer int) <-chan events.Event
}

var _ ModeService = (*controller.Controller)(nil)
var _ Subscriber = (*events.Bus)(nil)

// ApiService serves the control socket.
type ApiService struct {
	Config *config.Config
	Modes  ModeService
	Events Subscriber
}

// New creates a new ApiService
func New(config *config.Config, modes ModeService, events Subscriber) *ApiService {
	return &ApiService{
		Config: config,
		Modes:  modes,
		Events: events,
	}
}

// Routes mounts the request/response endpoints. The event stream is mounted
// separately with StreamRoutes because it must stay clear of timeouts.
func (s *ApiService) Routes(r chi.Router) {
	r.Get("/health", s.GetHealth)
	r.Get("/version", s.GetVersion)
	r.Get("/mode", s.GetMode)
	r.Put("/mode", s.SetMode)
	r.Get("/modes", s.GetSupportedModes)
	r.Get("/vendor", s.GetVendor)
	r.Get("/power", s.GetPower)
	r.Get("/pending/mode", s.GetPendingMode)
	r.Get("/pending/action", s.GetPendingAction)
	r.Get("/config", s.GetConfig)
	r.Put("/config", s.SetConfig)
}

// StreamRoutes mounts the websocket endpoints.
func (s *ApiService) StreamRoutes(r chi.Router) {
	r.Get("/events", s.EventsHandler)
}
