//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/gpumode/cmd/gpumoded/api"
	"github.com/onkernel/gpumode/cmd/gpumoded/config"
	"github.com/onkernel/gpumode/lib/controller"
	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/modeconfig"
	"github.com/onkernel/gpumode/lib/otel"
	"github.com/onkernel/gpumode/lib/paths"
	"github.com/onkernel/gpumode/lib/providers"
	"github.com/onkernel/gpumode/lib/session"
	"github.com/onkernel/gpumode/lib/units"
)

// application struct to hold initialized components
type application struct {
	Ctx        context.Context
	Logger     *slog.Logger
	Config     *config.Config
	Paths      *paths.Paths
	ModeConfig *modeconfig.Config
	Controller *controller.Controller
	Events     *events.Bus
	Logind     *session.Logind
	Systemd    *units.Systemd
	ApiService *api.ApiService
}

// initializeApp is the injector function
func initializeApp(cfg *config.Config, tel *otel.Provider) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvidePaths,
		providers.ProvideModeConfig,
		providers.ProvideGpu,
		providers.ProvideGuard,
		providers.ProvideQuirks,
		providers.ProvideLogind,
		providers.ProvideSystemd,
		providers.ProvideEventBus,
		providers.ProvideExecutor,
		providers.ProvideController,
		wire.Bind(new(api.ModeService), new(*controller.Controller)),
		wire.Bind(new(api.Subscriber), new(*events.Bus)),
		api.New,
		wire.Struct(new(application), "*"),
	))
}
