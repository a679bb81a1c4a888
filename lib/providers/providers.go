package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onkernel/gpumode/cmd/gpumoded/config"
	"github.com/onkernel/gpumode/lib/actions"
	"github.com/onkernel/gpumode/lib/controller"
	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/logger"
	"github.com/onkernel/gpumode/lib/modeconfig"
	"github.com/onkernel/gpumode/lib/otel"
	"github.com/onkernel/gpumode/lib/paths"
	"github.com/onkernel/gpumode/lib/quirks"
	"github.com/onkernel/gpumode/lib/session"
	"github.com/onkernel/gpumode/lib/units"
)

// ProvideLogger provides the daemon logger and makes it the slog default
func ProvideLogger(tel *otel.Provider) *slog.Logger {
	log := logger.NewSubsystemLogger(logger.SubsystemController, logger.NewConfig(), tel.LogHandler)
	slog.SetDefault(log)
	return log
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvidePaths provides the host paths rooted at ROOT_DIR
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.RootDir)
}

// ProvideModeConfig loads the persisted mode config, migrating old formats
func ProvideModeConfig(ctx context.Context, p *paths.Paths) (*modeconfig.Config, error) {
	return modeconfig.Load(ctx, p.ConfigFile())
}

// ProvideGpu enumerates the discrete GPU. A machine without one, or with a
// bus that cannot be read, still gets a daemon that offers Integrated only.
func ProvideGpu(ctx context.Context, p *paths.Paths) *devices.DiscreteGpu {
	gpu, err := devices.Discover(ctx, p)
	if err == nil {
		return gpu
	}
	log := logger.FromContext(ctx)
	if errors.Is(err, devices.ErrDgpuNotFound) {
		log.InfoContext(ctx, "no discrete GPU found, only Integrated mode is available")
	} else {
		log.WarnContext(ctx, "failed to enumerate discrete GPU", "error", err)
	}
	return devices.NewEmptyGpu(p)
}

// ProvideGuard provides the lock every GPU access goes through
func ProvideGuard(gpu *devices.DiscreteGpu) *devices.Guard {
	return devices.NewGuard(gpu)
}

// ProvideQuirks detects the vendor firmware toggles
func ProvideQuirks(cfg *config.Config, p *paths.Paths) *quirks.Quirks {
	return quirks.Detect(p, cfg.QuirkSettle)
}

// ProvideLogind connects to systemd-logind
func ProvideLogind() (*session.Logind, func(), error) {
	l, err := session.NewLogind()
	if err != nil {
		return nil, nil, err
	}
	return l, func() { l.Close() }, nil
}

// ProvideSystemd connects to the systemd manager
func ProvideSystemd(ctx context.Context) (*units.Systemd, func(), error) {
	s, err := units.NewSystemd(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

// ProvideEventBus provides the bus daemon notifications go out on
func ProvideEventBus() *events.Bus {
	return events.NewBus()
}

// ProvideExecutor provides the plan executor
func ProvideExecutor(cfg *config.Config, p *paths.Paths, logind *session.Logind, systemd *units.Systemd, q *quirks.Quirks, tel *otel.Provider) (*actions.Executor, error) {
	metrics, err := actions.NewMetrics(tel.MeterFor(logger.SubsystemActions), tel.TracerFor(logger.SubsystemActions))
	if err != nil {
		return nil, fmt.Errorf("create action metrics: %w", err)
	}
	return actions.NewExecutor(actions.ExecutorConfig{
		Paths:          p,
		Sessions:       logind,
		Units:          systemd,
		Modules:        devices.NewKernelModules(),
		Users:          devices.NewProcessKiller(p.ProcRoot()),
		Quirks:         q,
		DisplayManager: cfg.DisplayManager,
		Metrics:        metrics,
	}), nil
}

// ProvideController provides the mode controller. Its cleanup stops a
// background change that is still waiting.
func ProvideController(
	ctx context.Context,
	cfg *config.Config,
	p *paths.Paths,
	modeCfg *modeconfig.Config,
	exec *actions.Executor,
	guard *devices.Guard,
	q *quirks.Quirks,
	bus *events.Bus,
	tel *otel.Provider,
) (*controller.Controller, func(), error) {
	ctrl, err := controller.New(ctx, controller.Options{
		Paths:          p,
		Config:         modeCfg,
		Executor:       exec,
		Guard:          guard,
		Quirks:         q,
		Events:         bus,
		SupersedeGrace: cfg.SupersedeGrace,
		Meter:          tel.MeterFor(logger.SubsystemController),
		Tracer:         tel.TracerFor(logger.SubsystemController),
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SupersedeGrace)
		defer cancel()
		if err := ctrl.Shutdown(shutdownCtx); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "background mode change did not stop in time", "error", err)
		}
	}
	return ctrl, cleanup, nil
}
