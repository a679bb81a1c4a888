package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/logger"
	"github.com/onkernel/gpumode/lib/paths"
	"github.com/onkernel/gpumode/lib/quirks"
	"github.com/onkernel/gpumode/lib/session"
	"github.com/onkernel/gpumode/lib/units"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	nvidiaPowerdUnit       = "nvidia-powerd.service"
	nvidiaPersistencedUnit = "nvidia-persistenced.service"

	// DefaultLogoutPollInterval is how often sessions are listed while waiting for logout.
	DefaultLogoutPollInterval = 100 * time.Millisecond
)

// GpuUsers finds and stops processes holding the dGPU open.
type GpuUsers interface {
	KillUsers(ctx context.Context, nodes []string) ([]int, error)
}

// ExecutorConfig wires the collaborators a plan runs against.
type ExecutorConfig struct {
	Paths          *paths.Paths
	Sessions       session.Monitor
	Units          units.Controller
	Modules        devices.Modules
	Users          GpuUsers
	Quirks         *quirks.Quirks
	DisplayManager string

	LogoutPollInterval time.Duration
	UnitWaitTimeout    time.Duration
	UnitWaitInterval   time.Duration

	Metrics *Metrics
}

// Executor runs plans one stage at a time.
type Executor struct {
	paths          *paths.Paths
	sessions       session.Monitor
	units          units.Controller
	modules        devices.Modules
	users          GpuUsers
	quirks         *quirks.Quirks
	displayManager string

	logoutPoll   time.Duration
	unitTimeout  time.Duration
	unitInterval time.Duration

	metrics *Metrics
}

// NewExecutor creates an Executor, filling in default intervals.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		paths:          cfg.Paths,
		sessions:       cfg.Sessions,
		units:          cfg.Units,
		modules:        cfg.Modules,
		users:          cfg.Users,
		quirks:         cfg.Quirks,
		displayManager: cfg.DisplayManager,
		logoutPoll:     cfg.LogoutPollInterval,
		unitTimeout:    cfg.UnitWaitTimeout,
		unitInterval:   cfg.UnitWaitInterval,
		metrics:        cfg.Metrics,
	}
	if e.logoutPoll <= 0 {
		e.logoutPoll = DefaultLogoutPollInterval
	}
	if e.unitTimeout <= 0 {
		e.unitTimeout = units.DefaultWaitTimeout
	}
	if e.unitInterval <= 0 {
		e.unitInterval = units.DefaultWaitInterval
	}
	return e
}

// Run executes plan. WaitLogout runs before the GPU is acquired so a waiting
// plan does not block queries. ctx is checked between stages only: a stage
// that has started always runs to completion. After a failure or cancel the
// display manager is started again if the plan had stopped it; device state
// is left as it is.
func (e *Executor) Run(ctx context.Context, plan *Plan, guard *devices.Guard) (err error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	if e.metrics != nil && e.metrics.tracer != nil {
		var span trace.Span
		ctx, span = e.metrics.tracer.Start(ctx, "RunPlan", trace.WithAttributes(
			attribute.String("from", string(plan.From)),
			attribute.String("target", string(plan.Target)),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	defer func() {
		status := "success"
		switch {
		case errors.Is(err, ErrCancelled):
			status = "cancelled"
		case err != nil:
			status = "error"
		}
		e.recordPlan(ctx, plan, start, status)
	}()

	if err := Validate(plan.stages); err != nil {
		return err
	}

	stages := plan.stages
	log.InfoContext(ctx, "running mode change plan", "from", plan.From, "target", plan.Target, "stages", len(stages))

	if len(stages) > 0 && stages[0] == StageWaitLogout {
		if err := e.runStage(ctx, plan, nil, StageWaitLogout); err != nil {
			return err
		}
		stages = stages[1:]
	}

	gpu, err := guard.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	defer guard.Release()

	dmStopped := false
	defer func() {
		if err != nil && dmStopped {
			e.restoreDisplayManager(context.WithoutCancel(ctx))
		}
	}()

	for _, stage := range stages {
		if ctx.Err() != nil {
			log.InfoContext(ctx, "mode change cancelled between stages", "next", stage)
			return ErrCancelled
		}
		if err := e.runStage(context.WithoutCancel(ctx), plan, gpu, stage); err != nil {
			return err
		}
		switch stage {
		case StageStopDisplayManager:
			dmStopped = true
		case StageStartDisplayManager:
			dmStopped = false
		}
	}

	log.InfoContext(ctx, "mode change plan complete", "target", plan.Target, "duration", time.Since(start))
	return nil
}

func (e *Executor) runStage(ctx context.Context, plan *Plan, gpu *devices.DiscreteGpu, stage Stage) error {
	log := logger.FromContext(ctx)
	start := time.Now()

	if e.metrics != nil && e.metrics.tracer != nil {
		var span trace.Span
		ctx, span = e.metrics.tracer.Start(ctx, string(stage))
		defer span.End()
	}

	log.DebugContext(ctx, "running stage", "stage", stage)
	err := e.stage(ctx, plan, gpu, stage)
	if err != nil {
		e.recordStage(ctx, stage, start, "error")
		if errors.Is(err, ErrCancelled) || errors.Is(err, ErrLogoutTimeout) {
			return err
		}
		log.ErrorContext(ctx, "stage failed", "stage", stage, "error", err)
		return &StageError{Stage: stage, Err: err}
	}
	e.recordStage(ctx, stage, start, "success")
	return nil
}

func (e *Executor) stage(ctx context.Context, plan *Plan, gpu *devices.DiscreteGpu, stage Stage) error {
	log := logger.FromContext(ctx)
	nvidia := plan.Vendor == gfx.VendorNvidia

	switch stage {
	case StageNoLogind:
		return nil

	case StageWaitLogout:
		return e.waitLogout(ctx, plan.LogoutTimeout)

	case StageStopDisplayManager:
		return units.StopAndWait(ctx, e.units, e.displayManager, e.unitTimeout, e.unitInterval)

	case StageStartDisplayManager:
		return units.StartAndWait(ctx, e.units, e.displayManager, e.unitTimeout, e.unitInterval)

	case StageDisableNvidiaPowerd:
		if err := e.units.Stop(ctx, nvidiaPowerdUnit); err != nil {
			log.WarnContext(ctx, "failed to stop nvidia-powerd", "error", err)
		}
		return nil

	case StageEnableNvidiaPowerd:
		if err := e.units.Start(ctx, nvidiaPowerdUnit); err != nil {
			log.WarnContext(ctx, "failed to start nvidia-powerd", "error", err)
		}
		return nil

	case StageKillGpuUsers:
		if nvidia {
			if err := e.units.Stop(ctx, nvidiaPersistencedUnit); err != nil {
				log.WarnContext(ctx, "failed to stop nvidia-persistenced", "error", err)
			}
		}
		pids, err := e.users.KillUsers(ctx, gpu.DeviceNodes())
		if len(pids) > 0 {
			log.InfoContext(ctx, "stopped processes using the discrete GPU", "count", len(pids))
		}
		return err

	case StageUnloadGpuDrivers:
		return e.unloadAll(ctx, devices.UnloadOrder(devices.NvidiaModules))

	case StageLoadGpuDrivers:
		mods := devices.NvidiaModules
		if plan.Target == gfx.ModeCompute {
			mods = devices.NvidiaComputeModules
		}
		for _, m := range mods {
			if err := e.modules.Load(ctx, m); err != nil {
				return err
			}
		}
		return gpu.TriggerDriverBind(ctx)

	case StageUnloadVfioDrivers:
		if err := e.unloadAll(ctx, devices.VfioModules); err != nil {
			return err
		}
		return gpu.ClearDriverOverride(ctx)

	case StageLoadVfioDrivers:
		if err := e.modules.Load(ctx, "vfio-pci"); err != nil {
			return err
		}
		return gpu.BindVFIO(ctx)

	case StageUnbindGpu:
		return gpu.Unbind(ctx)

	case StageRemoveGpu:
		return gpu.Remove(ctx)

	case StageWriteDriverConfig:
		content := devices.RenderDriverConfig(plan.Target, plan.Vendor, gpu.VfioIDs())
		return devices.WriteDriverConfig(ctx, e.paths.DriverConfig(), content)

	case StageRescanPci:
		if err := devices.RescanBus(ctx, e.paths); err != nil {
			return err
		}
		if err := gpu.Refresh(ctx); err != nil {
			log.WarnContext(ctx, "discrete GPU not found after rescan", "error", err)
		}
		return nil

	case StageRuntimePmAuto:
		return gpu.SetRuntimePM(ctx, devices.RuntimePMAuto)

	case StageHotplugOn, StageHotplugOff:
		return gpu.SetHotplugPower(ctx, stage == StageHotplugOn)

	case StageDgpuEnable, StageDgpuDisable:
		if e.quirks == nil || e.quirks.DgpuDisable == nil {
			return quirks.ErrUnavailable
		}
		return e.quirks.DgpuDisable.Set(ctx, stage == StageDgpuDisable)

	case StageEgpuEnable, StageEgpuDisable:
		if e.quirks == nil || e.quirks.EgpuEnable == nil {
			return quirks.ErrUnavailable
		}
		return e.quirks.EgpuEnable.Set(ctx, stage == StageEgpuEnable)

	case StageMuxDgpu:
		if e.quirks == nil || e.quirks.GpuMux == nil {
			return quirks.ErrUnavailable
		}
		return e.quirks.GpuMux.Set(ctx, quirks.MuxDiscreet)

	case StageMuxIgpu:
		if e.quirks == nil || e.quirks.GpuMux == nil {
			return quirks.ErrUnavailable
		}
		return e.quirks.GpuMux.Set(ctx, quirks.MuxOptimus)
	}
	return fmt.Errorf("%w: no handler for stage %s", ErrActionOrder, stage)
}

func (e *Executor) unloadAll(ctx context.Context, mods []string) error {
	for _, m := range mods {
		if err := e.modules.Unload(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// waitLogout blocks until no graphical session remains. timeout 0 waits forever.
func (e *Executor) waitLogout(ctx context.Context, timeout time.Duration) error {
	log := logger.FromContext(ctx)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(e.logoutPoll)
	defer ticker.Stop()

	logged := false
	for {
		sessions, err := e.sessions.ListSessions(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			log.WarnContext(ctx, "failed to list sessions", "error", err)
		} else if remaining := session.Graphical(sessions); len(remaining) == 0 {
			log.InfoContext(ctx, "all graphical sessions ended")
			return nil
		} else if !logged {
			log.InfoContext(ctx, "waiting for graphical sessions to end", "sessions", len(remaining), "timeout", timeout)
			logged = true
		}

		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-deadline:
			return fmt.Errorf("%w after %s", ErrLogoutTimeout, timeout)
		case <-ticker.C:
		}
	}
}

func (e *Executor) restoreDisplayManager(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.WarnContext(ctx, "restarting display manager after aborted mode change", "unit", e.displayManager)
	if err := e.units.Restart(ctx, e.displayManager); err != nil {
		log.ErrorContext(ctx, "failed to restart display manager", "unit", e.displayManager, "error", err)
	}
}
