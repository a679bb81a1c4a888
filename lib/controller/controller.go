// Package controller owns the mode config and the discrete GPU and serializes
// every mode change made to them.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/gpumode/lib/actions"
	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/logger"
	"github.com/onkernel/gpumode/lib/modeconfig"
	"github.com/onkernel/gpumode/lib/paths"
	"github.com/onkernel/gpumode/lib/quirks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSupersedeGrace is how long a new request waits for a superseded
// background change to stop.
const DefaultSupersedeGrace = 2 * time.Second

// Executor runs plans.
type Executor interface {
	Run(ctx context.Context, plan *actions.Plan, guard *devices.Guard) error
}

// Options wires a Controller.
type Options struct {
	Paths    *paths.Paths
	Config   *modeconfig.Config
	Executor Executor
	Guard    *devices.Guard
	Quirks   *quirks.Quirks
	Events   events.Publisher

	SupersedeGrace time.Duration

	Meter  metric.Meter
	Tracer trace.Tracer
}

type deferredTask struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller is the only writer of the mode config and the discrete GPU.
type Controller struct {
	paths   *paths.Paths
	exec    Executor
	guard   *devices.Guard
	quirks  *quirks.Quirks
	events  events.Publisher
	grace   time.Duration
	cmdline string

	// opMu serializes SetMode, SetConfig, Reload and HandleResume.
	opMu sync.Mutex

	// cfgMu guards cfg, state and task. It is never held while a plan runs.
	cfgMu sync.Mutex
	cfg   *modeconfig.Config
	state State
	task  *deferredTask

	baseCtx context.Context
	wg      sync.WaitGroup
	metrics *Metrics
}

// New creates a Controller. Background changes run under ctx and stop when it
// is cancelled.
func New(ctx context.Context, opts Options) (*Controller, error) {
	c := &Controller{
		paths:   opts.Paths,
		exec:    opts.Executor,
		guard:   opts.Guard,
		quirks:  opts.Quirks,
		events:  opts.Events,
		grace:   opts.SupersedeGrace,
		cfg:     opts.Config,
		state:   StateIdle,
		baseCtx: ctx,
	}
	if c.grace <= 0 {
		c.grace = DefaultSupersedeGrace
	}
	if c.events == nil {
		c.events = events.NewBus()
	}
	if data, err := os.ReadFile(c.paths.ProcCmdline()); err == nil {
		c.cmdline = string(data)
	} else {
		logger.FromContext(ctx).WarnContext(ctx, "failed to read kernel command line", "error", err)
	}

	if opts.Meter != nil {
		m, err := newMetrics(opts.Meter, opts.Tracer, c)
		if err != nil {
			return nil, fmt.Errorf("create controller metrics: %w", err)
		}
		c.metrics = m
	}
	return c, nil
}

// Mode returns the current mode, the temporary one when set.
func (c *Controller) Mode() gfx.Mode {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.cfg.EffectiveMode()
}

// PendingMode returns the mode waiting on a user action, or ModeNone.
func (c *Controller) PendingMode() gfx.Mode {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.cfg.PendingMode
}

// PendingAction returns the user action a pending change waits on.
func (c *Controller) PendingAction() gfx.RequiredUserAction {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.cfg.PendingAction
}

// State returns the controller state.
func (c *Controller) State() State {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.state
}

// Config returns a copy of the config.
func (c *Controller) Config() modeconfig.Config {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return *c.cfg
}

// Vendor returns the dGPU vendor.
func (c *Controller) Vendor(ctx context.Context) (gfx.Vendor, error) {
	vendor := gfx.VendorUnknown
	err := c.guard.With(ctx, func(gpu *devices.DiscreteGpu) error {
		vendor = gpu.Vendor()
		return nil
	})
	return vendor, err
}

// Power returns the runtime power state of the dGPU.
func (c *Controller) Power(ctx context.Context) (gfx.GpuPowerState, error) {
	if c.quirks.DgpuDisabled() {
		return gfx.PowerVendorDisabled, nil
	}
	state := gfx.PowerOff
	err := c.guard.With(ctx, func(gpu *devices.DiscreteGpu) error {
		state = gpu.PowerStatus()
		return nil
	})
	return state, err
}

// SupportedModes lists the modes SetMode accepts.
func (c *Controller) SupportedModes(ctx context.Context) ([]gfx.Mode, error) {
	caps, err := c.capabilities(ctx)
	if err != nil {
		return nil, err
	}
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return actions.SupportedModes(*c.cfg, caps), nil
}

func (c *Controller) capabilities(ctx context.Context) (actions.Capabilities, error) {
	var caps actions.Capabilities
	err := c.guard.With(ctx, func(gpu *devices.DiscreteGpu) error {
		caps.Vendor = gpu.Vendor()
		caps.DgpuFound = gpu.Found()
		caps.HasHotplugSlot = gpu.HasHotplugSlot()
		return nil
	})
	if err != nil {
		return caps, err
	}
	if q := c.quirks; q != nil {
		caps.DgpuDisableToggle = q.DgpuDisable != nil
		caps.EgpuToggle = q.EgpuEnable != nil
		caps.Mux = q.GpuMux != nil
	}
	caps.VendorDisabled = c.quirks.DgpuDisabled()
	caps.MuxDiscreet = c.quirks.MuxDiscreet()
	caps.ModesetPinned = gfx.NvidiaModesetPinned(c.cmdline)
	return caps, nil
}

// SetMode asks for target and reports what the caller must do for it to take
// effect. A pending background change is cancelled first.
func (c *Controller) SetMode(ctx context.Context, target gfx.Mode) (action gfx.RequiredUserAction, err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.setModeLocked(ctx, target)
}

func (c *Controller) setModeLocked(ctx context.Context, target gfx.Mode) (action gfx.RequiredUserAction, err error) {
	log := logger.FromContext(ctx)

	if c.metrics != nil && c.metrics.tracer != nil {
		var span trace.Span
		ctx, span = c.metrics.tracer.Start(ctx, "SetMode", trace.WithAttributes(attribute.String("target", string(target))))
		defer span.End()
	}
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.recordModeRequest(ctx, target, action, status)
	}()

	c.supersede(ctx)

	caps, err := c.capabilities(ctx)
	if err != nil {
		return "", err
	}

	c.cfgMu.Lock()
	if err := c.transitionLocked(ctx, StatePlanning); err != nil {
		c.cfgMu.Unlock()
		return "", err
	}
	from := c.cfg.EffectiveMode()
	plan, err := actions.NewPlan(actions.Request{Current: from, Target: target, Config: *c.cfg, Caps: caps})
	if err != nil {
		c.mustTransitionLocked(ctx, StateIdle)
		c.cfgMu.Unlock()
		log.WarnContext(ctx, "mode change rejected", "from", from, "target", target, "error", err)
		return "", err
	}
	log.InfoContext(ctx, "planned mode change", "from", from, "target", target,
		"action", plan.Action, "deferred", plan.Deferred, "stages", len(plan.Stages()))

	c.cfg.ClearPending()
	// Pending fields describe the background task only.
	if plan.Deferred {
		c.cfg.PendingMode = target
		c.cfg.PendingAction = plan.Action
	}
	if plan.PersistBoot {
		c.cfg.Mode = target
		c.cfg.TmpMode = ""
		if err := c.cfg.Save(c.paths.ConfigFile()); err != nil {
			c.cfg.ClearPending()
			c.mustTransitionLocked(ctx, StateIdle)
			c.cfgMu.Unlock()
			return "", err
		}
	}

	switch {
	case plan.Deferred:
		c.mustTransitionLocked(ctx, StateExecutingDeferred)
		c.startDeferredLocked(ctx, plan)
		c.cfgMu.Unlock()

	case plan.HasStages():
		c.mustTransitionLocked(ctx, StateExecutingInline)
		c.cfgMu.Unlock()

		// Inline plans finish even if the caller goes away.
		runErr := c.exec.Run(context.WithoutCancel(ctx), plan, c.guard)

		c.cfgMu.Lock()
		c.mustTransitionLocked(ctx, StateIdle)
		if runErr != nil {
			c.cfg.ClearPending()
			c.cfgMu.Unlock()
			log.ErrorContext(ctx, "mode change failed", "target", target, "error", runErr)
			return "", runErr
		}
		if plan.Action == gfx.ActionNothing {
			c.recordModeLocked(ctx, target)
		}
		c.cfgMu.Unlock()

	default:
		c.mustTransitionLocked(ctx, StateIdle)
		c.cfgMu.Unlock()
	}

	if plan.Action != gfx.ActionNothing {
		c.events.Publish(events.UserActionRequired(plan.Action))
	}
	return plan.Action, nil
}

// supersede cancels the background change, if any, and waits up to the grace
// period for it to stop.
func (c *Controller) supersede(ctx context.Context) {
	c.cfgMu.Lock()
	task := c.task
	c.task = nil
	if task != nil {
		c.cfg.ClearPending()
	}
	c.cfgMu.Unlock()
	if task == nil {
		return
	}

	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "cancelling pending mode change", "task", task.id)
	task.cancel()
	select {
	case <-task.done:
	case <-time.After(c.grace):
		log.WarnContext(ctx, "superseded mode change still finishing a stage", "task", task.id)
	}
}

func (c *Controller) startDeferredLocked(ctx context.Context, plan *actions.Plan) {
	id := cuid2.Generate()
	log := logger.FromContext(ctx).With("task", id)
	taskCtx, cancel := context.WithCancel(logger.AddToContext(c.baseCtx, log))
	task := &deferredTask{id: id, cancel: cancel, done: make(chan struct{})}
	c.task = task

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(task.done)
		defer cancel()
		c.runDeferred(taskCtx, task, plan)
	}()
}

func (c *Controller) runDeferred(ctx context.Context, task *deferredTask, plan *actions.Plan) {
	log := logger.FromContext(ctx)
	err := c.exec.Run(ctx, plan, c.guard)

	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	if c.task == task {
		c.task = nil
		c.cfg.ClearPending()
		c.mustTransitionLocked(ctx, StateIdle)
	}

	switch {
	case errors.Is(err, actions.ErrCancelled):
		log.InfoContext(ctx, "pending mode change cancelled", "target", plan.Target)
	case err != nil:
		log.ErrorContext(ctx, "pending mode change failed", "target", plan.Target, "error", err)
	default:
		c.recordModeLocked(ctx, plan.Target)
	}
}

// recordModeLocked stores a mode the hardware has reached and announces it.
func (c *Controller) recordModeLocked(ctx context.Context, mode gfx.Mode) {
	c.cfg.RecordMode(mode)
	if err := c.cfg.Save(c.paths.ConfigFile()); err != nil {
		logger.FromContext(ctx).ErrorContext(ctx, "failed to save config", "error", err)
	}
	logger.FromContext(ctx).InfoContext(ctx, "mode changed", "mode", mode)
	c.events.Publish(events.ModeChanged(mode))
}

func (c *Controller) transitionLocked(ctx context.Context, to State) error {
	if err := c.state.CanTransitionTo(to); err != nil {
		return err
	}
	c.recordStateTransition(ctx, c.state, to)
	c.state = to
	return nil
}

// mustTransitionLocked is for transitions that cannot fail given the caller's
// own earlier transition.
func (c *Controller) mustTransitionLocked(ctx context.Context, to State) {
	if err := c.transitionLocked(ctx, to); err != nil {
		logger.FromContext(ctx).ErrorContext(ctx, "unexpected controller state", "error", err)
		c.state = to
	}
}

// SetConfig replaces the tunables. The mode field is not a way to switch
// modes: a value equal to the current mode re-applies it, any other value is
// ignored.
func (c *Controller) SetConfig(ctx context.Context, next modeconfig.Config) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	log := logger.FromContext(ctx)

	c.cfgMu.Lock()
	current := c.cfg.EffectiveMode()
	requested := next.Mode
	next.Mode = c.cfg.Mode
	prev := *c.cfg
	c.cfg.ApplyPersisted(next)
	if err := c.cfg.Save(c.paths.ConfigFile()); err != nil {
		*c.cfg = prev
		c.cfgMu.Unlock()
		return err
	}
	c.cfgMu.Unlock()
	log.InfoContext(ctx, "config updated")

	switch {
	case requested == current:
		log.InfoContext(ctx, "re-applying current mode", "mode", current)
		_, err := c.setModeLocked(ctx, current)
		return err
	case requested != "" && requested != prev.Mode:
		log.WarnContext(ctx, "ignoring mode in config update, use set mode instead", "mode", requested)
	}
	return nil
}

// Shutdown cancels a background change and waits for it to stop.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cfgMu.Lock()
	if c.task != nil {
		c.task.cancel()
	}
	c.cfgMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
