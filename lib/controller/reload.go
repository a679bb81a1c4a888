package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/onkernel/gpumode/lib/actions"
	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/logger"
)

// Reload reconciles the config with the hardware at startup and puts the GPU
// into the boot mode. Nobody is logged in yet, so the plan always runs inline.
func (c *Controller) Reload(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	log := logger.FromContext(ctx)

	caps, err := c.capabilities(ctx)
	if err != nil {
		return err
	}

	c.cfgMu.Lock()
	if err := c.applyCmdlineModeLocked(ctx, caps); err != nil {
		c.cfgMu.Unlock()
		return err
	}
	if c.cfg.Mode == gfx.ModeAsusMuxDiscreet && !(caps.Mux && caps.MuxDiscreet) {
		log.InfoContext(ctx, "gpu mux is back on optimus, switching config to Hybrid")
		c.cfg.Mode = gfx.ModeHybrid
		if err := c.cfg.Save(c.paths.ConfigFile()); err != nil {
			c.cfgMu.Unlock()
			return err
		}
	}
	cfg := *c.cfg
	c.cfgMu.Unlock()

	mode := cfg.EffectiveMode()

	if caps.VendorDisabled && cfg.HotplugType != gfx.HotplugAsus && mode.NeedsDgpu() {
		// Left over from another tool; without Asus hotplug nothing here would
		// turn the dGPU back on.
		log.InfoContext(ctx, "dGPU is disabled in firmware, re-enabling it", "mode", mode)
		if err := c.quirks.DgpuDisable.Set(ctx, false); err != nil {
			return fmt.Errorf("re-enable dGPU: %w", err)
		}
		err := c.guard.With(ctx, func(gpu *devices.DiscreteGpu) error {
			if err := devices.RescanBus(ctx, c.paths); err != nil {
				return err
			}
			if err := gpu.Refresh(ctx); err != nil {
				log.WarnContext(ctx, "discrete GPU not found after re-enabling", "error", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if caps, err = c.capabilities(ctx); err != nil {
			return err
		}
	}

	if supported := actions.SupportedModes(cfg, caps); !slices.Contains(supported, mode) {
		fallback := gfx.ModeIntegrated
		if slices.Contains(supported, gfx.ModeHybrid) {
			fallback = gfx.ModeHybrid
		}
		log.WarnContext(ctx, "boot mode is not available on this machine, using a fallback for this boot",
			"mode", mode, "fallback", fallback, "vfio_enable", cfg.VfioEnable, "egpu", caps.EgpuToggle)
		c.cfgMu.Lock()
		c.cfg.TmpMode = fallback
		cfg = *c.cfg
		c.cfgMu.Unlock()
		mode = fallback
	}

	plan, err := actions.NewBootPlan(mode, cfg, caps)
	if errors.Is(err, actions.ErrMuxHardwired) {
		// The panel is wired to the dGPU; only firmware can change that.
		log.WarnContext(ctx, "gpu mux is set to the discrete GPU, adopting it as the current mode", "configured", mode)
		c.cfgMu.Lock()
		defer c.cfgMu.Unlock()
		c.cfg.Mode = gfx.ModeAsusMuxDiscreet
		c.cfg.TmpMode = ""
		return c.cfg.Save(c.paths.ConfigFile())
	}
	if err != nil {
		return err
	}
	if !plan.HasStages() {
		return nil
	}

	c.cfgMu.Lock()
	c.mustTransitionLocked(ctx, StatePlanning)
	c.mustTransitionLocked(ctx, StateExecutingInline)
	c.cfgMu.Unlock()

	log.InfoContext(ctx, "applying boot mode", "mode", mode, "vendor", caps.Vendor, "stages", len(plan.Stages()))
	runErr := c.exec.Run(ctx, plan, c.guard)

	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.mustTransitionLocked(ctx, StateIdle)
	if runErr != nil {
		return fmt.Errorf("apply boot mode %s: %w", mode, runErr)
	}
	return nil
}

// applyCmdlineModeLocked lets gpumoded.mode= on the kernel command line
// override the configured mode. A mode this machine cannot enter is ignored.
// The mode is persisted only when the save policy allows.
func (c *Controller) applyCmdlineModeLocked(ctx context.Context, caps actions.Capabilities) error {
	mode, ok := gfx.ParseCmdlineMode(c.cmdline)
	if !ok || mode == c.cfg.EffectiveMode() {
		return nil
	}
	log := logger.FromContext(ctx)
	if !slices.Contains(actions.SupportedModes(*c.cfg, caps), mode) || (mode == gfx.ModeVfio && !caps.DgpuFound) {
		log.WarnContext(ctx, "ignoring unavailable mode from kernel command line",
			"mode", mode, "configured", c.cfg.Mode, "vfio_enable", c.cfg.VfioEnable)
		return nil
	}
	log.InfoContext(ctx, "kernel command line sets the mode", "mode", mode, "configured", c.cfg.Mode)
	c.cfg.RecordMode(mode)
	if c.cfg.Persistable(mode) {
		return c.cfg.Save(c.paths.ConfigFile())
	}
	return nil
}
