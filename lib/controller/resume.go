package controller

import (
	"context"

	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/logger"
)

// HandleResume runs after the machine wakes. Some firmware forgets
// dgpu_disable across suspend, so when reassert_vendor_disable_on_resume is
// set the toggle is written again for Integrated, and a temporary Compute or
// Vfio mode that the firmware has since disabled is dropped.
func (c *Controller) HandleResume(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	log := logger.FromContext(ctx)

	c.cfgMu.Lock()
	cfg := *c.cfg
	c.cfgMu.Unlock()

	if !cfg.ReassertOnResume {
		return
	}

	mode := cfg.EffectiveMode()
	if mode == gfx.ModeIntegrated && cfg.HotplugType == gfx.HotplugAsus && c.quirks != nil && c.quirks.DgpuDisable != nil {
		if !c.quirks.DgpuDisabled() {
			log.InfoContext(ctx, "re-asserting dgpu_disable after resume")
			if err := c.quirks.DgpuDisable.Set(ctx, true); err != nil {
				log.ErrorContext(ctx, "failed to re-assert dgpu_disable", "error", err)
			}
		}
		return
	}

	if (cfg.TmpMode == gfx.ModeCompute || cfg.TmpMode == gfx.ModeVfio) && c.quirks.DgpuDisabled() {
		log.WarnContext(ctx, "dGPU disabled by firmware during suspend, dropping temporary mode", "mode", cfg.TmpMode)
		c.cfgMu.Lock()
		c.cfg.TmpMode = ""
		c.cfgMu.Unlock()
		c.events.Publish(events.ModeChanged(c.Mode()))
	}
}
