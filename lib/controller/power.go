package controller

import (
	"context"
	"time"

	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/logger"
)

// DefaultPowerPollInterval is how often the dGPU power state is sampled.
const DefaultPowerPollInterval = time.Second

// WatchPower polls the dGPU power state and publishes a PowerStatusChanged
// event whenever it differs from the previous sample. It returns when ctx is done.
func (c *Controller) WatchPower(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPowerPollInterval
	}
	log := logger.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev gfx.GpuPowerState
	for {
		state, err := c.Power(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				log.DebugContext(ctx, "failed to sample GPU power", "error", err)
			}
		case prev == "":
			prev = state
		case state != prev:
			log.DebugContext(ctx, "GPU power state changed", "from", prev, "to", state)
			prev = state
			c.events.Publish(events.PowerStatusChanged(state))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
