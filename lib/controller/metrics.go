package controller

import (
	"context"

	"github.com/onkernel/gpumode/lib/gfx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the metrics instruments for mode changes.
type Metrics struct {
	stateTransitions metric.Int64Counter
	modeRequests     metric.Int64Counter
	tracer           trace.Tracer
}

// newMetrics creates and registers the controller metrics.
func newMetrics(meter metric.Meter, tracer trace.Tracer, c *Controller) (*Metrics, error) {
	stateTransitions, err := meter.Int64Counter(
		"gpumoded_controller_state_transitions_total",
		metric.WithDescription("Total number of controller state transitions"),
	)
	if err != nil {
		return nil, err
	}

	modeRequests, err := meter.Int64Counter(
		"gpumoded_mode_requests_total",
		metric.WithDescription("Total number of mode change requests by outcome"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64ObservableGauge(
		"gpumoded_mode_change_pending",
		metric.WithDescription("1 while a mode change waits for a user action"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			var v int64
			if c.PendingMode() != gfx.ModeNone {
				v = 1
			}
			o.ObserveInt64(pending, v)
			return nil
		},
		pending,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		stateTransitions: stateTransitions,
		modeRequests:     modeRequests,
		tracer:           tracer,
	}, nil
}

func (c *Controller) recordStateTransition(ctx context.Context, from, to State) {
	if c.metrics == nil {
		return
	}
	c.metrics.stateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
}

func (c *Controller) recordModeRequest(ctx context.Context, target gfx.Mode, action gfx.RequiredUserAction, status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.modeRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", string(target)),
			attribute.String("action", string(action)),
			attribute.String("status", status),
		))
}
