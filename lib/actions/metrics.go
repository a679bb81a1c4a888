package actions

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the instruments for plan execution.
type Metrics struct {
	stageDuration metric.Float64Histogram
	planDuration  metric.Float64Histogram
	tracer        trace.Tracer
}

// NewMetrics creates the execution instruments.
func NewMetrics(meter metric.Meter, tracer trace.Tracer) (*Metrics, error) {
	stageDuration, err := meter.Float64Histogram(
		"gpumoded_stage_duration_seconds",
		metric.WithDescription("Time spent in a single plan stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	planDuration, err := meter.Float64Histogram(
		"gpumoded_plan_duration_seconds",
		metric.WithDescription("Time to run a complete mode change plan"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		stageDuration: stageDuration,
		planDuration:  planDuration,
		tracer:        tracer,
	}, nil
}

func (e *Executor) recordStage(ctx context.Context, stage Stage, start time.Time, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.stageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("status", status),
		))
}

func (e *Executor) recordPlan(ctx context.Context, plan *Plan, start time.Time, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.planDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("target", string(plan.Target)),
			attribute.Bool("deferred", plan.Deferred),
			attribute.String("status", status),
		))
}
