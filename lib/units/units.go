// Package units starts, stops and queries systemd service units.
package units

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/gpumode/lib/logger"
)

var (
	// ErrUnitAction is returned when systemd rejects or fails a unit job
	ErrUnitAction = errors.New("service unit action failed")

	// ErrWaitTimeout is returned when a unit does not reach the expected state in time
	ErrWaitTimeout = errors.New("timed out waiting for service unit")
)

const (
	DefaultWaitTimeout  = 3 * time.Second
	DefaultWaitInterval = 250 * time.Millisecond
)

// Controller drives service units.
type Controller interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	ActiveState(ctx context.Context, unit string) (string, error)
	IsEnabled(ctx context.Context, unit string) (bool, error)
}

// WaitForState polls until unit reports one of states.
func WaitForState(ctx context.Context, c Controller, unit string, timeout, interval time.Duration, states ...string) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		current, err := c.ActiveState(ctx, unit)
		if err != nil {
			return err
		}
		for _, s := range states {
			if current == s {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s is %s after %s", ErrWaitTimeout, unit, current, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// StopAndWait stops unit and waits until it is no longer active.
func StopAndWait(ctx context.Context, c Controller, unit string, timeout, interval time.Duration) error {
	if err := c.Stop(ctx, unit); err != nil {
		return err
	}
	if err := WaitForState(ctx, c, unit, timeout, interval, "inactive", "failed"); err != nil {
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "service unit stopped", "unit", unit)
	return nil
}

// StartAndWait starts unit and waits until it is active.
func StartAndWait(ctx context.Context, c Controller, unit string, timeout, interval time.Duration) error {
	if err := c.Start(ctx, unit); err != nil {
		return err
	}
	if err := WaitForState(ctx, c, unit, timeout, interval, "active"); err != nil {
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "service unit started", "unit", unit)
	return nil
}
