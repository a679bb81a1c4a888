package units

import (
	"context"
	"fmt"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
)

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

// Systemd is a Controller backed by the systemd D-Bus API.
type Systemd struct {
	conn *sdbus.Conn
}

// NewSystemd connects to the system instance of systemd.
func NewSystemd(ctx context.Context) (*Systemd, error) {
	conn, err := sdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Systemd{conn: conn}, nil
}

// Close closes the connection.
func (s *Systemd) Close() {
	s.conn.Close()
}

func (s *Systemd) Start(ctx context.Context, unit string) error {
	return s.job(ctx, "start", unit, s.conn.StartUnitContext)
}

func (s *Systemd) Stop(ctx context.Context, unit string) error {
	return s.job(ctx, "stop", unit, s.conn.StopUnitContext)
}

func (s *Systemd) Restart(ctx context.Context, unit string) error {
	return s.job(ctx, "restart", unit, s.conn.RestartUnitContext)
}

// ActiveState returns the unit's ActiveState property ("active", "inactive", ...).
func (s *Systemd) ActiveState(ctx context.Context, unit string) (string, error) {
	return s.stringProperty(ctx, unit, "ActiveState")
}

// IsEnabled reports whether the unit file is enabled.
func (s *Systemd) IsEnabled(ctx context.Context, unit string) (bool, error) {
	state, err := s.stringProperty(ctx, unit, "UnitFileState")
	if err != nil {
		return false, err
	}
	return state == "enabled", nil
}

func (s *Systemd) stringProperty(ctx context.Context, unit, name string) (string, error) {
	prop, err := s.conn.GetUnitPropertyContext(ctx, unit, name)
	if err != nil {
		return "", fmt.Errorf("%w: read %s of %s: %w", ErrUnitAction, name, unit, err)
	}
	value, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("%w: %s of %s is not a string", ErrUnitAction, name, unit)
	}
	return value, nil
}

// job queues a unit job and waits for systemd to report its result.
func (s *Systemd) job(ctx context.Context, verb, unit string, fn jobFunc) error {
	ch := make(chan string, 1)
	if _, err := fn(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnitAction, verb, unit, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%w: %s %s: job %s", ErrUnitAction, verb, unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
