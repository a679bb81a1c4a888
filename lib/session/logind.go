package session

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/onkernel/gpumode/lib/logger"
)

const (
	logindDest        = "org.freedesktop.login1"
	logindPath        = dbus.ObjectPath("/org/freedesktop/login1")
	logindManager     = "org.freedesktop.login1.Manager"
	logindSession     = "org.freedesktop.login1.Session"
	prepareForSleep   = "PrepareForSleep"
	propertiesGetAll  = "org.freedesktop.DBus.Properties.GetAll"
	signalBufferDepth = 8
)

// Logind talks to systemd-logind over the system bus.
type Logind struct {
	conn *dbus.Conn
}

// NewLogind connects to the system bus.
func NewLogind() (*Logind, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &Logind{conn: conn}, nil
}

// Close closes the bus connection.
func (l *Logind) Close() error {
	return l.conn.Close()
}

type sessionRecord struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

// ListSessions returns every session with its class, type and state.
func (l *Logind) ListSessions(ctx context.Context) ([]Session, error) {
	var records []sessionRecord
	manager := l.conn.Object(logindDest, logindPath)
	if err := manager.CallWithContext(ctx, logindManager+".ListSessions", 0).Store(&records); err != nil {
		return nil, fmt.Errorf("list logind sessions: %w", err)
	}

	sessions := make([]Session, 0, len(records))
	for _, r := range records {
		var props map[string]dbus.Variant
		obj := l.conn.Object(logindDest, r.Path)
		if err := obj.CallWithContext(ctx, propertiesGetAll, 0, logindSession).Store(&props); err != nil {
			// The session may have closed between the two calls
			logger.FromContext(ctx).DebugContext(ctx, "failed to read session properties", "session", r.ID, "error", err)
			continue
		}
		sessions = append(sessions, Session{
			ID:    r.ID,
			User:  r.User,
			Class: variantString(props["Class"]),
			Type:  variantString(props["Type"]),
			State: variantString(props["State"]),
		})
	}
	return sessions, nil
}

// WatchSleep calls fn with true before the system sleeps and false after it
// resumes, until ctx is done.
func (l *Logind) WatchSleep(ctx context.Context, fn func(ctx context.Context, sleeping bool)) error {
	if err := l.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindManager),
		dbus.WithMatchMember(prepareForSleep),
	); err != nil {
		return fmt.Errorf("subscribe to %s: %w", prepareForSleep, err)
	}

	ch := make(chan *dbus.Signal, signalBufferDepth)
	l.conn.Signal(ch)
	defer l.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			if sig.Name != logindManager+"."+prepareForSleep || len(sig.Body) != 1 {
				continue
			}
			if sleeping, ok := sig.Body[0].(bool); ok {
				fn(ctx, sleeping)
			}
		}
	}
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}
