// Package session reports graphical login sessions and sleep transitions from systemd-logind.
package session

import (
	"context"
	"slices"

	"github.com/samber/lo"
)

// Session is one logind session.
type Session struct {
	ID    string
	User  string
	Class string
	Type  string
	State string
}

// Monitor lists the current login sessions.
type Monitor interface {
	ListSessions(ctx context.Context) ([]Session, error)
}

var (
	graphicalTypes  = []string{"x11", "wayland", "mir"}
	graphicalStates = []string{"online", "active"}
)

// IsGraphical reports whether s is a live desktop session of a real user.
// Greeter sessions, ttys and sessions that are closing do not count.
func IsGraphical(s Session) bool {
	return s.Class == "user" &&
		slices.Contains(graphicalTypes, s.Type) &&
		slices.Contains(graphicalStates, s.State)
}

// Graphical filters sessions down to the graphical ones.
func Graphical(sessions []Session) []Session {
	return lo.Filter(sessions, func(s Session, _ int) bool { return IsGraphical(s) })
}
