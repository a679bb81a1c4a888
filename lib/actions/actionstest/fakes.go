// Package actionstest provides in-memory collaborators for running plans in tests.
package actionstest

import (
	"context"
	"sync"

	"github.com/onkernel/gpumode/lib/session"
)

// Sessions serves a session list that tests can change while a plan waits.
type Sessions struct {
	mu       sync.Mutex
	sessions []session.Session
	calls    int
}

// NewSessions returns a monitor reporting the given sessions.
func NewSessions(sessions ...session.Session) *Sessions {
	return &Sessions{sessions: sessions}
}

// Desktop is a logged-in Wayland session.
func Desktop(id string) session.Session {
	return session.Session{ID: id, User: "alice", Class: "user", Type: "wayland", State: "active"}
}

func (s *Sessions) ListSessions(context.Context) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]session.Session(nil), s.sessions...), nil
}

// Set replaces the reported sessions.
func (s *Sessions) Set(sessions ...session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
}

// Calls returns how many times sessions were listed.
func (s *Sessions) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Units records unit jobs. Stopped units report inactive.
type Units struct {
	mu     sync.Mutex
	states map[string]string
	calls  []string
	// FailStart, when set, is returned by Start.
	FailStart error
}

// NewUnits returns a controller with every unit active.
func NewUnits() *Units {
	return &Units{states: map[string]string{}}
}

func (u *Units) record(call string) {
	u.calls = append(u.calls, call)
}

func (u *Units) Start(_ context.Context, unit string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.record("start " + unit)
	if u.FailStart != nil {
		return u.FailStart
	}
	u.states[unit] = "active"
	return nil
}

func (u *Units) Stop(_ context.Context, unit string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.record("stop " + unit)
	u.states[unit] = "inactive"
	return nil
}

func (u *Units) Restart(_ context.Context, unit string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.record("restart " + unit)
	u.states[unit] = "active"
	return nil
}

func (u *Units) ActiveState(_ context.Context, unit string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if state, ok := u.states[unit]; ok {
		return state, nil
	}
	return "active", nil
}

func (u *Units) IsEnabled(context.Context, string) (bool, error) {
	return true, nil
}

// Calls returns the recorded jobs, e.g. "stop display-manager.service".
func (u *Units) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

// Modules records module loads and unloads.
type Modules struct {
	mu    sync.Mutex
	calls []string
}

func (m *Modules) Load(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "load "+name)
	return nil
}

func (m *Modules) Unload(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "unload "+name)
	return nil
}

// Calls returns the recorded operations, e.g. "unload nvidia_drm".
func (m *Modules) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Users records the device nodes it was asked to clear.
type Users struct {
	mu    sync.Mutex
	nodes [][]string
}

func (u *Users) KillUsers(_ context.Context, nodes []string) ([]int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nodes = append(u.nodes, append([]string(nil), nodes...))
	return nil, nil
}

// Count returns how many times KillUsers ran.
func (u *Users) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.nodes)
}
