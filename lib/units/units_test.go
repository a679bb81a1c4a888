package units

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedUnits reports each state in turn, repeating the last one.
type scriptedUnits struct {
	mu      sync.Mutex
	states  []string
	stopped []string
	started []string
}

func (s *scriptedUnits) Start(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, unit)
	return nil
}

func (s *scriptedUnits) Stop(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, unit)
	return nil
}

func (s *scriptedUnits) Restart(ctx context.Context, unit string) error {
	return s.Start(ctx, unit)
}

func (s *scriptedUnits) ActiveState(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return state, nil
}

func (s *scriptedUnits) IsEnabled(context.Context, string) (bool, error) {
	return true, nil
}

func TestStopAndWait(t *testing.T) {
	u := &scriptedUnits{states: []string{"active", "deactivating", "inactive"}}
	err := StopAndWait(context.Background(), u, "display-manager.service", time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"display-manager.service"}, u.stopped)
}

func TestStopAndWaitTimeout(t *testing.T) {
	u := &scriptedUnits{states: []string{"active"}}
	err := StopAndWait(context.Background(), u, "display-manager.service", 20*time.Millisecond, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestStartAndWait(t *testing.T) {
	u := &scriptedUnits{states: []string{"activating", "active"}}
	require.NoError(t, StartAndWait(context.Background(), u, "nvidia-powerd.service", time.Second, time.Millisecond))
	assert.Equal(t, []string{"nvidia-powerd.service"}, u.started)
}

func TestWaitForStateCancelled(t *testing.T) {
	u := &scriptedUnits{states: []string{"active"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForState(ctx, u, "x.service", time.Second, time.Millisecond, "inactive")
	assert.ErrorIs(t, err, context.Canceled)
}
