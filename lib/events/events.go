// Package events fans daemon notifications out to subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/onkernel/gpumode/lib/gfx"
)

// Type identifies an event.
type Type string

const (
	TypeModeChanged        Type = "mode_changed"
	TypeUserActionRequired Type = "user_action_required"
	TypePowerStatusChanged Type = "power_status_changed"
)

// Event is one notification. Only the field matching Type is set.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Mode      gfx.Mode               `json:"mode,omitempty"`
	Action    gfx.RequiredUserAction `json:"action,omitempty"`
	Power     gfx.GpuPowerState      `json:"power,omitempty"`
}

func ModeChanged(m gfx.Mode) Event {
	return Event{Type: TypeModeChanged, Timestamp: time.Now(), Mode: m}
}

func UserActionRequired(a gfx.RequiredUserAction) Event {
	return Event{Type: TypeUserActionRequired, Timestamp: time.Now(), Action: a}
}

func PowerStatusChanged(p gfx.GpuPowerState) Event {
	return Event{Type: TypePowerStatusChanged, Timestamp: time.Now(), Power: p}
}

// Publisher accepts events.
type Publisher interface {
	Publish(e Event)
}

// Bus broadcasts events to every subscriber. Slow subscribers miss events
// rather than block the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{})}
}

// Subscribe returns a channel that receives events until ctx is done, at
// which point it is closed.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, ch)
		close(ch)
	}()
	return ch
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		// Non-blocking send - drop if channel is full
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
