// Package sources contains the inbound chat adapters. Each adapter runs on
// its own goroutine, reconnects on its own, and hands messages to a
// chat.Sink in the order they were received.
package sources

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/telemetry"
)

// State is an adapter's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateDiscovering  State = "discovering_chat"
	StatePolling      State = "polling"
	StateStopped      State = "stopped"
)

var allStates = []string{
	string(StateDisconnected), string(StateConnecting), string(StateStreaming),
	string(StateReconnecting), string(StateDiscovering), string(StatePolling), string(StateStopped),
}

// Status is a snapshot of an adapter.
type Status struct {
	State    State     `json:"state"`
	Since    time.Time `json:"since"`
	Received uint64    `json:"received"`
	Detail   string    `json:"detail,omitempty"`
}

type tracker struct {
	name string

	mu sync.Mutex
	st Status
}

func newTracker(name string) *tracker {
	t := &tracker{name: name}
	t.set(StateDisconnected, "")
	return t
}

func (t *tracker) set(s State, detail string) {
	t.mu.Lock()
	if t.st.State != s {
		t.st.Since = time.Now()
	}
	t.st.State = s
	t.st.Detail = detail
	t.mu.Unlock()
	telemetry.SetAdapterState(t.name, string(s), allStates)
}

func (t *tracker) received() {
	t.mu.Lock()
	t.st.Received++
	t.mu.Unlock()
}

func (t *tracker) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
