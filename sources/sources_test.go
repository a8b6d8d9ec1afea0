package sources

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/chat"
)

// collectSink records enqueued messages.
type collectSink struct {
	mu   sync.Mutex
	msgs []chat.InboundMessage
}

func (s *collectSink) Enqueue(m chat.InboundMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return true
}

func (s *collectSink) Messages() []chat.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.InboundMessage(nil), s.msgs...)
}

// start runs a in the background; the returned func cancels it and waits.
func start(t *testing.T, a chat.Adapter, sink chat.Sink) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, sink) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("adapter did not stop")
		}
	}
	t.Cleanup(func() { cancel() })
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
