package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// pusherServer is a minimal Pusher endpoint. Each accepted socket is handed
// to script after the subscribe frame has been read.
type pusherServer struct {
	t      *testing.T
	srv    *httptest.Server
	script func(n int, ws *websocket.Conn)

	mu    sync.Mutex
	conns int
	subs  []string
}

func newPusherServer(t *testing.T, script func(n int, ws *websocket.Conn)) *pusherServer {
	t.Helper()
	ps := &pusherServer{t: t, script: script}
	up := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var sub struct {
			Event string `json:"event"`
			Data  struct {
				Channel string `json:"channel"`
			} `json:"data"`
		}
		if err := ws.ReadJSON(&sub); err != nil {
			return
		}
		ps.mu.Lock()
		ps.conns++
		n := ps.conns
		ps.subs = append(ps.subs, sub.Event+" "+sub.Data.Channel)
		ps.mu.Unlock()
		script(n, ws)
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pusherServer) url() string { return "ws" + strings.TrimPrefix(ps.srv.URL, "http") }

func (ps *pusherServer) connections() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.conns
}

func sendChat(t *testing.T, ws *websocket.Conn, room int, user, text string) {
	t.Helper()
	inner, _ := json.Marshal(map[string]any{ //nolint:errcheck // static shape
		"id": "m1", "chatroom_id": room, "content": text, "type": "message",
		"sender": map[string]any{"id": 1, "username": user, "slug": user},
	})
	ev := map[string]any{"event": `App\Events\ChatMessageEvent`, "channel": "chatrooms.42.v2", "data": string(inner)}
	if err := ws.WriteJSON(ev); err != nil {
		t.Errorf("write chat event: %v", err)
	}
}

// holdOpen keeps the socket until the client goes away.
func holdOpen(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestPusherDialSubscribesAndReceives(t *testing.T) {
	ps := newPusherServer(t, func(_ int, ws *websocket.Conn) {
		_ = ws.WriteJSON(map[string]any{"event": "pusher_internal:subscription_succeeded", "data": "{}"}) //nolint:errcheck // test server
		sendChat(t, ws, 42, "alice", "hello")
		holdOpen(ws)
	})
	conn, err := (&PusherDialer{URL: ps.url()}).Dial(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case m := <-conn.Messages():
		if m.Sender.Username != "alice" || m.Content != "hello" || m.ChatroomID != 42 {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.subs) != 1 || ps.subs[0] != "pusher:subscribe chatrooms.42.v2" {
		t.Errorf("subscriptions = %v", ps.subs)
	}
}

func TestPusherAnswersPing(t *testing.T) {
	pong := make(chan string, 1)
	ps := newPusherServer(t, func(_ int, ws *websocket.Conn) {
		_ = ws.WriteJSON(map[string]any{"event": "pusher:ping", "data": "{}"}) //nolint:errcheck // test server
		var ev struct {
			Event string `json:"event"`
		}
		if err := ws.ReadJSON(&ev); err == nil {
			pong <- ev.Event
		}
		holdOpen(ws)
	})
	conn, err := (&PusherDialer{URL: ps.url()}).Dial(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	select {
	case ev := <-pong:
		if ev != "pusher:pong" {
			t.Errorf("reply = %q, want pusher:pong", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no pong")
	}
}

func TestPusherSilentSocketCloses(t *testing.T) {
	// The server reads the client's pings but never answers them.
	ps := newPusherServer(t, func(_ int, ws *websocket.Conn) { holdOpen(ws) })
	conn, err := (&PusherDialer{URL: ps.url(), PingInterval: 50 * time.Millisecond, PongTimeout: 50 * time.Millisecond}).Dial(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	select {
	case _, ok := <-conn.Messages():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("silent socket was not closed")
	}
	if err := conn.(interface{ Err() error }).Err(); err == nil {
		t.Error("Err() = nil after timeout")
	}
}

func TestKickShutdownWithLiveSocket(t *testing.T) {
	ps := newPusherServer(t, func(_ int, ws *websocket.Conn) {
		sendChat(t, ws, 42, "alice", "one")
		_ = ws.WriteJSON(map[string]any{"event": "pusher:ping", "data": "{}"}) //nolint:errcheck // test server
		sendChat(t, ws, 42, "bob", "two")
		holdOpen(ws)
	})
	k := NewKick(KickConfig{ChatroomID: 42}, (&PusherDialer{URL: ps.url()}).Dial, nil)
	sink := &collectSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, sink) }()

	waitFor(t, "first message", func() bool { return len(sink.Messages()) >= 1 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel (state=%s)", k.Status().State)
	}
	if k.Status().State != StateStopped {
		t.Errorf("state = %s", k.Status().State)
	}
}

func TestKickReconnectsWhenServerDrops(t *testing.T) {
	ps := newPusherServer(t, func(n int, ws *websocket.Conn) {
		if n == 1 {
			sendChat(t, ws, 42, "alice", "before")
			return // drops the socket
		}
		sendChat(t, ws, 42, "bob", "after")
		holdOpen(ws)
	})
	k := NewKick(KickConfig{ChatroomID: 42, MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, (&PusherDialer{URL: ps.url()}).Dial, nil)
	sink := &collectSink{}
	stop := start(t, k, sink)

	waitFor(t, "message after reconnect", func() bool { return len(sink.Messages()) == 2 })
	stop()

	if n := ps.connections(); n != 2 {
		t.Errorf("server connections = %d, want 2", n)
	}
	got := sink.Messages()
	if got[0].Text != "before" || got[1].Text != "after" {
		t.Errorf("messages = %+v", got)
	}
}
