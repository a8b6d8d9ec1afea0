package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	kickchatwrapper "github.com/johanvandegriff/kick-chat-wrapper"

	"github.com/onnwee/chat-relay/chat"
)

type fakeConn struct {
	ch     chan kickchatwrapper.ChatMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: make(chan kickchatwrapper.ChatMessage, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Messages() <-chan kickchatwrapper.ChatMessage { return c.ch }
func (c *fakeConn) Close()                                       { c.once.Do(func() { close(c.closed) }) }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	ids   []int
	fails int
	ready chan *fakeConn
}

func newFakeDialer() *fakeDialer { return &fakeDialer{ready: make(chan *fakeConn, 8)} }

func (d *fakeDialer) Dial(_ context.Context, id int) (KickConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("websocket: bad handshake")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.ready <- c
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ids)
}

func kickMsg(room int, user, text string) kickchatwrapper.ChatMessage {
	var m kickchatwrapper.ChatMessage
	m.ChatroomID = room
	m.Content = text
	m.Sender.Username = user
	return m
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.ready:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func TestKickStreamsMessagesInOrder(t *testing.T) {
	d := newFakeDialer()
	k := NewKick(KickConfig{ChatroomID: 42, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, d.Dial, nil)
	sink := &collectSink{}
	stop := start(t, k, sink)

	c := nextConn(t, d)
	c.ch <- kickMsg(42, "alice", "first")
	c.ch <- kickMsg(42, "bob", "   ")
	c.ch <- kickMsg(7, "mallory", "other room")
	c.ch <- kickMsg(42, "carol", "second")
	waitFor(t, "messages", func() bool { return len(sink.Messages()) == 2 })
	if k.Status().State != StateStreaming {
		t.Errorf("state = %s", k.Status().State)
	}
	stop()

	got := sink.Messages()
	if got[0].Author != "alice" || got[0].Text != "first" || got[1].Author != "carol" || got[1].Source != chat.SourceKick {
		t.Errorf("got %+v", got)
	}
	select {
	case <-c.closed:
	default:
		t.Error("connection not closed on shutdown")
	}
	if k.Status().State != StateStopped {
		t.Errorf("state after stop = %s", k.Status().State)
	}
}

func TestKickReconnectsAfterDisconnect(t *testing.T) {
	d := newFakeDialer()
	d.fails = 2
	k := NewKick(KickConfig{ChatroomID: 42, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, d.Dial, nil)
	sink := &collectSink{}
	stop := start(t, k, sink)

	c1 := nextConn(t, d)
	c1.ch <- kickMsg(42, "a", "before")
	waitFor(t, "first message", func() bool { return len(sink.Messages()) == 1 })
	close(c1.ch)

	c2 := nextConn(t, d)
	c2.ch <- kickMsg(42, "b", "after")
	waitFor(t, "second message", func() bool { return len(sink.Messages()) == 2 })
	stop()

	if n := d.dials(); n != 4 {
		t.Errorf("dials = %d, want 4", n)
	}
}

func TestKickResolvesChatroomOnce(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		if r.URL.Path != "/channels/somechannel" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1,"slug":"somechannel","chatroom":{"id":99,"channel_id":1}}`)) //nolint:errcheck // test server
	}))
	defer srv.Close()

	d := newFakeDialer()
	k := NewKick(KickConfig{Channel: "somechannel", MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, d.Dial, &KickResolver{BaseURL: srv.URL})
	stop := start(t, k, &collectSink{})
	close(nextConn(t, d).ch)
	nextConn(t, d)
	stop()

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("channel lookups = %d, want 1", hits)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.ids {
		if id != 99 {
			t.Errorf("dialed chatroom %d, want 99", id)
		}
	}
}

func TestKickResolverErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   chat.Kind
	}{
		{"unknown channel", http.StatusNotFound, `{}`, chat.KindConfigInvalid},
		{"blocked", http.StatusForbidden, `cloudflare`, chat.KindPermanentReject},
		{"server error", http.StatusBadGateway, ``, chat.KindTransientNetwork},
		{"no chatroom", http.StatusOK, `{"chatroom":null}`, chat.KindSourceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body)) //nolint:errcheck // test server
			}))
			defer srv.Close()
			r := &KickResolver{BaseURL: srv.URL}
			_, err := r.ChatroomID(context.Background(), "x")
			if k := chat.Classify(err); k != tt.want {
				t.Errorf("kind = %v (%v), want %v", k, err, tt.want)
			}
		})
	}
}
