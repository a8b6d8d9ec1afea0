package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	kickchatwrapper "github.com/johanvandegriff/kick-chat-wrapper"
)

// PusherDialer subscribes to Kick chatrooms over Kick's Pusher websocket.
// Each KickConn owns one socket: when it drops, or goes quiet past
// PingInterval+PongTimeout, the message channel closes and the adapter
// reconnects with its own backoff.
type PusherDialer struct {
	URL          string        // default kickchatwrapper.APIURL
	PingInterval time.Duration // idle time before a pusher:ping, default 60s
	PongTimeout  time.Duration // default 30s
}

// DialKick joins chatroomID with the default PusherDialer.
func DialKick(ctx context.Context, chatroomID int) (KickConn, error) {
	return (&PusherDialer{}).Dial(ctx, chatroomID)
}

type pusherEvent struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Channel string          `json:"channel,omitempty"`
}

// Dial connects, subscribes to the chatroom and starts reading.
func (d *PusherDialer) Dial(ctx context.Context, chatroomID int) (KickConn, error) {
	url := d.URL
	if url == "" {
		url = kickchatwrapper.APIURL
	}
	ping, pong := d.PingInterval, d.PongTimeout
	if ping <= 0 {
		ping = time.Minute
	}
	if pong <= 0 {
		pong = 30 * time.Second
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("kick websocket: %w", err)
	}
	c := &pusherConn{
		ws:    ws,
		msgs:  make(chan kickchatwrapper.ChatMessage),
		done:  make(chan struct{}),
		alive: make(chan struct{}, 1),
		ping:  ping,
		pong:  pong,
	}

	var sub kickchatwrapper.PusherSubscribe
	sub.Event = "pusher:subscribe"
	sub.Data.Channel = "chatrooms." + strconv.Itoa(chatroomID) + ".v2"
	if err := c.write(sub); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("join chatroom %d: %w", chatroomID, err)
	}
	go c.readLoop()
	go c.keepalive()
	return c, nil
}

type pusherConn struct {
	ws    *websocket.Conn
	msgs  chan kickchatwrapper.ChatMessage
	done  chan struct{}
	alive chan struct{}
	ping  time.Duration
	pong  time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (c *pusherConn) Messages() <-chan kickchatwrapper.ChatMessage { return c.msgs }

// Close never blocks; the reader exits once the socket is closed.
func (c *pusherConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Err is the reason the message channel closed, if it has.
func (c *pusherConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *pusherConn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.Close()
}

func (c *pusherConn) write(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *pusherConn) readLoop() {
	defer close(c.msgs)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.ping + c.pong))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(fmt.Errorf("kick websocket read: %w", err))
			}
			return
		}
		select {
		case c.alive <- struct{}{}:
		default:
		}

		var ev pusherEvent
		if json.Unmarshal(raw, &ev) != nil {
			continue
		}
		switch {
		case ev.Event == "pusher:ping":
			if err := c.write(pusherEvent{Event: "pusher:pong", Data: json.RawMessage("{}")}); err != nil {
				c.fail(fmt.Errorf("kick websocket pong: %w", err))
				return
			}
		case ev.Event == "pusher:error":
			c.fail(fmt.Errorf("kick pusher error: %s", ev.Data))
			return
		case strings.HasPrefix(ev.Event, "pusher"):
		default:
			m, ok := decodeChatMessage(ev.Data)
			if !ok {
				continue
			}
			select {
			case c.msgs <- m:
			case <-c.done:
				return
			}
		}
	}
}

// decodeChatMessage reads Pusher's data field, which carries the chat
// event as a JSON-encoded string.
func decodeChatMessage(data json.RawMessage) (kickchatwrapper.ChatMessage, bool) {
	var m kickchatwrapper.ChatMessage
	var inner string
	if json.Unmarshal(data, &inner) != nil || json.Unmarshal([]byte(inner), &m) != nil {
		return m, false
	}
	return m, m.Content != ""
}

// keepalive pings after ping of silence; the read deadline ends a socket
// that does not answer.
func (c *pusherConn) keepalive() {
	t := time.NewTimer(c.ping)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.alive:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(c.ping)
		case <-t.C:
			if err := c.write(pusherEvent{Event: "pusher:ping", Data: json.RawMessage("{}")}); err != nil {
				c.fail(fmt.Errorf("kick websocket ping: %w", err))
				return
			}
			t.Reset(c.ping)
		}
	}
}
