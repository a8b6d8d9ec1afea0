package twitchapi

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/chat"
)

// fakeIRC accepts connections and answers NICK with welcome, or with a login
// failure notice when the PASS token is "oauth:bad".
func fakeIRC(t *testing.T) (addr string, lines <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	out := make(chan string, 64)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				pass := ""
				for sc.Scan() {
					line := sc.Text()
					select {
					case out <- line:
					default:
					}
					switch {
					case strings.HasPrefix(line, "PASS "):
						pass = strings.TrimPrefix(line, "PASS ")
					case strings.HasPrefix(line, "NICK "):
						if pass == "oauth:bad" {
							_, _ = conn.Write([]byte(":tmi.twitch.tv NOTICE * :Login authentication failed\r\n"))
							return
						}
						_, _ = conn.Write([]byte(":tmi.twitch.tv 001 relaybot :Welcome, GLHF!\r\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), out
}

func waitLine(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case l := <-lines:
			if strings.HasPrefix(l, prefix) {
				return l
			}
		case <-deadline:
			t.Fatalf("no line starting with %q", prefix)
			return ""
		}
	}
}

func TestIRCSenderSend(t *testing.T) {
	addr, lines := fakeIRC(t)
	s := &IRCSender{Channel: "somechannel", Username: "relaybot", Address: addr}
	defer s.Close()

	if err := s.Send(context.Background(), "good", "🔴[YT] bob: hello"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	got := waitLine(t, lines, "PRIVMSG")
	if got != "PRIVMSG #somechannel :🔴[YT] bob: hello" {
		t.Errorf("PRIVMSG line = %q", got)
	}
	if s.Name() != "irc" {
		t.Errorf("Name() = %q", s.Name())
	}
}

func TestIRCSenderAuthFailure(t *testing.T) {
	addr, _ := fakeIRC(t)
	s := &IRCSender{Channel: "somechannel", Username: "relaybot", Address: addr}
	defer s.Close()

	err := s.Send(context.Background(), "bad", "hello")
	if chat.Classify(err) != chat.KindAuthExpired {
		t.Fatalf("Classify() = %v (%v), want auth_expired", chat.Classify(err), err)
	}
}

func TestIRCSenderRefusesWhileReconnecting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	second := make(chan net.Conn, 1)
	lines := make(chan string, 64)
	go func() {
		// The first connection is welcomed and, once a line has been sent
		// over it, told to reconnect.
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "NICK ") {
				_, _ = conn.Write([]byte(":tmi.twitch.tv 001 relaybot :Welcome, GLHF!\r\n"))
			}
			if strings.HasPrefix(line, "PRIVMSG ") {
				break
			}
		}
		_, _ = conn.Write([]byte(":tmi.twitch.tv RECONNECT\r\n"))
		conn2, err := ln.Accept()
		if err != nil {
			return
		}
		second <- conn2
		_, _ = io.Copy(io.Discard, conn)
	}()

	s := &IRCSender{Channel: "somechannel", Username: "relaybot", Address: ln.Addr().String()}
	defer s.Close()
	if err := s.Send(context.Background(), "good", "one"); err != nil {
		t.Fatalf("first Send() error: %v", err)
	}

	var conn2 net.Conn
	select {
	case conn2 = <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	defer conn2.Close()
	sc := bufio.NewScanner(conn2)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "NICK ") {
			break
		}
	}

	err = s.Send(context.Background(), "good", "lost")
	if !errors.Is(err, ErrIRCNotConnected) || chat.Classify(err) != chat.KindTransientNetwork {
		t.Fatalf("Send() during reconnect = %v, want transient ErrIRCNotConnected", err)
	}

	go func() {
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	_, _ = conn2.Write([]byte(":tmi.twitch.tv 001 relaybot :Welcome, GLHF!\r\n"))
	deadline := time.Now().Add(5 * time.Second)
	for {
		err = s.Send(context.Background(), "good", "two")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Send() after reconnect: %v", err)
	}
	if got := waitLine(t, lines, "PRIVMSG"); got != "PRIVMSG #somechannel :two" {
		t.Errorf("PRIVMSG line = %q", got)
	}
}
