package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageRunes is the destination's hard cap on message length.
const MaxMessageRunes = 500

// Source identifies the platform a message was read from.
type Source int

const (
	SourceUnknown Source = iota
	SourceKick
	SourceYouTube
)

func (s Source) String() string {
	switch s {
	case SourceKick:
		return "KICK"
	case SourceYouTube:
		return "YOUTUBE"
	default:
		return "UNKNOWN"
	}
}

// Label is the lower-case form used in metric labels and logs.
func (s Source) Label() string { return strings.ToLower(s.String()) }

// InboundMessage is a chat line as received from a source. Treat as immutable.
type InboundMessage struct {
	Source     Source
	Author     string
	Text       string
	ReceivedAt time.Time
}

// OutboundJob is a moderated, formatted message ready for the destination.
type OutboundJob struct {
	DisplayText string
	EnqueuedAt  time.Time
	Source      Source
}

// Prefixes maps each source to the tag prepended to relayed messages.
type Prefixes struct {
	Kick    string `json:"kick"`
	YouTube string `json:"youtube"`
}

// DefaultPrefixes returns the stock source tags.
func DefaultPrefixes() Prefixes {
	return Prefixes{Kick: "🟢[KICK] ", YouTube: "🔴[YT] "}
}

// For returns the prefix for s, or "" for unknown sources.
func (p Prefixes) For(s Source) string {
	switch s {
	case SourceKick:
		return p.Kick
	case SourceYouTube:
		return p.YouTube
	}
	return ""
}

// FormatDisplay renders prefix + author + ": " + text, truncated to MaxMessageRunes.
func FormatDisplay(prefix, author, text string) string {
	if author == "" {
		author = "?"
	}
	return Truncate(prefix+author+": "+text, MaxMessageRunes)
}

// Truncate cuts s to at most n runes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Sink accepts inbound messages. Enqueue must not block; it reports whether
// the message was accepted.
type Sink interface {
	Enqueue(msg InboundMessage) bool
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg InboundMessage) bool

// Enqueue calls f(msg).
func (f SinkFunc) Enqueue(msg InboundMessage) bool { return f(msg) }

// Adapter is a source of inbound chat. Run blocks until ctx is cancelled,
// reconnecting or rediscovering on its own; it returns nil on cancellation.
type Adapter interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}
