package chat

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies failures by how the relay reacts to them.
type Kind int

const (
	// KindUnknown is anything that could not be classified. Callers treat it as transient.
	KindUnknown Kind = iota
	// KindTransientNetwork is retried with backoff.
	KindTransientNetwork
	// KindAuthExpired forces a credential refresh; if that fails the operator must re-authorize.
	KindAuthExpired
	// KindRateLimited is retried after backing off.
	KindRateLimited
	// KindPermanentReject drops the single job and moves on.
	KindPermanentReject
	// KindSourceUnavailable is absorbed by the adapter (reconnect/rediscover).
	KindSourceUnavailable
	// KindConfigInvalid is fatal at startup.
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindAuthExpired:
		return "auth_expired"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanentReject:
		return "permanent_reject"
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindConfigInvalid:
		return "config_invalid"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// statusCoder is implemented by transport errors that know their HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// KindForStatus maps an HTTP status code to a Kind.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuthExpired
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return KindTransientNetwork
	case code >= 400:
		return KindPermanentReject
	default:
		return KindUnknown
	}
}

// Classify reports the Kind of err.
//
// Order of precedence:
//   - an explicit *Error kind
//   - an HTTP status carried by the error
//   - network-level failures (timeouts, resets, refused connections, EOF)
//   - well-known message fragments from libraries that only return strings
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ce *Error
	if errors.As(err, &ce) && ce.Kind != KindUnknown {
		return ce.Kind
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if k := KindForStatus(sc.HTTPStatus()); k != KindUnknown {
			return k
		}
	}

	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransientNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransientNetwork
	}

	lower := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"no such host",
		"temporary failure in name resolution",
		"network is unreachable",
	} {
		if strings.Contains(lower, p) {
			return KindTransientNetwork
		}
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried by the caller that saw it.
// Unknown errors count as retryable so a bounded retry loop gets a chance.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransientNetwork, KindRateLimited, KindUnknown:
		return err != nil && !errors.Is(err, context.Canceled)
	}
	return false
}
