// Package classify maps heterogeneous upstream errors to the closed
// taxonomy the rest of the gateway reasons about. Classification is pure:
// it performs no I/O and mutates no state.
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the closed set of classified error kinds from spec.md §3.
type Kind string

const (
	KindRateLimit     Kind = "rate_limit"
	KindAuth          Kind = "auth"
	KindBadRequest    Kind = "bad_request"
	KindContextWindow Kind = "context_window"
	KindServerError   Kind = "server_error"
	KindTimeout       Kind = "timeout"
	KindTransport     Kind = "transport"
	KindUnknown       Kind = "unknown"
)

// Error is a classified upstream failure.
type Error struct {
	Kind             Kind
	RetryAfterSecs   int
	StatusCode       int
	Provider         string
	Model            string
	Credential       string
	Cause            error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether this kind may be retried on another credential.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindBadRequest, KindContextWindow:
		return false
	default:
		return true
	}
}

var contextWindowSubstrings = []string{
	"context length",
	"context window",
	"maximum context length",
	"too many tokens",
	"reduce the length",
	"context_length_exceeded",
}

var retryAfterSentence = regexp.MustCompile(`(?i)try again in\s+([\d.]+)\s*(ms|milliseconds|s|sec|seconds|m|min|minutes)?`)

// FromHTTP classifies a failure observed from an HTTP response: a status
// code, optional headers, and a best-effort body for substring/field
// sniffing. provider/model/credential are attached for observability.
func FromHTTP(provider, model, credential string, status int, headers map[string]string, body string) *Error {
	ce := &Error{Provider: provider, Model: model, Credential: credential, StatusCode: status}

	lowerBody := strings.ToLower(body)
	for _, sub := range contextWindowSubstrings {
		if strings.Contains(lowerBody, sub) {
			ce.Kind = KindContextWindow
			return ce
		}
	}

	switch {
	case status == 400 || status == 422:
		ce.Kind = KindBadRequest
	case status == 401 || status == 403:
		ce.Kind = KindAuth
	case status == 408 || status == 504:
		ce.Kind = KindTimeout
	case status == 429:
		ce.Kind = KindRateLimit
		ce.RetryAfterSecs = retryAfterHint(headers, body)
	case status >= 500 && status <= 599:
		ce.Kind = KindServerError
	default:
		ce.Kind = KindUnknown
	}
	return ce
}

// FromTransport classifies a failure that never reached a well-formed HTTP
// response: timeouts, DNS errors, connection resets, context cancellation.
func FromTransport(provider, model, credential string, err error) *Error {
	ce := &Error{Provider: provider, Model: model, Credential: credential, Cause: err}
	switch {
	case err == nil:
		ce.Kind = KindUnknown
	case errors.Is(err, context.DeadlineExceeded):
		ce.Kind = KindTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		ce.Kind = KindTransport
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			ce.Kind = KindTimeout
			return ce
		}
		s := strings.ToLower(err.Error())
		switch {
		case strings.Contains(s, "timeout"):
			ce.Kind = KindTimeout
		case strings.Contains(s, "connection reset"), strings.Contains(s, "no such host"),
			strings.Contains(s, "tls"), strings.Contains(s, "dns"), strings.Contains(s, "eof"),
			strings.Contains(s, "connection refused"):
			ce.Kind = KindTransport
		default:
			ce.Kind = KindUnknown
		}
	}
	return ce
}

// retryAfterHint extracts a Retry-After hint from headers (seconds or
// HTTP-date) or, failing that, a "try again in X" sentence in the body.
func retryAfterHint(headers map[string]string, body string) int {
	for k, v := range headers {
		if strings.EqualFold(k, "Retry-After") {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
			if t, err := time.Parse(time.RFC1123, v); err == nil {
				d := time.Until(t)
				if d > 0 {
					return int(d.Seconds())
				}
			}
		}
	}
	if m := retryAfterSentence.FindStringSubmatch(body); m != nil {
		val, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0
		}
		switch strings.ToLower(m[2]) {
		case "ms", "milliseconds":
			return int(val / 1000)
		case "m", "min", "minutes":
			return int(val * 60)
		default:
			return int(val)
		}
	}
	return 0
}
