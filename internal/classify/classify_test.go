package classify

import (
	"context"
	"io"
	"testing"
)

func TestFromHTTP_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{400, KindBadRequest},
		{422, KindBadRequest},
		{401, KindAuth},
		{403, KindAuth},
		{408, KindTimeout},
		{504, KindTimeout},
		{429, KindRateLimit},
		{500, KindServerError},
		{503, KindServerError},
		{418, KindUnknown},
	}
	for _, c := range cases {
		got := FromHTTP("p", "m", "cred", c.status, nil, "")
		if got.Kind != c.want {
			t.Errorf("status %d: got %s want %s", c.status, got.Kind, c.want)
		}
	}
}

func TestFromHTTP_ContextWindow(t *testing.T) {
	got := FromHTTP("p", "m", "cred", 400, nil, "This model's maximum context length is 4096 tokens")
	if got.Kind != KindContextWindow {
		t.Fatalf("got %s want context_window", got.Kind)
	}
	if got.Retriable() {
		t.Fatal("context_window must not be retriable")
	}
}

func TestFromHTTP_RetryAfterHeader(t *testing.T) {
	got := FromHTTP("p", "m", "cred", 429, map[string]string{"Retry-After": "30"}, "")
	if got.RetryAfterSecs != 30 {
		t.Fatalf("got %d want 30", got.RetryAfterSecs)
	}
}

func TestFromHTTP_RetryAfterSentence(t *testing.T) {
	got := FromHTTP("p", "m", "cred", 429, nil, "Rate limited, try again in 45 seconds")
	if got.RetryAfterSecs != 45 {
		t.Fatalf("got %d want 45", got.RetryAfterSecs)
	}
}

func TestBadRequestNotRetriable(t *testing.T) {
	e := &Error{Kind: KindBadRequest}
	if e.Retriable() {
		t.Fatal("bad_request must not be retriable")
	}
	e2 := &Error{Kind: KindServerError}
	if !e2.Retriable() {
		t.Fatal("server_error must be retriable")
	}
}

func TestFromTransport_DeadlineExceeded(t *testing.T) {
	got := FromTransport("p", "m", "cred", context.DeadlineExceeded)
	if got.Kind != KindTimeout {
		t.Fatalf("got %s want timeout", got.Kind)
	}
}

func TestFromTransport_EOF(t *testing.T) {
	got := FromTransport("p", "m", "cred", io.ErrUnexpectedEOF)
	if got.Kind != KindTransport {
		t.Fatalf("got %s want transport", got.Kind)
	}
}
