package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBackoffAndRecovery(t *testing.T) {
	h := NewHandler(&RetryStrategy{Intervals: []time.Duration{time.Minute, 5 * time.Minute}}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	if !h.Allow("a.example") {
		t.Fatal("fresh host not allowed")
	}
	if !h.CheckResponse("a.example", &http.Response{StatusCode: http.StatusTooManyRequests}) {
		t.Fatal("429 not treated as rate limit")
	}
	if h.Allow("a.example") {
		t.Fatal("host allowed during back-off")
	}
	if !h.Allow("b.example") {
		t.Fatal("back-off leaked to another host")
	}

	now = now.Add(61 * time.Second)
	if !h.Allow("a.example") {
		t.Fatal("host still blocked after back-off elapsed")
	}

	h.CheckResponse("a.example", &http.Response{StatusCode: 509})
	st := h.State("a.example")
	if st == nil || st.RetryAttempt != 1 || st.NextRetryAt.Sub(now) != 5*time.Minute {
		t.Fatalf("state = %+v", st)
	}

	h.CheckResponse("a.example", &http.Response{StatusCode: 403})
	if st := h.State("a.example"); st.NextRetryAt.Sub(now) != 5*time.Minute {
		t.Fatalf("last interval not reused: %+v", st)
	}

	if h.CheckResponse("a.example", &http.Response{StatusCode: http.StatusOK}) {
		t.Fatal("200 treated as rate limit")
	}
	if h.State("a.example") != nil || len(h.Hosts()) != 0 {
		t.Fatal("success did not clear back-off")
	}
}

func TestClear(t *testing.T) {
	h := NewHandler(nil, zerolog.Nop())
	h.CheckResponse("a.example", &http.Response{StatusCode: http.StatusForbidden})
	if h.Allow("a.example") {
		t.Fatal("expected back-off")
	}
	h.Clear("a.example")
	if !h.Allow("a.example") {
		t.Fatal("Clear did not lift back-off")
	}
}
