package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetryStrategy defines the back-off intervals applied to a host that keeps
// answering with rate-limit status codes.
type RetryStrategy struct {
	Intervals []time.Duration
}

// DefaultRetryStrategy backs off for 1, 2, 5, 10 and then 15 minutes.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			1 * time.Minute,
			2 * time.Minute,
			5 * time.Minute,
			10 * time.Minute,
			15 * time.Minute,
		},
	}
}

// Event describes a host entering or extending back-off.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Host         string    `json:"host"`
	StatusCode   int       `json:"statusCode"`
	RetryAttempt int       `json:"retryAttempt"`
	NextRetryAt  time.Time `json:"nextRetryAt"`
	Message      string    `json:"message"`
}

// IsRateLimitStatus reports whether an HTTP status signals throttling.
// Some servers use 403 instead of 429.
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusForbidden ||
		code == 509 // Bandwidth Limit Exceeded
}

// Handler tracks per-host back-off.
type Handler struct {
	mu          sync.RWMutex
	limited     map[string]*Event
	strategy    *RetryStrategy
	now         func() time.Time
	onRateLimit func(Event)
	onRecovered func(host string)
	log         zerolog.Logger
}

// NewHandler creates a handler. A nil strategy uses DefaultRetryStrategy.
func NewHandler(strategy *RetryStrategy, logger zerolog.Logger) *Handler {
	if strategy == nil || len(strategy.Intervals) == 0 {
		strategy = DefaultRetryStrategy()
	}
	return &Handler{
		limited:  make(map[string]*Event),
		strategy: strategy,
		now:      time.Now,
		log:      logger.With().Str("component", "ratelimit").Logger(),
	}
}

// SetOnRateLimit sets the callback for hosts entering back-off.
func (h *Handler) SetOnRateLimit(callback func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for hosts leaving back-off.
func (h *Handler) SetOnRecovered(callback func(host string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// Allow reports whether a request to host may be sent now. Once the back-off
// elapses requests are allowed again; the record is only cleared by a
// successful response.
func (h *Handler) Allow(host string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, limited := h.limited[host]
	return !limited || !h.now().Before(ev.NextRetryAt)
}

// CheckResponse records a rate-limit response or clears the host on any
// other status. It reports whether the response was a rate limit.
func (h *Handler) CheckResponse(host string, resp *http.Response) bool {
	if !IsRateLimitStatus(resp.StatusCode) {
		h.checkRecovery(host)
		return false
	}
	h.recordRateLimit(host, resp.StatusCode)
	return true
}

func (h *Handler) recordRateLimit(host string, statusCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	retryAttempt := 0
	if existing, ok := h.limited[host]; ok {
		retryAttempt = existing.RetryAttempt + 1
	}

	interval := h.strategy.Intervals[len(h.strategy.Intervals)-1]
	if retryAttempt < len(h.strategy.Intervals) {
		interval = h.strategy.Intervals[retryAttempt]
	}

	now := h.now()
	ev := Event{
		Timestamp:    now,
		Host:         host,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  now.Add(interval),
		Message: fmt.Sprintf("%s rate limited (HTTP %d), retrying after %s",
			host, statusCode, interval),
	}
	h.limited[host] = &ev

	h.log.Warn().
		Str("host", host).
		Int("status", statusCode).
		Int("attempt", retryAttempt).
		Time("next_retry_at", ev.NextRetryAt).
		Msg("host rate limited")

	if h.onRateLimit != nil {
		go h.onRateLimit(ev)
	}
}

func (h *Handler) checkRecovery(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.limited[host]; ok {
		delete(h.limited, host)
		h.log.Info().Str("host", host).Msg("rate limit cleared")
		if h.onRecovered != nil {
			go h.onRecovered(host)
		}
	}
}

// Clear drops any back-off for host, e.g. for a user-requested retry.
func (h *Handler) Clear(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.limited[host]; ok {
		delete(h.limited, host)
		h.log.Info().Str("host", host).Msg("rate limit cleared manually")
	}
}

// State returns a copy of the back-off record for host, or nil.
func (h *Handler) State(host string) *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ev, ok := h.limited[host]; ok {
		cp := *ev
		return &cp
	}
	return nil
}

// Hosts returns the back-off records of every limited host.
func (h *Handler) Hosts() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, 0, len(h.limited))
	for _, ev := range h.limited {
		out = append(out, *ev)
	}
	return out
}
