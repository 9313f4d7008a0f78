// Package imagery downloads overlay images from WMS servers into the disk
// cache and decodes them.
package imagery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"imagery-timeloop/internal/metrics"
	"imagery-timeloop/internal/ratelimit"
)

const (
	// DefaultUserAgent identifies requests to map servers.
	DefaultUserAgent = "imagery-timeloop/1.0"
	// MaxImageBytes bounds a single download.
	MaxImageBytes = 64 << 20
	// maxErrorBody bounds how much of a non-image body is read for a message.
	maxErrorBody = 64 << 10
)

// Options configure a Fetcher.
type Options struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	// RequestsPerSecond limits outgoing requests across all hosts; zero
	// disables the limiter.
	RequestsPerSecond float64
	Burst             int
	RateLimits        *ratelimit.Handler
	Logger            zerolog.Logger
}

// Fetcher downloads images with a shared request budget and per-host
// back-off.
type Fetcher struct {
	client     *http.Client
	timeout    time.Duration
	userAgent  string
	limiter    *rate.Limiter
	rateLimits *ratelimit.Handler
	log        zerolog.Logger
}

// Result describes a completed download.
type Result struct {
	Path        string
	ContentType string
	Size        int64
}

// NewFetcher creates a fetcher.
func NewFetcher(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Fetcher{
		client:     client,
		timeout:    timeout,
		userAgent:  ua,
		limiter:    limiter,
		rateLimits: opts.RateLimits,
		log:        opts.Logger.With().Str("component", "fetch").Logger(),
	}
}

// RateLimits returns the back-off tracker, which may be nil.
func (f *Fetcher) RateLimits() *ratelimit.Handler { return f.rateLimits }

// Download fetches rawURL and atomically stores the body at dest. Nothing is
// left at dest when it fails.
func (f *Fetcher) Download(ctx context.Context, rawURL, dest string) (res Result, err error) {
	started := time.Now()
	metrics.FetchInflight.Inc()
	defer func() {
		metrics.FetchInflight.Dec()
		result := "ok"
		if err != nil {
			result = resultLabel(err)
		}
		metrics.ObserveFetch(result, started)
	}()

	host := HostOf(rawURL)
	if f.rateLimits != nil && !f.rateLimits.Allow(host) {
		msg := host + " is in back-off"
		if st := f.rateLimits.State(host); st != nil {
			msg = st.Message
		}
		return res, &FetchError{URL: rawURL, Kind: ErrRateLimited, Message: msg}
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return res, &FetchError{URL: rawURL, Kind: ErrFetchFailed, Cause: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return res, &FetchError{URL: rawURL, Kind: ErrFetchFailed, Cause: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return res, &FetchError{URL: rawURL, Kind: ErrFetchFailed, Cause: err}
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if f.rateLimits != nil && f.rateLimits.CheckResponse(host, resp) {
		return res, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Kind: ErrRateLimited}
	}
	if resp.StatusCode != http.StatusOK {
		fe := &FetchError{URL: rawURL, StatusCode: resp.StatusCode, ContentType: contentType, Kind: ErrFetchFailed}
		if isErrorEnvelope(contentType) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			fe.Message, _ = ParseServiceException(body)
		}
		return res, fe
	}

	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return res, mismatch(rawURL, contentType, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return res, &FetchError{URL: rawURL, Kind: ErrFetchFailed, Cause: fmt.Errorf("failed to read body: %w", err)}
	}
	if len(body) > MaxImageBytes {
		return res, &FetchError{URL: rawURL, Kind: ErrFetchFailed, Message: "image exceeds size limit"}
	}

	// Servers sometimes label an exception document as an image.
	sniffed := mimetype.Detect(body)
	if !strings.HasPrefix(sniffed.String(), "image/") {
		return res, mismatch(rawURL, sniffed.String(), body)
	}

	if err := writeAtomic(dest, body); err != nil {
		return res, &FetchError{URL: rawURL, Kind: ErrFetchFailed, Cause: err}
	}

	f.log.Debug().
		Str("url", rawURL).
		Str("content_type", contentType).
		Int("bytes", len(body)).
		Dur("took", time.Since(started)).
		Msg("downloaded")

	return Result{Path: dest, ContentType: contentType, Size: int64(len(body))}, nil
}

func mismatch(rawURL, contentType string, body []byte) error {
	fe := &FetchError{URL: rawURL, ContentType: contentType, StatusCode: http.StatusOK, Kind: ErrContentTypeMismatch}
	if msg, ok := ParseServiceException(body); ok {
		fe.Message = msg
	} else if isErrorEnvelope(contentType) || strings.HasPrefix(contentType, "text/") {
		fe.Message = snippet(body)
	}
	return fe
}

// snippet returns the first line of a text body, shortened for messages.
func snippet(body []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimSpace(body), []byte("\n"))
	s := strings.TrimSpace(string(line))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// writeAtomic writes data to a temporary file next to dest and renames it
// into place so readers never see a partial file.
func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// HostOf returns the host part of a URL, or "" when it does not parse.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func resultLabel(err error) string {
	fe, ok := err.(*FetchError)
	if !ok {
		return "error"
	}
	switch fe.Kind {
	case ErrRateLimited:
		return "rate_limited"
	case ErrContentTypeMismatch:
		return "content_type"
	default:
		return "error"
	}
}
