package tileserver

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"imagery-timeloop/internal/cache"
	"imagery-timeloop/internal/loop"
	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/ratelimit"
	"imagery-timeloop/internal/taskqueue"
	"imagery-timeloop/internal/wms"
)

type stubCache struct {
	mu      sync.Mutex
	states  map[string]cache.State
	paths   map[string]string
	retried []string
	purged  int
}

func (s *stubCache) Resolve(d overlay.Descriptor) cache.Tile {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := cache.Tile{Descriptor: d, State: s.states[d.CacheKey], Path: s.paths[d.CacheKey]}
	if t.State == cache.StateFailed {
		t.Err = errors.New("ServiceException: layer not available")
	}
	if t.State == cache.StateReady {
		t.Image = image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	return t
}

func (s *stubCache) Subscribe(func(overlay.Event)) func() { return func() {} }

func (s *stubCache) Retry(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.states[key] {
	case cache.StatePending:
		return cache.ErrPending
	case cache.StateFailed:
		s.states[key] = cache.StatePending
	}
	s.retried = append(s.retried, key)
	return nil
}

func (s *stubCache) Purge() {
	s.mu.Lock()
	s.purged++
	s.mu.Unlock()
}

func (s *stubCache) calls() (retried []string, purged int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.retried...), s.purged
}

func (s *stubCache) QueueStatus() taskqueue.QueueStatus {
	return taskqueue.QueueStatus{Workers: 2, PendingTasks: 1}
}

func newTestServer(t *testing.T) (*httptest.Server, *loop.Controller) {
	ts, ctl, _ := newTestServerWithCache(t)
	return ts, ctl
}

func newTestServerWithCache(t *testing.T) (*httptest.Server, *loop.Controller, *stubCache) {
	t.Helper()
	dir := t.TempDir()
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	ready := filepath.Join(dir, "2005.png")
	if err := os.WriteFile(ready, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	seq := &overlay.LoopSequence{Title: "SST"}
	for _, n := range []string{"2005", "2006", "2007"} {
		seq.Frames = append(seq.Frames, overlay.Descriptor{CacheKey: "sst/" + n + ".png", Name: n, SourceURL: "http://example.com/" + n})
	}
	sc := &stubCache{
		states: map[string]cache.State{
			"sst/2005.png": cache.StateReady,
			"sst/2006.png": cache.StatePending,
			"sst/2007.png": cache.StateFailed,
		},
		paths: map[string]string{"sst/2005.png": ready},
	}
	ctl := loop.New(seq, sc, loop.Options{Interval: time.Hour})
	t.Cleanup(ctl.Close)

	rl := ratelimit.NewHandler(nil, zerolog.Nop())
	rl.CheckResponse("tiles.example.com", &http.Response{StatusCode: http.StatusTooManyRequests})

	caps := &wms.Capabilities{Layers: []*wms.Layer{{Name: "sst", Title: "SST", TimeDimension: "2005/2007/P1Y"}}}
	srv := NewServer(Options{Capabilities: caps, Controller: ctl, Cache: sc, RateLimits: rl, Logger: zerolog.Nop()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ctl, sc
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestHealthAndLayers(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, body = get(t, ts.URL+"/layers")
	var layers []wms.Layer
	if err := json.Unmarshal(body, &layers); err != nil || len(layers) != 1 || layers[0].Name != "sst" {
		t.Fatalf("layers = %s, %v", body, err)
	}

	resp, body = get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "timeloop_fetch_inflight") {
		t.Fatalf("metrics = %d\n%s", resp.StatusCode, body)
	}
}

func TestFrameStates(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		path        string
		status      int
		state       string
		contentType string
	}{
		{"/frames/0", http.StatusOK, "ready", "image/png"},
		{"/frames/1", http.StatusOK, "pending", "image/png"},
		{"/frames/2", http.StatusBadGateway, "failed", "application/json"},
		{"/frames/3", http.StatusNotFound, "", "application/json"},
		{"/frames/x", http.StatusBadRequest, "", "application/json"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := get(t, ts.URL+tt.path)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, body)
			}
			if got := resp.Header.Get("X-Tile-State"); got != tt.state {
				t.Errorf("X-Tile-State = %q, want %q", got, tt.state)
			}
			if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, tt.contentType) {
				t.Errorf("Content-Type = %q, want %q", got, tt.contentType)
			}
		})
	}

	_, body := get(t, ts.URL+"/frames/2")
	if !strings.Contains(string(body), "layer not available") {
		t.Fatalf("failed frame body = %s", body)
	}
}

func TestRetryFrame(t *testing.T) {
	ts, _, sc := newTestServerWithCache(t)

	tests := []struct {
		path   string
		status int
		state  string
	}{
		{"/frames/2/retry", http.StatusAccepted, "pending"},
		{"/frames/1/retry", http.StatusConflict, ""},
		{"/frames/9/retry", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		resp, err := http.Post(ts.URL+tt.path, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Fatalf("%s: status = %d, want %d (%v)", tt.path, resp.StatusCode, tt.status, body)
		}
		if tt.state != "" && (body["state"] != tt.state || body["key"] != "sst/2007.png") {
			t.Fatalf("%s: body = %v", tt.path, body)
		}
	}
	if retried, _ := sc.calls(); len(retried) != 1 || retried[0] != "sst/2007.png" {
		t.Fatalf("retried = %v", retried)
	}
}

func TestStatusAndPurge(t *testing.T) {
	ts, _, sc := newTestServerWithCache(t)

	_, body := get(t, ts.URL+"/status")
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("status = %s, %v", body, err)
	}
	if st.Queue.Workers != 2 || st.Queue.PendingTasks != 1 {
		t.Fatalf("queue = %+v", st.Queue)
	}
	if len(st.RateLimited) != 1 || st.RateLimited[0].Host != "tiles.example.com" || st.RateLimited[0].StatusCode != http.StatusTooManyRequests {
		t.Fatalf("rate limited = %+v", st.RateLimited)
	}

	resp, err := http.Post(ts.URL+"/cache/purge", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if _, purged := sc.calls(); resp.StatusCode != http.StatusNoContent || purged != 1 {
		t.Fatalf("purge = %d, purged %d times", resp.StatusCode, purged)
	}
}

func TestLoopControl(t *testing.T) {
	ts, ctl := newTestServer(t)

	resp, err := http.Post(ts.URL+"/loop/tick", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	var snap loop.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if snap.Index != 0 || snap.FrameName != "2005" || snap.Total != 3 {
		t.Fatalf("snapshot after tick = %+v", snap)
	}

	resp, err = http.Post(ts.URL+"/loop/play", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !ctl.Snapshot().Playing {
		t.Fatal("not playing after /loop/play")
	}
	resp, err = http.Post(ts.URL+"/loop/stop", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ctl.Snapshot().Playing {
		t.Fatal("still playing after /loop/stop")
	}

	_, body := get(t, ts.URL+"/loop")
	if err := json.Unmarshal(body, &snap); err != nil || snap.Index != 0 {
		t.Fatalf("GET /loop = %s, %v", body, err)
	}
}

func TestLoopRoutesWithoutController(t *testing.T) {
	ts := httptest.NewServer(NewServer(Options{Logger: zerolog.Nop()}).Handler())
	defer ts.Close()

	resp, _ := get(t, ts.URL+"/loop")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp, body := get(t, ts.URL+"/layers")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("layers = %d %s", resp.StatusCode, body)
	}
	resp, body = get(t, ts.URL+"/status")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"rateLimited":[]`) {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
	resp, err := http.Post(ts.URL+"/cache/purge", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("purge without cache = %d", resp.StatusCode)
	}
}

func TestKML(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := get(t, ts.URL+"/loop.kml")
	if resp.Header.Get("Content-Type") != kmlContentType {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if strings.Count(string(body), "<GroundOverlay>") != 3 || !strings.Contains(string(body), "http://example.com/2006") {
		t.Fatalf("kml = %s", body)
	}
}

func TestEventStream(t *testing.T) {
	ts, ctl := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg EventMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "snapshot" || msg.Snapshot == nil || msg.Snapshot.Total != 3 {
		t.Fatalf("first message = %+v", msg)
	}

	ctl.Tick()
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "progress" || msg.Current != 0 || msg.Total != 3 {
		t.Fatalf("progress message = %+v", msg)
	}
}

func TestStartAndShutdown(t *testing.T) {
	srv := NewServer(Options{Logger: zerolog.Nop()})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	url := srv.GetTileServerURL()
	if !strings.HasPrefix(url, "http://127.0.0.1:") {
		t.Fatalf("url = %q", url)
	}
	resp, _ := get(t, url+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-srv.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
}
