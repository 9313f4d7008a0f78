package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"imagery-timeloop/internal/config"
	"imagery-timeloop/internal/overlay"
)

const capabilitiesTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<WMT_MS_Capabilities version="1.1.1">
  <Service><Name>OGC:WMS</Name><Title>Test</Title></Service>
  <Capability>
    <Request>
      <GetMap>
        <Format>image/png</Format>
        <DCPType><HTTP><Get><OnlineResource xmlns:xlink="http://www.w3.org/1999/xlink" xlink:href="%s/wms?"/></Get></HTTP></DCPType>
      </GetMap>
    </Request>
    <Layer>
      <Title>Top</Title>
      <SRS>EPSG:4326</SRS>
      <LatLonBoundingBox minx="-10" miny="35" maxx="30" maxy="55"/>
      <Layer>
        <Name>sst</Name>
        <Title>Sea Surface Temperature</Title>
        <Dimension name="time" units="ISO8601"/>
        <Extent name="time">2000/2002/P1Y</Extent>
      </Layer>
    </Layer>
  </Capability>
</WMT_MS_Capabilities>`

func wmsServer(t *testing.T) *httptest.Server {
	t.Helper()
	var img bytes.Buffer
	png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 2, 2)))

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.ToLower(r.URL.Query().Get("request")) {
		case "getcapabilities":
			w.Header().Set("Content-Type", "application/vnd.ogc.wms_xml")
			fmt.Fprintf(w, capabilitiesTemplate, srv.URL)
		case "getmap":
			if r.URL.Query().Get("time") == "2002" {
				w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
				w.Write([]byte(`<ServiceExceptionReport><ServiceException code="InvalidDimensionValue">no data</ServiceException></ServiceExceptionReport>`))
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Write(img.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newApp(t *testing.T) *App {
	t.Helper()
	s := config.DefaultSettings()
	s.CacheDir = t.TempDir()
	s.Fetch.RequestsPerSecond = 0
	a, err := New(Options{Settings: s, Logger: zerolog.Nop(), Version: "test"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestLoadBuildAndPrefetch(t *testing.T) {
	srv := wmsServer(t)
	a := newApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caps, err := a.LoadCapabilities(ctx, srv.URL+"/wms")
	if err != nil {
		t.Fatal(err)
	}
	o, err := a.BuildOverlay(caps, "sst", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seq := overlay.AsSequence(o)
	if seq.Len() != 3 || seq.Frames[0].Name != "2000" || seq.Frames[2].Name != "2002" {
		t.Fatalf("frames = %+v", seq.Frames)
	}

	var calls int
	failed, err := a.Prefetch(ctx, seq.Descriptors(), func(done, total int, d overlay.Descriptor, err error) {
		calls++
		if total != 3 {
			t.Errorf("total = %d", total)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if failed != 1 || calls != 3 {
		t.Fatalf("failed = %d, calls = %d", failed, calls)
	}
	if _, err := os.Stat(seq.Frames[0].Path()); err != nil {
		t.Fatalf("frame not on disk: %v", err)
	}
	if _, err := os.Stat(seq.Frames[2].Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed frame on disk: %v", err)
	}

	// A second prefetch settles from the cache without waiting.
	failed, err = a.Prefetch(ctx, seq.Descriptors(), nil)
	if err != nil || failed != 1 {
		t.Fatalf("second prefetch = %d, %v", failed, err)
	}
}

func TestBuildOverlayTimesOverride(t *testing.T) {
	srv := wmsServer(t)
	a := newApp(t)
	caps, err := a.LoadCapabilities(context.Background(), srv.URL+"/wms")
	if err != nil {
		t.Fatal(err)
	}

	o, err := a.BuildOverlay(caps, "sst", "2001-01/2001-03/P1M", "")
	if err != nil {
		t.Fatal(err)
	}
	seq := overlay.AsSequence(o)
	if seq.Len() != 3 || seq.Frames[1].Name != "2001-02" {
		t.Fatalf("frames = %+v", seq.Frames)
	}

	if _, err := a.BuildOverlay(caps, "missing", "", ""); err == nil {
		t.Fatal("expected error for unknown layer")
	}
	if _, err := a.BuildOverlay(caps, "sst", "2002/2001/P1Y", ""); !errors.Is(err, overlay.ErrNoInstants) {
		t.Fatalf("err = %v, want ErrNoInstants", err)
	}
}

func TestNewControllerUsesSettings(t *testing.T) {
	a := newApp(t)
	a.Settings().Loop.IntervalMS = 250
	seq := &overlay.LoopSequence{Title: "x", Frames: []overlay.Descriptor{{CacheKey: "x/1", Name: "1"}}}
	ctl := a.NewController(seq, nil)
	defer ctl.Close()
	if got := ctl.Snapshot().Interval; got != 250*time.Millisecond {
		t.Fatalf("interval = %v", got)
	}
}
