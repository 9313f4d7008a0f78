package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testCapabilities = `<?xml version="1.0" encoding="UTF-8"?>
<WMS_Capabilities version="1.3.0" xmlns="http://www.opengis.net/wms">
  <Service><Name>WMS</Name><Title>Ocean Service</Title></Service>
  <Capability>
    <Request>
      <GetMap>
        <Format>image/png</Format>
        <DCPType><HTTP><Get><OnlineResource xmlns:xlink="http://www.w3.org/1999/xlink" xlink:href="http://example.com/wms?"/></Get></HTTP></DCPType>
      </GetMap>
    </Request>
    <Layer>
      <Title>Root</Title>
      <CRS>CRS:84</CRS>
      <EX_GeographicBoundingBox>
        <westBoundLongitude>-180</westBoundLongitude><eastBoundLongitude>180</eastBoundLongitude>
        <southBoundLatitude>-90</southBoundLatitude><northBoundLatitude>90</northBoundLatitude>
      </EX_GeographicBoundingBox>
      <Layer>
        <Name>sst</Name>
        <Title>Sea Surface Temperature</Title>
        <Dimension name="time" units="ISO8601">2005/2007/P1Y</Dimension>
      </Layer>
    </Layer>
  </Capability>
</WMS_Capabilities>`

// run executes the command tree with fresh flag values.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	globalFlags.Config = ""
	globalFlags.CacheDir = ""
	globalFlags.LogLevel = ""
	globalFlags.LogFormat = ""
	expandCount = false
	layersJSON = false
	framesJSON = false
	framesFlags = overlayFlags{}
	exportOutput = ""
	exportFragment = false
	exportSourceOnly = false
	exportPrefetch = false
	playFlags = overlayFlags{}
	playInterval = 0
	playLoops = 0
	configInitForce = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeCapabilities(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capabilities.xml")
	if err := os.WriteFile(path, []byte(testCapabilities), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExpandCommand(t *testing.T) {
	out, err := run(t, "expand", "2000/2002/P1Y")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Fields(out); strings.Join(got, ",") != "2000,2001,2002" {
		t.Fatalf("output = %q", out)
	}

	out, err = run(t, "expand", "--count", "2001-01-01/2001-01-10/P1D")
	if err != nil || strings.TrimSpace(out) != "10" {
		t.Fatalf("count = %q, %v", out, err)
	}

	if _, err := run(t, "expand", "2000/2002/P1X"); err == nil {
		t.Fatal("expected error for malformed period")
	}
}

func TestLayersAndFramesCommands(t *testing.T) {
	caps := writeCapabilities(t)
	cacheDir := t.TempDir()

	out, err := run(t, "--cache-dir", cacheDir, "--log-level", "off", "layers", caps)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Ocean Service") || !strings.Contains(out, "sst") {
		t.Fatalf("layers output = %s", out)
	}

	out, err = run(t, "--cache-dir", cacheDir, "--log-level", "off", "frames", caps, "sst")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"2005", "2006", "2007", "seasurfacetemperature/2006.png"} {
		if !strings.Contains(out, want) {
			t.Errorf("frames output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, "--cache-dir", cacheDir, "--log-level", "off", "frames", caps, "nope"); err == nil {
		t.Fatal("expected error for unknown layer")
	}
}

func TestExportCommand(t *testing.T) {
	caps := writeCapabilities(t)
	dest := filepath.Join(t.TempDir(), "sst.kml")

	if _, err := run(t, "--cache-dir", t.TempDir(), "--log-level", "off", "export", caps, "sst", "-o", dest); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(data), "<GroundOverlay>") != 3 {
		t.Fatalf("kml = %s", data)
	}
}

func TestCacheStatsCommand(t *testing.T) {
	cacheDir := t.TempDir()
	out, err := run(t, "--cache-dir", cacheDir, "--log-level", "off", "cache", "stats")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, cacheDir) || !strings.Contains(out, "images on disk") {
		t.Fatalf("stats output = %s", out)
	}
	if _, err := run(t, "--cache-dir", cacheDir, "--log-level", "off", "cache", "clear"); err == nil {
		t.Fatal("clear without --yes should fail")
	}
}

func TestPassCounter(t *testing.T) {
	tests := []struct {
		name      string
		ticks     []int
		total     int
		allFailed bool
		want      int
	}{
		{"wraps once", []int{0, 1, 2, 0, 1}, 3, false, 1},
		{"pending frame holds", []int{0, 1, 1, 1, 2}, 3, false, 0},
		{"skip over failed frame", []int{0, 2, 0, 2, 0}, 3, false, 2},
		{"single frame", []int{0, 0, 0}, 1, false, 3},
		{"every frame failed", []int{0, 0, 0, 0}, 3, true, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPassCounter()
			got := 0
			for _, idx := range tt.ticks {
				if p.observe(idx, tt.total, tt.allFailed) {
					got++
				}
			}
			if got != tt.want {
				t.Fatalf("passes = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPlayStopsWhenEveryFrameFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	defer srv.Close()
	path := filepath.Join(t.TempDir(), "capabilities.xml")
	doc := strings.Replace(testCapabilities, "http://example.com/wms?", srv.URL+"/wms?", 1)
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := run(t, "--cache-dir", t.TempDir(), "--log-level", "off",
			"play", path, "sst", "--interval", "10ms", "--loops", "2")
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatal(res.err)
		}
		if !strings.Contains(res.out, "✗ ") || !strings.Contains(res.out, "after 2 passes") {
			t.Fatalf("output = %s", res.out)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("play did not stop after --loops passes")
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeloop.yaml")
	cacheDir := t.TempDir()

	out, err := run(t, "--config", path, "--cache-dir", cacheDir, "config", "init")
	if err != nil || !strings.Contains(out, path) {
		t.Fatalf("init = %q, %v", out, err)
	}
	if _, err := run(t, "--config", path, "config", "init"); err == nil {
		t.Fatal("expected error when the file exists")
	}
	if _, err := run(t, "--config", path, "config", "init", "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}

	// --force wrote the defaults again, so set the cache dir once more.
	if _, err := run(t, "--config", path, "--cache-dir", cacheDir, "config", "init", "--force"); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"cacheDir": "`+cacheDir+`"`) || !strings.Contains(out, `"intervalMs": 500`) {
		t.Fatalf("show = %s", out)
	}
}
