package export

import (
	"bytes"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/wms"
)

func testSequence(root string) *overlay.LoopSequence {
	box := wms.BoundingBox{North: 55, South: 35, East: 30, West: -10.5}
	return &overlay.LoopSequence{
		Title: "Sea Surface Temperature",
		Frames: []overlay.Descriptor{
			{CacheKey: "sst/2005.png", Name: "2005", Title: "Sea Surface Temperature", SourceURL: "http://example.com/wms?time=2005&layers=sst", BoundingBox: box, CacheBasePath: root},
			{CacheKey: "sst/2006.png", Name: "2006", Title: "Sea Surface Temperature", SourceURL: "http://example.com/wms?time=2006&layers=sst", BoundingBox: box, CacheBasePath: root},
		},
		Legend: &overlay.Descriptor{CacheKey: "sst/legend.png", Name: "legend", SourceURL: "http://example.com/legend.png"},
	}
}

func TestWriteFragment(t *testing.T) {
	root := t.TempDir()
	seq := testSequence(root)
	cached := seq.Frames[0].Path()
	os.MkdirAll(filepath.Dir(cached), 0755)
	os.WriteFile(cached, []byte("png"), 0644)

	var buf bytes.Buffer
	if err := WriteFragment(&buf, seq, Options{}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	if strings.Count(out, "<GroundOverlay>") != 2 {
		t.Fatalf("expected two overlays:\n%s", out)
	}
	if strings.Contains(out, "<kml") || strings.Contains(out, "ScreenOverlay") {
		t.Fatalf("fragment has document parts:\n%s", out)
	}
	for _, want := range []string{
		"<begin>2005</begin>",
		"<end>2006</end>",
		"<begin>2006</begin>",
		"<west>-10.5</west>",
		"<description>Sea Surface Temperature 35.0000N-55.0000N_10.5000W-30.0000E</description>",
		"<north>55</north>",
		"file://" + filepath.ToSlash(cached),
		"http://example.com/wms?time=2006&amp;layers=sst",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestWriteDocument(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDocument(&buf, testSequence(""), Options{SourceOnly: true}); err != nil {
		t.Fatal(err)
	}

	var doc kmlDoc
	if err := xml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("document does not parse: %v\n%s", err, buf.String())
	}
	if doc.Document.Name != "Sea Surface Temperature" || len(doc.Document.GroundOverlays) != 2 {
		t.Fatalf("doc = %+v", doc.Document)
	}
	if doc.Document.ScreenOverlay == nil || doc.Document.ScreenOverlay.Icon.Href != "http://example.com/legend.png" {
		t.Fatalf("legend = %+v", doc.Document.ScreenOverlay)
	}
	if !strings.HasPrefix(buf.String(), "<?xml") || !strings.Contains(buf.String(), kmlNamespace) {
		t.Fatalf("missing header or namespace:\n%s", buf.String())
	}
}

func TestSingleFrameWithoutTime(t *testing.T) {
	seq := overlay.AsSequence(overlay.SingleOverlay{Descriptor: overlay.Descriptor{Name: "Blue Marble", SourceURL: "http://x/bm.jpg"}})
	var buf bytes.Buffer
	if err := WriteFragment(&buf, seq, Options{}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "TimeSpan") {
		t.Fatalf("non-time frame has TimeSpan:\n%s", buf.String())
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "loop.kml")
	if err := WriteFile(path, testSequence(""), Options{}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Contains(data, []byte("<GroundOverlay>")) {
		t.Fatalf("file = %s, %v", data, err)
	}
}
