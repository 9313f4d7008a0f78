package overlay

import (
	"errors"
	"strings"
	"testing"

	"imagery-timeloop/internal/timespan"
	"imagery-timeloop/internal/wms"
)

const testCapabilities = `<WMS_Capabilities version="1.3.0" xmlns:xlink="http://www.w3.org/1999/xlink">
  <Service><Name>WMS</Name><Title>Test</Title></Service>
  <Capability>
    <Request>
      <GetMap>
        <Format>image/jpeg</Format>
        <Format>image/png</Format>
        <DCPType><HTTP><Get><OnlineResource xlink:href="http://example.com/wms?"/></Get></HTTP></DCPType>
      </GetMap>
    </Request>
    <Layer>
      <CRS>CRS:84</CRS>
      <EX_GeographicBoundingBox>
        <westBoundLongitude>-180</westBoundLongitude>
        <eastBoundLongitude>180</eastBoundLongitude>
        <southBoundLatitude>-90</southBoundLatitude>
        <northBoundLatitude>90</northBoundLatitude>
      </EX_GeographicBoundingBox>
      <Layer>
        <Name>sst</Name>
        <Title>Sea Surface Temperature</Title>
        <Dimension name="time">2005-08-23T05Z/2005-08-24T05Z/PT12H</Dimension>
        <Style>
          <Name>default</Name>
          <LegendURL><OnlineResource xlink:href="http://example.com/legend.gif"/></LegendURL>
        </Style>
      </Layer>
      <Layer>
        <Name>bluemarble</Name>
        <Title>Blue Marble</Title>
      </Layer>
      <Layer>
        <Name>halfhourly</Name>
        <Title>Half Hourly</Title>
        <Dimension name="time">2005-08-23T05Z/2005-08-23T06Z/PT30M</Dimension>
      </Layer>
      <Layer>
        <Name>broken</Name>
        <Title>Broken</Title>
        <Dimension name="time">2005/2006/P1Q</Dimension>
      </Layer>
    </Layer>
  </Capability>
</WMS_Capabilities>`

func testLayer(t *testing.T, name string) *wms.Layer {
	t.Helper()
	caps, err := wms.Parse(strings.NewReader(testCapabilities))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	l, ok := caps.Layer(name)
	if !ok {
		t.Fatalf("layer %s missing", name)
	}
	return l
}

func TestBuildLoopSequence(t *testing.T) {
	b := &Builder{CacheRoot: "/cache"}
	o, err := b.Build(testLayer(t, "sst"), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	seq, ok := o.(*LoopSequence)
	if !ok {
		t.Fatalf("got %T, want *LoopSequence", o)
	}
	if seq.Len() != 3 {
		t.Fatalf("frames = %d", seq.Len())
	}
	first := seq.Frames[0]
	if first.Name != "2005-08-23T05Z" {
		t.Fatalf("name = %q", first.Name)
	}
	if first.CacheKey != "seasurfacetemperature/20050823t05z.jpg" {
		t.Fatalf("key = %q", first.CacheKey)
	}
	if first.FileExtension != ".jpg" || first.CacheBasePath != "/cache" {
		t.Fatalf("descriptor = %+v", first)
	}
	if !strings.HasSuffix(first.SourceURL, "&format=image/jpeg&time=2005-08-23T05Z") {
		t.Fatalf("url = %s", first.SourceURL)
	}
	if first.BoundingBox.North != 90 {
		t.Fatalf("bbox = %+v", first.BoundingBox)
	}

	keys := map[string]bool{}
	for _, f := range seq.Frames {
		if keys[f.CacheKey] {
			t.Fatalf("duplicate key %s", f.CacheKey)
		}
		keys[f.CacheKey] = true
	}

	if seq.Legend == nil {
		t.Fatal("legend missing")
	}
	if seq.Legend.SourceURL != "http://example.com/legend.gif" || seq.Legend.FileExtension != ".gif" {
		t.Fatalf("legend = %+v", seq.Legend)
	}
	if got := len(seq.Descriptors()); got != 4 {
		t.Fatalf("descriptors = %d", got)
	}
}

func TestBuildSingleOverlay(t *testing.T) {
	b := &Builder{CacheRoot: "/cache", Format: "image/png"}
	o, err := b.Build(testLayer(t, "bluemarble"), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	single, ok := o.(SingleOverlay)
	if !ok {
		t.Fatalf("got %T, want SingleOverlay", o)
	}
	if single.CacheKey != "bluemarble/bluemarble.png" {
		t.Fatalf("key = %q", single.CacheKey)
	}
	if strings.Contains(single.SourceURL, "time=") {
		t.Fatalf("url has time: %s", single.SourceURL)
	}
	if seq := AsSequence(o); seq == nil || seq.Len() != 1 {
		t.Fatalf("AsSequence = %+v", seq)
	}
}

func TestBuildCallerInstants(t *testing.T) {
	b := &Builder{CacheRoot: "/cache"}
	o, err := b.Build(testLayer(t, "bluemarble"), []string{"2001", " 2002 ", "", "2001"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	seq := o.(*LoopSequence)
	if seq.Len() != 2 || seq.Frames[1].Name != "2002" {
		t.Fatalf("frames = %+v", seq.Frames)
	}
}

func TestBuildCollapsesRepeatedInstants(t *testing.T) {
	b := &Builder{CacheRoot: "/cache"}
	o, err := b.Build(testLayer(t, "halfhourly"), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	seq := o.(*LoopSequence)
	if seq.Len() != 2 || seq.Frames[0].Name != "2005-08-23T05Z" || seq.Frames[1].Name != "2005-08-23T06Z" {
		t.Fatalf("frames = %+v", seq.Frames)
	}
}

func TestBuildErrors(t *testing.T) {
	b := &Builder{}
	_, err := b.Build(testLayer(t, "broken"), nil)
	if !errors.Is(err, timespan.ErrMalformedTimeSpec) {
		t.Fatalf("err = %v, want ErrMalformedTimeSpec", err)
	}
	_, err = b.Build(testLayer(t, "sst"), []string{})
	if !errors.Is(err, ErrNoInstants) {
		t.Fatalf("err = %v, want ErrNoInstants", err)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"image/jpeg":             ".jpg",
		"image/png":              ".png",
		"image/png; mode=8bit":   ".png",
		"image/gif":              ".gif",
		"application/x-whatever": ".img",
		"":                       ".img",
	}
	for in, want := range tests {
		if got := ExtensionFor(in); got != want {
			t.Errorf("ExtensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}
