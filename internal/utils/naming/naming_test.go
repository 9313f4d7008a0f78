package naming

import (
	"path/filepath"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"Sea Surface Temperature (MODIS/Terra)": "seasurfacetemperaturemodis/terra",
		"2005-08-23T05Z":                        "20050823t05z",
		"/leading//and/trailing/":               "leading/and/trailing",
		"Ünïcode ok?":                           "ncodeok",
		"":                                      "",
	}
	for in, want := range tests {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCacheKeyIsStable(t *testing.T) {
	a := CacheKey("Sea Surface Temperature", "2005-08-23T05Z", ".png")
	b := CacheKey("Sea Surface Temperature", "2005-08-23T05Z", ".png")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if a != "seasurfacetemperature/20050823t05z.png" {
		t.Fatalf("key = %q", a)
	}
	if CacheKey("Sea Surface Temperature", "2005-08-23T17Z", ".png") == a {
		t.Fatal("different frames share a key")
	}
}

func TestCacheKeyWithoutFrame(t *testing.T) {
	if got := CacheKey("Blue Marble", "", ".jpg"); got != "bluemarble/bluemarble.jpg" {
		t.Fatalf("key = %q", got)
	}
	if got := CacheKey("!!!", "a/b", ".jpg"); got != "layer/ab.jpg" {
		t.Fatalf("key = %q", got)
	}
}

func TestDiskPath(t *testing.T) {
	got := DiskPath("/tmp/cache", "sst/2005.png")
	want := filepath.Join("/tmp/cache", "Earth", "sst", "2005.png")
	if got != want {
		t.Fatalf("DiskPath = %q, want %q", got, want)
	}
}

func TestFormatBBox(t *testing.T) {
	if got := FormatBBox(55, 35, 30, -10); got != "35.0000N-55.0000N_10.0000W-30.0000E" {
		t.Fatalf("FormatBBox = %q", got)
	}
}
