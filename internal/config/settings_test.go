package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadFormats(t *testing.T) {
	d := t.TempDir()
	files := map[string]string{
		"s.json": `{"cacheDir":"/c","cache":{"workers":2},"loop":{"intervalMs":250},"log":{"level":"debug"}}`,
		"s.yaml": "cacheDir: /c\ncache:\n  workers: 2\nloop:\n  intervalMs: 250\nlog:\n  level: debug\n",
		"s.toml": "cacheDir = \"/c\"\n[cache]\nworkers = 2\n[loop]\nintervalMs = 250\n[log]\nlevel = \"debug\"\n",
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			s, err := Load(writeTempFile(t, d, name, content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if s.CacheDir != "/c" || s.Cache.Workers != 2 || s.Loop.IntervalMS != 250 || s.Log.Level != "debug" {
				t.Fatalf("unexpected settings: %+v", s)
			}
			// Untouched fields keep their defaults.
			if s.Cache.MaxSizeMB != 250 || s.Loop.Format != "image/png" || s.Log.Format != "console" || s.Server.Addr != "127.0.0.1:0" {
				t.Fatalf("defaults not merged: %+v", s)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	d := t.TempDir()
	if _, err := Load(filepath.Join(d, "missing.json")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
	if _, err := Load(writeTempFile(t, d, "s.ini", "x=1")); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
	if _, err := Load(writeTempFile(t, d, "bad.json", "{")); err == nil {
		t.Fatal("expected parse error")
	}
	_, err := Load(writeTempFile(t, d, "invalid.json", `{"log":{"format":"xml"}}`))
	if err == nil || !strings.Contains(err.Error(), "Format") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TIMELOOP_CACHE_DIR", "/env/cache")
	t.Setenv("TIMELOOP_WORKERS", "7")
	t.Setenv("TIMELOOP_LOG_FORMAT", "json")

	s, err := Load(writeTempFile(t, t.TempDir(), "s.json", `{"cacheDir":"/file"}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.CacheDir != "/env/cache" || s.Cache.Workers != 7 || s.Log.Format != "json" {
		t.Fatalf("env not applied: %+v", s)
	}

	t.Setenv("TIMELOOP_WORKERS", "many")
	if _, err := Load(writeTempFile(t, t.TempDir(), "s.json", `{}`)); err == nil {
		t.Fatal("expected error for non-numeric TIMELOOP_WORKERS")
	}
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	s := DefaultSettings()
	s.CacheDir = "/saved"
	s.Telemetry.PostHogKey = "phc_test"
	if err := SaveSettings(s, path); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.CacheDir != "/saved" || got.Telemetry.PostHogKey != "phc_test" {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestSaveSettingsFormats(t *testing.T) {
	for _, name := range []string{"settings.yaml", "settings.toml", "settings.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			s := DefaultSettings()
			s.Loop.IntervalMS = 750
			s.Fetch.RetryMinutes = []int{3, 9}
			if err := SaveSettings(s, path); err != nil {
				t.Fatalf("SaveSettings: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}
			if got.Loop.IntervalMS != 750 || len(got.Fetch.RetryMinutes) != 2 || got.Fetch.RetryMinutes[1] != 9 {
				t.Fatalf("round trip = %+v", got)
			}
		})
	}

	if err := SaveSettings(DefaultSettings(), filepath.Join(t.TempDir(), "settings.ini")); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}
