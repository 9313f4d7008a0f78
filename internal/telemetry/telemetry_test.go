package telemetry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInstallIDIsStable(t *testing.T) {
	dir := t.TempDir()
	first, err := InstallID(dir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := InstallID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if first != second || len(first) != 36 {
		t.Fatalf("ids = %q, %q", first, second)
	}
}

func TestInstallIDReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, installIDFile), []byte("not-a-uuid"), 0644)
	id, err := InstallID(dir)
	if err != nil || id == "not-a-uuid" {
		t.Fatalf("id = %q, %v", id, err)
	}
}

func TestTrackerWithoutKeyIsNoop(t *testing.T) {
	tr := New(Options{Dir: t.TempDir()})
	if tr.Enabled() {
		t.Fatal("tracker enabled without key")
	}
	tr.Track(EventLoopStarted, map[string]interface{}{"frames": 3})
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	var nilTracker *Tracker
	nilTracker.Track(EventLoopStopped, nil)
}
