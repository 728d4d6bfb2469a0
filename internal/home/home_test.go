package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	d := New("/tmp/crv-test")
	if d.Root() != "/tmp/crv-test" {
		t.Errorf("expected root /tmp/crv-test, got %s", d.Root())
	}
}

func TestDefault(t *testing.T) {
	d, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if d.Root() == "" {
		t.Fatal("expected non-empty root")
	}
	if filepath.Base(d.Root()) != "crv" {
		t.Errorf("expected root to end with 'crv', got %s", d.Root())
	}
}

func TestLayoutPaths(t *testing.T) {
	d := New("/data")
	if got := d.PackRoot(); got != "/data/packs" {
		t.Errorf("PackRoot: got %s", got)
	}
	if got := d.MetadataPath(); got != "/data/meta.db" {
		t.Errorf("MetadataPath: got %s", got)
	}
	if got := d.RecoveryLogPath(); got != "/data/recovery.log" {
		t.Errorf("RecoveryLogPath: got %s", got)
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "crv")
	d := New(root)
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	info, err := os.Stat(d.PackRoot())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected pack store directory")
	}

	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists (idempotent): %v", err)
	}
}
