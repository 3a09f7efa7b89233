package instance

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeInstances(t *testing.T, path string, instances []Instance) {
	t.Helper()
	raw, err := json.Marshal(instances)
	if err != nil {
		t.Fatalf("marshal instances: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write instances: %v", err)
	}
}

func TestFileStoreGetRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	store := NewFileStore(path)

	writeInstances(t, path, []Instance{{Key: "a", Name: "first", HTTPPort: 8069}})
	inst, err := store.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.Name != "first" {
		t.Fatalf("unexpected name %q", inst.Name)
	}

	// A settings-layer edit must be visible on the next Get without restart.
	writeInstances(t, path, []Instance{{Key: "a", Name: "renamed", HTTPPort: 8070}})
	inst, err = store.Get("a")
	if err != nil {
		t.Fatalf("get after edit: %v", err)
	}
	if inst.Name != "renamed" || inst.HTTPPort != 8070 {
		t.Fatalf("stale instance record: %+v", inst)
	}
}

func TestFileStoreGetUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.json")
	writeInstances(t, path, []Instance{{Key: "a"}})
	store := NewFileStore(path)

	_, err := store.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}

func TestValidateArtifacts(t *testing.T) {
	dir := t.TempDir()
	python := filepath.Join(dir, "python3")
	server := filepath.Join(dir, "odoo-bin")
	conf := filepath.Join(dir, "odoo.conf")
	for _, p := range []string{python, server, conf} {
		if err := os.WriteFile(p, []byte("#"), 0o755); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	inst := Instance{Key: "a", PythonPath: python, ServerPath: server, ConfigPath: conf}
	if err := ValidateArtifacts(inst); err != nil {
		t.Fatalf("expected valid artifacts, got %v", err)
	}

	missing := inst
	missing.ConfigPath = filepath.Join(dir, "nope.conf")
	err := ValidateArtifacts(missing)
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "config file") {
		t.Fatalf("error should name the missing artifact: %v", err)
	}

	unset := inst
	unset.PythonPath = ""
	if err := ValidateArtifacts(unset); err == nil {
		t.Fatal("expected error for unconfigured interpreter")
	}
}
