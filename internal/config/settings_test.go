package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSettings_MissingFileIsEmpty(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.InstallPath != "" {
		t.Fatalf("expected empty install path, got %q", s.InstallPath)
	}
}

func TestSettings_SaveLoadAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"theme":"dark"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := SaveSettings(path, Settings{InstallPath: "/opt/gk"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.InstallPath != "/opt/gk" {
		t.Fatalf("install path = %q", s.InstallPath)
	}

	if err := SaveSettings(path, Settings{}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["install_path"]; ok {
		t.Fatalf("install_path should be removed: %s", b)
	}
	if raw["theme"] != "dark" {
		t.Fatalf("unrelated keys must survive: %s", b)
	}
}
