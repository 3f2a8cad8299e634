package models

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetModelByID(t *testing.T) {
	if GetModelByID("large-v3-turbo") == nil {
		t.Fatal("large-v3-turbo must exist in registry")
	}
	if GetModelByID("nonexistent") != nil {
		t.Fatal("unknown id must return nil")
	}
}

func TestRegistryEntriesComplete(t *testing.T) {
	seen := make(map[string]bool)
	for _, info := range Registry {
		if info.ID == "" || len(info.Files) == 0 {
			t.Errorf("registry entry %q is incomplete", info.ID)
		}
		if seen[info.ID] {
			t.Errorf("duplicate registry id %q", info.ID)
		}
		seen[info.ID] = true

		required := map[string]bool{}
		for _, f := range info.Files {
			if f.DownloadURL == "" {
				t.Errorf("%s/%s has no download URL", info.ID, f.Name)
			}
			if !f.Optional {
				required[f.Name] = true
			}
		}
		// Экспорт optimum: encoder + decoder + tokenizer обязательны
		for _, name := range []string{"encoder_model.onnx", "decoder_model.onnx", "tokenizer.json"} {
			if !required[name] {
				t.Errorf("%s is missing required file %s", info.ID, name)
			}
		}
	}
}

func TestManagerPaths(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	if m.ProfileDir("base") != filepath.Join(dir, "base") {
		t.Errorf("ProfileDir = %q", m.ProfileDir("base"))
	}
	if m.SileroVADPath() != filepath.Join(dir, "silero_vad.onnx") {
		t.Errorf("SileroVADPath = %q", m.SileroVADPath())
	}
}

func TestManagerIsDownloaded(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	if m.IsDownloaded("base") {
		t.Fatal("empty dir must not count as downloaded")
	}

	// Кладём обязательные файлы (опциональный decoder_with_past не нужен)
	profileDir := m.ProfileDir("base")
	if err := os.MkdirAll(profileDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"encoder_model.onnx", "decoder_model.onnx", "tokenizer.json"} {
		if err := os.WriteFile(filepath.Join(profileDir, name), []byte("stub"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if !m.IsDownloaded("base") {
		t.Fatal("all required files present, must be downloaded")
	}

	states := m.States()
	for _, s := range states {
		if s.ID == "base" && s.Status != ModelStatusDownloaded {
			t.Errorf("base status = %s", s.Status)
		}
	}

	m.SetActive("base")
	for _, s := range m.States() {
		if s.ID == "base" && s.Status != ModelStatusActive {
			t.Errorf("active base status = %s", s.Status)
		}
	}
}

func TestDownloadUnknownModel(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Download("bogus"); err == nil {
		t.Fatal("unknown model must error")
	}
}
