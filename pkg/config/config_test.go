package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaultValidates(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.Validate(false); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if got := cfg.ResolvedExtensions(); len(got) != len(DefaultExtensions) {
		t.Errorf("ResolvedExtensions = %v, want defaults", got)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load returned error for missing file: %v", err)
	}
	if cfg.DeviceRoot != dir {
		t.Errorf("DeviceRoot = %q, want %q", cfg.DeviceRoot, dir)
	}
	if cfg.HashAlgorithm != "sha256" {
		t.Errorf("HashAlgorithm = %q, want sha256", cfg.HashAlgorithm)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := NewDefault()
	cfg.DeviceRoot = dir
	cfg.OnlyMissing = true
	cfg.Folders = []string{"Rock", "Jazz"}
	cfg.LyricsExport.Enabled = true
	if err := Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.OnlyMissing {
		t.Error("OnlyMissing not persisted")
	}
	if len(loaded.Folders) != 2 {
		t.Errorf("Folders = %v, want two entries", loaded.Folders)
	}
	if !loaded.LyricsExport.Enabled {
		t.Error("LyricsExport.Enabled not persisted")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("Load of corrupt file did not return an error")
	}
}

func TestMergeWithFlags(t *testing.T) {
	base := NewDefault()
	merged := MergeWithFlags(base, map[string]any{
		"source":        "/music",
		"device":        "/mnt/player/Music",
		"jobs":          8,
		"delete-extras": true,
		"hash":          "md5",
		"ext":           []string{".flac"},
		"dry-run":       true,
	})

	if merged.SourceRoot != "/music" || merged.DeviceRoot != "/mnt/player/Music" {
		t.Errorf("roots not merged: %+v", merged)
	}
	if merged.Performance.Jobs != 8 {
		t.Errorf("Jobs = %d, want 8", merged.Performance.Jobs)
	}
	if !merged.DeleteExtras || !merged.DryRun {
		t.Error("bool flags not merged")
	}
	if merged.HashAlgorithm != "md5" {
		t.Errorf("HashAlgorithm = %q, want md5", merged.HashAlgorithm)
	}
	if got := merged.ResolvedExtensions(); len(got) != 1 || got[0] != ".flac" {
		t.Errorf("ResolvedExtensions = %v, want [.flac]", got)
	}
	// Base must be untouched.
	if base.Performance.Jobs != 4 {
		t.Error("merge mutated the base config")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero jobs", func(c *Config) { c.Performance.Jobs = 0 }},
		{"bad hash", func(c *Config) { c.HashAlgorithm = "crc32" }},
		{"bad hashdb format", func(c *Config) { c.HashDBFormat = "lz4" }},
		{"extension without dot", func(c *Config) { c.Extensions = []string{"flac"} }},
		{"absolute scope folder", func(c *Config) { c.Folders = []string{string(filepath.Separator) + "Rock"} }},
		{"parent escape folder", func(c *Config) { c.Folders = []string{"../etc"} }},
		{"downsample without tool", func(c *Config) {
			c.Downsample.Enabled = true
			c.Downsample.Tool = ""
		}},
		{"lyrics extension without dot", func(c *Config) {
			c.LyricsExport.Enabled = true
			c.LyricsExport.Extension = "lrc"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(&cfg)
			if err := cfg.Validate(false); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestScopeFoldersSortedAndDeduplicated(t *testing.T) {
	cfg := NewDefault()
	cfg.Folders = []string{"Rock", "Ambient", "Rock"}
	got := cfg.ScopeFolders()
	if len(got) != 2 || got[0] != "Ambient" || got[1] != "Rock" {
		t.Errorf("ScopeFolders = %v, want [Ambient Rock]", got)
	}

	cfg.Folders = nil
	if cfg.ScopeFolders() != nil {
		t.Error("full scope should return nil")
	}
}
