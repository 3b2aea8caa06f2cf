package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mitchellh/go-homedir"
)

func TestMain(m *testing.M) {
	// Tests point HOME at temp dirs.
	homedir.DisableCache = true
	os.Exit(m.Run())
}

// useTempHome points HOME at a fresh temp dir and clears EPACK_CONFIG.
func useTempHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfigPath, "")
	return home
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if diff := cmp.Diff([]string{"native", "worker", "shell"}, cfg.Backends); diff != "" {
		t.Errorf("Backends mismatch (-expected +got):\n%s", diff)
	}
	if cfg.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %v, expected %v", cfg.PollInterval, 100*time.Millisecond)
	}
	if cfg.ChunkSize != 32*1024 {
		t.Errorf("ChunkSize = %d, expected %d", cfg.ChunkSize, 32*1024)
	}
	if !cfg.CreateFolder {
		t.Error("CreateFolder should default to true")
	}
	if cfg.DeleteAfterExtract {
		t.Error("DeleteAfterExtract should default to false")
	}
	if cfg.Destination != "" {
		t.Errorf("Destination = %q, expected empty", cfg.Destination)
	}
	if cfg.PostExtract != PostExtractNone {
		t.Errorf("PostExtract = %q, expected %q", cfg.PostExtract, PostExtractNone)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadMissingConfig(t *testing.T) {
	useTempHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed for missing config: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("expected defaults (-expected +got):\n%s", diff)
	}
}

func TestLoadValidConfig(t *testing.T) {
	home := useTempHome(t)

	configDir := filepath.Join(home, ".epack")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	configContent := `
backends: [shell, native]
poll_interval: 250ms
chunk_size: 4096
destination: ~/Downloads
create_folder: false
delete_after_extract: true
bsdtar_path: /opt/bin/bsdtar
post_extract: files
file_manager: ~/bin/open-dir
list_concurrency: 2
verbose: true
`
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	expected := &Config{
		Backends:           []string{"shell", "native"},
		PollInterval:       250 * time.Millisecond,
		ChunkSize:          4096,
		Destination:        filepath.Join(home, "Downloads"),
		CreateFolder:       false,
		DeleteAfterExtract: true,
		PostExtract:        "files",
		FileManager:        filepath.Join(home, "bin", "open-dir"),
		Terminal:           "x-terminal-emulator",
		BsdtarPath:         "/opt/bin/bsdtar",
		PvPath:             "pv",
		ListConcurrency:    2,
		Verbose:            true,
	}
	if diff := cmp.Diff(expected, cfg); diff != "" {
		t.Errorf("config mismatch (-expected +got):\n%s", diff)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("verbose: true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if !cfg.Verbose {
		t.Error("Verbose should be loaded")
	}
	if cfg.PollInterval != DefaultPollInterval || len(cfg.Backends) != 3 {
		t.Errorf("defaults not kept: %+v", cfg)
	}
}

func TestLoadMalformedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("this: is: not: valid: yaml: [[["), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Error("LoadFile should fail for malformed YAML")
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"no backends", "backends: []\n", "backends"},
		{"zero poll interval", "poll_interval: 0s\n", "poll_interval"},
		{"negative chunk size", "chunk_size: -1\n", "chunk_size"},
		{"zero concurrency", "list_concurrency: 0\n", "list_concurrency"},
		{"unknown post action", "post_extract: dance\n", "post_extract"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadFile(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %q", err, tt.field)
			}
		})
	}
}

func TestLoadReadFileError(t *testing.T) {
	// A directory where the file should be causes a read error.
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("LoadFile should fail when config file is a directory")
	}
}

func TestSaveConfig(t *testing.T) {
	home := useTempHome(t)

	cfg := DefaultConfig()
	cfg.Backends = []string{"worker"}
	cfg.PollInterval = 50 * time.Millisecond
	cfg.Destination = "/srv/unpacked"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	configPath := filepath.Join(home, ".epack", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}
	if !strings.Contains(string(data), "poll_interval: 50ms") {
		t.Errorf("poll_interval not written as a duration:\n%s", data)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load after save failed: %v", err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config mismatch after save/load (-saved +loaded):\n%s", diff)
	}
}

func TestConfigPath(t *testing.T) {
	home := useTempHome(t)

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath failed: %v", err)
	}
	if expected := filepath.Join(home, ".epack", "config.yaml"); path != expected {
		t.Errorf("ConfigPath() = %q, expected %q", path, expected)
	}
}

func TestConfigPathOverride(t *testing.T) {
	home := useTempHome(t)
	t.Setenv(EnvConfigPath, "~/elsewhere.yaml")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath failed: %v", err)
	}
	if expected := filepath.Join(home, "elsewhere.yaml"); path != expected {
		t.Errorf("ConfigPath() = %q, expected %q", path, expected)
	}
}

func TestExpandPath(t *testing.T) {
	home := useTempHome(t)

	tests := []struct {
		input    string
		expected string
	}{
		{"~/code", filepath.Join(home, "code")},
		{"~/.config", filepath.Join(home, ".config")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
		{"~", home},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ExpandPath(tt.input)
			if err != nil {
				t.Fatalf("ExpandPath(%q) failed: %v", tt.input, err)
			}
			if result != tt.expected {
				t.Errorf("ExpandPath(%q) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestExpandPathOtherUser(t *testing.T) {
	if _, err := ExpandPath("~someone/x"); err == nil {
		t.Error("ExpandPath should refuse another user's home")
	}
}
