// Package config loads and saves the epack configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// ErrNoHomeDir is returned when the user's home directory cannot be determined.
var ErrNoHomeDir = errors.New("cannot determine home directory")

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "EPACK_CONFIG"

// Backend names in their default priority order.
const (
	BackendNative = "native"
	BackendWorker = "worker"
	BackendShell  = "shell"
)

// Actions run after a successful extraction.
const (
	PostExtractNone     = "none"
	PostExtractFiles    = "files"
	PostExtractTerminal = "terminal"
	PostExtractClose    = "close"
)

// PostExtractActions lists the valid post_extract values.
func PostExtractActions() []string {
	return []string{PostExtractNone, PostExtractFiles, PostExtractTerminal, PostExtractClose}
}

// Defaults.
const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultChunkSize       = 32 * 1024
	DefaultListConcurrency = 4
)

type Config struct {
	// Backends are tried in order; the first that initialises is used.
	Backends     []string      `yaml:"backends"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ChunkSize    int           `yaml:"chunk_size"`

	// Destination is the default extraction directory. Empty means next to the archive.
	Destination        string `yaml:"destination"`
	CreateFolder       bool   `yaml:"create_folder"`
	DeleteAfterExtract bool   `yaml:"delete_after_extract"`

	// PostExtract is what happens after a successful extraction: open the result in
	// FileManager or Terminal, or close the UI.
	PostExtract string `yaml:"post_extract"`
	FileManager string `yaml:"file_manager"`
	Terminal    string `yaml:"terminal"`

	BsdtarPath string `yaml:"bsdtar_path"`
	PvPath     string `yaml:"pv_path"`

	ListConcurrency int  `yaml:"list_concurrency"`
	Verbose         bool `yaml:"verbose"`
}

func DefaultConfig() *Config {
	return &Config{
		Backends:        []string{BackendNative, BackendWorker, BackendShell},
		PollInterval:    DefaultPollInterval,
		ChunkSize:       DefaultChunkSize,
		CreateFolder:    true,
		PostExtract:     PostExtractNone,
		FileManager:     "xdg-open",
		Terminal:        "x-terminal-emulator",
		BsdtarPath:      "bsdtar",
		PvPath:          "pv",
		ListConcurrency: DefaultListConcurrency,
	}
}

// ConfigPath returns the config file location: $EPACK_CONFIG, or ~/.epack/config.yaml.
func ConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return ExpandPath(path)
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoHomeDir, err)
	}
	return filepath.Join(home, ".epack", "config.yaml"), nil
}

// Load reads the config file. A missing file yields the defaults; fields absent from
// the file keep their default values.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the config at path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveFile(path)
}

// SaveFile writes the config to path, creating its directory.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks value ranges. Backend names are checked when backends are built.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Backends) == 0 {
		errs = append(errs, errors.New("backends: at least one backend is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval: must be positive, got %s", c.PollInterval))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size: must be positive, got %d", c.ChunkSize))
	}
	if c.ListConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("list_concurrency: must be positive, got %d", c.ListConcurrency))
	}
	if !slices.Contains(PostExtractActions(), c.PostExtract) {
		errs = append(errs, fmt.Errorf("post_extract: must be one of %s, got %q",
			strings.Join(PostExtractActions(), ", "), c.PostExtract))
	}
	return errors.Join(errs...)
}

// applyDefaults fills fields an explicit "0" or empty value would leave unusable.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BsdtarPath == "" {
		c.BsdtarPath = d.BsdtarPath
	}
	if c.PvPath == "" {
		c.PvPath = d.PvPath
	}
	if c.PostExtract == "" {
		c.PostExtract = d.PostExtract
	}
	if c.FileManager == "" {
		c.FileManager = d.FileManager
	}
	if c.Terminal == "" {
		c.Terminal = d.Terminal
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Destination, &c.BsdtarPath, &c.PvPath, &c.FileManager, &c.Terminal} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("%w: expanding %s: %w", ErrNoHomeDir, path, err)
	}
	return expanded, nil
}
