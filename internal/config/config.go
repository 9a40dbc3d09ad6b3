package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults used when the config file leaves a field empty.
const (
	DefaultEnvName       = "scriptrunner_env"
	DefaultBasePython    = "python3"
	DefaultLauncher      = "auto"
	DefaultWindowTitle   = "Script Runner"
	DefaultBridgeAddr    = "127.0.0.1:8765"
	DefaultLaunchTimeout = 30 * time.Second
	DefaultPollInterval  = 250 * time.Millisecond
)

// ErrInvalid is returned when a loaded config fails validation.
var ErrInvalid = errors.New("invalid config")

// Config holds the runner's configuration
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Launcher    LauncherConfig    `yaml:"launcher"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Detector    DetectorConfig    `yaml:"detector"`

	path string // where Save writes; not persisted
}

// EnvironmentConfig describes the persistent interpreter environment.
type EnvironmentConfig struct {
	Name       string `yaml:"name"`        // environment directory name under Root
	Root       string `yaml:"root"`        // parent directory of all environments
	BasePython string `yaml:"base_python"` // interpreter used to create the venv
}

// LauncherConfig selects how terminal windows are opened.
type LauncherConfig struct {
	Backend      string `yaml:"backend"`       // auto, macos, linux, windows, pty
	Terminal     string `yaml:"terminal"`      // preferred Linux terminal emulator binary
	WindowTitle  string `yaml:"window_title"`  // prefix for every window title
	KeepWindows  bool   `yaml:"keep_windows"`  // leave opened windows on shutdown
	EchoHeadless bool   `yaml:"echo_headless"` // copy pty output to stdout in headless mode
}

// MonitorConfig controls how output files are observed.
type MonitorConfig struct {
	TempDir          string `yaml:"temp_dir"`       // wrapper scripts and output files
	RawLaunchTimeout string `yaml:"launch_timeout"` // e.g. "30s"; "0" waits forever
	RawPollInterval  string `yaml:"poll_interval"`  // e.g. "250ms"
}

// BridgeConfig controls the host-facing websocket server.
type BridgeConfig struct {
	Addr string `yaml:"addr"`
}

// DetectorConfig extends the built-in crash signatures.
type DetectorConfig struct {
	ExtraSignatures []string `yaml:"extra_signatures"` // e.g. "requests.exceptions.HTTPError:"
}

// LaunchTimeout returns how long to wait for a launched script's output
// file to appear. Zero means no limit.
func (m MonitorConfig) LaunchTimeout() time.Duration {
	if m.RawLaunchTimeout == "" {
		return DefaultLaunchTimeout
	}
	d, err := time.ParseDuration(m.RawLaunchTimeout)
	if err != nil || d < 0 {
		return DefaultLaunchTimeout
	}
	return d
}

// PollInterval returns the fallback poll period for output monitoring.
func (m MonitorConfig) PollInterval() time.Duration {
	if m.RawPollInterval != "" {
		d, err := time.ParseDuration(m.RawPollInterval)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultPollInterval
}

// EnvPath returns the filesystem root of the configured environment.
func (c *Config) EnvPath() string {
	return filepath.Join(c.Environment.Root, c.Environment.Name)
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Load loads the configuration from path, or from the default location
// when path is empty. A missing file is created with defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}
	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return createDefaultConfig(expanded)
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.path = expanded
	cfg.applyDefaults()
	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config populated with defaults, not backed by a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Validate checks fields that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.Environment.Name, `/\`) {
		return fmt.Errorf("%w: environment name %q must not contain path separators", ErrInvalid, c.Environment.Name)
	}
	if c.Monitor.RawLaunchTimeout != "" {
		if _, err := time.ParseDuration(c.Monitor.RawLaunchTimeout); err != nil {
			return fmt.Errorf("%w: launch_timeout: %v", ErrInvalid, err)
		}
	}
	if c.Monitor.RawPollInterval != "" {
		if _, err := time.ParseDuration(c.Monitor.RawPollInterval); err != nil {
			return fmt.Errorf("%w: poll_interval: %v", ErrInvalid, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Name == "" {
		c.Environment.Name = DefaultEnvName
	}
	if c.Environment.Root == "" {
		c.Environment.Root = filepath.Join(DefaultConfigDir(), "envs")
	}
	if c.Environment.BasePython == "" {
		c.Environment.BasePython = DefaultBasePython
	}
	if c.Launcher.Backend == "" {
		c.Launcher.Backend = DefaultLauncher
	}
	if c.Launcher.WindowTitle == "" {
		c.Launcher.WindowTitle = DefaultWindowTitle
	}
	if c.Monitor.TempDir == "" {
		c.Monitor.TempDir = filepath.Join(DefaultConfigDir(), "tmp")
	}
	if c.Bridge.Addr == "" {
		c.Bridge.Addr = DefaultBridgeAddr
	}
}

// applyEnvironmentOverrides applies environment variable overrides
func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("SCRIPTRUNNER_LAUNCHER"); v != "" {
		c.Launcher.Backend = v
	}
	if v := os.Getenv("SCRIPTRUNNER_BRIDGE_ADDR"); v != "" {
		c.Bridge.Addr = v
	}
	if v := os.Getenv("SCRIPTRUNNER_PYTHON"); v != "" {
		c.Environment.BasePython = v
	}
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	if c.path == "" {
		c.path = DefaultConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(c.path, data, 0o600)
}

// createDefaultConfig writes a default configuration to path
func createDefaultConfig(path string) (*Config, error) {
	cfg := &Config{path: path}
	cfg.applyDefaults()

	if err := cfg.Save(); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	return cfg, nil
}

// DefaultConfigDir returns ~/.scriptrunner unless SCRIPTRUNNER_HOME is set.
func DefaultConfigDir() string {
	if v := os.Getenv("SCRIPTRUNNER_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".scriptrunner")
}

// DefaultConfigPath returns the path to the config file
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		return filepath.Abs(path)
	}
}
