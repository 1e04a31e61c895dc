// Package config resolves daemon configuration from a YAML file with
// environment-variable and flag overrides layered on top, in that order of
// increasing precedence (flag > env > file > default). The result is
// resolved once at startup into an immutable ResolvedConfig; no component
// downstream of main() mutates configuration afterward.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/awcp/pkg/log"
)

// Config is the on-disk / flag-overridable shape for one daemon.
type Config struct {
	BindAddr   string `yaml:"bindAddr"`
	DataDir    string `yaml:"dataDir"`
	LogLevel   string `yaml:"logLevel"`
	LogJSON    bool   `yaml:"logJSON"`

	AdmissionMaxBytes      int64    `yaml:"admissionMaxBytes"`
	AdmissionMaxFiles      int      `yaml:"admissionMaxFiles"`
	AdmissionMaxFileBytes  int64    `yaml:"admissionMaxFileBytes"`
	AdmissionSensitiveGlobs []string `yaml:"admissionSensitiveGlobs"`
	AwcpIgnorePath         string   `yaml:"awcpIgnorePath"`

	DefaultTTLSeconds int `yaml:"defaultTtlSeconds"`
	MaxTTLSeconds     int `yaml:"maxTtlSeconds"`

	MaxConcurrentAssignments int `yaml:"maxConcurrentAssignments"`

	RetentionWindow time.Duration `yaml:"retentionWindow"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`

	ControlTimeout time.Duration `yaml:"controlTimeout"`
	HandleTimeout  time.Duration `yaml:"handleTimeout"`
	ChunkTimeout   time.Duration `yaml:"chunkTimeout"`
}

// ResolvedConfig is Config after defaults and overrides have been applied.
// It is immutable for the lifetime of the process.
type ResolvedConfig struct {
	Config
}

// DefaultDelegatorBindAddr and DefaultExecutorBindAddr are the daemons'
// default bind addresses per spec.md §6.
const (
	DefaultDelegatorBindAddr = "localhost:3100"
	DefaultExecutorBindAddr  = "localhost:4001"
)

// Default returns the built-in defaults for the delegator daemon, grounded
// on the thresholds implied by spec.md S2 (100MB admission limit scenario)
// and §4.11 (60s sweep). Use DefaultFor to get the executor's defaults.
func Default() Config {
	return DefaultFor(DefaultDelegatorBindAddr)
}

// DefaultFor returns the built-in defaults with bindAddr as the default bind
// address, so each daemon's Load call can supply its own §6 default.
func DefaultFor(bindAddr string) Config {
	return Config{
		BindAddr:              bindAddr,
		DataDir:               "./data",
		LogLevel:              "info",
		LogJSON:               false,
		AdmissionMaxBytes:     100 * 1024 * 1024,
		AdmissionMaxFiles:     10000,
		AdmissionMaxFileBytes: 50 * 1024 * 1024,
		AdmissionSensitiveGlobs: []string{
			".env", "*.pem", "*.key", "id_rsa", "id_ed25519",
			"*credentials*.json", ".npmrc",
		},
		DefaultTTLSeconds:        300,
		MaxTTLSeconds:            3600,
		MaxConcurrentAssignments: 16,
		RetentionWindow:          10 * time.Minute,
		SweepInterval:            60 * time.Second,
		ControlTimeout:           30 * time.Second,
		HandleTimeout:            5 * time.Minute,
		ChunkTimeout:             5 * time.Minute,
	}
}

// Load reads path (if it exists) over the delegator defaults, then applies
// env overrides. A missing file is not an error — the defaults stand alone.
// Executor daemons should call LoadFor(path, config.DefaultExecutorBindAddr)
// instead, so an unconfigured executor binds to its own §6 default rather
// than colliding with a delegator on the same host.
func Load(path string) (ResolvedConfig, error) {
	return LoadFor(path, DefaultDelegatorBindAddr)
}

// LoadFor is Load parameterized by the default bind address, so each daemon
// gets its own spec.md §6 default when no config file or flag overrides it.
func LoadFor(path, defaultBindAddr string) (ResolvedConfig, error) {
	cfg := DefaultFor(defaultBindAddr)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return ResolvedConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return ResolvedConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	log.Debug(fmt.Sprintf("config resolved: bind=%s dataDir=%s", cfg.BindAddr, cfg.DataDir))
	return ResolvedConfig{Config: cfg}, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AWCP_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("AWCP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AWCP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
