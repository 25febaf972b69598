package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deepfates/haven/internal/otel"
)

// Config is the bridge's startup configuration. It is read once at boot:
// defaults, then config.yaml if present, then environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	AgentCommand string `yaml:"agent_command"`
	DefaultCwd   string `yaml:"default_cwd"`
	StaticDir    string `yaml:"static_dir"`
	LogLevel     string `yaml:"log_level"`

	// AllowOrigins lists Origin patterns accepted for cross-origin
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// HandshakeTimeoutSeconds bounds each step of the agent handshake and
	// how long session/prompt waits for the agent session id.
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`

	// PromptTimeoutSeconds bounds how long a forwarded prompt may wait for
	// the agent's reply before the client gets a timeout error.
	PromptTimeoutSeconds int `yaml:"prompt_timeout_seconds"`

	OTel otel.Config `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		Host:                    "127.0.0.1",
		Port:                    3000,
		AgentCommand:            "acp-agent",
		StaticDir:               "./public",
		LogLevel:                "info",
		HandshakeTimeoutSeconds: 60,
		PromptTimeoutSeconds:    int((10 * time.Minute).Seconds()),
	}
}

// HomeDir returns the durable state directory, <user home>/.acp-client by
// default. HAVEN_HOME overrides it (used by tests).
func HomeDir() string {
	if override := os.Getenv("HAVEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".acp-client")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create state directory: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 65536 {
			cfg.Port = n
		}
	}
	if v := os.Getenv("AGENT_COMMAND"); v != "" {
		cfg.AgentCommand = v
	}
	if v := os.Getenv("DEFAULT_CWD"); v != "" {
		cfg.DefaultCwd = v
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port <= 0 || cfg.Port >= 65536 {
		cfg.Port = 3000
	}
	if strings.TrimSpace(cfg.AgentCommand) == "" {
		cfg.AgentCommand = "acp-agent"
	}
	if cfg.DefaultCwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.DefaultCwd = wd
		} else {
			cfg.DefaultCwd = "."
		}
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = "./public"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = 60
	}
	if cfg.PromptTimeoutSeconds <= 0 {
		cfg.PromptTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
}

// BindAddr returns the host:port the HTTP server listens on.
func (c Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HandshakeTimeout returns the per-step handshake deadline as a Duration.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// PromptTimeout returns the prompt reply deadline as a Duration.
func (c Config) PromptTimeout() time.Duration {
	return time.Duration(c.PromptTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|port=%d|agent=%s|cwd=%s|static=%s|log=%s|hs=%d|pt=%d",
		c.Host, c.Port, c.AgentCommand, c.DefaultCwd, c.StaticDir, c.LogLevel,
		c.HandshakeTimeoutSeconds, c.PromptTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
