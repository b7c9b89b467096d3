package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all codebridge configuration.
type Config struct {
	Name string `yaml:"name"`

	// Subprocess executor
	Executor ExecutorConfig `yaml:"executor"`

	// Retry controller and its transport to the executor
	Bridge BridgeConfig `yaml:"bridge"`

	// HTTP front end
	HTTP HTTPConfig `yaml:"http"`

	// Repair table policy
	Repair RepairConfig `yaml:"repair"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BridgeConfig configures the self-correcting controller.
type BridgeConfig struct {
	MaxAttempts int  `yaml:"max_attempts"`
	SelfCorrect bool `yaml:"self_correct"`

	// Transport is one of stdio, http, websocket.
	Transport string `yaml:"transport"`
	// Endpoint is the URL for the http and websocket transports.
	Endpoint string `yaml:"endpoint"`
	// ServerCommand overrides the executor process spawned by the stdio
	// transport. Empty means "this binary, serve-mcp".
	ServerCommand []string `yaml:"server_command"`

	// CallGrace is added to the execution timeout to bound one tools/call
	// round trip.
	CallGrace string `yaml:"call_grace"`
}

// HTTPConfig configures the HTTP variant of the executor.
type HTTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	ReadTimeout    string `yaml:"read_timeout"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

// RepairConfig configures the repair heuristics policy file.
type RepairConfig struct {
	PolicyFile string `yaml:"policy_file"`
	Watch      bool   `yaml:"watch"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "codebridge",

		Executor: ExecutorConfig{
			Python:         "python3",
			Shell:          "/bin/sh",
			ScriptTimeout:  "30s",
			ShellTimeout:   "15s",
			MaxTimeout:     "10m",
			MaxOutputBytes: 1024 * 1024,
			MaxConcurrency: 8,
			AllowedEnvVars: []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "VIRTUAL_ENV", "PYTHONPATH"},
		},

		Bridge: BridgeConfig{
			MaxAttempts: 3,
			SelfCorrect: true,
			Transport:   "stdio",
			CallGrace:   "10s",
		},

		HTTP: HTTPConfig{
			Host:           "0.0.0.0",
			Port:           8081,
			MaxConnections: 64,
			ReadTimeout:    "30s",
			MaxBodyBytes:   4 * 1024 * 1024,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A .env file next to the config
// (or in the working directory) is loaded first; variables already present in
// the environment win.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults if config file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(configPath), ".env")}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
		return nil
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEBRIDGE_PYTHON"); v != "" {
		c.Executor.Python = v
	}
	if v := os.Getenv("CODEBRIDGE_SHELL"); v != "" {
		c.Executor.Shell = v
	}
	if v := os.Getenv("CODEBRIDGE_HTTP_HOST"); v != "" {
		c.HTTP.Host = v
	}
	if v := os.Getenv("CODEBRIDGE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = port
		}
	}
	if v := os.Getenv("CODEBRIDGE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bridge.MaxAttempts = n
		}
	}
	if v := os.Getenv("CODEBRIDGE_TRANSPORT"); v != "" {
		c.Bridge.Transport = v
	}
	if v := os.Getenv("CODEBRIDGE_ENDPOINT"); v != "" {
		c.Bridge.Endpoint = v
	}
	if v := os.Getenv("CODEBRIDGE_REPAIR_POLICY"); v != "" {
		c.Repair.PolicyFile = v
	}
	if v := os.Getenv("CODEBRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ValidTransports lists the bridge transports.
var ValidTransports = []string{"stdio", "http", "websocket"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Bridge.MaxAttempts < 1 {
		return fmt.Errorf("bridge.max_attempts must be >= 1, got %d", c.Bridge.MaxAttempts)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.Executor.Python == "" {
		return fmt.Errorf("executor.python must not be empty")
	}

	validTransport := false
	for _, t := range ValidTransports {
		if c.Bridge.Transport == t {
			validTransport = true
			break
		}
	}
	if !validTransport {
		return fmt.Errorf("invalid bridge transport: %s (valid: %v)", c.Bridge.Transport, ValidTransports)
	}
	if c.Bridge.Transport != "stdio" && c.Bridge.Endpoint == "" {
		return fmt.Errorf("bridge.endpoint is required for the %s transport", c.Bridge.Transport)
	}

	return nil
}

// GetCallGrace returns the extra time allowed on top of an execution timeout.
func (c *Config) GetCallGrace() time.Duration {
	return parseDuration(c.Bridge.CallGrace, 10*time.Second)
}

// GetReadTimeout returns the HTTP read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.HTTP.ReadTimeout, 30*time.Second)
}

// Addr returns the HTTP listen address.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
