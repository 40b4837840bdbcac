package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/loykin/gatekeeper/internal/logger"
)

// AppName names the per-user directories and the env prefix.
const AppName = "gatekeeper"

// Defaults shared with the packages that consume them.
const (
	DefaultGatewayPort     = 18789
	DefaultMinMajor        = 22
	DefaultFallbackVersion = "22.16.0"
	DefaultIndexURL        = "https://nodejs.org/dist/index.json"
	DefaultDistURL         = "https://nodejs.org/dist"
	DefaultToolPackage     = "openclaw"
)

// Config represents the top-level TOML structure.
type Config struct {
	DataDir   string        `toml:"data_dir" mapstructure:"data_dir"`
	ConfigDir string        `toml:"config_dir" mapstructure:"config_dir"`
	Runtime   RuntimeConfig `toml:"runtime" mapstructure:"runtime"`
	Tool      ToolConfig    `toml:"tool" mapstructure:"tool"`
	Gateway   GatewayConfig `toml:"gateway" mapstructure:"gateway"`
	Install   InstallConfig `toml:"install" mapstructure:"install"`
	Log       logger.Config `toml:"log" mapstructure:"log"`
	Metrics   MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History   HistoryConfig `toml:"history" mapstructure:"history"`
	Server    ServerConfig  `toml:"server" mapstructure:"server"`
}

type RuntimeConfig struct {
	MinMajor        int    `toml:"min_major" mapstructure:"min_major"`
	FallbackVersion string `toml:"fallback_version" mapstructure:"fallback_version"`
	IndexURL        string `toml:"index_url" mapstructure:"index_url"`
	DistURL         string `toml:"dist_url" mapstructure:"dist_url"`
}

type ToolConfig struct {
	Package string `toml:"package" mapstructure:"package"`
	Binary  string `toml:"binary" mapstructure:"binary"`
}

type GatewayConfig struct {
	Port              int           `toml:"port" mapstructure:"port"`
	Args              []string      `toml:"args" mapstructure:"args"`
	Env               []string      `toml:"env" mapstructure:"env"`
	EnvFiles          []string      `toml:"env_files" mapstructure:"env_files"`
	PollInterval      time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	ReadyAttempts     int           `toml:"ready_attempts" mapstructure:"ready_attempts"`
	MaxHealthFailures int           `toml:"max_health_failures" mapstructure:"max_health_failures"`
	StopTimeout       time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	SampleInterval    time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

type InstallConfig struct {
	FileLock  bool          `toml:"file_lock" mapstructure:"file_lock"`
	RetryMax  int           `toml:"retry_max" mapstructure:"retry_max"`
	RetryWait time.Duration `toml:"retry_wait" mapstructure:"retry_wait"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSN     []string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", filepath.Join(xdg.DataHome, AppName))
	v.SetDefault("config_dir", filepath.Join(xdg.ConfigHome, AppName))

	v.SetDefault("runtime.min_major", DefaultMinMajor)
	v.SetDefault("runtime.fallback_version", DefaultFallbackVersion)
	v.SetDefault("runtime.index_url", DefaultIndexURL)
	v.SetDefault("runtime.dist_url", DefaultDistURL)

	v.SetDefault("tool.package", DefaultToolPackage)
	v.SetDefault("tool.binary", DefaultToolPackage)

	v.SetDefault("gateway.port", DefaultGatewayPort)
	v.SetDefault("gateway.args", []string{"gateway", "--port", "{port}", "--verbose"})
	v.SetDefault("gateway.poll_interval", 2*time.Second)
	v.SetDefault("gateway.ready_attempts", 30)
	v.SetDefault("gateway.max_health_failures", 3)
	v.SetDefault("gateway.stop_timeout", 5*time.Second)
	v.SetDefault("gateway.sample_interval", 10*time.Second)

	v.SetDefault("install.file_lock", true)
	v.SetDefault("install.retry_max", 3)
	v.SetDefault("install.retry_wait", time.Second)

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.dir", filepath.Join(xdg.StateHome, AppName, "logs"))

	v.SetDefault("metrics.listen", "127.0.0.1:9464")
	v.SetDefault("server.listen", "127.0.0.1:18790")
	v.SetDefault("server.base_path", "/api")
}

// Load reads the TOML file at path (optional) on top of defaults and
// GATEKEEPER_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would make the supervisor or installer misbehave.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	if c.Gateway.PollInterval <= 0 {
		return fmt.Errorf("gateway.poll_interval must be positive")
	}
	if c.Gateway.ReadyAttempts <= 0 {
		return fmt.Errorf("gateway.ready_attempts must be positive")
	}
	if c.Gateway.MaxHealthFailures <= 0 {
		return fmt.Errorf("gateway.max_health_failures must be positive")
	}
	if c.Runtime.MinMajor <= 0 {
		return fmt.Errorf("runtime.min_major must be positive")
	}
	if strings.TrimSpace(c.Runtime.FallbackVersion) == "" {
		return fmt.Errorf("runtime.fallback_version is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// SettingsPath is the settings file holding the install location override.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.ConfigDir, "settings.json")
}

// GatewayArgs expands the {port} placeholder in the configured argument list.
func (c *Config) GatewayArgs(port int) []string {
	out := make([]string, len(c.Gateway.Args))
	p := fmt.Sprint(port)
	for i, a := range c.Gateway.Args {
		out[i] = strings.ReplaceAll(a, "{port}", p)
	}
	return out
}

// GatewayEnv merges env_files contents with the inline env list; inline
// entries win.
func (c *Config) GatewayEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.Gateway.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Gateway.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", clean, err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
