package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file discovered by walking
// up from the working directory
const LocalConfigName = ".genpipe.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Backend       BackendConfig       `toml:"backend"`
	Repair        RepairConfig        `toml:"repair"`
	Executor      ExecutorConfig      `toml:"executor"`
	Pool          PoolConfig          `toml:"pool"`
	Web           WebConfig           `toml:"web"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	PipelineDir  string `toml:"pipeline_dir"`
	DatabasePath string `toml:"database_path"`
}

// BackendConfig holds generation backend settings. Kind selects the
// adapter: gemini, claude, openai, ollama, cli, pool, or mock.
type BackendConfig struct {
	Kind          string        `toml:"kind"`
	Model         string        `toml:"model"`
	APIKey        string        `toml:"api_key"`
	BaseURL       string        `toml:"base_url"`
	Command       []string      `toml:"command"`
	Temperature   float64       `toml:"temperature"`
	MaxTokens     int           `toml:"max_tokens"`
	MaxRetries    int           `toml:"max_retries"`
	RetryDelay    time.Duration `toml:"retry_delay"`
	Timeout       time.Duration `toml:"timeout"`
}

// RepairConfig bounds the output repair loop
type RepairConfig struct {
	MaxAttempts      int     `toml:"max_attempts"`
	Temperature      float64 `toml:"temperature"`
	RetryTemperature float64 `toml:"retry_temperature"`
}

// ExecutorConfig holds phase execution settings
type ExecutorConfig struct {
	MaxConcurrentPhases int           `toml:"max_concurrent_phases"`
	EphemeralRetention  time.Duration `toml:"ephemeral_retention"`
}

// PoolConfig holds generation worker pool settings
type PoolConfig struct {
	Enabled       bool                `toml:"enabled"`
	WebSocketPort int                 `toml:"websocket_port"`
	Token         string              `toml:"token"`
	LocalFallback LocalFallbackConfig `toml:"local_fallback"`
}

// LocalFallbackConfig controls running queued generation jobs locally
// when no remote worker is connected
type LocalFallbackConfig struct {
	Enabled bool `toml:"enabled"`
	MaxJobs int  `toml:"max_jobs"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DataDir:      filepath.Join(home, ".genpipe"),
			PipelineDir:  "pipeline",
			DatabasePath: filepath.Join(home, ".genpipe", "genpipe.db"),
		},
		Backend: BackendConfig{
			Kind:        "gemini",
			Model:       "gemini-2.5-flash",
			Temperature: 0.7,
			MaxTokens:   16000,
			MaxRetries:  3,
			RetryDelay:  30 * time.Second,
			Timeout:     2 * time.Minute,
		},
		Repair: RepairConfig{
			MaxAttempts:      2,
			Temperature:      0.2,
			RetryTemperature: 0.0,
		},
		Executor: ExecutorConfig{
			MaxConcurrentPhases: 2,
			EphemeralRetention:  7 * 24 * time.Hour,
		},
		Pool: PoolConfig{
			WebSocketPort: 8081,
			LocalFallback: LocalFallbackConfig{
				Enabled: true,
				MaxJobs: 2,
			},
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.PipelineDir = ExpandPath(cfg.General.PipelineDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, otherwise a
// local config discovered by walking up from the working directory,
// otherwise the default config location.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for a
// local config file. Returns "" if none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "genpipe", "config.toml")
}
