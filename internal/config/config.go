// Package config loads polychat settings from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/remote"
)

// credentialEnv maps provider ids to the environment variable holding a key
// used when none is saved.
var credentialEnv = map[string]string{
	"gemini":     "GEMINI_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"groq":       "GROQ_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// Config holds all configuration values.
type Config struct {
	// Local store
	DataDir      string
	LocalBackend string

	// SurrealDB remote store; empty URL disables sync
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Sync debounce windows
	SyncFast time.Duration
	SyncSlow time.Duration

	// Export service
	ExportURL string
	ExportDir string

	// Web search
	SearchResults int
	UserAgent     string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Server
	ServerPort int

	// Credentials found in the environment, keyed by provider id.
	EnvCredentials map[string]models.Credential

	// From the YAML file
	ConfigFile        string
	Personas          map[string]string
	BaseURLs          map[string]string
	DefaultProvider   string
	DefaultModel      string
	DefaultPromptMode string
}

// fileConfig is the YAML overlay.
type fileConfig struct {
	Personas  map[string]string `yaml:"personas"`
	Providers map[string]struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"providers"`
	Defaults struct {
		Provider   string `yaml:"provider"`
		Model      string `yaml:"model"`
		PromptMode string `yaml:"prompt_mode"`
	} `yaml:"defaults"`
	Export struct {
		URL string `yaml:"url"`
		Dir string `yaml:"dir"`
	} `yaml:"export"`
}

// Load reads configuration from environment variables, then overlays the
// YAML file named by POLYCHAT_CONFIG (default <data dir>/config.yaml).
// A missing default file is not an error.
func Load() (Config, error) {
	dataDir := getEnv("POLYCHAT_DATA_DIR", defaultDataDir())

	cfg := Config{
		DataDir:      dataDir,
		LocalBackend: getEnv("POLYCHAT_LOCAL_BACKEND", "bolt"),

		SurrealDBURL:       getEnv("POLYCHAT_SURREALDB_URL", ""),
		SurrealDBNamespace: getEnv("POLYCHAT_SURREALDB_NAMESPACE", "polychat"),
		SurrealDBDatabase:  getEnv("POLYCHAT_SURREALDB_DATABASE", "sync"),
		SurrealDBUser:      getEnv("POLYCHAT_SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("POLYCHAT_SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("POLYCHAT_SURREALDB_AUTH_LEVEL", "root"),

		SyncFast: getDuration("POLYCHAT_SYNC_FAST", time.Second),
		SyncSlow: getDuration("POLYCHAT_SYNC_SLOW", 5*time.Second),

		ExportURL: getEnv("POLYCHAT_EXPORT_URL", ""),
		ExportDir: getEnv("POLYCHAT_EXPORT_DIR", filepath.Join(dataDir, "exports")),

		SearchResults: getInt("POLYCHAT_SEARCH_RESULTS", 5),
		UserAgent:     getEnv("POLYCHAT_USER_AGENT", "polychat/1.0"),

		LogFile:  getEnv("POLYCHAT_LOG_FILE", filepath.Join(os.TempDir(), "polychat.log")),
		LogLevel: parseLogLevel(getEnv("POLYCHAT_LOG_LEVEL", "INFO")),

		ServerPort: getInt("POLYCHAT_SERVER_PORT", 8484),

		EnvCredentials: make(map[string]models.Credential),
		Personas:       make(map[string]string),
		BaseURLs:       make(map[string]string),
	}

	for id, key := range credentialEnv {
		if v := os.Getenv(key); v != "" {
			cfg.EnvCredentials[id] = models.Credential(v)
		}
	}

	path, explicit := os.LookupEnv("POLYCHAT_CONFIG")
	if !explicit || path == "" {
		path = filepath.Join(dataDir, "config.yaml")
		explicit = false
	}
	if err := cfg.overlay(path, explicit); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string, required bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	c.ConfigFile = path
	for mode, text := range fc.Personas {
		c.Personas[mode] = strings.TrimSpace(text)
	}
	for id, p := range fc.Providers {
		if p.BaseURL != "" {
			c.BaseURLs[id] = p.BaseURL
		}
	}
	c.DefaultProvider = fc.Defaults.Provider
	c.DefaultModel = fc.Defaults.Model
	c.DefaultPromptMode = fc.Defaults.PromptMode
	// Environment wins over the file for the export service.
	if os.Getenv("POLYCHAT_EXPORT_URL") == "" && fc.Export.URL != "" {
		c.ExportURL = fc.Export.URL
	}
	if os.Getenv("POLYCHAT_EXPORT_DIR") == "" && fc.Export.Dir != "" {
		c.ExportDir = fc.Export.Dir
	}
	return nil
}

// LocalPath is the local store file for the configured backend.
func (c Config) LocalPath() string {
	if strings.EqualFold(c.LocalBackend, "sqlite") {
		return filepath.Join(c.DataDir, "polychat.sqlite")
	}
	return filepath.Join(c.DataDir, "polychat.db")
}

// Remote returns the SurrealDB connection settings.
func (c Config) Remote() remote.Config {
	return remote.Config{
		URL:       c.SurrealDBURL,
		Namespace: c.SurrealDBNamespace,
		Database:  c.SurrealDBDatabase,
		Username:  c.SurrealDBUser,
		Password:  c.SurrealDBPass,
		AuthLevel: c.SurrealDBAuthLevel,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "polychat")
	}
	return ".polychat"
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
