// Package config provides configuration management for the Fetchd daemon.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fetchd-project/fetchd/internal/version"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "fetchd.config.yaml"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Engine  EngineConfig  `yaml:"engine" json:"engine"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Logging LogConfig     `yaml:"logging" json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"writeTimeout"` // seconds
}

// EngineConfig contains download engine configuration
type EngineConfig struct {
	OutputDir string `yaml:"output_dir" json:"outputDir"`
	StateDir  string `yaml:"state_dir" json:"stateDir"` // empty = <output_dir>/.fetchd

	MaxConcurrentDownloads int   `yaml:"max_concurrent_downloads" json:"maxConcurrentDownloads"`
	TargetChunks           int   `yaml:"target_chunks" json:"targetChunks"`
	MaxChunksPerFile       int   `yaml:"max_chunks_per_file" json:"maxChunksPerFile"`
	MinChunkSize           int64 `yaml:"min_chunk_size" json:"minChunkSize"` // bytes
	BufferSize             int   `yaml:"buffer_size" json:"bufferSize"`      // bytes
	SpeedLimit             int64 `yaml:"speed_limit" json:"speedLimit"`      // bytes/second, 0 = unlimited

	ProgressInterval    int `yaml:"progress_interval" json:"progressInterval"`         // milliseconds
	SpeedSampleInterval int `yaml:"speed_sample_interval" json:"speedSampleInterval"` // milliseconds

	AutoResume        bool `yaml:"auto_resume" json:"autoResume"`
	OverwriteExisting bool `yaml:"overwrite_existing" json:"overwriteExisting"`
	AutoRename        bool `yaml:"auto_rename" json:"autoRename"`

	Retry RetryConfig `yaml:"retry" json:"retry"`
}

// RetryConfig contains the backoff schedule for retryable failures
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries" json:"maxRetries"`
	BaseDelay         int     `yaml:"base_delay" json:"baseDelay"` // seconds
	MaxDelay          int     `yaml:"max_delay" json:"maxDelay"`   // seconds
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoffMultiplier"`
	JitterFactor      float64 `yaml:"jitter_factor" json:"jitterFactor"`
}

// HTTPConfig contains HTTP transport configuration
type HTTPConfig struct {
	Timeout      int               `yaml:"timeout" json:"timeout"`            // seconds, connect/header phases
	ChunkTimeout int               `yaml:"chunk_timeout" json:"chunkTimeout"` // seconds per chunk fetch, 0 = none
	UserAgent    string            `yaml:"user_agent" json:"userAgent"`
	Proxy        string            `yaml:"proxy" json:"proxy"` // empty = environment proxy
	VerifySSL    bool              `yaml:"verify_ssl" json:"verifySSL"`
	MaxRedirects int               `yaml:"max_redirects" json:"maxRedirects"`
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// StorageConfig contains task catalog storage configuration
type StorageConfig struct {
	Type   string       `yaml:"type" json:"type"` // sqlite, memory
	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`
}

// SQLiteConfig contains SQLite-specific settings
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`            // debug, info, warn, error
	Format     string `yaml:"format" json:"format"`          // text, json
	Output     string `yaml:"output" json:"output"`          // stdout, file, both
	Directory  string `yaml:"directory" json:"directory"`    // log directory
	MaxSize    int    `yaml:"max_size" json:"maxSize"`       // MB
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"` // number of backup files
	MaxAge     int    `yaml:"max_age" json:"maxAge"`         // days
	Compress   bool   `yaml:"compress" json:"compress"`      // compress rotated logs
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	// Anchor relative directories to the working directory
	cwd, _ := os.Getwd()

	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         6880,
			ReadTimeout:  60,
			WriteTimeout: 60,
		},
		Engine: EngineConfig{
			OutputDir:              filepath.Join(cwd, "downloads"),
			StateDir:               "",
			MaxConcurrentDownloads: 3,
			TargetChunks:           4,
			MaxChunksPerFile:       8,
			MinChunkSize:           1 << 20,  // 1MB
			BufferSize:             256 << 10, // 256KB
			SpeedLimit:             0,
			ProgressInterval:       500,
			SpeedSampleInterval:    2000,
			AutoResume:             true,
			OverwriteExisting:      false,
			AutoRename:             true,
			Retry: RetryConfig{
				MaxRetries:        3,
				BaseDelay:         1,
				MaxDelay:          60,
				BackoffMultiplier: 2.0,
				JitterFactor:      0.1,
			},
		},
		HTTP: HTTPConfig{
			Timeout:      30,
			ChunkTimeout: 0,
			UserAgent:    "Fetchd/" + version.Version,
			Proxy:        "",
			VerifySSL:    true,
			MaxRedirects: 5,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: filepath.Join(cwd, "data", "fetchd.db"),
			},
		},
		Logging: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both",
			Directory:  filepath.Join(cwd, "logs"),
			MaxSize:    100, // 100MB
			MaxBackups: 3,
			MaxAge:     7, // 7 days
			Compress:   true,
		},
	}
}

// Validate validates the configuration, normalizing case-insensitive fields
// in place.
func (c *Config) Validate() error {
	// Validate server settings
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 1 {
		return fmt.Errorf("server read timeout must be at least 1 second")
	}
	if c.Server.WriteTimeout < 1 {
		return fmt.Errorf("server write timeout must be at least 1 second")
	}

	// Validate engine settings
	if c.Engine.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.Engine.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1")
	}
	if c.Engine.TargetChunks < 1 {
		return fmt.Errorf("target chunks must be at least 1")
	}
	if c.Engine.MaxChunksPerFile < c.Engine.TargetChunks {
		return fmt.Errorf("max chunks per file must be at least target chunks (%d)", c.Engine.TargetChunks)
	}
	if c.Engine.MinChunkSize < 1024 {
		return fmt.Errorf("min chunk size too small (minimum 1024 bytes)")
	}
	if c.Engine.BufferSize < 4096 {
		return fmt.Errorf("buffer size too small (minimum 4096 bytes)")
	}
	if c.Engine.SpeedLimit < 0 {
		return fmt.Errorf("speed limit cannot be negative")
	}
	if c.Engine.ProgressInterval < 50 {
		return fmt.Errorf("progress interval must be at least 50 milliseconds")
	}
	if c.Engine.SpeedSampleInterval < 100 {
		return fmt.Errorf("speed sample interval must be at least 100 milliseconds")
	}

	// Validate retry settings
	if c.Engine.Retry.MaxRetries < 0 || c.Engine.Retry.MaxRetries > 20 {
		return fmt.Errorf("max retries must be between 0 and 20")
	}
	if c.Engine.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry base delay cannot be negative")
	}
	if c.Engine.Retry.MaxDelay < c.Engine.Retry.BaseDelay {
		return fmt.Errorf("retry max delay must be at least the base delay")
	}
	if c.Engine.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if c.Engine.Retry.JitterFactor < 0 || c.Engine.Retry.JitterFactor > 1 {
		return fmt.Errorf("jitter factor must be between 0 and 1")
	}

	// Validate HTTP transport settings
	if c.HTTP.Timeout < 1 {
		return fmt.Errorf("http timeout must be at least 1 second")
	}
	if c.HTTP.ChunkTimeout < 0 {
		return fmt.Errorf("chunk timeout cannot be negative")
	}
	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("max redirects cannot be negative")
	}
	if c.HTTP.Proxy != "" {
		if _, err := url.Parse(c.HTTP.Proxy); err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
	}

	// Validate storage settings
	c.Storage.Type = strings.ToLower(c.Storage.Type)
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a database path")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage type: %s (must be sqlite or memory)", c.Storage.Type)
	}

	// Validate logging settings
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}
	c.Logging.Output = strings.ToLower(c.Logging.Output)
	validOutputs := map[string]bool{"stdout": true, "file": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (must be stdout, file, or both)", c.Logging.Output)
	}
	if c.Logging.Output != "stdout" && c.Logging.Directory == "" {
		return fmt.Errorf("file logging requires a log directory")
	}

	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv("FETCHD_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// EnsureConfigDir ensures the configuration directory exists
func EnsureConfigDir() error {
	configDir := GetConfigDir()
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return nil
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager using the default path
func NewManager() *Manager {
	return &Manager{
		configPath: filepath.Join(GetConfigDir(), DefaultConfigFile),
	}
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// GetConfigPath returns the configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
