package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Boundary names accepted by sandbox.boundary.
const (
	BoundaryProcess = "process"
	BoundaryBwrap   = "bwrap"
	BoundaryDocker  = "docker"
	BoundaryPodman  = "podman"
)

// EnvPrefix is the prefix for environment overrides, e.g. DATABOX_ARTIFACT_STORE_TOKEN.
const EnvPrefix = "DATABOX"

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Sandbox       SandboxConfig       `mapstructure:"sandbox"`
	ArtifactStore ArtifactStoreConfig `mapstructure:"artifact_store"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds the isolation boundary and resource ceilings.
//
// The *_sec, *_mb and cpu_cores values are process-wide defaults; a request
// may override them but never beyond the matching max_* value.
type SandboxConfig struct {
	Boundary              string            `mapstructure:"boundary"`
	EnableProcessBoundary bool              `mapstructure:"enable_process_boundary"`
	RunnerPath            string            `mapstructure:"runner_path"`
	RunnerImage           string            `mapstructure:"runner_image"`
	BwrapPath             string            `mapstructure:"bwrap_path"`
	ScratchRoot           string            `mapstructure:"scratch_root"`
	ScratchMB             int               `mapstructure:"scratch_mb"`
	TimeoutSec            int               `mapstructure:"timeout_sec"`
	MaxTimeoutSec         int               `mapstructure:"max_timeout_sec"`
	MemoryMB              int               `mapstructure:"memory_mb"`
	MaxMemoryMB           int               `mapstructure:"max_memory_mb"`
	CPUCores              float64           `mapstructure:"cpu_cores"`
	MaxCPUCores           float64           `mapstructure:"max_cpu_cores"`
	KillGraceMS           int               `mapstructure:"kill_grace_ms"`
	MaxOutputBytes        int               `mapstructure:"max_output_bytes"`
	MaxConcurrent         int               `mapstructure:"max_concurrent"`
	MaxArtifactSizeMB     int               `mapstructure:"max_artifact_size_mb"`
	MaxContextBytes       int               `mapstructure:"max_context_bytes"`
	HelperCallsPerSec     float64           `mapstructure:"helper_calls_per_sec"`
	HelperBurst           int               `mapstructure:"helper_burst"`
	RunAsUID              int               `mapstructure:"run_as_uid"`
	RunAsGID              int               `mapstructure:"run_as_gid"`
	RequireNonRoot        bool              `mapstructure:"require_non_root"`
	Env                   map[string]string `mapstructure:"env"`
}

// ArtifactStoreConfig holds the artifact store endpoint and credential.
// The token is normally supplied through DATABOX_ARTIFACT_STORE_TOKEN.
type ArtifactStoreConfig struct {
	URL        string `mapstructure:"url"`
	Token      string `mapstructure:"token"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from config.yaml in "." or
// "./config" when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.boundary", BoundaryBwrap)
	v.SetDefault("sandbox.enable_process_boundary", false)
	v.SetDefault("sandbox.runner_path", "databox-runner")
	v.SetDefault("sandbox.runner_image", "databox-runner:latest")
	v.SetDefault("sandbox.bwrap_path", "bwrap")
	v.SetDefault("sandbox.scratch_root", "")
	v.SetDefault("sandbox.scratch_mb", 64)
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.max_timeout_sec", 120)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.max_memory_mb", 2048)
	v.SetDefault("sandbox.cpu_cores", 1.0)
	v.SetDefault("sandbox.max_cpu_cores", 4.0)
	v.SetDefault("sandbox.kill_grace_ms", 2000)
	v.SetDefault("sandbox.max_output_bytes", 100000)
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.max_artifact_size_mb", 20)
	v.SetDefault("sandbox.max_context_bytes", 65536)
	v.SetDefault("sandbox.helper_calls_per_sec", 20.0)
	v.SetDefault("sandbox.helper_burst", 40)
	v.SetDefault("sandbox.run_as_uid", 65534)
	v.SetDefault("sandbox.run_as_gid", 65534)
	v.SetDefault("sandbox.require_non_root", true)
	v.SetDefault("sandbox.env", map[string]string{})

	v.SetDefault("artifact_store.url", "http://localhost:8090")
	v.SetDefault("artifact_store.token", "")
	v.SetDefault("artifact_store.timeout_sec", 30)
	v.SetDefault("artifact_store.max_retries", 3)
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // Flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	s := c.Sandbox
	supportedBoundaries := map[string]bool{
		BoundaryBwrap:   true,
		BoundaryDocker:  true,
		BoundaryPodman:  true,
		BoundaryProcess: s.EnableProcessBoundary, // process only enabled if specifically allowed
	}
	if !supportedBoundaries[s.Boundary] {
		return fmt.Errorf("unsupported sandbox.boundary: %s", s.Boundary)
	}

	if s.RunnerPath == "" {
		return errors.New("sandbox.runner_path must not be empty")
	}

	if s.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", s.TimeoutSec)
	}
	if s.MaxTimeoutSec < s.TimeoutSec {
		return fmt.Errorf("sandbox.max_timeout_sec (%d) must not be below sandbox.timeout_sec (%d)", s.MaxTimeoutSec, s.TimeoutSec)
	}

	if s.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", s.MemoryMB)
	}
	if s.MaxMemoryMB < s.MemoryMB {
		return fmt.Errorf("sandbox.max_memory_mb (%d) must not be below sandbox.memory_mb (%d)", s.MaxMemoryMB, s.MemoryMB)
	}

	if s.CPUCores <= 0 {
		return fmt.Errorf("sandbox.cpu_cores must be positive, got: %g", s.CPUCores)
	}
	if s.MaxCPUCores < s.CPUCores {
		return fmt.Errorf("sandbox.max_cpu_cores (%g) must not be below sandbox.cpu_cores (%g)", s.MaxCPUCores, s.CPUCores)
	}

	if s.ScratchMB <= 0 {
		return fmt.Errorf("sandbox.scratch_mb must be positive, got: %d", s.ScratchMB)
	}

	if s.KillGraceMS <= 0 {
		return fmt.Errorf("sandbox.kill_grace_ms must be positive, got: %d", s.KillGraceMS)
	}

	if s.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", s.MaxOutputBytes)
	}

	if s.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", s.MaxConcurrent)
	}

	if s.MaxArtifactSizeMB <= 0 {
		return fmt.Errorf("sandbox.max_artifact_size_mb must be positive, got: %d", s.MaxArtifactSizeMB)
	}

	if s.MaxContextBytes <= 0 {
		return fmt.Errorf("sandbox.max_context_bytes must be positive, got: %d", s.MaxContextBytes)
	}

	if s.HelperCallsPerSec <= 0 || s.HelperBurst <= 0 {
		return errors.New("sandbox.helper_calls_per_sec and sandbox.helper_burst must be positive")
	}

	if s.RequireNonRoot && s.RunAsUID == 0 {
		return errors.New("sandbox.run_as_uid must not be 0 while sandbox.require_non_root is set")
	}

	if c.ArtifactStore.URL == "" {
		return errors.New("artifact_store.url must not be empty")
	}
	if c.ArtifactStore.TimeoutSec <= 0 {
		return fmt.Errorf("artifact_store.timeout_sec must be positive, got: %d", c.ArtifactStore.TimeoutSec)
	}
	if c.ArtifactStore.MaxRetries < 0 {
		return fmt.Errorf("artifact_store.max_retries must not be negative, got: %d", c.ArtifactStore.MaxRetries)
	}

	return nil
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetKillGrace returns the window between the graceful and the forced kill
func (c *Config) GetKillGrace() time.Duration {
	return time.Duration(c.Sandbox.KillGraceMS) * time.Millisecond
}
