package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/meshd/internal/common"
	"github.com/jo-hoe/meshd/internal/jobs"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Mesh   MeshConfig   `yaml:"mesh"`
	FFmpeg FFmpegConfig `yaml:"ffmpeg"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr            string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxUploadSize   ByteSize      `yaml:"maxUploadSize"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout"` // fetching video_url inputs
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`   // time to wait for running jobs before forced stop
	CallbackRetries int           `yaml:"callbackRetries"` // number of callback attempts
	CallbackBackoff time.Duration `yaml:"callbackBackoff"` // base backoff duration
	LogLevel        string        `yaml:"logLevel"`        // debug|info|warn|error
	CORSOrigins     []string      `yaml:"corsOrigins"`
}

// JobsConfig controls the registry, the execution slots and retention.
type JobsConfig struct {
	StorageDir     string        `yaml:"storageDir"`
	Registry       string        `yaml:"registry"`     // memory|sqlite
	DatabasePath   string        `yaml:"databasePath"` // sqlite only, defaults to storageDir/meshd.db
	Slots          int           `yaml:"slots"`        // concurrent generator runs, usually one per GPU
	QueueCapacity  int           `yaml:"queueCapacity"`
	Retention      time.Duration `yaml:"retention"`
	SweepInterval  time.Duration `yaml:"sweepInterval"`
	MinFrames      int           `yaml:"minFrames"`
	MaxFrames      int           `yaml:"maxFrames"`
	DefaultProfile string        `yaml:"defaultProfile"`
}

// MeshConfig describes how the external generator is invoked.
type MeshConfig struct {
	Command         []string      `yaml:"command"`
	PythonPath      string        `yaml:"pythonPath"`
	BlenderPath     string        `yaml:"blenderPath"` // empty disables composite export
	Timeout         time.Duration `yaml:"timeout"`
	DiagnosticLimit ByteSize      `yaml:"diagnosticLimit"`
	FailOnStderr    *bool         `yaml:"failOnStderr"` // defaults to true
}

// FFmpegConfig configures frame extraction.
type FFmpegConfig struct {
	Path      string        `yaml:"path"`
	TargetFPS float64       `yaml:"targetFps"`
	Timeout   time.Duration `yaml:"timeout"`
}

const (
	RegistryMemory = "memory"
	RegistrySQLite = "sqlite"
)

// ByteSize represents a size in bytes that unmarshals from strings like "100Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseByteSize(value.Value)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Int64 returns the size as an int64, saturating at math.MaxInt64.
func (b ByteSize) Int64() int64 {
	if b > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(b)
}

// ParseByteSize parses Kubernetes-style binary quantities (Ki, Mi, Gi), KiB/MiB/GiB,
// decimal KB/MB/GB and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var MESHD_CONFIG, then default to "config.yaml".
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		if env := os.Getenv("MESHD_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Jobs.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	if cfg.Jobs.DatabasePath == "" {
		cfg.Jobs.DatabasePath = filepath.Join(cfg.Jobs.StorageDir, "meshd.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 2 * time.Minute
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(100 * 1024 * 1024)
	}
	if cfg.Server.DownloadTimeout == 0 {
		cfg.Server.DownloadTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.CallbackRetries == 0 {
		cfg.Server.CallbackRetries = 3
	}
	if cfg.Server.CallbackBackoff == 0 {
		cfg.Server.CallbackBackoff = 2 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}

	// Jobs defaults
	if cfg.Jobs.StorageDir == "" {
		cfg.Jobs.StorageDir = "data"
	}
	if cfg.Jobs.Registry == "" {
		cfg.Jobs.Registry = RegistryMemory
	}
	if cfg.Jobs.Slots <= 0 {
		cfg.Jobs.Slots = common.DefaultWorkerCount
	}
	if cfg.Jobs.Retention == 0 {
		cfg.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Jobs.SweepInterval == 0 {
		cfg.Jobs.SweepInterval = time.Hour
	}
	if cfg.Jobs.MinFrames == 0 {
		cfg.Jobs.MinFrames = 16
	}
	if cfg.Jobs.MaxFrames == 0 {
		cfg.Jobs.MaxFrames = 31
	}
	if cfg.Jobs.DefaultProfile == "" {
		cfg.Jobs.DefaultProfile = string(jobs.ProfileFastLowResource)
	}

	// Mesh defaults
	if cfg.Mesh.Timeout == 0 {
		cfg.Mesh.Timeout = 30 * time.Minute
	}
	if cfg.Mesh.DiagnosticLimit == 0 {
		cfg.Mesh.DiagnosticLimit = ByteSize(4 * 1024)
	}
	if cfg.Mesh.FailOnStderr == nil {
		failOnStderr := true
		cfg.Mesh.FailOnStderr = &failOnStderr
	}

	// FFmpeg defaults
	if cfg.FFmpeg.Path == "" {
		cfg.FFmpeg.Path = common.FFmpegExecutable
	}
	if cfg.FFmpeg.Timeout == 0 {
		cfg.FFmpeg.Timeout = 2 * time.Minute
	}
}

func validate(cfg *Config) error {
	if len(cfg.Mesh.Command) == 0 || strings.TrimSpace(cfg.Mesh.Command[0]) == "" {
		return errors.New("mesh.command is required")
	}
	switch cfg.Jobs.Registry {
	case RegistryMemory, RegistrySQLite:
	default:
		return fmt.Errorf("jobs.registry must be %q or %q, got %q", RegistryMemory, RegistrySQLite, cfg.Jobs.Registry)
	}
	if cfg.Jobs.QueueCapacity < 0 {
		return fmt.Errorf("jobs.queueCapacity must not be negative")
	}
	if cfg.Jobs.MinFrames < 1 {
		return fmt.Errorf("jobs.minFrames must be positive")
	}
	if cfg.Jobs.MaxFrames < cfg.Jobs.MinFrames {
		return fmt.Errorf("jobs.maxFrames (%d) must not be below jobs.minFrames (%d)", cfg.Jobs.MaxFrames, cfg.Jobs.MinFrames)
	}
	if _, err := jobs.ParseProfile(cfg.Jobs.DefaultProfile, ""); err != nil {
		return fmt.Errorf("jobs.defaultProfile: %w", err)
	}
	if cfg.Jobs.Retention < 0 || cfg.Jobs.SweepInterval < 0 {
		return errors.New("jobs.retention and jobs.sweepInterval must not be negative")
	}
	if _, err := ParseLogLevel(cfg.Server.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps debug|info|warn|error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("server.logLevel: unknown level %q", s)
	}
}

// DefaultProfile returns the validated jobs.defaultProfile.
func (c *Config) DefaultProfile() jobs.Profile {
	p, err := jobs.ParseProfile(c.Jobs.DefaultProfile, jobs.ProfileFastLowResource)
	if err != nil {
		return jobs.ProfileFastLowResource
	}
	return p
}

// StderrIsFailure reports whether diagnostic output of a zero-exit generator run fails the job.
func (m MeshConfig) StderrIsFailure() bool {
	return m.FailOnStderr == nil || *m.FailOnStderr
}
