// Package config provides application configuration.
//
// Configuration is layered: an optional YAML file provides defaults, and
// environment variables override any field the file sets. All timeouts
// and operational parameters are configurable.
//
// Configuration categories:
//   - Server: bind port, bearer token
//   - Storage: events/tasks/attachments base directories, debounce interval
//   - Admission: concurrency capacity, acquire timeout
//   - Runner pool: size bounds, idle TTL, maintenance cadence, container image
//   - SSE: listener queue capacity, keepalive interval
//   - Cleanup: terminal-task max age, cron schedule
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP bind and auth configuration.
type ServerConfig struct {
	Port         string `yaml:"port"`
	BearerToken  string `yaml:"bearer_token"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// StorageConfig holds on-disk layout configuration.
type StorageConfig struct {
	EventsDir      string        `yaml:"events_dir"`
	TasksFile      string        `yaml:"tasks_file"`
	AttachmentsDir string        `yaml:"attachments_dir"`
	DebounceDelay  time.Duration `yaml:"debounce_delay"`
	EventsFsync    bool          `yaml:"events_fsync"`
}

// AdmissionConfig holds resource-gate configuration.
type AdmissionConfig struct {
	Capacity       int64         `yaml:"capacity"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// RunnerPoolConfig holds the Docker-backed agent runner pool configuration.
type RunnerPoolConfig struct {
	Image               string        `yaml:"image"`
	MaxSize             int           `yaml:"max_size"`
	MinGeneric          int           `yaml:"min_generic"`
	IdleTTL             time.Duration `yaml:"idle_ttl"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	MemoryLimitBytes    int64         `yaml:"memory_limit_bytes"`
	CPUQuota            int64         `yaml:"cpu_quota"`
	PidsLimit           int64         `yaml:"pids_limit"`
	InterruptSignal     string        `yaml:"interrupt_signal"`
}

// SSEConfig holds listener/stream configuration.
type SSEConfig struct {
	ListenerQueueCapacity int           `yaml:"listener_queue_capacity"`
	KeepaliveInterval     time.Duration `yaml:"keepalive_interval"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	MaxRequestBodySize    int64         `yaml:"max_request_body_size"`
}

// CleanupConfig holds terminal-task retention configuration.
type CleanupConfig struct {
	MaxAge time.Duration `yaml:"max_age"`
	Cron   string        `yaml:"cron"`
}

// AttachmentsConfig holds attachment validation limits.
type AttachmentsConfig struct {
	MaxSizeBytes     int64    `yaml:"max_size_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Admission   AdmissionConfig   `yaml:"admission"`
	RunnerPool  RunnerPoolConfig  `yaml:"runner_pool"`
	SSE         SSEConfig         `yaml:"sse"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	LogFormat   string            `yaml:"log_format"`
}

// Load reads configuration from an optional YAML file at path (ignored if
// path is empty or the file doesn't exist) and then applies environment
// variable overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			AllowOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			EventsDir:      "./data/events",
			TasksFile:      "./data/tasks.json",
			AttachmentsDir: "./data/attachments",
			DebounceDelay:  500 * time.Millisecond,
		},
		Admission: AdmissionConfig{
			Capacity:       5,
			AcquireTimeout: 30 * time.Second,
		},
		RunnerPool: RunnerPoolConfig{
			Image:               "taskexec-runner:latest",
			MaxSize:             8,
			MinGeneric:          1,
			IdleTTL:             5 * time.Minute,
			MaintenanceInterval: 30 * time.Second,
			MemoryLimitBytes:    512 * 1024 * 1024,
			CPUQuota:            50000,
			PidsLimit:           256,
			InterruptSignal:     "SIGINT",
		},
		SSE: SSEConfig{
			ListenerQueueCapacity: 256,
			KeepaliveInterval:     10 * time.Second,
			RetryDelay:            5 * time.Second,
			MaxRequestBodySize:    1 << 20,
		},
		Cleanup: CleanupConfig{
			MaxAge: 24 * time.Hour,
			Cron:   "0 */15 * * * *",
		},
		Attachments: AttachmentsConfig{
			MaxSizeBytes:      25 * 1024 * 1024,
			AllowedExtensions: []string{".txt", ".md", ".json", ".png", ".jpg", ".jpeg", ".pdf", ".log"},
		},
		LogFormat: "json",
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.BearerToken = getEnv("AUTH_BEARER_TOKEN", cfg.Server.BearerToken)

	cfg.Storage.EventsDir = getEnv("EVENTS_DIR", cfg.Storage.EventsDir)
	cfg.Storage.TasksFile = getEnv("TASKS_FILE", cfg.Storage.TasksFile)
	cfg.Storage.AttachmentsDir = getEnv("ATTACHMENTS_DIR", cfg.Storage.AttachmentsDir)
	cfg.Storage.DebounceDelay = getEnvDuration("STORAGE_DEBOUNCE_DELAY", cfg.Storage.DebounceDelay)
	cfg.Storage.EventsFsync = getEnvBool("EVENTS_FSYNC", cfg.Storage.EventsFsync)

	cfg.Admission.Capacity = getEnvInt64("ADMISSION_CAPACITY", cfg.Admission.Capacity)
	cfg.Admission.AcquireTimeout = getEnvDuration("ADMISSION_ACQUIRE_TIMEOUT", cfg.Admission.AcquireTimeout)

	cfg.RunnerPool.Image = getEnv("RUNNER_IMAGE", cfg.RunnerPool.Image)
	cfg.RunnerPool.MaxSize = getEnvInt("RUNNER_POOL_MAX_SIZE", cfg.RunnerPool.MaxSize)
	cfg.RunnerPool.MinGeneric = getEnvInt("RUNNER_POOL_MIN_GENERIC", cfg.RunnerPool.MinGeneric)
	cfg.RunnerPool.IdleTTL = getEnvDuration("RUNNER_POOL_IDLE_TTL", cfg.RunnerPool.IdleTTL)
	cfg.RunnerPool.MaintenanceInterval = getEnvDuration("RUNNER_POOL_MAINTENANCE_INTERVAL", cfg.RunnerPool.MaintenanceInterval)
	cfg.RunnerPool.MemoryLimitBytes = getEnvInt64("RUNNER_MEMORY_LIMIT", cfg.RunnerPool.MemoryLimitBytes)
	cfg.RunnerPool.CPUQuota = getEnvInt64("RUNNER_CPU_QUOTA", cfg.RunnerPool.CPUQuota)
	cfg.RunnerPool.PidsLimit = getEnvInt64("RUNNER_PIDS_LIMIT", cfg.RunnerPool.PidsLimit)
	cfg.RunnerPool.InterruptSignal = getEnv("RUNNER_INTERRUPT_SIGNAL", cfg.RunnerPool.InterruptSignal)

	cfg.SSE.ListenerQueueCapacity = getEnvInt("LISTENER_QUEUE_CAPACITY", cfg.SSE.ListenerQueueCapacity)
	cfg.SSE.KeepaliveInterval = getEnvDuration("SSE_KEEPALIVE_INTERVAL", cfg.SSE.KeepaliveInterval)
	cfg.SSE.RetryDelay = getEnvDuration("SSE_RETRY_DELAY", cfg.SSE.RetryDelay)
	cfg.SSE.MaxRequestBodySize = getEnvInt64("SSE_MAX_BODY_SIZE", cfg.SSE.MaxRequestBodySize)

	cfg.Cleanup.MaxAge = getEnvDuration("CLEANUP_MAX_AGE", cfg.Cleanup.MaxAge)
	cfg.Cleanup.Cron = getEnv("CLEANUP_CRON", cfg.Cleanup.Cron)

	cfg.Attachments.MaxSizeBytes = getEnvInt64("ATTACHMENT_MAX_SIZE", cfg.Attachments.MaxSizeBytes)
	if exts := getEnv("ATTACHMENT_ALLOWED_EXTENSIONS", ""); exts != "" {
		cfg.Attachments.AllowedExtensions = strings.Split(exts, ",")
	}

	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port cannot be empty")
	}
	if c.Server.BearerToken == "" {
		return fmt.Errorf("server.bearer_token (AUTH_BEARER_TOKEN) cannot be empty")
	}
	if c.Storage.EventsDir == "" || c.Storage.TasksFile == "" || c.Storage.AttachmentsDir == "" {
		return fmt.Errorf("storage directories/files cannot be empty")
	}
	if c.Admission.Capacity <= 0 {
		return fmt.Errorf("admission.capacity must be > 0")
	}
	if c.RunnerPool.MaxSize <= 0 {
		return fmt.Errorf("runner_pool.max_size must be > 0")
	}
	if c.SSE.ListenerQueueCapacity <= 0 {
		return fmt.Errorf("sse.listener_queue_capacity must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
