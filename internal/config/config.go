// Package config loads daemon configuration from an optional YAML file with
// environment variable overrides. Env keys are the authoritative interface;
// the file exists for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Platform priority tags accepted in PLATFORM_PRIORITY.
var KnownPlatforms = []string{"k8s", "aws", "coolify", "local"}

// PlatformConfig holds the per-platform router settings.
type PlatformConfig struct {
	BotLimit       int   `yaml:"bot_limit"`
	QueueTimeoutMS int64 `yaml:"queue_timeout_ms"`
}

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds Redis connection settings. Redis is optional: it powers
// cross-replica queue wakeups and monitor leader locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PoolConfig holds settings for the pre-warmed slot pool backend.
type PoolConfig struct {
	MaxSize             int           `yaml:"max_size"`
	BaseURL             string        `yaml:"base_url"`
	APIToken            string        `yaml:"api_token"`
	ProjectUUID         string        `yaml:"project_uuid"`
	ServerUUID          string        `yaml:"server_uuid"`
	EnvironmentName     string        `yaml:"environment_name"`
	Image               string        `yaml:"image"`
	ImageTag            string        `yaml:"image_tag"`
	DefaultQueueTimeout time.Duration `yaml:"default_queue_timeout"`
}

// K8sConfig holds settings for the cluster Job adapter.
type K8sConfig struct {
	Namespace       string `yaml:"namespace"`
	ImageRegistry   string `yaml:"image_registry"`
	ImageTag        string `yaml:"image_tag"`
	ImagePullSecret string `yaml:"image_pull_secret"`
	CPURequest      string `yaml:"cpu_request"`
	CPULimit        string `yaml:"cpu_limit"`
	MemoryRequest   string `yaml:"memory_request"`
	MemoryLimit     string `yaml:"memory_limit"`
}

// ECSConfig holds settings for the cloud-task adapter.
type ECSConfig struct {
	Cluster        string            `yaml:"cluster"`
	Subnets        []string          `yaml:"subnets"`
	SecurityGroups []string          `yaml:"security_groups"`
	// TaskDefinitions maps meeting platform (zoom/teams/meet) to the task
	// definition family or ARN used for that bot image.
	TaskDefinitions map[string]string `yaml:"task_definitions"`
	Region          string            `yaml:"region"`
}

// LocalConfig holds settings for the local Docker adapter.
type LocalConfig struct {
	ImageRegistry string `yaml:"image_registry"`
	ImageTag      string `yaml:"image_tag"`
	Network       string `yaml:"network"`
}

// DeployConfig bounds in-flight deployments.
type DeployConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	SemaphoreTimeout time.Duration `yaml:"semaphore_timeout"`
	// WaitingRoomFloor is the uniform lower bound applied to the
	// waiting-room automatic-leave timeout. 10m unless overridden.
	WaitingRoomFloor time.Duration `yaml:"waiting_room_floor"`
}

// MonitorConfig holds liveness monitor intervals.
type MonitorConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	SlotRecoveryInterval time.Duration `yaml:"slot_recovery_interval"`
	OrphanInterval       time.Duration `yaml:"orphan_interval"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	CallbackURL string `yaml:"callback_url"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Config is the central configuration struct for the control plane.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`

	// PlatformPriority is the ordered list of enabled deployment
	// platforms, highest priority first.
	PlatformPriority     []string                  `yaml:"platform_priority"`
	Platforms            map[string]PlatformConfig `yaml:"platforms"`
	GlobalQueueTimeoutMS int64                     `yaml:"global_queue_timeout_ms"`

	Pool    PoolConfig    `yaml:"pool"`
	K8s     K8sConfig     `yaml:"k8s"`
	ECS     ECSConfig     `yaml:"ecs"`
	Local   LocalConfig   `yaml:"local"`
	Deploy  DeployConfig  `yaml:"deploy"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr:  ":8080",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Postgres: PostgresConfig{},
		Redis: RedisConfig{
			Addr: "",
		},
		PlatformPriority: []string{"coolify"},
		Platforms: map[string]PlatformConfig{
			"coolify": {BotLimit: 100, QueueTimeoutMS: (5 * time.Minute).Milliseconds()},
		},
		GlobalQueueTimeoutMS: (5 * time.Minute).Milliseconds(),
		Pool: PoolConfig{
			MaxSize:             100,
			EnvironmentName:     "production",
			ImageTag:            "latest",
			DefaultQueueTimeout: 5 * time.Minute,
		},
		K8s: K8sConfig{
			Namespace:     "meeboter",
			ImageTag:      "latest",
			CPURequest:    "500m",
			CPULimit:      "2",
			MemoryRequest: "1Gi",
			MemoryLimit:   "4Gi",
		},
		ECS: ECSConfig{
			TaskDefinitions: map[string]string{},
		},
		Local: LocalConfig{
			ImageTag: "latest",
		},
		Deploy: DeployConfig{
			MaxConcurrent:    4,
			SemaphoreTimeout: 30 * time.Minute,
			WaitingRoomFloor: 10 * time.Minute,
		},
		Monitor: MonitorConfig{
			HeartbeatInterval:    5 * time.Minute,
			SlotRecoveryInterval: 5 * time.Minute,
			OrphanInterval:       30 * time.Minute,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("CALLBACK_URL"); v != "" {
		cfg.Daemon.CallbackURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("PLATFORM_PRIORITY"); v != "" {
		cfg.PlatformPriority = splitList(v)
	}
	for _, name := range KnownPlatforms {
		upper := strings.ToUpper(name)
		pc := cfg.Platforms[name]
		changed := false
		if v, ok := envInt(upper + "_BOT_LIMIT"); ok {
			pc.BotLimit = v
			changed = true
		}
		if v, ok := envInt64(upper + "_QUEUE_TIMEOUT_MS"); ok {
			pc.QueueTimeoutMS = v
			changed = true
		}
		if changed {
			if cfg.Platforms == nil {
				cfg.Platforms = map[string]PlatformConfig{}
			}
			cfg.Platforms[name] = pc
		}
	}
	if v, ok := envInt64("GLOBAL_QUEUE_TIMEOUT_MS"); ok {
		cfg.GlobalQueueTimeoutMS = v
	}

	if v, ok := envInt("MAX_POOL_SIZE"); ok {
		cfg.Pool.MaxSize = v
	}
	if v := os.Getenv("COOLIFY_BASE_URL"); v != "" {
		cfg.Pool.BaseURL = v
	}
	if v := os.Getenv("COOLIFY_API_TOKEN"); v != "" {
		cfg.Pool.APIToken = v
	}
	if v := os.Getenv("COOLIFY_PROJECT_UUID"); v != "" {
		cfg.Pool.ProjectUUID = v
	}
	if v := os.Getenv("COOLIFY_SERVER_UUID"); v != "" {
		cfg.Pool.ServerUUID = v
	}
	if v := os.Getenv("POOL_IMAGE"); v != "" {
		cfg.Pool.Image = v
	}

	if v := os.Getenv("K8S_NAMESPACE"); v != "" {
		cfg.K8s.Namespace = v
	}
	if v := os.Getenv("IMAGE_REGISTRY"); v != "" {
		cfg.K8s.ImageRegistry = v
		cfg.Local.ImageRegistry = v
	}
	if v := os.Getenv("IMAGE_TAG"); v != "" {
		cfg.K8s.ImageTag = v
		cfg.Local.ImageTag = v
		cfg.Pool.ImageTag = v
	}
	if v := os.Getenv("K8S_IMAGE_PULL_SECRET"); v != "" {
		cfg.K8s.ImagePullSecret = v
	}
	if v := os.Getenv("K8S_CPU_REQUEST"); v != "" {
		cfg.K8s.CPURequest = v
	}
	if v := os.Getenv("K8S_CPU_LIMIT"); v != "" {
		cfg.K8s.CPULimit = v
	}
	if v := os.Getenv("K8S_MEMORY_REQUEST"); v != "" {
		cfg.K8s.MemoryRequest = v
	}
	if v := os.Getenv("K8S_MEMORY_LIMIT"); v != "" {
		cfg.K8s.MemoryLimit = v
	}

	if v := os.Getenv("ECS_CLUSTER"); v != "" {
		cfg.ECS.Cluster = v
	}
	if v := os.Getenv("ECS_SUBNETS"); v != "" {
		cfg.ECS.Subnets = splitList(v)
	}
	if v := os.Getenv("ECS_SECURITY_GROUPS"); v != "" {
		cfg.ECS.SecurityGroups = splitList(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.ECS.Region = v
	}
	for _, mp := range []string{"zoom", "teams", "meet"} {
		if v := os.Getenv("ECS_TASK_DEFINITION_" + strings.ToUpper(mp)); v != "" {
			if cfg.ECS.TaskDefinitions == nil {
				cfg.ECS.TaskDefinitions = map[string]string{}
			}
			cfg.ECS.TaskDefinitions[mp] = v
		}
	}

	if v, ok := envInt("MAX_CONCURRENT_DEPLOYMENTS"); ok {
		cfg.Deploy.MaxConcurrent = v
	}
	if v, ok := envInt64("WAITING_ROOM_TIMEOUT_FLOOR_MS"); ok {
		cfg.Deploy.WaitingRoomFloor = time.Duration(v) * time.Millisecond
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
