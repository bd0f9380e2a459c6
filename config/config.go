// Package config loads server settings from defaults, an optional YAML file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names an explicit YAML config file.
const ConfigPathEnvVar = "CONFIG_PATH"

var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Collab  CollabConfig  `koanf:"collab"`
	Log     LogConfig     `koanf:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr" validate:"required"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type StorageConfig struct {
	Type           string `koanf:"type" validate:"oneof=memory filesystem sqlite postgres redis s3"`
	LocalPath      string `koanf:"local_path"`
	DataSourceName string `koanf:"data_source_name"`
	DatabaseURL    string `koanf:"database_url" validate:"required_if=Type postgres"`
	RedisURL       string `koanf:"redis_url" validate:"required_if=Type redis"`
	S3Bucket       string `koanf:"s3_bucket" validate:"required_if=Type s3"`

	BreakerEnabled  bool          `koanf:"breaker_enabled"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type CollabConfig struct {
	SaveInterval time.Duration `koanf:"save_interval" validate:"gt=0"`
	SaveTimeout  time.Duration `koanf:"save_timeout" validate:"gt=0"`
	OutboxSize   int           `koanf:"outbox_size" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":3002",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Type:            "memory",
			LocalPath:       "./data",
			DataSourceName:  "docsync.db",
			BreakerEnabled:  true,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Collab: CollabConfig{
			SaveInterval: 2 * time.Second,
			SaveTimeout:  5 * time.Second,
			OutboxSize:   256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads .env (if present), then layers defaults, the config file and
// environment variables, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var sliceConfigPaths = []string{"server.allowed_origins"}

// processSliceFields splits comma-separated env values for slice settings.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"listen_addr":        "server.listen_addr",
	"allowed_origins":    "server.allowed_origins",
	"shutdown_timeout":   "server.shutdown_timeout",
	"storage_type":       "storage.type",
	"local_storage_path": "storage.local_path",
	"data_source_name":   "storage.data_source_name",
	"database_url":       "storage.database_url",
	"redis_url":          "storage.redis_url",
	"s3_bucket_name":     "storage.s3_bucket",
	"storage_breaker":    "storage.breaker_enabled",
	"breaker_failures":   "storage.breaker_failures",
	"breaker_timeout":    "storage.breaker_timeout",
	"save_interval":      "collab.save_interval",
	"save_timeout":       "collab.save_timeout",
	"outbox_size":        "collab.outbox_size",
	"log_level":          "log.level",
	"log_format":         "log.format",
}

// envTransformFunc maps known variables (STORAGE_TYPE, REDIS_URL, ...) to
// config paths; anything else is ignored.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
