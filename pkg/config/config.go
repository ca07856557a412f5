// Package config loads dotflow settings from flags, DOTFLOW_* environment
// variables and an optional .dotflow.yaml file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "DOTFLOW"
	FileName  = ".dotflow"

	secretEnvPrefix = EnvPrefix + "_SECRET_"
	varEnvPrefix    = EnvPrefix + "_VAR_"
)

type Config struct {
	Workflow    string `mapstructure:"workflow" validate:"required"`
	Event       string `mapstructure:"event" validate:"required"`
	Ref         string `mapstructure:"ref"`
	SHA         string `mapstructure:"sha"`
	Actor       string `mapstructure:"actor"`
	Repository  string `mapstructure:"repository"`
	Workspace   string `mapstructure:"workspace" validate:"required"`
	StateDir    string `mapstructure:"state-dir" validate:"required"`
	MaxParallel int    `mapstructure:"max-parallel" validate:"gte=0"`
	MetricsAddr string `mapstructure:"metrics-addr"`
	History     bool   `mapstructure:"history"`

	Log   LogConfig   `mapstructure:"log"`
	Cache CacheConfig `mapstructure:"cache"`
	Blob  BlobConfig  `mapstructure:"blob"`

	Secrets map[string]string `mapstructure:"-"`
	Vars    map[string]string `mapstructure:"-"`
	Inputs  map[string]any    `mapstructure:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json logfmt"`
}

type CacheConfig struct {
	Backend  string        `mapstructure:"backend" validate:"oneof=sqlite memory redis"`
	RedisURL string        `mapstructure:"redis-url"`
	Quota    int64         `mapstructure:"quota" validate:"gt=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gt=0"`
	// GCSchedule is the cron expression watch evicts the cache on.
	GCSchedule string `mapstructure:"gc-schedule" validate:"required"`
}

type BlobConfig struct {
	Backend  string `mapstructure:"backend" validate:"oneof=fs s3"`
	Bucket   string `mapstructure:"bucket" validate:"required_if=Backend s3"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New returns a viper instance with every key defaulted and environment
// lookups enabled. Flags are bound to it by the caller.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("workflow", ".github/workflows/ci.yml")
	v.SetDefault("event", "push")
	v.SetDefault("ref", "refs/heads/main")
	v.SetDefault("sha", "")
	v.SetDefault("actor", os.Getenv("USER"))
	v.SetDefault("repository", "")
	v.SetDefault("workspace", ".")
	v.SetDefault("state-dir", ".dotflow")
	v.SetDefault("max-parallel", 0)
	v.SetDefault("metrics-addr", "")
	v.SetDefault("history", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.redis-url", "redis://localhost:6379")
	v.SetDefault("cache.quota", int64(10<<30))
	v.SetDefault("cache.ttl", 7*24*time.Hour)
	v.SetDefault("cache.gc-schedule", "@hourly")
	v.SetDefault("blob.backend", "fs")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", "dotflow")
	v.SetDefault("blob.region", "")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("secrets", []string{})
	v.SetDefault("vars", []string{})
	v.SetDefault("inputs", []string{})
	return v
}

// Load reads the config file, if any, and decodes v. An explicit file must
// exist; otherwise .dotflow.yaml is searched in the working directory and
// $HOME and may be absent.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var err error
	if cfg.Secrets, err = pairs(v.GetStringSlice("secrets")); err != nil {
		return nil, fmt.Errorf("config: secrets: %w", err)
	}
	if cfg.Vars, err = pairs(v.GetStringSlice("vars")); err != nil {
		return nil, fmt.Errorf("config: vars: %w", err)
	}
	inputs, err := pairs(v.GetStringSlice("inputs"))
	if err != nil {
		return nil, fmt.Errorf("config: inputs: %w", err)
	}
	cfg.Inputs = make(map[string]any, len(inputs))
	for k, val := range inputs {
		cfg.Inputs[k] = val
	}

	// DOTFLOW_SECRET_<NAME> and DOTFLOW_VAR_<NAME> are not viper keys
	for _, env := range os.Environ() {
		k, val, _ := strings.Cut(env, "=")
		switch {
		case strings.HasPrefix(k, secretEnvPrefix) && len(k) > len(secretEnvPrefix):
			cfg.Secrets[strings.TrimPrefix(k, secretEnvPrefix)] = val
		case strings.HasPrefix(k, varEnvPrefix) && len(k) > len(varEnvPrefix):
			cfg.Vars[strings.TrimPrefix(k, varEnvPrefix)] = val
		}
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// StatePath returns a path below the state directory.
func (c *Config) StatePath(elem ...string) string {
	return filepath.Join(append([]string{c.StateDir}, elem...)...)
}

// pairs parses KEY=VALUE entries. Later entries override earlier ones.
func pairs(list []string) (map[string]string, error) {
	out := make(map[string]string, len(list))
	for _, p := range list {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%q should be defined as KEY=VALUE", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
