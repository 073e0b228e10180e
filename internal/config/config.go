// Package config loads runtime configuration: defaults, then an
// optional config file, then SORABATCH_* environment variables, then
// explicit runtime overrides. Later layers win.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Built-in defaults. Saved form state from a previous run replaces
// these when nothing more explicit is configured.
const (
	DefaultModel   = "sora-2"
	DefaultWorkers = 2
)

// Config is the resolved runtime configuration.
type Config struct {
	// BaseURL is the upstream deployment root, e.g.
	// https://sora.example.com. Required by generate and validate.
	BaseURL string `mapstructure:"base_url"`

	// APIKey is the bearer token for upstream calls.
	APIKey string `mapstructure:"api_key"`

	// Model is the default generation model.
	Model string `mapstructure:"model"`

	// DataDir holds the state database.
	DataDir string `mapstructure:"data_dir"`

	// Workers caps generation concurrency.
	Workers int `mapstructure:"workers"`

	// JobTimeout bounds one generation job. Zero disables the bound.
	JobTimeout time.Duration `mapstructure:"job_timeout"`

	// RequestsPerSecond throttles job starts. Zero disables.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// TrustedHosts overrides the media allow-list host patterns.
	TrustedHosts []string `mapstructure:"trusted_hosts"`

	Validator ValidatorConfig `mapstructure:"validator"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ValidatorConfig tunes token batch testing.
type ValidatorConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ServerConfig tunes the dashboard HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Verbose bool   `mapstructure:"verbose"`
}

// ArchiveConfig configures S3 media archival.
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// StateDBPath is the state database location under the data dir.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// RequireUpstream checks the fields every upstream call needs.
func (c *Config) RequireUpstream() error {
	if c.BaseURL == "" {
		return errors.New("base URL is not configured (flag --base-url or SORABATCH_BASE_URL)")
	}
	return nil
}

// Load resolves configuration. Optional overrides maps are applied
// last, nested keys expressed as nested maps.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SORABATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := configFilePath(v); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		if err := v.MergeConfigMap(o); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// configFilePath returns an explicitly configured file, or a
// sorabatch.yaml found in the working directory. Absence is fine.
func configFilePath(v *viper.Viper) string {
	if path := v.GetString("config"); path != "" {
		return path
	}
	if _, err := os.Stat("sorabatch.yaml"); err == nil {
		return "sorabatch.yaml"
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("model", DefaultModel)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("job_timeout", time.Duration(0))
	v.SetDefault("requests_per_second", 0.0)
	v.SetDefault("trusted_hosts", []string{})

	v.SetDefault("validator.concurrency", 6)
	v.SetDefault("validator.timeout", 120*time.Second)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.verbose", false)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "sorabatch")
	v.SetDefault("archive.force_path_style", false)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sorabatch"
	}
	return filepath.Join(home, ".sorabatch")
}
