package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`

	Port string `mapstructure:"port" yaml:"port"`
}

type DownloadConfig struct {
	OutDir              string        `mapstructure:"out_dir" yaml:"out_dir"`
	MaxThreads          int           `mapstructure:"max_threads" yaml:"max_threads"`
	MaxChunkSize        int           `mapstructure:"max_chunk_size" yaml:"max_chunk_size"`
	ThrottleQueueLength int           `mapstructure:"throttle_queue_length" yaml:"throttle_queue_length"`
	StaleWriteTimeout   time.Duration `mapstructure:"stale_write_timeout" yaml:"stale_write_timeout"`
	VerifyLength        bool          `mapstructure:"verify_length" yaml:"verify_length"`
	MaxBytesPerSecond   int64         `mapstructure:"max_bytes_per_second" yaml:"max_bytes_per_second"`
}

type HTTPConfig struct {
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

const defaultConfigFile = "config.yaml"

// Load reads the YAML file at path on top of the defaults, then applies
// GOVELOCITY_* environment overrides. An empty path looks for config.yaml
// and /config/config.yaml and falls back to defaults when neither exists.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		switch {
		case explicit:
			return nil, fmt.Errorf("config file not found: %s", path)
		case fileExists("/config/config.yaml"):
			path = "/config/config.yaml"
		default:
			path = ""
		}
	}

	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("download.out_dir", "./downloads")
	v.SetDefault("download.max_threads", 16)
	v.SetDefault("download.max_chunk_size", 5242880)
	v.SetDefault("download.throttle_queue_length", 30)
	v.SetDefault("download.stale_write_timeout", 5*time.Minute)
	v.SetDefault("download.verify_length", true)
	v.SetDefault("download.max_bytes_per_second", 0)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.insecure_skip_verify", false)
	v.SetDefault("log.path", "govelocity.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.sqlite_path", "./data/govelocity.db")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("GOVELOCITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Download.MaxThreads <= 0 {
		return errors.New("download.max_threads must be positive")
	}

	if c.Download.MaxChunkSize <= 0 {
		return errors.New("download.max_chunk_size must be positive")
	}

	if c.Download.MaxBytesPerSecond < 0 {
		return errors.New("download.max_bytes_per_second cannot be negative")
	}

	if c.Download.ThrottleQueueLength <= 0 {
		c.Download.ThrottleQueueLength = 30
	}

	if c.Download.StaleWriteTimeout <= 0 {
		c.Download.StaleWriteTimeout = 5 * time.Minute
	}

	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = 30 * time.Second
	}

	if c.Download.OutDir == "" {
		c.Download.OutDir = "./downloads"
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
