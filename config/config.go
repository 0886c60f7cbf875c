package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ibreez3/story-echo/retry"
)

const DefaultAPIKeyEnv = "STORYECHO_OPENAI_APIKEY"

var (
	ErrMissingAPIKey = errors.New("config: missing OpenAI API key")
	ErrUnknownStore  = errors.New("config: unknown store driver")
	ErrMissingRedis  = errors.New("config: store.redis_url is required for the redis driver")
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		JobTimeoutMin int    `yaml:"job_timeout_min"`
		StaticDir     string `yaml:"static_dir"`
	} `yaml:"server"`
	OpenAI struct {
		BaseURL           string `yaml:"base_url"`
		Model             string `yaml:"model"`
		ImageModel        string `yaml:"image_model"`
		APIKeyEnv         string `yaml:"api_key_env"`
		APIKey            string `yaml:"-"`
		RequestTimeoutSec int    `yaml:"request_timeout_sec"`
		MaxRetries        int    `yaml:"max_retries"`
		RetryWaitSec      int    `yaml:"retry_wait_sec"`
		RetryShortWaitSec int    `yaml:"retry_short_wait_sec"`
		PaceMs            *int   `yaml:"pace_ms"`
		FailFast          bool   `yaml:"fail_fast"`
	} `yaml:"openai"`
	Store struct {
		Driver   string `yaml:"driver"`
		RedisURL string `yaml:"redis_url"`
		TTLHours int    `yaml:"ttl_hours"`
	} `yaml:"store"`
	Output struct {
		Dir       string `yaml:"dir"`
		ImagesDir string `yaml:"images_dir"`
	} `yaml:"output"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads the YAML file at path. Environment variables in the file are
// expanded, and a .env file in the working directory is loaded first when
// present.
func Load(path string) (Config, error) {
	var cfg Config
	_ = godotenv.Load()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	envName := cfg.OpenAI.APIKeyEnv
	if envName == "" {
		envName = DefaultAPIKeyEnv
	}
	cfg.OpenAI.APIKey = os.Getenv(envName)
	if cfg.OpenAI.APIKey == "" {
		return cfg, fmt.Errorf("%w in env %s", ErrMissingAPIKey, envName)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.JobTimeoutMin == 0 {
		c.Server.JobTimeoutMin = 60
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "static"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.OpenAI.ImageModel == "" {
		c.OpenAI.ImageModel = "dall-e-3"
	}
	if c.OpenAI.RequestTimeoutSec == 0 {
		c.OpenAI.RequestTimeoutSec = 60
	}
	if c.OpenAI.MaxRetries == 0 {
		c.OpenAI.MaxRetries = 5
	}
	if c.OpenAI.RetryWaitSec == 0 {
		c.OpenAI.RetryWaitSec = 60
	}
	if c.OpenAI.RetryShortWaitSec == 0 {
		c.OpenAI.RetryShortWaitSec = 10
	}
	if c.OpenAI.PaceMs == nil {
		pace := 8000
		c.OpenAI.PaceMs = &pace
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.TTLHours == 0 {
		c.Store.TTLHours = 24
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Output.ImagesDir == "" {
		c.Output.ImagesDir = "static/images"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return ErrMissingRedis
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownStore, c.Store.Driver)
	}
	return c.RetryPolicy().Validate()
}

// RetryPolicy is the policy applied to every model call.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.OpenAI.MaxRetries,
		BaseWait:       time.Duration(c.OpenAI.RetryWaitSec) * time.Second,
		ShortWait:      time.Duration(c.OpenAI.RetryShortWaitSec) * time.Second,
		AttemptTimeout: time.Duration(c.OpenAI.RequestTimeoutSec) * time.Second,
	}
}

// Pace is the pause after every model call.
func (c Config) Pace() time.Duration {
	if c.OpenAI.PaceMs == nil {
		return 0
	}
	return time.Duration(*c.OpenAI.PaceMs) * time.Millisecond
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Server.JobTimeoutMin) * time.Minute
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Store.TTLHours) * time.Hour
}
