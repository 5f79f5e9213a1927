// Package config loads relay settings from .env files, an optional YAML
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Development is the RELAY_ENV value selecting development defaults.
const Development = "development"

var (
	ErrInvalidPort  = errors.New("config: invalid port")
	ErrInvalidValue = errors.New("config: invalid value")
)

// RedisConfig configures the optional cross-instance bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	Channel  string `yaml:"channel"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SocketConfig holds WebSocket transport limits.
type SocketConfig struct {
	MaxConns          int           `yaml:"max_conns"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	ConnectRateLimit  int           `yaml:"connect_rate_limit"`
	ConnectRateWindow time.Duration `yaml:"connect_rate_window"`
}

// Config is the full relay configuration.
type Config struct {
	Env             string        `yaml:"-"`
	Port            int           `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	StaticDir       string        `yaml:"static_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Redis           RedisConfig   `yaml:"redis"`
	Log             LogConfig     `yaml:"log"`
	Socket          SocketConfig  `yaml:"socket"`
}

// Default returns the built-in settings for env.
func Default(env string) *Config {
	port := 80
	if env == Development {
		port = 4012
	}
	return &Config{
		Env:             env,
		Port:            port,
		CORSOrigin:      "*",
		StaticDir:       "public",
		ShutdownTimeout: 10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Socket: SocketConfig{
			MaxMessageBytes:   8 << 20,
			ConnectRateLimit:  30,
			ConnectRateWindow: time.Minute,
		},
	}
}

// IsDevelopment reports whether development defaults are in effect.
func (c *Config) IsDevelopment() bool {
	return c.Env == Development
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load builds the configuration for the current process.
//
// RELAY_ENV (or NODE_ENV) picks the environment. The matching
// .env.development or .env.production file in the working directory is
// loaded when present without overriding variables already set. A YAML file
// named by CONFIG_FILE is applied next, then individual variables.
func Load() (*Config, error) {
	env := os.Getenv("RELAY_ENV")
	if env == "" {
		env = os.Getenv("NODE_ENV")
	}
	if err := loadDotEnv(env); err != nil {
		return nil, err
	}

	cfg := Default(env)
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(env string) error {
	file := ".env.production"
	if env == Development {
		file = ".env.development"
	}
	if err := godotenv.Load(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", file, err)
	}
	return nil
}

// LoadFile overlays the YAML document at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays variables found by lookup onto c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("CORS_ORIGIN", &c.CORSOrigin)
	str("STATIC_DIR", &c.StaticDir)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_CHANNEL", &c.Redis.Channel)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT=%q", ErrInvalidPort, v)
		}
		c.Port = port
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_CONNS", &c.Socket.MaxConns},
		{"CONNECT_RATE_LIMIT", &c.Socket.ConnectRateLimit},
	}
	for _, e := range ints {
		if v, ok := lookup(e.key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrInvalidValue, e.key, v)
			}
			*e.dst = n
		}
	}

	if v, ok := lookup("MAX_MESSAGE_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MAX_MESSAGE_BYTES=%q", ErrInvalidValue, v)
		}
		c.Socket.MaxMessageBytes = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"IDLE_TIMEOUT", &c.Socket.IdleTimeout},
		{"CONNECT_RATE_WINDOW", &c.Socket.ConnectRateWindow},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	}
	for _, e := range durations {
		if v, ok := lookup(e.key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrInvalidValue, e.key, v)
			}
			*e.dst = d
		}
	}
	return nil
}

// Validate checks ranges.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	switch {
	case c.Socket.MaxConns < 0:
		return fmt.Errorf("%w: max_conns must not be negative", ErrInvalidValue)
	case c.Socket.IdleTimeout < 0:
		return fmt.Errorf("%w: idle_timeout must not be negative", ErrInvalidValue)
	case c.Socket.MaxMessageBytes <= 0:
		return fmt.Errorf("%w: max_message_bytes must be positive", ErrInvalidValue)
	case c.Socket.ConnectRateLimit < 0:
		return fmt.Errorf("%w: connect_rate_limit must not be negative", ErrInvalidValue)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalidValue)
	}
	return nil
}
