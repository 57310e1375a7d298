package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the relay.
type Config struct {
	Port          string        `yaml:"port"`
	Env           string        `yaml:"env"`
	ClientURL     string        `yaml:"client_url"` // allowed origin for browsers
	PingInterval  time.Duration `yaml:"ping_interval"`
	PingTimeout   time.Duration `yaml:"ping_timeout"`
	MaxHistory    int           `yaml:"max_history"`
	TypingTimeout time.Duration `yaml:"typing_timeout"`
	SendBuffer    int           `yaml:"send_buffer"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// AgentJoinToken, when set, must be presented by agent joins.
	AgentJoinToken string `yaml:"agent_join_token"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:          "4000",
		Env:           "development",
		ClientURL:     "http://localhost:3000",
		PingInterval:  25 * time.Second,
		PingTimeout:   60 * time.Second,
		MaxHistory:    1000,
		TypingTimeout: 3 * time.Second,
		SendBuffer:    64,
		ShutdownGrace: 10 * time.Second,
	}
}

// Load reads configuration in order: defaults, the YAML file named by
// CHAT_CONFIG_FILE, then environment variables. A .env file in the working
// directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "CHAT_PORT")
	setString(&c.Env, "ENV")
	setString(&c.ClientURL, "CLIENT_URL")
	setString(&c.AgentJoinToken, "AGENT_JOIN_TOKEN")

	for key, dst := range map[string]*time.Duration{
		"PING_INTERVAL":  &c.PingInterval,
		"PING_TIMEOUT":   &c.PingTimeout,
		"TYPING_TIMEOUT": &c.TypingTimeout,
		"SHUTDOWN_GRACE": &c.ShutdownGrace,
	} {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*int{
		"MAX_CHAT_HISTORY": &c.MaxHistory,
		"SEND_BUFFER":      &c.SendBuffer,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("port is required")
	case c.MaxHistory <= 0:
		return fmt.Errorf("max history must be positive, got %d", c.MaxHistory)
	case c.SendBuffer <= 0:
		return fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer)
	case c.PingInterval <= 0 || c.PingTimeout <= 0:
		return fmt.Errorf("ping interval and timeout must be positive")
	case c.PingInterval >= c.PingTimeout:
		return fmt.Errorf("ping interval %s must be shorter than ping timeout %s", c.PingInterval, c.PingTimeout)
	case c.TypingTimeout <= 0:
		return fmt.Errorf("typing timeout must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDuration accepts Go durations ("25s") or plain milliseconds ("25000").
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
