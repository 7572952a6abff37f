// Package config provides YAML-based configuration loading for mostrador.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from mostrador.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Queue       QueueConfig       `yaml:"queue"`
	LLM         LLMConfig         `yaml:"llm"`
	Kommo       KommoConfig       `yaml:"kommo"`
	Twilio      TwilioConfig      `yaml:"twilio"`
	Baileys     BaileysConfig     `yaml:"baileys"`
	Admin       AdminConfig       `yaml:"admin"`
	Notify      NotifyConfig      `yaml:"notify"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP listener settings. PublicURL is the externally
// reachable base URL used for webhook signature checks behind a proxy.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
}

// RedisConfig enables the shared settings hot tier when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RabbitMQConfig configures the durable queue backend.
type RabbitMQConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// QueueConfig configures turn processing.
type QueueConfig struct {
	Backend string `yaml:"backend"` // "memory" or "rabbitmq"
	Workers int    `yaml:"workers"`
	Size    int    `yaml:"size"`
}

// LLMConfig configures the language-model provider.
type LLMConfig struct {
	Provider   string `yaml:"provider"` // "openai", "openrouter", "ollama"
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxRetries int    `yaml:"max_retries"`
}

// KommoConfig configures the CRM channel.
type KommoConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ChannelSecret string  `yaml:"channel_secret"`
	ScopeID       string  `yaml:"scope_id"`
	BotID         string  `yaml:"bot_id"`
	BotName       string  `yaml:"bot_name"`
	APIBaseURL    string  `yaml:"api_base_url"`
	Subdomain     string  `yaml:"subdomain"`
	ClientID      string  `yaml:"client_id"`
	ClientSecret  string  `yaml:"client_secret"`
	RefreshToken  string  `yaml:"refresh_token"`
	RatePerSec    float64 `yaml:"rate_per_sec"`
}

// TwilioConfig configures the SMS/voice bridge channel.
type TwilioConfig struct {
	Enabled        bool    `yaml:"enabled"`
	AccountSID     string  `yaml:"account_sid"`
	AuthToken      string  `yaml:"auth_token"`
	WhatsAppNumber string  `yaml:"whatsapp_number"`
	APIBaseURL     string  `yaml:"api_base_url"`
	RatePerSec     float64 `yaml:"rate_per_sec"`
}

// BaileysConfig configures the self-hosted socket bridge channel.
type BaileysConfig struct {
	Enabled         bool    `yaml:"enabled"`
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	DefaultInstance string  `yaml:"default_instance"`
	RatePerSec      float64 `yaml:"rate_per_sec"`
}

// AdminConfig configures admin API authentication.
type AdminConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	TokenTTLMin int    `yaml:"token_ttl_min"`
}

// NotifyConfig holds operator alert destinations. Both are optional.
type NotifyConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// MaintenanceConfig controls the background janitor.
type MaintenanceConfig struct {
	Cron       string `yaml:"cron"`
	FlowTTLMin int    `yaml:"flow_ttl_min"`
}

// LogConfig controls log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "auto", "json", "console"
}

// LLMTimeout returns the model call timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSec) * time.Second
}

// FlowTTL returns how long a pending flow may sit idle before it expires.
func (c *Config) FlowTTL() time.Duration {
	return time.Duration(c.Maintenance.FlowTTLMin) * time.Minute
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the config, when present, is loaded into the process
// environment first so ${VAR} references in the YAML can resolve secrets.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envPath, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands environment references and unmarshals YAML bytes into a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Size == 0 {
		c.Queue.Size = 256
	}
	if c.RabbitMQ.Queue == "" {
		c.RabbitMQ.Queue = "mostrador.turns"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 25
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 2
	}
	if c.Kommo.BotName == "" {
		c.Kommo.BotName = "Neumáticos del Valle Bot"
	}
	if c.Kommo.RatePerSec == 0 {
		c.Kommo.RatePerSec = 5
	}
	if c.Twilio.RatePerSec == 0 {
		c.Twilio.RatePerSec = 1
	}
	if c.Baileys.RatePerSec == 0 {
		c.Baileys.RatePerSec = 2
	}
	c.Baileys.BaseURL = strings.TrimRight(c.Baileys.BaseURL, "/")
	if c.Admin.TokenTTLMin == 0 {
		c.Admin.TokenTTLMin = 12 * 60
	}
	if c.Maintenance.Cron == "" {
		c.Maintenance.Cron = "*/5 * * * *"
	}
	if c.Maintenance.FlowTTLMin == 0 {
		c.Maintenance.FlowTTLMin = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "mysql":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Queue.Backend {
	case "memory":
	case "rabbitmq":
		if c.RabbitMQ.URL == "" {
			errs = append(errs, "rabbitmq.url is required for the rabbitmq queue backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.backend %q is not supported", c.Queue.Backend))
	}

	switch c.LLM.Provider {
	case "openai", "openrouter":
		if c.LLM.APIKey == "" {
			errs = append(errs, "llm.api_key is required")
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
	}

	if !c.Kommo.Enabled && !c.Twilio.Enabled && !c.Baileys.Enabled {
		errs = append(errs, "at least one transport (kommo, twilio, baileys) must be enabled")
	}
	if c.Kommo.Enabled {
		if c.Kommo.ChannelSecret == "" {
			errs = append(errs, "kommo.channel_secret is required")
		}
		if c.Kommo.ScopeID == "" {
			errs = append(errs, "kommo.scope_id is required")
		}
	}
	if c.Twilio.Enabled {
		if c.Twilio.AccountSID == "" {
			errs = append(errs, "twilio.account_sid is required")
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, "twilio.auth_token is required")
		}
		if c.Twilio.WhatsAppNumber == "" {
			errs = append(errs, "twilio.whatsapp_number is required")
		}
		if c.Server.PublicURL == "" {
			errs = append(errs, "server.public_url is required for twilio signature validation")
		}
	}
	if c.Baileys.Enabled {
		if c.Baileys.BaseURL == "" {
			errs = append(errs, "baileys.base_url is required")
		}
		if c.Baileys.APIKey == "" {
			errs = append(errs, "baileys.api_key is required")
		}
	}
	if c.Admin.JWTSecret == "" {
		errs = append(errs, "admin.jwt_secret is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
