// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "autoinvest/pkg/errors"
)

// Environment selects the broker trading environment
type Environment string

const (
	EnvLive  Environment = "live"
	EnvPaper Environment = "paper"
)

// Config represents the complete configuration structure
type Config struct {
	Broker      BrokerConfig    `yaml:"broker"`
	Sheet       SheetConfig     `yaml:"sheet"`
	Notifier    NotifierConfig  `yaml:"notifier"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Service     ServiceConfig   `yaml:"service"`
	Environment Environment     `yaml:"environment"`
}

// BrokerConfig contains the OAuth1 credentials and endpoints for the broker
// web API. Private-key material is referenced by file path, never inlined.
type BrokerConfig struct {
	BaseURL           string `yaml:"base_url"`
	ConsumerKey       string `yaml:"consumer_key"`
	AccessToken       string `yaml:"access_token"`
	AccessTokenSecret Secret `yaml:"access_token_secret"` // base64 RSA-OAEP ciphertext
	DHPrime           string `yaml:"dh_prime"`            // hex
	Realm             string `yaml:"realm"`
	SignatureKeyPath  string `yaml:"signature_key_path"`
	EncryptionKeyPath string `yaml:"encryption_key_path"`
	AccountID         string `yaml:"account_id"`       // optional; discovered when empty
	TickleInterval    int    `yaml:"tickle_interval"`  // seconds, default 60
	RequestTimeout    int    `yaml:"request_timeout"`  // seconds, default 15
}

// SheetConfig identifies the worksheet holding the recurring order table
type SheetConfig struct {
	SpreadsheetURL  string `yaml:"spreadsheet_url"`
	WorksheetIndex  int    `yaml:"worksheet_index"`
	CredentialsPath string `yaml:"credentials_path"` // service-account JSON
	MaxLogColumns   int    `yaml:"max_log_columns"`  // log columns from G onward, default 20
}

// NotifierConfig contains webhook settings
type NotifierConfig struct {
	WebhookURLs []string `yaml:"webhook_urls"`
	Timeout     int      `yaml:"timeout"` // seconds, default 5
}

// SchedulerConfig contains the daily fire time in the business timezone
type SchedulerConfig struct {
	FireTime string `yaml:"fire_time"` // HH:MM, default 09:00
	Timezone string `yaml:"timezone"`  // default America/New_York
}

// ServiceConfig contains supervisor and local HTTP surface settings
type ServiceConfig struct {
	Port          int    `yaml:"port"`      // loopback HTTP surface, default 8081
	PIDFile       string `yaml:"pid_file"`  // default logs/service.pid
	LogFile       string `yaml:"log_file"`  // default logs/service.log
	LogLevel      string `yaml:"log_level"` // default INFO
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
}

// Load reads configuration from a YAML file with environment variable
// expansion, applies defaults, and validates required keys.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://api.ibkr.com/v1/api"
	}
	if c.Broker.TickleInterval <= 0 {
		c.Broker.TickleInterval = 60
	}
	if c.Broker.RequestTimeout <= 0 {
		c.Broker.RequestTimeout = 15
	}
	if c.Sheet.MaxLogColumns <= 0 {
		c.Sheet.MaxLogColumns = 20
	}
	if c.Notifier.Timeout <= 0 {
		c.Notifier.Timeout = 5
	}
	if c.Scheduler.FireTime == "" {
		c.Scheduler.FireTime = "09:00"
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "America/New_York"
	}
	if c.Service.Port <= 0 {
		c.Service.Port = 8081
	}
	if c.Service.PIDFile == "" {
		c.Service.PIDFile = "logs/service.pid"
	}
	if c.Service.LogFile == "" {
		c.Service.LogFile = "logs/service.log"
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "INFO"
	}
	if c.Service.LogMaxSizeMB <= 0 {
		c.Service.LogMaxSizeMB = 10
	}
	if c.Service.LogMaxBackups <= 0 {
		c.Service.LogMaxBackups = 5
	}
	if c.Environment == "" {
		c.Environment = EnvPaper
	}
}

// Validate checks required keys. No defaults mask absent credentials.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"broker.consumer_key", c.Broker.ConsumerKey},
		{"broker.access_token", c.Broker.AccessToken},
		{"broker.access_token_secret", string(c.Broker.AccessTokenSecret)},
		{"broker.dh_prime", c.Broker.DHPrime},
		{"broker.realm", c.Broker.Realm},
		{"broker.signature_key_path", c.Broker.SignatureKeyPath},
		{"broker.encryption_key_path", c.Broker.EncryptionKeyPath},
		{"sheet.spreadsheet_url", c.Sheet.SpreadsheetURL},
		{"sheet.credentials_path", c.Sheet.CredentialsPath},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &apperrors.ConfigError{Key: r.key, Message: "required key is missing"}
		}
	}

	if len(c.Notifier.WebhookURLs) == 0 {
		return &apperrors.ConfigError{Key: "notifier.webhook_urls", Message: "at least one webhook URL is required"}
	}
	for _, u := range c.Notifier.WebhookURLs {
		if !strings.HasPrefix(u, "https://") {
			return &apperrors.ConfigError{Key: "notifier.webhook_urls", Message: fmt.Sprintf("webhook URL must use https: %s", u)}
		}
	}

	if _, err := c.FireTime(); err != nil {
		return &apperrors.ConfigError{Key: "scheduler.fire_time", Message: err.Error()}
	}
	if _, err := c.Location(); err != nil {
		return &apperrors.ConfigError{Key: "scheduler.timezone", Message: err.Error()}
	}

	switch c.Environment {
	case EnvLive, EnvPaper:
	default:
		return &apperrors.ConfigError{Key: "environment", Message: "must be 'live' or 'paper'"}
	}

	return nil
}

// FireTime parses the scheduler fire time as hour and minute
func (c *Config) FireTime() (time.Duration, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(c.Scheduler.FireTime, "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("fire_time must be HH:MM: %w", err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("fire_time out of range: %s", c.Scheduler.FireTime)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

// Location resolves the business timezone
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}

// String returns a string representation of the configuration with
// sensitive data redacted by the Secret type.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
