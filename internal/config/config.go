package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/carewatch/backend/internal/logging"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Hub      HubConfig      `yaml:"hub"`
	Store    StoreConfig    `yaml:"store"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Logging  logging.Config `yaml:"logging"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type HubConfig struct {
	MaxAlertSubscribers int           `yaml:"max_alert_subscribers"`
	DedupeAlertByIP     bool          `yaml:"dedupe_alert_by_ip"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SendBuffer          int           `yaml:"send_buffer"`
	ReadLimitBytes      int64         `yaml:"read_limit_bytes"`
	Timezone            string        `yaml:"timezone"`
	DefaultSubjectKey   int           `yaml:"default_subject_key"`
	SnapshotAlerts      int           `yaml:"snapshot_alerts"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type UpstreamConfig struct {
	URL        string        `yaml:"url"`
	QueueSize  int           `yaml:"queue_size"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Default returns the configuration used when a field is absent from the
// config file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Hub: HubConfig{
			MaxAlertSubscribers: 5,
			DedupeAlertByIP:     true,
			SweepInterval:       10 * time.Second,
			SendBuffer:          64,
			ReadLimitBytes:      5 * 1024 * 1024,
			Timezone:            "Asia/Seoul",
			DefaultSubjectKey:   1,
			SnapshotAlerts:      20,
		},
		Store: StoreConfig{
			Path: "data/alerts.db",
		},
		Upstream: UpstreamConfig{
			QueueSize:  256,
			RetryDelay: 3 * time.Second,
		},
		Logging: logging.Config{
			Level: "info",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Hub.MaxAlertSubscribers < 0 {
		return fmt.Errorf("hub.max_alert_subscribers must not be negative")
	}
	if c.Hub.SendBuffer <= 0 {
		return fmt.Errorf("hub.send_buffer must be positive")
	}
	if c.Upstream.QueueSize <= 0 {
		return fmt.Errorf("upstream.queue_size must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("hub.timezone: %w", err)
	}
	return nil
}

// Location resolves the hub timezone used for detection timestamps.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Hub.Timezone)
}
