package archive

import (
	"errors"
	"fmt"
	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/kittenbark/tg-filestore/internal/store"
	"os"
	"path"
	"time"
)

const (
	DefaultDeleteDelaySeconds = 600
	DefaultAlertTemplate      = "⏳ Alert: these files will be deleted in {time} minute(s).\n\n🛑 Forward or save them if you need them."
	DeliveredCaption          = "📂 File Delivered!\n\n⚠️ Note: this file will be deleted automatically, save or forward it soon."

	defaultData                = "data"
	defaultPollIntervalSeconds = 60
	defaultPollLimit           = 100
	defaultDeliveryDelayMs     = 500
	defaultHealthAddr          = ":8080"
)

type Config struct {
	Token       string        `yaml:"token" env:"BOT_TOKEN"`
	TelegramURL string        `yaml:"telegram_url" env:"FILESTORE_TELEGRAM_URL"`
	Channel     int64         `yaml:"channel" env:"CHANNEL_ID"`
	Admins      []int64       `yaml:"admins" env:"ADMIN_ID"`
	Data        string        `yaml:"data" env:"FILESTORE_DATA"`
	Store       store.Options `yaml:"store" envPrefix:"FILESTORE_STORE_"`

	DeleteDelaySeconds  int    `yaml:"delete_delay_seconds" env:"FILESTORE_DELETE_DELAY_SECONDS"`
	AlertTemplate       string `yaml:"alert_template" env:"FILESTORE_ALERT_TEMPLATE"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" env:"FILESTORE_POLL_INTERVAL_SECONDS"`
	PollLimit           int    `yaml:"poll_limit" env:"FILESTORE_POLL_LIMIT"`
	DeliveryDelayMs     int    `yaml:"delivery_delay_ms" env:"FILESTORE_DELIVERY_DELAY_MS"`
	HealthAddr          string `yaml:"health_addr" env:"FILESTORE_HEALTH_ADDR"`

	// variables kept from the original deployment
	MongoURL string `yaml:"-" env:"MONGO_URL"`
	Port     string `yaml:"-" env:"PORT"`
}

// LoadConfig reads the yaml file (a missing file is allowed), overlays the environment and
// fills defaults. The result is validated.
func LoadConfig(filename string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(filename)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("env config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Data == "" {
		cfg.Data = defaultData
	}
	if cfg.MongoURL != "" && cfg.Store.MongoURL == "" {
		cfg.Store.MongoURL = cfg.MongoURL
		if cfg.Store.Driver == "" {
			cfg.Store.Driver = store.DriverMongo
		}
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = store.DriverPebble
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = path.Join(cfg.Data, cfg.Store.Driver)
	}
	if cfg.DeleteDelaySeconds == 0 {
		cfg.DeleteDelaySeconds = DefaultDeleteDelaySeconds
	}
	if cfg.AlertTemplate == "" {
		cfg.AlertTemplate = DefaultAlertTemplate
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if cfg.PollLimit == 0 {
		cfg.PollLimit = defaultPollLimit
	}
	if cfg.DeliveryDelayMs == 0 {
		cfg.DeliveryDelayMs = defaultDeliveryDelayMs
	}
	if cfg.Port != "" {
		cfg.HealthAddr = ":" + cfg.Port
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = defaultHealthAddr
	}
}

func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if cfg.Channel == 0 {
		errs = append(errs, errors.New("channel is required"))
	}
	if len(cfg.Admins) == 0 {
		errs = append(errs, errors.New("at least one admin is required"))
	}
	switch cfg.Store.Driver {
	case store.DriverPebble, store.DriverNanodb:
	case store.DriverMongo:
		if cfg.Store.MongoURL == "" {
			errs = append(errs, errors.New("store.mongo_url is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", cfg.Store.Driver))
	}
	if cfg.DeleteDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("delete_delay_seconds must be positive, got %d", cfg.DeleteDelaySeconds))
	}
	if cfg.PollIntervalSeconds < 0 || cfg.PollLimit < 0 || cfg.DeliveryDelayMs < 0 {
		errs = append(errs, errors.New("poll_interval_seconds, poll_limit and delivery_delay_ms must be positive"))
	}
	if len(errs) != 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

func (cfg *Config) DeliveryDelay() time.Duration {
	return time.Duration(cfg.DeliveryDelayMs) * time.Millisecond
}

// DefaultSettings are used until an operator changes them.
func (cfg *Config) DefaultSettings() store.Settings {
	return store.Settings{
		DeleteDelaySeconds: cfg.DeleteDelaySeconds,
		AlertTemplate:      cfg.AlertTemplate,
	}
}
