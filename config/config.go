package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// Config holds all application configurations
type Config struct {
	// Store
	StoreDriver    string `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"database/migrations"`

	// SMTP
	MailHub       string `envconfig:"MAILHUB"` // host:port
	AuthUser      string `envconfig:"AUTHUSER"`
	AuthPass      string `envconfig:"AUTHPASS"`
	FromEmail     string `envconfig:"FROM_EMAIL"`
	FromName      string `envconfig:"FROM_NAME" default:"Feedback System"`
	SkipTLSVerify bool   `envconfig:"SKIP_TLS_VERIFY"`

	// Notifications
	SystemURL        string        `envconfig:"SYSTEM_URL" default:"http://localhost:8080"`
	Timezone         string        `envconfig:"TIMEZONE" default:"Local"`
	ReminderSpacing  time.Duration `envconfig:"REMINDER_SPACING" default:"10s"`
	SendTimeout      time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	ReminderTimes    []string      `envconfig:"REMINDER_TIMES" default:"16:00,18:00"`
	LogRetentionDays int           `envconfig:"LOG_RETENTION_DAYS" default:"30"`

	// Server
	Port      string `envconfig:"PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// LoadConfig reads configuration from .env file and the environment
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using environment variables directly.")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}

// Location resolves the configured timezone used for calendar-day quotas.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// From returns the sender address, falling back to the SMTP login.
func (c *Config) From() string {
	if c.FromEmail != "" {
		return c.FromEmail
	}
	return c.AuthUser
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = multierror.Append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case "memory":
	default:
		errs = multierror.Append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver))
	}
	if c.MailHub == "" {
		errs = multierror.Append(errs, errors.New("MAILHUB is required"))
	}
	if c.From() == "" {
		errs = multierror.Append(errs, errors.New("FROM_EMAIL or AUTHUSER is required"))
	}
	if c.ReminderSpacing < 0 {
		errs = multierror.Append(errs, errors.New("REMINDER_SPACING must not be negative"))
	}
	if c.SendTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("SEND_TIMEOUT must be positive"))
	}
	if c.LogRetentionDays <= 0 {
		errs = multierror.Append(errs, errors.New("LOG_RETENTION_DAYS must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// SetupLogging applies LOG_LEVEL and LOG_FORMAT to the standard logger.
func (c *Config) SetupLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)
	switch strings.ToLower(c.LogFormat) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %s", c.LogFormat)
	}
	return nil
}
