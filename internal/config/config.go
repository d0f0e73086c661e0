package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"vpnbot/internal/apperr"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Bot       BotConfig
	Panel     PanelConfig
	Crypto    CryptoConfig
	Reconcile ReconcileConfig
}

type ServerConfig struct {
	Port int
	Env  string // "development", "production"
}

type DatabaseConfig struct {
	Driver  string // "postgres" or "mysql"
	URL     string // takes precedence over the discrete fields
	Host    string
	Port    string
	Name    string
	User    string
	Pass    string
	Charset string
	SSLMode string
}

type RedisConfig struct {
	Addr string
	Pass string
	DB   int
}

type BotConfig struct {
	Token          string
	WebhookURL     string
	WebhookSecret  string
	UpdateMode     string // "polling" or "webhook"
	ProviderToken  string // empty for Telegram Stars
	SupportContact string
}

type PanelConfig struct {
	URL                string
	Username           string
	Password           string
	Timeout            time.Duration
	RetryBase          time.Duration
	InsecureSkipVerify bool
}

type CryptoConfig struct {
	Token      string
	Network    string // "main" or "test"
	Asset      string
	InvoiceTTL time.Duration
}

// Enabled reports whether crypto payments are configured.
func (c CryptoConfig) Enabled() bool {
	return c.Token != ""
}

type ReconcileConfig struct {
	Interval time.Duration
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("APP_PORT", 8080)
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("DB_DRIVER", "postgres")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_CHARSET", "utf8mb4")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("BOT_UPDATE_MODE", "polling")
	viper.SetDefault("PANEL_TIMEOUT", "15s")
	viper.SetDefault("PANEL_RETRY_BASE", "1s")
	viper.SetDefault("PANEL_INSECURE_SKIP_VERIFY", false)
	viper.SetDefault("CRYPTO_NETWORK", "main")
	viper.SetDefault("CRYPTO_ASSET", "USDT")
	viper.SetDefault("CRYPTO_INVOICE_TTL", "1h")
	viper.SetDefault("RECONCILE_INTERVAL", "30s")

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("APP_PORT"),
			Env:  viper.GetString("APP_ENV"),
		},
		Database: DatabaseConfig{
			Driver:  strings.ToLower(viper.GetString("DB_DRIVER")),
			URL:     viper.GetString("DATABASE_URL"),
			Host:    viper.GetString("DB_HOST"),
			Port:    viper.GetString("DB_PORT"),
			Name:    viper.GetString("DB_NAME"),
			User:    viper.GetString("DB_USER"),
			Pass:    viper.GetString("DB_PASS"),
			Charset: viper.GetString("DB_CHARSET"),
			SSLMode: viper.GetString("DB_SSLMODE"),
		},
		Redis: RedisConfig{
			Addr: viper.GetString("REDIS_ADDR"),
			Pass: viper.GetString("REDIS_PASS"),
			DB:   viper.GetInt("REDIS_DB"),
		},
		Bot: BotConfig{
			Token:          viper.GetString("BOT_TOKEN"),
			WebhookURL:     viper.GetString("BOT_WEBHOOK_URL"),
			WebhookSecret:  viper.GetString("BOT_WEBHOOK_SECRET"),
			UpdateMode:     strings.ToLower(viper.GetString("BOT_UPDATE_MODE")),
			ProviderToken:  viper.GetString("PROVIDER_TOKEN"),
			SupportContact: viper.GetString("SUPPORT_CONTACT"),
		},
		Panel: PanelConfig{
			URL:                strings.TrimRight(viper.GetString("MARZBAN_API_URL"), "/"),
			Username:           viper.GetString("MARZBAN_USERNAME"),
			Password:           viper.GetString("MARZBAN_PASSWORD"),
			Timeout:            viper.GetDuration("PANEL_TIMEOUT"),
			RetryBase:          viper.GetDuration("PANEL_RETRY_BASE"),
			InsecureSkipVerify: viper.GetBool("PANEL_INSECURE_SKIP_VERIFY"),
		},
		Crypto: CryptoConfig{
			Token:      viper.GetString("CRYPTO_TOKEN"),
			Network:    strings.ToLower(viper.GetString("CRYPTO_NETWORK")),
			Asset:      viper.GetString("CRYPTO_ASSET"),
			InvoiceTTL: viper.GetDuration("CRYPTO_INVOICE_TTL"),
		},
		Reconcile: ReconcileConfig{
			Interval: viper.GetDuration("RECONCILE_INTERVAL"),
		},
	}

	return cfg, nil
}

// Validate reports every missing or malformed setting as a ConfigError.
func (c *Config) Validate() error {
	var errs []error
	require := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, apperr.NewConfigError(field, "is required"))
		}
	}

	require("BOT_TOKEN", c.Bot.Token)
	require("MARZBAN_API_URL", c.Panel.URL)
	require("MARZBAN_USERNAME", c.Panel.Username)
	require("MARZBAN_PASSWORD", c.Panel.Password)

	if c.Panel.URL != "" {
		if u, err := url.Parse(c.Panel.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, apperr.NewConfigError("MARZBAN_API_URL", "must be an absolute URL"))
		}
	}

	switch c.Database.Driver {
	case "postgres", "mysql":
	default:
		errs = append(errs, apperr.NewConfigError("DB_DRIVER", fmt.Sprintf("unsupported driver %q", c.Database.Driver)))
	}
	if c.Database.URL == "" {
		require("DB_NAME", c.Database.Name)
	}

	switch c.Bot.UpdateMode {
	case "polling":
	case "webhook":
		require("BOT_WEBHOOK_URL", c.Bot.WebhookURL)
	default:
		errs = append(errs, apperr.NewConfigError("BOT_UPDATE_MODE", fmt.Sprintf("unsupported mode %q", c.Bot.UpdateMode)))
	}

	if c.Crypto.Network != "main" && c.Crypto.Network != "test" {
		errs = append(errs, apperr.NewConfigError("CRYPTO_NETWORK", "must be main or test"))
	}

	for field, d := range map[string]time.Duration{
		"PANEL_TIMEOUT":      c.Panel.Timeout,
		"PANEL_RETRY_BASE":   c.Panel.RetryBase,
		"CRYPTO_INVOICE_TTL": c.Crypto.InvoiceTTL,
		"RECONCILE_INTERVAL": c.Reconcile.Interval,
	} {
		if d <= 0 {
			errs = append(errs, apperr.NewConfigError(field, "must be a positive duration"))
		}
	}
	if c.Reconcile.Interval > 0 && c.Reconcile.Interval < time.Second {
		errs = append(errs, apperr.NewConfigError("RECONCILE_INTERVAL", "must be at least 1s"))
	}

	return errors.Join(errs...)
}

// IsDevelopment reports whether APP_ENV is development.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// DSN returns the driver-specific DSN string for GORM.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return normalizeURL(d.URL)
	}

	port := d.Port
	if d.Driver == "mysql" {
		if port == "" {
			port = "3306"
		}
		return d.User + ":" + d.Pass + "@tcp(" + d.Host + ":" + port + ")/" + d.Name + "?charset=" + d.Charset + "&parseTime=True&loc=UTC"
	}

	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		d.Host, port, d.User, d.Pass, d.Name, d.SSLMode)
}

// normalizeURL strips SQLAlchemy-style driver suffixes such as
// "postgresql+asyncpg://" that pgx does not understand.
func normalizeURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if base, _, found := strings.Cut(scheme, "+"); found {
		scheme = base
	}
	return scheme + "://" + rest
}

// LoadDatabaseOnly loads just the database section, for schema maintenance
// runs that have no bot or panel credentials.
func LoadDatabaseOnly() (*DatabaseConfig, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	switch cfg.Database.Driver {
	case "postgres", "mysql":
	default:
		return nil, apperr.NewConfigError("DB_DRIVER", fmt.Sprintf("unsupported driver %q", cfg.Database.Driver))
	}
	if cfg.Database.URL == "" && cfg.Database.Name == "" {
		return nil, apperr.NewConfigError("DB_NAME", "is required")
	}
	return &cfg.Database, nil
}
