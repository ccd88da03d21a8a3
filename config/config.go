// Package config loads settings from an optional YAML file and the
// environment. Environment variables use the SETTLE_ prefix with dots
// replaced by underscores (SETTLE_LEDGER_ENDPOINT). PORT and DB_PATH are
// honoured as well.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/arkantrust/donation-settlement/ledger"
	"github.com/arkantrust/donation-settlement/pricing"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Signer   SignerConfig   `mapstructure:"signer"`
	Identity IdentityConfig `mapstructure:"identity"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Donation DonationConfig `mapstructure:"donation"`
	Link     LinkConfig     `mapstructure:"link"`
}

type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       string `mapstructure:"port"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver         string `mapstructure:"driver"`
	BoltPath       string `mapstructure:"bolt_path"`
	DynamoTable    string `mapstructure:"dynamodb_table"`
	DynamoRegion   string `mapstructure:"dynamodb_region"`
	DynamoEndpoint string `mapstructure:"dynamodb_endpoint"`
}

type LedgerConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SignerConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// WebhookSecret keys webhook signatures. Empty means the API secret.
	WebhookSecret string `mapstructure:"webhook_secret"`

	// Push starts a socket listener for every payload.
	Push bool `mapstructure:"push"`
}

// WebhookKey returns the secret webhook signatures are checked against.
func (s SignerConfig) WebhookKey() string {
	if s.WebhookSecret != "" {
		return s.WebhookSecret
	}
	return s.APISecret
}

type IdentityConfig struct {
	GitHubAPI string        `mapstructure:"github_api"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type PricingConfig struct {
	pricing.Parameters `mapstructure:",squash"`

	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	QuoteCode   string        `mapstructure:"quote_code"`
	QuoteIssuer string        `mapstructure:"quote_issuer"`
}

// QuoteCurrency is the currency prices are denominated in.
func (p PricingConfig) QuoteCurrency() ledger.Currency {
	return ledger.Currency{Code: p.QuoteCode, Issuer: p.QuoteIssuer}
}

type DonationConfig struct {
	MaxAmount     string        `mapstructure:"max_amount"`
	RequestTTL    time.Duration `mapstructure:"request_ttl"`
	QuoteOnCreate bool          `mapstructure:"quote_on_create"`
}

// MaxAmountXRP parses MaxAmount.
func (d DonationConfig) MaxAmountXRP() (decimal.Decimal, error) {
	return decimal.NewFromString(d.MaxAmount)
}

type LinkConfig struct {
	RequestTTL time.Duration `mapstructure:"request_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "bolt")
	v.SetDefault("store.bolt_path", "settlement.db")
	v.SetDefault("store.dynamodb_table", "settlement")
	v.SetDefault("store.dynamodb_region", "us-east-1")
	v.SetDefault("store.dynamodb_endpoint", "")
	v.SetDefault("ledger.endpoint", "https://s.altnet.rippletest.net:51234")
	v.SetDefault("ledger.timeout", 10*time.Second)
	v.SetDefault("signer.base_url", "https://xumm.app/api/v1")
	v.SetDefault("signer.api_key", "")
	v.SetDefault("signer.api_secret", "")
	v.SetDefault("signer.webhook_secret", "")
	v.SetDefault("signer.timeout", 10*time.Second)
	v.SetDefault("signer.push", true)
	v.SetDefault("identity.github_api", "https://api.github.com")
	v.SetDefault("identity.timeout", 5*time.Second)
	v.SetDefault("pricing.base_price", pricing.DefaultParameters.BasePrice)
	v.SetDefault("pricing.quality_coefficient", pricing.DefaultParameters.QualityCoefficient)
	v.SetDefault("pricing.donation_coefficient", pricing.DefaultParameters.DonationCoefficient)
	v.SetDefault("pricing.reference_donation", pricing.DefaultParameters.ReferenceDonation)
	v.SetDefault("pricing.cache_ttl", pricing.DefaultCacheTTL)
	v.SetDefault("pricing.quote_code", "USD")
	v.SetDefault("pricing.quote_issuer", "rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B")
	v.SetDefault("donation.max_amount", "10000")
	v.SetDefault("donation.request_ttl", 15*time.Minute)
	v.SetDefault("donation.quote_on_create", true)
	v.SetDefault("link.request_ttl", 10*time.Minute)
}

// Load reads path (if non-empty) and the environment, then validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", "SETTLE_SERVER_PORT", "PORT")
	_ = v.BindEnv("store.bolt_path", "SETTLE_STORE_BOLT_PATH", "DB_PATH")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Pricing.Parameters.Validate(); err != nil {
		errs = append(errs, err)
	}
	if max, err := c.Donation.MaxAmountXRP(); err != nil || !max.IsPositive() {
		errs = append(errs, fmt.Errorf("donation.max_amount must be a positive number, got %q", c.Donation.MaxAmount))
	}
	for name, d := range map[string]time.Duration{
		"ledger.timeout":       c.Ledger.Timeout,
		"signer.timeout":       c.Signer.Timeout,
		"identity.timeout":     c.Identity.Timeout,
		"pricing.cache_ttl":    c.Pricing.CacheTTL,
		"donation.request_ttl": c.Donation.RequestTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Link.RequestTTL < time.Minute {
		errs = append(errs, errors.New("link.request_ttl must be at least one minute"))
	}
	switch c.Store.Driver {
	case "bolt":
		if c.Store.BoltPath == "" {
			errs = append(errs, errors.New("store.bolt_path is required for the bolt driver"))
		}
	case "dynamodb":
		if c.Store.DynamoTable == "" {
			errs = append(errs, errors.New("store.dynamodb_table is required for the dynamodb driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Pricing.QuoteCode == "" || c.Pricing.QuoteIssuer == "" {
		errs = append(errs, errors.New("pricing.quote_code and pricing.quote_issuer are required"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", s)
	}
	return l, nil
}

// NewLogger builds the process logger.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
