// Package config loads settings from an optional YAML file, a .env file and
// VPAGATE_* environment variables, in increasing order of precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/vpagate/vpagate/internal/currency"
	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/validation"
)

const EnvPrefix = "VPAGATE"

type Config struct {
	Env       string           `mapstructure:"env"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	DB        DBConfig         `mapstructure:"db"`
	Lock      LockConfig       `mapstructure:"lock"`
	Pool      PoolConfig       `mapstructure:"pool"`
	VPA       VPAConfig        `mapstructure:"vpa"`
	Webhook   WebhookConfig    `mapstructure:"webhook"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Merchants []MerchantConfig `mapstructure:"merchants"`

	// Merchant is a single merchant supplied through the environment. It
	// is appended to Merchants when its id is set.
	Merchant MerchantConfig `mapstructure:"merchant"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LockConfig struct {
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	BoltPath  string        `mapstructure:"bolt_path"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type PoolConfig struct {
	MinUnused   int `mapstructure:"min_unused"`
	RefillBatch int `mapstructure:"refill_batch"`
	MaxAttempts int `mapstructure:"max_attempts"`
	ScanLimit   int `mapstructure:"scan_limit"`
}

type VPAConfig struct {
	Prefix string `mapstructure:"prefix"`
	Suffix string `mapstructure:"suffix"`
}

type WebhookConfig struct {
	Checksum       string        `mapstructure:"checksum"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	SkipFreshness  bool          `mapstructure:"skip_freshness"`
	MinAmount      string        `mapstructure:"min_amount"`
	MaxAmount      string        `mapstructure:"max_amount"`
	Currency       string        `mapstructure:"currency"`
	TimezoneOffset string        `mapstructure:"timezone_offset"`
}

type NotifyConfig struct {
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
	QueueSize     int    `mapstructure:"queue_size"`
}

// MerchantConfig carries hex-encoded keys. ChecksumKey falls back to
// EncryptionKey when empty.
type MerchantConfig struct {
	ID            string `mapstructure:"id"`
	Name          string `mapstructure:"name"`
	EncryptionKey string `mapstructure:"encryption_key"`
	ChecksumKey   string `mapstructure:"checksum_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "vpagate.db")
	v.SetDefault("lock.backend", "bolt")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.bolt_path", "vpagate-locks.db")
	v.SetDefault("lock.ttl", 5*time.Second)
	v.SetDefault("pool.min_unused", 1000)
	v.SetDefault("pool.refill_batch", 5000)
	v.SetDefault("pool.max_attempts", 10)
	v.SetDefault("pool.scan_limit", 4096)
	v.SetDefault("vpa.prefix", "pay.")
	v.SetDefault("vpa.suffix", "@vpagate")
	v.SetDefault("webhook.checksum", validation.ChecksumHMACSHA256)
	v.SetDefault("webhook.max_age", validation.DefaultMaxAge)
	v.SetDefault("webhook.skip_freshness", false)
	v.SetDefault("webhook.min_amount", "1.00")
	v.SetDefault("webhook.max_amount", "100000.00")
	v.SetDefault("webhook.currency", "INR")
	v.SetDefault("webhook.timezone_offset", "+05:30")
	v.SetDefault("notify.mongo_uri", "")
	v.SetDefault("notify.mongo_database", "vpagate")
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("merchant.id", "")
	v.SetDefault("merchant.name", "")
	v.SetDefault("merchant.encryption_key", "")
	v.SetDefault("merchant.checksum_key", "")
}

// Load reads configuration. path may be empty. A missing .env file is not
// an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Merchant.ID != "" {
		cfg.Merchants = append(cfg.Merchants, cfg.Merchant)
	}
	return &cfg, nil
}

// IsProduction reports whether Env is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects configurations the service must not start with.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProduction() && c.Webhook.SkipFreshness {
		errs = append(errs, errors.New("webhook.skip_freshness is not allowed in production"))
	}
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("db.driver %q must be sqlite or postgres", c.DB.Driver))
	}
	switch c.Lock.Backend {
	case "redis", "bolt", "none":
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q must be redis, bolt or none", c.Lock.Backend))
	}
	if _, err := validation.StrategyByName(c.Webhook.Checksum); err != nil {
		errs = append(errs, fmt.Errorf("webhook.checksum: %w", err))
	}
	if !currency.Supported(c.Webhook.Currency) {
		errs = append(errs, fmt.Errorf("webhook.currency %q is not supported", c.Webhook.Currency))
	}
	if lo, hi, err := c.Webhook.AmountBounds(); err != nil {
		errs = append(errs, err)
	} else if lo.GreaterThan(hi) {
		errs = append(errs, fmt.Errorf("webhook.min_amount %s exceeds webhook.max_amount %s", lo, hi))
	}
	if _, err := c.Webhook.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.MerchantKeys(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// AmountBounds parses the configured inclusive amount limits.
func (w WebhookConfig) AmountBounds() (lo, hi decimal.Decimal, err error) {
	if lo, err = decimal.NewFromString(w.MinAmount); err != nil {
		return lo, hi, fmt.Errorf("webhook.min_amount: %w", err)
	}
	if hi, err = decimal.NewFromString(w.MaxAmount); err != nil {
		return lo, hi, fmt.Errorf("webhook.max_amount: %w", err)
	}
	return lo, hi, nil
}

// Location returns the bank's timezone. The offset is either "+05:30"
// style or an IANA zone name.
func (w WebhookConfig) Location() (*time.Location, error) {
	if t, err := time.Parse("-07:00", w.TimezoneOffset); err == nil {
		_, offset := t.Zone()
		return time.FixedZone("UTC"+w.TimezoneOffset, offset), nil
	}
	loc, err := time.LoadLocation(w.TimezoneOffset)
	if err != nil {
		return nil, fmt.Errorf("webhook.timezone_offset %q: %w", w.TimezoneOffset, err)
	}
	return loc, nil
}

// MerchantKeys decodes the merchant keyring. At least one merchant with an
// AES-128/192/256 key is required.
func (c *Config) MerchantKeys() ([]domain.Merchant, error) {
	if len(c.Merchants) == 0 {
		return nil, errors.New("no merchants configured: set merchants in the config file or VPAGATE_MERCHANT_ID and VPAGATE_MERCHANT_ENCRYPTION_KEY")
	}

	seen := make(map[string]bool, len(c.Merchants))
	out := make([]domain.Merchant, 0, len(c.Merchants))
	for i, mc := range c.Merchants {
		if mc.ID == "" {
			return nil, fmt.Errorf("merchants[%d]: id is required", i)
		}
		if seen[mc.ID] {
			return nil, fmt.Errorf("merchants[%d]: duplicate id %s", i, mc.ID)
		}
		seen[mc.ID] = true

		enc, err := hex.DecodeString(mc.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("merchant %s: encryption_key is not hex: %w", mc.ID, err)
		}
		switch len(enc) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("merchant %s: encryption_key must be 16, 24 or 32 bytes, got %d", mc.ID, len(enc))
		}

		sum := enc
		if mc.ChecksumKey != "" {
			if sum, err = hex.DecodeString(mc.ChecksumKey); err != nil {
				return nil, fmt.Errorf("merchant %s: checksum_key is not hex: %w", mc.ID, err)
			}
		}
		out = append(out, domain.Merchant{ID: mc.ID, Name: mc.Name, EncryptionKey: enc, ChecksumKey: sum})
	}
	return out, nil
}
