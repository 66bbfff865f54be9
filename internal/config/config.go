package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`
}

type BkashConfig struct {
	BaseURL   string `yaml:"base_url"`
	AppKey    string `yaml:"app_key"`
	AppSecret string `yaml:"app_secret"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type Config struct {
	Env               string        `yaml:"env"`
	Port              string        `yaml:"port"`
	DB                DBConfig      `yaml:"postgres"`
	RedisURL          string        `yaml:"redis_url"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	KafkaBrokers      []string      `yaml:"kafka_brokers"`
	JWTSecret         string        `yaml:"jwt_secret"`
	Stripe            StripeConfig  `yaml:"stripe"`
	Bkash             BkashConfig   `yaml:"bkash"`
	PaymentTimeout    time.Duration `yaml:"payment_timeout"`
	LowStockThreshold int           `yaml:"low_stock_threshold"`
	DefaultCurrency   string        `yaml:"default_currency"`
}

func Default() Config {
	return Config{
		Env:  "development",
		Port: "8080",
		DB: DBConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			Name:    "ecomcore",
			SSLMode: "disable",
		},
		CacheTTL:          15 * time.Minute,
		JWTSecret:         "dev-insecure-secret",
		Stripe:            StripeConfig{BaseURL: "https://api.stripe.com"},
		Bkash:             BkashConfig{BaseURL: "https://tokenized.sandbox.bka.sh/v1.2.0-beta"},
		PaymentTimeout:    15 * time.Second,
		LowStockThreshold: 10,
		DefaultCurrency:   "BDT",
	}
}

// Load reads the optional YAML file at path and applies environment
// overrides on top of it. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}
	str(&c.Env, "APP_ENV")
	str(&c.Port, "PORT")
	str(&c.DB.DSN, "DB_DSN")
	str(&c.DB.Host, "DB_HOST")
	str(&c.DB.User, "DB_USER", "POSTGRES_USER")
	str(&c.DB.Password, "DB_PASSWORD", "POSTGRES_PASSWORD")
	str(&c.DB.Name, "DB_NAME", "POSTGRES_DB")
	str(&c.DB.SSLMode, "DB_SSLMODE")
	str(&c.RedisURL, "REDIS_URL")
	str(&c.JWTSecret, "JWT_SECRET")
	str(&c.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	str(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	str(&c.Stripe.BaseURL, "STRIPE_BASE_URL")
	str(&c.Bkash.BaseURL, "BKASH_BASE_URL")
	str(&c.Bkash.AppKey, "BKASH_APP_KEY")
	str(&c.Bkash.AppSecret, "BKASH_APP_SECRET")
	str(&c.Bkash.Username, "BKASH_USERNAME")
	str(&c.Bkash.Password, "BKASH_PASSWORD")
	str(&c.DefaultCurrency, "DEFAULT_CURRENCY")

	if v, ok := lookup("KAFKA_BROKERS"); ok && strings.TrimSpace(v) != "" {
		c.KafkaBrokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}
	if v, ok := lookup("DB_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DB_PORT: %w", err)
		}
		c.DB.Port = n
	}
	if v, ok := lookup("LOW_STOCK_THRESHOLD"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOW_STOCK_THRESHOLD: %w", err)
		}
		c.LowStockThreshold = n
	}
	for key, dst := range map[string]*time.Duration{"CACHE_TTL": &c.CacheTTL, "PAYMENT_TIMEOUT": &c.PaymentTimeout} {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// PostgresDSN returns DB.DSN when set, otherwise a key/value DSN built from
// the individual fields.
func (c Config) PostgresDSN() string {
	if strings.TrimSpace(c.DB.DSN) != "" {
		return c.DB.DSN
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.DB.Host, c.DB.User, c.DB.Password, c.DB.Name, c.DB.Port, c.DB.SSLMode)
}

func (c Config) IsProduction() bool {
	e := strings.ToLower(c.Env)
	return e == "production" || e == "prod"
}
