package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// maxGatewayTimeout bounds every outbound provider call.
const maxGatewayTimeout = 10 * time.Second

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	DatabaseURI string `env:"DATABASE_URI" envDefault:"storefront.db"`
	JournalPath string `env:"JOURNAL_PATH" envDefault:"journal.db"`
	RedisAddr   string `env:"REDIS_ADDR"`

	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	Currency       string        `env:"CURRENCY" envDefault:"usd"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIURL        string `env:"STRIPE_API_URL"`

	PayPalClientID     string `env:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `env:"PAYPAL_CLIENT_SECRET"`
	PayPalWebhookID    string `env:"PAYPAL_WEBHOOK_ID"`
	PayPalAPIURL       string `env:"PAYPAL_API_URL" envDefault:"https://api-m.sandbox.paypal.com"`

	PricingProfilesPath string `env:"PRICING_PROFILES_PATH"`
	AdminJWTSecret      string `env:"ADMIN_JWT_SECRET"`

	CheckoutRateRPS   float64 `env:"CHECKOUT_RATE_RPS" envDefault:"5"`
	CheckoutRateBurst int     `env:"CHECKOUT_RATE_BURST" envDefault:"10"`

	WebhookInsecureSkipVerify bool `env:"WEBHOOK_INSECURE_SKIP_VERIFY"`

	TracingEnabled  bool    `env:"TRACING_ENABLED"`
	OTelServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"storefront"`
	OTelEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTelSampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
}

// NewConfig reads the environment and then lets flags override the main
// knobs, the same way every service in this repo is configured.
func NewConfig(args []string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("storefront", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "a", cfg.HTTPAddr, "{host:port} for the HTTP server")
	fs.StringVar(&cfg.GRPCAddr, "g", cfg.GRPCAddr, "{host:port} for the gRPC health server")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "order store driver: sqlite, postgres or memory")
	fs.StringVar(&cfg.DatabaseURI, "d", cfg.DatabaseURI, "database file or connection string")
	fs.StringVar(&cfg.PricingProfilesPath, "p", cfg.PricingProfilesPath, "pricing profiles YAML (default: embedded)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Production() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Validate rejects configurations that would start an unsafe or broken
// service.
func (c *Config) Validate() error {
	var problems []error

	switch strings.ToLower(c.AppEnv) {
	case "production", "staging", "development":
	default:
		problems = append(problems, fmt.Errorf("APP_ENV %q must be production, staging or development", c.AppEnv))
	}
	if c.Production() && c.WebhookInsecureSkipVerify {
		problems = append(problems, errors.New("WEBHOOK_INSECURE_SKIP_VERIFY cannot be enabled in production"))
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
		if c.DatabaseURI == "" {
			problems = append(problems, errors.New("DATABASE_URI must be set"))
		}
	case "memory":
		if c.Production() {
			problems = append(problems, errors.New("DB_DRIVER=memory is not allowed in production"))
		}
	default:
		problems = append(problems, fmt.Errorf("DB_DRIVER %q must be sqlite, postgres or memory", c.DBDriver))
	}
	if len(c.AllowedOrigins) == 0 {
		problems = append(problems, errors.New("ALLOWED_ORIGINS must list at least one origin"))
	}
	if c.GatewayTimeout <= 0 {
		problems = append(problems, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.GatewayTimeout > maxGatewayTimeout {
		c.GatewayTimeout = maxGatewayTimeout
	}
	if c.StripeSecretKey == "" && c.PayPalClientID == "" {
		problems = append(problems, errors.New("configure at least one gateway (STRIPE_SECRET_KEY or PAYPAL_CLIENT_ID)"))
	}
	if c.PayPalClientID != "" && c.PayPalClientSecret == "" {
		problems = append(problems, errors.New("PAYPAL_CLIENT_SECRET must be set with PAYPAL_CLIENT_ID"))
	}
	if c.CheckoutRateRPS < 0 {
		problems = append(problems, errors.New("CHECKOUT_RATE_RPS must not be negative"))
	}
	return errors.Join(problems...)
}
