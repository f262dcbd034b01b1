package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable, e.g.
// MOD_SERVICE_PORT or MOD_SERVICE_SIGNING_KEY.
const EnvPrefix = "mod_service"

// DefaultDatabaseURL keeps everything in memory.
const DefaultDatabaseURL = ":memory:"

type Config struct {
	BindAddr    string `yaml:"bindAddr"    split_words:"true"`
	Port        uint   `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl" split_words:"true"`

	// SigningKey is a hex-encoded secp256k1 private key. Without it the
	// service still serves reads but cannot issue labels, unless
	// EphemeralKey asks for a throwaway key.
	SigningKey   string `yaml:"signingKey"   split_words:"true"`
	EphemeralKey bool   `yaml:"ephemeralKey" split_words:"true"`

	// AdminAPIKeys enables the /admin routes when non-empty.
	AdminAPIKeys         []string `yaml:"adminApiKeys"         split_words:"true"`
	MaxBodyBytes         int64    `yaml:"maxBodyBytes"         split_words:"true"`
	QueryRateLimitPerMin int      `yaml:"queryRateLimitPerMin" split_words:"true"`

	SubscriberBuffer int   `yaml:"subscriberBuffer" split_words:"true"`
	BackfillPageSize int   `yaml:"backfillPageSize" split_words:"true"`
	MaxBackfill      int64 `yaml:"maxBackfill"      split_words:"true"`

	WriteTimeout    time.Duration `yaml:"writeTimeout"    split_words:"true"`
	PingInterval    time.Duration `yaml:"pingInterval"    split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`

	Debug bool `yaml:"debug"`
}

type ctxKey string

const configContextKey ctxKey = "labeler.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:             8080,
		DatabaseURL:      DefaultDatabaseURL,
		MaxBodyBytes:     1 << 20,
		SubscriberBuffer: 1024,
		BackfillPageSize: 500,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Load applies, in order, the defaults, the YAML file at configFile (if
// any) and the environment.
func Load(configFile string) (Config, error) {
	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if c.Port == 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("maxBodyBytes must be positive"))
	}
	if c.QueryRateLimitPerMin < 0 {
		errs = append(errs, errors.New("queryRateLimitPerMin must not be negative"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("subscriberBuffer must be positive"))
	}
	if c.BackfillPageSize <= 0 {
		errs = append(errs, errors.New("backfillPageSize must be positive"))
	}
	if c.MaxBackfill < 0 {
		errs = append(errs, errors.New("maxBackfill must not be negative"))
	}
	if c.WriteTimeout <= 0 || c.PingInterval <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("writeTimeout, pingInterval and shutdownTimeout must be positive"))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}

// APIKeySet returns the admin keys as a lookup set, skipping blanks.
func (c Config) APIKeySet() map[string]struct{} {
	m := make(map[string]struct{}, len(c.AdminAPIKeys))
	for _, k := range c.AdminAPIKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			m[k] = struct{}{}
		}
	}
	return m
}
