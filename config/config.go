// Package config loads the marketd process configuration from the
// environment, optionally seeded from .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvAddr          = "MARKET_ADDR"
	EnvDatabaseDSN   = "MARKET_DATABASE_DSN"
	EnvSigningKey    = "MARKET_SIGNING_KEY"
	EnvJWKSetURLs    = "MARKET_JWKS_URLS"
	EnvIssuer        = "MARKET_TOKEN_ISSUER"
	EnvAudience      = "MARKET_TOKEN_AUDIENCE"
	EnvTokenTTL      = "MARKET_TOKEN_TTL"
	EnvAdminEmails   = "MARKET_ADMIN_EMAILS"
	EnvPhoneRegion   = "MARKET_PHONE_REGION"
	EnvDebug         = "MARKET_DEBUG"
	EnvLogLevel      = "MARKET_LOG_LEVEL"
	EnvLocalIdentity = "MARKET_LOCAL_IDENTITY"
)

// Config is the marketd configuration.
type Config struct {
	Addr        string
	DatabaseDSN string
	SigningKey  string
	JWKSetURLs  []string
	Issuer      string
	Audience    string
	TokenTTL    time.Duration
	AdminEmails []string
	// PhoneRegion enables phone validation when set to a non empty region.
	PhoneRegion *string
	Debug       bool
	LogLevel    string
	// LocalIdentity mounts the provider/local sign in endpoints.
	LocalIdentity bool
}

// Default returns the configuration used for unset variables.
func Default() Config {
	return Config{
		Addr:          ":8080",
		DatabaseDSN:   "file:market.db?cache=shared",
		Issuer:        "marketd",
		TokenTTL:      time.Hour,
		LogLevel:      "info",
		LocalIdentity: true,
	}
}

// Load reads the given .env files (missing files are skipped) and then
// the process environment. Variables already set in the environment win
// over .env values.
func Load(files ...string) (Config, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return Config{}, fmt.Errorf("config: load env files: %w", err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	env := getter{lookup: lookup}

	cfg.Addr = env.String(EnvAddr, cfg.Addr)
	cfg.DatabaseDSN = env.String(EnvDatabaseDSN, cfg.DatabaseDSN)
	cfg.SigningKey = env.String(EnvSigningKey, "")
	cfg.JWKSetURLs = env.List(EnvJWKSetURLs)
	cfg.Issuer = env.String(EnvIssuer, cfg.Issuer)
	cfg.Audience = env.String(EnvAudience, "")
	cfg.AdminEmails = env.List(EnvAdminEmails)
	cfg.LogLevel = strings.ToLower(env.String(EnvLogLevel, cfg.LogLevel))

	if v, ok := lookup(EnvPhoneRegion); ok {
		region := strings.ToUpper(strings.TrimSpace(v))
		cfg.PhoneRegion = &region
	}

	var err error
	if cfg.TokenTTL, err = env.Duration(EnvTokenTTL, cfg.TokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.Debug, err = env.Bool(EnvDebug, cfg.Debug); err != nil {
		return Config{}, err
	}
	if cfg.LocalIdentity, err = env.Bool(EnvLocalIdentity, cfg.LocalIdentity); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var keyRules []validation.Rule
	if len(c.JWKSetURLs) == 0 || c.LocalIdentity {
		keyRules = append(keyRules, validation.Required)
	}
	keyRules = append(keyRules, validation.Length(16, 0))

	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.DatabaseDSN, validation.Required),
		validation.Field(&c.SigningKey, keyRules...),
		validation.Field(&c.JWKSetURLs, validation.By(eachString(is.URL))),
		validation.Field(&c.AdminEmails, validation.By(eachString(is.Email))),
		validation.Field(&c.TokenTTL, validation.By(minDuration(time.Minute))),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
}

func eachString(rule validation.Rule) validation.RuleFunc {
	return func(value any) error {
		values, _ := value.([]string)
		for _, v := range values {
			if err := validation.Validate(v, rule); err != nil {
				return fmt.Errorf("%q: %w", v, err)
			}
		}
		return nil
	}
}

func minDuration(floor time.Duration) validation.RuleFunc {
	return func(value any) error {
		if d, ok := value.(time.Duration); ok && d < floor {
			return fmt.Errorf("must be at least %s", floor)
		}
		return nil
	}
}

type getter struct {
	lookup func(string) (string, bool)
}

func (g getter) String(key, def string) string {
	if v, ok := g.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (g getter) List(key string) []string {
	v, ok := g.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (g getter) Bool(key string, def bool) (bool, error) {
	v := g.String(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func (g getter) Duration(key string, def time.Duration) (time.Duration, error) {
	v := g.String(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
