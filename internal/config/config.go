package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process and opbxctl.
// All values come from env (optionally seeded from a .env file in non-production).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Twilio   TwilioConfig
	Pipeline PipelineConfig
	Events   EventsConfig
}

type AppConfig struct {
	Env     string
	Port    int
	LogFile string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	// AuthToken signs webhook requests (X-Twilio-Signature).
	AuthToken string
	// WebhookBaseURL is the public base URL the provider calls; it is part of
	// the signed payload and of generated action URLs.
	WebhookBaseURL string
}

type PipelineConfig struct {
	// Budget is the hard deadline for one inbound webhook.
	Budget          time.Duration
	IdempotencyTTL  time.Duration
	DefaultRegion   string
	DIDCacheTTL     time.Duration
	DIDCacheSize    int
	// FallbackMessage overrides the announcement played before hanging up
	// an unroutable call.
	FallbackMessage string
}

type EventsConfig struct {
	// AMQPURL is optional; when empty only Redis pub/sub is used.
	AMQPURL       string
	AMQPExchange  string
	RelayInterval time.Duration
	// RelayGrace is the minimum outbox row age the relay republishes.
	RelayGrace    time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real env vars win over it.
func Load() (Config, error) {
	if strings.TrimSpace(os.Getenv("APP_ENV")) != "production" {
		_ = godotenv.Load()
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = requireInt(parseErrs, "APP_PORT")
	c.App.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = requireInt(parseErrs, "DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = requireInt(parseErrs, "REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB, parseErrs = optionalInt(parseErrs, "REDIS_DB")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.WebhookBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("WEBHOOK_BASE_URL")), "/")

	c.Pipeline.Budget, parseErrs = optionalDuration(parseErrs, "PIPELINE_BUDGET")
	c.Pipeline.IdempotencyTTL, parseErrs = optionalDuration(parseErrs, "IDEMPOTENCY_TTL")
	c.Pipeline.DefaultRegion = strings.ToUpper(strings.TrimSpace(os.Getenv("DEFAULT_REGION")))
	c.Pipeline.DIDCacheTTL, parseErrs = optionalDuration(parseErrs, "DID_CACHE_TTL")
	c.Pipeline.DIDCacheSize, parseErrs = optionalInt(parseErrs, "DID_CACHE_SIZE")
	c.Pipeline.FallbackMessage = strings.TrimSpace(os.Getenv("FALLBACK_MESSAGE"))

	c.Events.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	c.Events.AMQPExchange = strings.TrimSpace(os.Getenv("AMQP_EXCHANGE"))
	c.Events.RelayInterval, parseErrs = optionalDuration(parseErrs, "OUTBOX_RELAY_INTERVAL")
	c.Events.RelayGrace, parseErrs = optionalDuration(parseErrs, "OUTBOX_RELAY_GRACE")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyDefaults fills optional values. Production must set DB_SSLMODE explicitly.
func (c *Config) applyDefaults() {
	if c.DB.SSLMode == "" && !c.IsProduction() {
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Pipeline.Budget <= 0 {
		c.Pipeline.Budget = 3 * time.Second
	}
	if c.Pipeline.IdempotencyTTL <= 0 {
		c.Pipeline.IdempotencyTTL = 24 * time.Hour
	}
	if c.Pipeline.DefaultRegion == "" {
		c.Pipeline.DefaultRegion = "US"
	}
	if c.Pipeline.DIDCacheTTL <= 0 {
		c.Pipeline.DIDCacheTTL = 30 * time.Second
	}
	if c.Pipeline.DIDCacheSize <= 0 {
		c.Pipeline.DIDCacheSize = 4096
	}
	if c.Events.AMQPExchange == "" {
		c.Events.AMQPExchange = "opbx.events"
	}
	if c.Events.RelayInterval <= 0 {
		c.Events.RelayInterval = 5 * time.Second
	}
	if c.Events.RelayGrace <= 0 {
		c.Events.RelayGrace = 30 * time.Second
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.WebhookBaseURL == "" {
		errs = append(errs, errors.New("WEBHOOK_BASE_URL is required"))
	} else if u, err := url.Parse(c.Twilio.WebhookBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_BASE_URL must be an absolute URL, got %q", c.Twilio.WebhookBaseURL))
	}

	// Providers retry voice webhooks for minutes; deduplication must outlive that.
	if c.Pipeline.IdempotencyTTL < 24*time.Hour {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_TTL must be at least 24h, got %s", c.Pipeline.IdempotencyTTL))
	}
	if c.Pipeline.Budget > 15*time.Second {
		errs = append(errs, fmt.Errorf("PIPELINE_BUDGET must not exceed the provider timeout (15s), got %s", c.Pipeline.Budget))
	}
	// Request-path publishes give up after 2s; the relay must not overtake them.
	if c.Events.RelayGrace < 10*time.Second {
		errs = append(errs, fmt.Errorf("OUTBOX_RELAY_GRACE must be at least 10s, got %s", c.Events.RelayGrace))
	}
	if len(c.Pipeline.DefaultRegion) != 2 {
		errs = append(errs, fmt.Errorf("DEFAULT_REGION must be an ISO 3166-1 alpha-2 code, got %q", c.Pipeline.DefaultRegion))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// MigrateURL is the pgx5:// URL used by golang-migrate. Contains secrets.
func (c Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: url.Values{"sslmode": []string{c.DB.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func requireInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, append(errs, fmt.Errorf("%s is required", key))
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
