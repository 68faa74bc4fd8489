package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration required by the api and worker processes.
// All values come from env (or an env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Carrier   CarrierConfig
	Realtime  RealtimeConfig
	Tools     ToolsConfig
	Billing   BillingConfig
	Stream    StreamConfig
	Policy    PolicyConfig
}

type AppConfig struct {
	Env  string `env:"APP_ENV,required"`
	Port int    `env:"APP_PORT" envDefault:"8080"`

	// WorkerID identifies this process in leases and claims. Generated when empty.
	WorkerID string `env:"WORKER_ID"`
}

type DBConfig struct {
	Host     string `env:"DB_HOST"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `env:"DB_SSLMODE" envDefault:"disable"`

	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" envDefault:"30s"`
	LeaseRole    string        `env:"SCHEDULER_LEASE_ROLE" envDefault:"scheduler"`
	LeaseTTL     time.Duration `env:"SCHEDULER_LEASE_TTL" envDefault:"90s"`

	// LeaseBackend selects where the role lease lives: redis or postgres.
	LeaseBackend string        `env:"SCHEDULER_LEASE_BACKEND" envDefault:"redis"`
	BatchSize    int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"25"`
	ClaimTTL     time.Duration `env:"SCHEDULER_CLAIM_TTL" envDefault:"5m"`

	// Reminders carry no retry policy of their own.
	ReminderMaxRetries  int           `env:"REMINDER_MAX_RETRIES" envDefault:"2"`
	ReminderRetryWindow time.Duration `env:"REMINDER_RETRY_WINDOW" envDefault:"30m"`

	BillingReportBatch int `env:"BILLING_REPORT_BATCH" envDefault:"50"`
}

type CarrierConfig struct {
	AccountSID    string `env:"CARRIER_ACCOUNT_SID"`
	AuthToken     string `env:"CARRIER_AUTH_TOKEN"`
	FromNumber    string `env:"CARRIER_FROM_NUMBER"`
	APIBaseURL    string `env:"CARRIER_API_BASE_URL" envDefault:"https://api.twilio.com"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	PlacementTimeout  time.Duration `env:"CARRIER_PLACEMENT_TIMEOUT" envDefault:"10s"`
	PlacementAttempts int           `env:"CARRIER_PLACEMENT_ATTEMPTS" envDefault:"2"`
	CallsPerSecond    float64       `env:"CARRIER_CALLS_PER_SECOND" envDefault:"1"`

	ValidateSignatures bool `env:"CARRIER_VALIDATE_SIGNATURES" envDefault:"true"`
}

type RealtimeConfig struct {
	URL          string        `env:"REALTIME_URL" envDefault:"wss://api.openai.com/v1/realtime"`
	APIKey       string        `env:"REALTIME_API_KEY"`
	Model        string        `env:"REALTIME_MODEL" envDefault:"gpt-4o-realtime-preview"`
	Voice        string        `env:"REALTIME_VOICE" envDefault:"alloy"`
	DialTimeout  time.Duration `env:"REALTIME_DIAL_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"REALTIME_WRITE_TIMEOUT" envDefault:"5s"`
}

type ToolsConfig struct {
	BaseURL      string        `env:"TOOLS_BASE_URL"`
	SharedSecret string        `env:"TOOLS_SHARED_SECRET"`
	Timeout      time.Duration `env:"TOOLS_TIMEOUT" envDefault:"8s"`
	MaxAttempts  int           `env:"TOOLS_MAX_ATTEMPTS" envDefault:"2"`
}

type BillingConfig struct {
	BaseURL     string        `env:"BILLING_BASE_URL"`
	APIKey      string        `env:"BILLING_API_KEY"`
	Timeout     time.Duration `env:"BILLING_TIMEOUT" envDefault:"10s"`
	MaxAttempts int           `env:"BILLING_MAX_ATTEMPTS" envDefault:"3"`
}

type StreamConfig struct {
	TokenSecret string        `env:"STREAM_TOKEN_SECRET"`
	Issuer      string        `env:"STREAM_TOKEN_ISSUER" envDefault:"carecall"`
	Audience    string        `env:"STREAM_TOKEN_AUDIENCE" envDefault:"media-stream"`
	TokenTTL    time.Duration `env:"STREAM_TOKEN_TTL" envDefault:"2m"`
}

type PolicyConfig struct {
	TrialCheckInterval  time.Duration `env:"TRIAL_CHECK_INTERVAL" envDefault:"5s"`
	CutoffGrace         time.Duration `env:"CUTOFF_GRACE" envDefault:"20s"`
	LowMinutesThreshold int           `env:"LOW_MINUTES_THRESHOLD" envDefault:"5"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
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
	if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	} else if c.IsProduction() && c.DB.SSLMode == "disable" {
		errs = append(errs, errors.New("DB_SSLMODE must not be disable in production"))
	}

	switch c.Scheduler.LeaseBackend {
	case "redis":
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when SCHEDULER_LEASE_BACKEND=redis"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Errorf("SCHEDULER_LEASE_BACKEND must be redis or postgres, got %q", c.Scheduler.LeaseBackend))
	}

	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_TICK_INTERVAL must be > 0"))
	}
	if c.Scheduler.LeaseTTL <= c.Scheduler.TickInterval {
		errs = append(errs, errors.New("SCHEDULER_LEASE_TTL must be greater than SCHEDULER_TICK_INTERVAL"))
	}
	if c.Scheduler.LeaseRole == "" {
		errs = append(errs, errors.New("SCHEDULER_LEASE_ROLE is required"))
	}
	if c.Scheduler.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_BATCH_SIZE must be > 0, got %d", c.Scheduler.BatchSize))
	}
	if c.Scheduler.ClaimTTL <= 0 {
		errs = append(errs, errors.New("SCHEDULER_CLAIM_TTL must be > 0"))
	}
	if c.Scheduler.ReminderMaxRetries < 0 {
		errs = append(errs, errors.New("REMINDER_MAX_RETRIES must be >= 0"))
	}

	if c.Carrier.AccountSID == "" {
		errs = append(errs, errors.New("CARRIER_ACCOUNT_SID is required"))
	}
	if c.Carrier.AuthToken == "" {
		errs = append(errs, errors.New("CARRIER_AUTH_TOKEN is required"))
	}
	if c.Carrier.FromNumber == "" {
		errs = append(errs, errors.New("CARRIER_FROM_NUMBER is required"))
	}
	if c.Carrier.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	}
	if c.Carrier.CallsPerSecond <= 0 {
		errs = append(errs, errors.New("CARRIER_CALLS_PER_SECOND must be > 0"))
	}

	if c.Stream.TokenSecret == "" {
		errs = append(errs, errors.New("STREAM_TOKEN_SECRET is required"))
	}
	if c.Realtime.APIKey == "" {
		errs = append(errs, errors.New("REALTIME_API_KEY is required"))
	}
	if c.Tools.BaseURL == "" {
		errs = append(errs, errors.New("TOOLS_BASE_URL is required"))
	}
	if c.Tools.SharedSecret == "" {
		errs = append(errs, errors.New("TOOLS_SHARED_SECRET is required"))
	}
	if c.IsProduction() && c.Billing.BaseURL == "" {
		errs = append(errs, errors.New("BILLING_BASE_URL is required in production"))
	}

	if c.Policy.TrialCheckInterval <= 0 {
		errs = append(errs, errors.New("TRIAL_CHECK_INTERVAL must be > 0"))
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

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
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
