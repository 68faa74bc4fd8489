package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"APP_ENV":             "local",
		"DB_HOST":             "localhost",
		"DB_USER":             "postgres",
		"DB_NAME":             "carecall",
		"REDIS_HOST":          "localhost",
		"CARRIER_ACCOUNT_SID": "AC123",
		"CARRIER_AUTH_TOKEN":  "token",
		"CARRIER_FROM_NUMBER": "+15550000000",
		"PUBLIC_BASE_URL":     "https://calls.example.com",
		"STREAM_TOKEN_SECRET": "stream-secret",
		"REALTIME_API_KEY":    "rt-key",
		"TOOLS_BASE_URL":      "http://tools.internal",
		"TOOLS_SHARED_SECRET": "shh",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	c, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.App.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", c.App.Port)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Scheduler.TickInterval != 30*time.Second || c.Scheduler.LeaseTTL != 90*time.Second {
		t.Fatalf("unexpected scheduler timings: %+v", c.Scheduler)
	}
	if c.Scheduler.LeaseBackend != "redis" {
		t.Fatalf("expected redis lease backend, got %q", c.Scheduler.LeaseBackend)
	}
	if c.RedisAddr() != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", c.RedisAddr())
	}
}

func TestLoad_RequiresAppEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error without APP_ENV")
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.HasPrefix(err.Error(), "config errors:") {
		t.Fatalf("expected aggregated errors, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "DB_HOST is required") {
		t.Fatalf("expected DB_HOST error in %q", err.Error())
	}
}

func TestValidate_ProductionRejectsPlainDB(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("BILLING_BASE_URL", "https://billing.internal")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected sslmode error in production, got %v", err)
	}
}

func TestValidate_LeaseTTLMustOutliveTick(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SCHEDULER_TICK_INTERVAL", "1m")
	t.Setenv("SCHEDULER_LEASE_TTL", "30s")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SCHEDULER_LEASE_TTL") {
		t.Fatalf("expected lease ttl error, got %v", err)
	}
}

func TestValidate_PostgresLeaseSkipsRedis(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_HOST", "")
	t.Setenv("SCHEDULER_LEASE_BACKEND", "postgres")

	if _, err := Load(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
