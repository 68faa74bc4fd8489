package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"carecall/internal/auth"
	"carecall/internal/config"
	"carecall/internal/rbac"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// opstoken mints an operator API token signed with the stream token secret.
func main() {
	subject := flag.String("subject", "", "operator identity, e.g. an email address")
	role := flag.String("role", rbac.RoleSupport, "admin, support or finance")
	ttl := flag.Duration("ttl", 8*time.Hour, "token lifetime")
	flag.Parse()

	switch *role {
	case rbac.RoleAdmin, rbac.RoleSupport, rbac.RoleFinance:
	default:
		slog.Error("unknown role", "role", *role)
		os.Exit(2)
	}

	_ = godotenv.Load()

	// Only the token settings are needed here, not the full process config.
	var cfg config.StreamConfig
	if err := env.Parse(&cfg); err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	m, err := auth.NewManager(cfg)
	if err != nil {
		slog.Error("auth init failed", "err", err)
		os.Exit(1)
	}
	tok, err := m.IssueOperatorToken(time.Now(), *subject, *role, *ttl)
	if err != nil {
		slog.Error("issue token failed", "err", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
