package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"carecall/internal/accounts"
	"carecall/internal/audit"
	"carecall/internal/billing"
	"carecall/internal/calls"
	"carecall/internal/config"
	"carecall/internal/ledger"
	"carecall/internal/migrate"
	"carecall/internal/reminders"
	"carecall/internal/schedules"
	"carecall/internal/telephony"
	"carecall/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/samber/do/v2"
)

const databaseInitTimeout = 15 * time.Second

// RegisterDI provides the storage and call-lifecycle services shared by the
// api and worker processes. The caller must provide *config.Config first.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*sql.DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), databaseInitTimeout)
		defer cancel()

		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		if err := migrate.Run(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migration: %w", err)
		}
		return db, nil
	})

	do.Provide(injector, func(i do.Injector) (accounts.Directory, error) {
		return accounts.NewPostgresDirectory(do.MustInvoke[*sql.DB](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*audit.Service, error) {
		return audit.NewService(audit.NewPostgresRepo(do.MustInvoke[*sql.DB](i))), nil
	})

	do.Provide(injector, func(i do.Injector) (*ledger.PostgresRepo, error) {
		return ledger.NewPostgresRepo(do.MustInvoke[*sql.DB](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*ledger.Service, error) {
		cfg := do.MustInvoke[*config.Config](i)
		var reporter ledger.Reporter
		if cfg.Billing.BaseURL != "" {
			reporter = billing.NewClient(cfg.Billing.BaseURL, cfg.Billing.APIKey, cfg.Billing.Timeout, cfg.Billing.MaxAttempts)
		}
		return ledger.NewService(
			do.MustInvoke[*ledger.PostgresRepo](i),
			do.MustInvoke[accounts.Directory](i),
			reporter,
			do.MustInvoke[*audit.Service](i),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*schedules.PostgresStore, error) {
		return schedules.NewPostgresStore(do.MustInvoke[*sql.DB](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*schedules.Service, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return schedules.NewService(do.MustInvoke[*schedules.PostgresStore](i), cfg.Scheduler.ClaimTTL), nil
	})

	do.Provide(injector, func(i do.Injector) (*reminders.PostgresStore, error) {
		return reminders.NewPostgresStore(do.MustInvoke[*sql.DB](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*reminders.Service, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return reminders.NewService(do.MustInvoke[*reminders.PostgresStore](i), cfg.App.WorkerID, cfg.Scheduler.ClaimTTL), nil
	})

	do.Provide(injector, func(i do.Injector) (telephony.Carrier, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return telephony.NewTwilioCarrier(
			cfg.Carrier.APIBaseURL,
			cfg.Carrier.AccountSID,
			cfg.Carrier.AuthToken,
			cfg.Carrier.PlacementTimeout,
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*calls.PostgresRepo, error) {
		return calls.NewPostgresRepo(do.MustInvoke[*sql.DB](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*calls.Orchestrator, error) {
		cfg := do.MustInvoke[*config.Config](i)
		led := do.MustInvoke[*ledger.Service](i)
		return calls.NewOrchestrator(calls.Deps{
			Repo:       do.MustInvoke[*calls.PostgresRepo](i),
			Carrier:    do.MustInvoke[telephony.Carrier](i),
			Directory:  do.MustInvoke[accounts.Directory](i),
			Allowances: led,
			Ledger:     led,
			Schedules:  do.MustInvoke[*schedules.Service](i),
			Reminders:  do.MustInvoke[*reminders.Service](i),
			Audit:      do.MustInvoke[*audit.Service](i),
		}, calls.Options{
			FromNumber:        cfg.Carrier.FromNumber,
			PublicBaseURL:     cfg.Carrier.PublicBaseURL,
			PlacementTimeout:  cfg.Carrier.PlacementTimeout,
			PlacementAttempts: cfg.Carrier.PlacementAttempts,
			CallsPerSecond:    cfg.Carrier.CallsPerSecond,
		}), nil
	})
}
