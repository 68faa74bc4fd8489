package main

import (
	"context"
	"database/sql"
	"time"

	"carecall/internal/accounts"
	"carecall/internal/app"
	"carecall/internal/audit"
	"carecall/internal/auth"
	"carecall/internal/bridge"
	"carecall/internal/calls"
	"carecall/internal/config"
	"carecall/internal/httpapi"
	"carecall/internal/ledger"
	"carecall/internal/realtime"
	"carecall/internal/reminders"
	"carecall/internal/reporting"
	"carecall/internal/schedules"
	"carecall/internal/telephony"
	"carecall/internal/tools"
	"carecall/pkg/utils"

	"github.com/samber/do/v2"
)

const healthTimeout = 2 * time.Second

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	app.RegisterDI(injector)

	do.Provide(injector, func(i do.Injector) (*auth.Manager, error) {
		return auth.NewManager(do.MustInvoke[*config.Config](i).Stream)
	})
	do.Provide(injector, func(i do.Injector) (*tools.Client, error) {
		c := do.MustInvoke[*config.Config](i).Tools
		return tools.NewClient(c.BaseURL, c.SharedSecret, c.Timeout, c.MaxAttempts), nil
	})
	do.Provide(injector, func(i do.Injector) (*realtime.Dialer, error) {
		c := do.MustInvoke[*config.Config](i).Realtime
		return realtime.NewDialer(realtime.Config{
			URL:          c.URL,
			APIKey:       c.APIKey,
			Model:        c.Model,
			DialTimeout:  c.DialTimeout,
			WriteTimeout: c.WriteTimeout,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*bridge.Registry, error) {
		return bridge.NewRegistry(), nil
	})
	do.Provide(injector, func(i do.Injector) (*bridge.Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return bridge.NewManager(bridge.Deps{
			Calls:      do.MustInvoke[*calls.Orchestrator](i),
			Directory:  do.MustInvoke[accounts.Directory](i),
			Allowances: do.MustInvoke[*ledger.Service](i),
			Reminders:  do.MustInvoke[*reminders.Service](i),
			Tools:      do.MustInvoke[*tools.Client](i),
			Provider:   do.MustInvoke[*realtime.Dialer](i),
			Tokens:     do.MustInvoke[*auth.Manager](i),
			Carrier:    do.MustInvoke[telephony.Carrier](i),
			Audit:      do.MustInvoke[*audit.Service](i),
			Registry:   do.MustInvoke[*bridge.Registry](i),
		}, bridge.Options{
			Voice:               cfg.Realtime.Voice,
			TrialCheckInterval:  cfg.Policy.TrialCheckInterval,
			CutoffGrace:         cfg.Policy.CutoffGrace,
			LowMinutesThreshold: cfg.Policy.LowMinutesThreshold,
		}), nil
	})

	do.Provide(injector, func(i do.Injector) (*reporting.Service, error) {
		return reporting.NewService(do.MustInvoke[*calls.PostgresRepo](i), do.MustInvoke[*ledger.PostgresRepo](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (*httpapi.Handlers, error) {
		cfg := do.MustInvoke[*config.Config](i)
		db := do.MustInvoke[*sql.DB](i)
		return &httpapi.Handlers{
			Calls:  do.MustInvoke[*calls.Orchestrator](i),
			Tokens: do.MustInvoke[*auth.Manager](i),
			Bridge: do.MustInvoke[*bridge.Manager](i),

			Schedules: do.MustInvoke[*schedules.Service](i),
			Reminders: do.MustInvoke[*reminders.Service](i),
			Reports:   do.MustInvoke[*reporting.Service](i),

			Ping: func(ctx context.Context) error {
				return utils.HealthCheck(ctx, db, healthTimeout)
			},
			PublicBaseURL:      cfg.Carrier.PublicBaseURL,
			StreamWriteTimeout: cfg.Realtime.WriteTimeout,
		}, nil
	})

	return injector
}
