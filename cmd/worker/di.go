package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"carecall/internal/accounts"
	"carecall/internal/app"
	"carecall/internal/calls"
	"carecall/internal/config"
	"carecall/internal/lease"
	"carecall/internal/ledger"
	"carecall/internal/reminders"
	"carecall/internal/scheduler"
	"carecall/internal/schedules"
	"carecall/pkg/utils"

	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
)

const redisInitTimeout = 10 * time.Second

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	app.RegisterDI(injector)

	do.Provide(injector, func(i do.Injector) (*redis.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), redisInitTimeout)
		defer cancel()
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		return rdb, nil
	})

	do.Provide(injector, func(i do.Injector) (lease.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		switch cfg.Scheduler.LeaseBackend {
		case "redis":
			rdb, err := do.Invoke[*redis.Client](i)
			if err != nil {
				return nil, err
			}
			return lease.NewRedisStore(rdb), nil
		case "postgres":
			return lease.NewPostgresStore(do.MustInvoke[*sql.DB](i)), nil
		default:
			return nil, fmt.Errorf("unknown lease backend %q", cfg.Scheduler.LeaseBackend)
		}
	})
	do.Provide(injector, func(i do.Injector) (*lease.Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return lease.NewManager(do.MustInvoke[lease.Store](i), cfg.Scheduler.LeaseRole, cfg.App.WorkerID, cfg.Scheduler.LeaseTTL), nil
	})

	do.Provide(injector, func(i do.Injector) (*scheduler.Ticker, error) {
		cfg := do.MustInvoke[*config.Config](i)
		led := do.MustInvoke[*ledger.Service](i)
		orch := do.MustInvoke[*calls.Orchestrator](i)
		return scheduler.NewTicker(scheduler.Deps{
			Lease:       do.MustInvoke[*lease.Manager](i),
			Schedules:   do.MustInvoke[*schedules.PostgresStore](i),
			Reminders:   do.MustInvoke[*reminders.PostgresStore](i),
			Directory:   do.MustInvoke[accounts.Directory](i),
			Allowances:  led,
			Placer:      orch,
			Reporter:    led,
			Settlements: orch,
		}, scheduler.Options{
			BatchSize:   cfg.Scheduler.BatchSize,
			ClaimTTL:    cfg.Scheduler.ClaimTTL,
			ReportBatch: cfg.Scheduler.BillingReportBatch,
			ReminderRetry: schedules.RetryPolicy{
				MaxRetries:         cfg.Scheduler.ReminderMaxRetries,
				RetryWindowMinutes: int(cfg.Scheduler.ReminderRetryWindow / time.Minute),
			},
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*scheduler.Runner, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ticker := do.MustInvoke[*scheduler.Ticker](i)
		return scheduler.NewRunner(cfg.Scheduler.TickInterval, ticker.Run)
	})

	return injector
}
