package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// statements are idempotent and run in order on every start.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		plan_type TEXT NOT NULL DEFAULT 'none',
		in_trial BOOLEAN NOT NULL DEFAULT false,
		trial_minutes INTEGER NOT NULL DEFAULT 0,
		included_minutes INTEGER NOT NULL DEFAULT 0,
		cycle_start TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		cycle_end TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		metered_item_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS lines (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		phone_number TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT 'UTC',
		language TEXT NOT NULL DEFAULT 'en',
		opted_out BOOLEAN NOT NULL DEFAULT false,
		quiet_hours_start TEXT,
		quiet_hours_end TEXT,
		preferences JSONB NOT NULL DEFAULT '{}'::jsonb,
		first_call_completed BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS line_memories (
		id TEXT PRIMARY KEY,
		line_id TEXT NOT NULL REFERENCES lines(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		is_private BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_line_memories_line ON line_memories (line_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS schedule_rules (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		line_id TEXT NOT NULL REFERENCES lines(id) ON DELETE CASCADE,
		days_mask INTEGER NOT NULL,
		time_of_day TEXT NOT NULL,
		timezone TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		next_run_at TIMESTAMPTZ NOT NULL,
		occurrence_at TIMESTAMPTZ NOT NULL,
		last_run_at TIMESTAMPTZ,
		last_result TEXT,
		max_retries INTEGER NOT NULL DEFAULT 2,
		retry_window_minutes INTEGER NOT NULL DEFAULT 30,
		retry_count INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT,
		claimed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_rules_due ON schedule_rules (next_run_at) WHERE enabled`,
	`CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		line_id TEXT NOT NULL REFERENCES lines(id) ON DELETE CASCADE,
		message TEXT NOT NULL,
		due_at TIMESTAMPTZ NOT NULL,
		timezone TEXT NOT NULL,
		is_recurring BOOLEAN NOT NULL DEFAULT false,
		recurrence JSONB,
		is_paused BOOLEAN NOT NULL DEFAULT false,
		paused_at TIMESTAMPTZ,
		snoozed_until TIMESTAMPTZ,
		current_snooze_count INTEGER NOT NULL DEFAULT 0,
		occurrence_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'scheduled',
		retry_at TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT,
		claimed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders (due_at) WHERE status = 'scheduled' AND NOT is_paused`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		line_id TEXT NOT NULL REFERENCES lines(id),
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		provider_call_id TEXT UNIQUE,
		schedule_id TEXT,
		reminder_id TEXT,
		placement_key TEXT UNIQUE,
		to_number TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		connected_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		end_reason TEXT,
		seconds_connected INTEGER NOT NULL DEFAULT 0,
		tool_invocations INTEGER NOT NULL DEFAULT 0,
		settled_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_sessions_line ON call_sessions (line_id, created_at DESC)`,
	`ALTER TABLE call_sessions ADD COLUMN IF NOT EXISTS settled_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS idx_call_sessions_unsettled ON call_sessions (ended_at) WHERE settled_at IS NULL AND connected_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS minute_ledger (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		line_id TEXT NOT NULL,
		call_session_id TEXT NOT NULL REFERENCES call_sessions(id),
		pass INTEGER NOT NULL DEFAULT 1,
		billable_minutes INTEGER NOT NULL CHECK (billable_minutes >= 0),
		billable_type TEXT NOT NULL,
		seconds_connected INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE,
		cycle_start TIMESTAMPTZ,
		cycle_end TIMESTAMPTZ,
		subscription_item_id TEXT,
		reported_to_billing BOOLEAN NOT NULL DEFAULT false,
		usage_record_id TEXT,
		report_attempts INTEGER NOT NULL DEFAULT 0,
		reported_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_minute_ledger_account ON minute_ledger (account_id, billable_type, cycle_start)`,
	`CREATE INDEX IF NOT EXISTS idx_minute_ledger_unreported ON minute_ledger (created_at) WHERE NOT reported_to_billing`,
	`CREATE TABLE IF NOT EXISTS scheduler_leases (
		role TEXT PRIMARY KEY,
		held_by TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL,
		heartbeat_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		account_id TEXT,
		call_session_id TEXT,
		type TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events (call_session_id, created_at)`,
}

// Run applies the schema. Every statement is safe to repeat.
func Run(ctx context.Context, db *sql.DB) error {
	for i, s := range statements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: statement %d: %w", i, err)
		}
	}
	return nil
}
