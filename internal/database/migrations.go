package database

// Migration represents a database migration
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of all database migrations
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Accounts: one IMAP mailbox the engine backs up.
			CREATE TABLE accounts (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				host TEXT NOT NULL,
				port INTEGER NOT NULL DEFAULT 993,
				use_tls INTEGER NOT NULL DEFAULT 1,
				username TEXT NOT NULL,
				auth_kind TEXT NOT NULL DEFAULT 'password' CHECK (auth_kind IN ('password', 'oauth2')),
				oauth_provider TEXT,
				enabled INTEGER NOT NULL DEFAULT 1,
				rate_limit_preset TEXT,
				last_run_at DATETIME,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			-- Append-only run history, capped to N most recent rows by the
			-- history package, not by the schema.
			CREATE TABLE history (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				started_at DATETIME NOT NULL,
				ended_at DATETIME,
				status TEXT NOT NULL,
				folders_processed INTEGER NOT NULL DEFAULT 0,
				emails_downloaded INTEGER NOT NULL DEFAULT 0,
				bytes_downloaded INTEGER NOT NULL DEFAULT 0,
				errors TEXT
			);

			CREATE INDEX idx_history_account ON history(account_id, started_at DESC);

			-- Scheduler persistence: one row, mode + anchor recomputed into
			-- nextFire on process start.
			CREATE TABLE schedule (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				mode TEXT NOT NULL DEFAULT 'manual',
				weekday INTEGER,
				time_of_day TEXT,
				interval_count INTEGER,
				interval_unit TEXT,
				anchor_at DATETIME NOT NULL
			);

			-- Per-account rate-limit overrides; absence falls back to the
			-- global preset baked into internal/ratelimit.
			CREATE TABLE rate_limit_overrides (
				account_id TEXT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
				preset TEXT NOT NULL
			);

			-- Generic key-value settings: backup root, global rate-limit
			-- preset, streaming threshold, retention policy and anything
			-- else that doesn't warrant its own table.
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			-- Encrypted fallback credential storage, used only when the OS
			-- keyring is unavailable.
			CREATE TABLE credentials (
				account_id TEXT NOT NULL,
				kind TEXT NOT NULL CHECK (kind IN ('password', 'oauth_refresh')),
				encrypted_value TEXT NOT NULL,
				PRIMARY KEY (account_id, kind)
			);
		`,
	},
}
