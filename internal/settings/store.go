// Package settings provides global and per-account configuration
// persistence backed by a generic key-value table, plus typed
// accessors for the engine's own configuration surface.
package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/kzahedi/imap-backup/internal/database"
	"github.com/kzahedi/imap-backup/internal/logging"
)

// Known global setting keys.
const (
	KeyBackupRoot       = "backup_root"
	KeyRatePreset       = "rate_preset"
	KeyStreamThreshold  = "stream_threshold_bytes"
	KeyRetentionDays    = "retention_days"
	KeyHistoryRetention = "history_retention"
)

// Defaults for the engine's own configuration.
const (
	DefaultRatePreset      = "balanced"
	DefaultStreamThreshold = 5 * 1024 * 1024 // 5 MiB
	DefaultHistoryRetain   = 50
)

// Store provides settings persistence operations backed by the
// key-value `settings` table and the per-account `rate_limit_overrides`
// table.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new settings store.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("settings-store"),
	}
}

// Get retrieves a setting value by key, returning "" if unset.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// Set sets a setting value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}

	s.log.Debug().Str("key", key).Str("value", value).Msg("setting updated")
	return nil
}

// GetBackupRoot returns the configured backup root directory.
func (s *Store) GetBackupRoot() (string, error) {
	return s.Get(KeyBackupRoot)
}

// SetBackupRoot sets the backup root directory.
func (s *Store) SetBackupRoot(path string) error {
	return s.Set(KeyBackupRoot, path)
}

// GetRatePreset returns the configured global rate-limit preset name,
// defaulting to "balanced".
func (s *Store) GetRatePreset() (string, error) {
	value, err := s.Get(KeyRatePreset)
	if err != nil {
		return DefaultRatePreset, err
	}
	if value == "" {
		return DefaultRatePreset, nil
	}
	return value, nil
}

// SetRatePreset sets the global rate-limit preset name.
func (s *Store) SetRatePreset(name string) error {
	return s.Set(KeyRatePreset, name)
}

// GetRatePresetOverride returns the per-account rate-limit preset
// override, or "" if none is set.
func (s *Store) GetRatePresetOverride(accountID string) (string, error) {
	var preset string
	err := s.db.QueryRow("SELECT preset FROM rate_limit_overrides WHERE account_id = ?", accountID).Scan(&preset)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get rate preset override: %w", err)
	}
	return preset, nil
}

// SetRatePresetOverride sets or clears a per-account rate-limit preset
// override; preset == "" deletes the override.
func (s *Store) SetRatePresetOverride(accountID, preset string) error {
	if preset == "" {
		_, err := s.db.Exec("DELETE FROM rate_limit_overrides WHERE account_id = ?", accountID)
		if err != nil {
			return fmt.Errorf("failed to clear rate preset override: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO rate_limit_overrides (account_id, preset) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET preset = excluded.preset
	`, accountID, preset)
	if err != nil {
		return fmt.Errorf("failed to set rate preset override: %w", err)
	}
	return nil
}

// GetStreamThreshold returns the byte size above which a message is
// downloaded via the streaming path rather than buffered in memory.
func (s *Store) GetStreamThreshold() (int64, error) {
	value, err := s.Get(KeyStreamThreshold)
	if err != nil {
		return DefaultStreamThreshold, err
	}
	if value == "" {
		return DefaultStreamThreshold, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return DefaultStreamThreshold, nil
	}
	return n, nil
}

// SetStreamThreshold sets the streaming-path byte threshold.
func (s *Store) SetStreamThreshold(bytes int64) error {
	return s.Set(KeyStreamThreshold, strconv.FormatInt(bytes, 10))
}

// GetHistoryRetention returns how many history entries to retain.
func (s *Store) GetHistoryRetention() (int, error) {
	value, err := s.Get(KeyHistoryRetention)
	if err != nil {
		return DefaultHistoryRetain, err
	}
	if value == "" {
		return DefaultHistoryRetain, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return DefaultHistoryRetain, nil
	}
	return n, nil
}

// SetHistoryRetention sets how many history entries to retain.
func (s *Store) SetHistoryRetention(n int) error {
	return s.Set(KeyHistoryRetention, strconv.Itoa(n))
}

// ScheduleConfig is the persisted schedule configuration: a single row
// in the `schedule` table, recomputed into a concrete nextFire time on
// process start.
type ScheduleConfig struct {
	Mode           string
	Anchor         time.Time
	Weekday        int    // 0=Sunday, used only when Mode == "weekly"
	TimeOfDay      string // "HH:MM", used for "daily" and "weekly"
	CustomInterval int    // used only when Mode == "custom"
	CustomUnit     string // "minutes" | "hours" | "days"
}

// GetSchedule returns the persisted schedule config, or mode "manual"
// anchored at now if none has been saved yet.
func (s *Store) GetSchedule() (ScheduleConfig, error) {
	var cfg ScheduleConfig
	var weekday, interval sql.NullInt64
	var timeOfDay, unit sql.NullString

	err := s.db.QueryRow(`
		SELECT mode, weekday, time_of_day, interval_count, interval_unit, anchor_at
		FROM schedule WHERE id = 1
	`).Scan(&cfg.Mode, &weekday, &timeOfDay, &interval, &unit, &cfg.Anchor)
	if err == sql.ErrNoRows {
		return ScheduleConfig{Mode: "manual", Anchor: time.Now().UTC()}, nil
	}
	if err != nil {
		return ScheduleConfig{Mode: "manual"}, fmt.Errorf("failed to get schedule: %w", err)
	}

	cfg.Weekday = int(weekday.Int64)
	cfg.TimeOfDay = timeOfDay.String
	cfg.CustomInterval = int(interval.Int64)
	cfg.CustomUnit = unit.String
	return cfg, nil
}

// SetSchedule persists the schedule config, replacing the single row.
func (s *Store) SetSchedule(cfg ScheduleConfig) error {
	_, err := s.db.Exec(`
		INSERT INTO schedule (id, mode, weekday, time_of_day, interval_count, interval_unit, anchor_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			weekday = excluded.weekday,
			time_of_day = excluded.time_of_day,
			interval_count = excluded.interval_count,
			interval_unit = excluded.interval_unit,
			anchor_at = excluded.anchor_at
	`, cfg.Mode, nullableInt(cfg.Weekday), nullableString(cfg.TimeOfDay), nullableInt(cfg.CustomInterval), nullableString(cfg.CustomUnit), cfg.Anchor)
	if err != nil {
		return fmt.Errorf("failed to set schedule: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
