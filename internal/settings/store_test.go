package settings

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzahedi/imap-backup/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestGetUnsetReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	v, err := s.Get("nope")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("k", "v1"))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Set("k", "v2"))
	v, err = s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestBackupRoot(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBackupRoot("/var/backups/mail"))
	got, err := s.GetBackupRoot()
	require.NoError(t, err)
	assert.Equal(t, "/var/backups/mail", got)
}

func TestRatePresetDefaultsToBalanced(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRatePreset()
	require.NoError(t, err)
	assert.Equal(t, DefaultRatePreset, got)
}

func TestRatePresetOverrideRoundTripAndClear(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetRatePresetOverride("acct-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SetRatePresetOverride("acct-1", "aggressive"))
	got, err = s.GetRatePresetOverride("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "aggressive", got)

	require.NoError(t, s.SetRatePresetOverride("acct-1", ""))
	got, err = s.GetRatePresetOverride("acct-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStreamThresholdDefaultAndOverride(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetStreamThreshold()
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultStreamThreshold), got)

	require.NoError(t, s.SetStreamThreshold(1024))
	got, err = s.GetStreamThreshold()
	require.NoError(t, err)
	assert.Equal(t, int64(1024), got)
}

func TestHistoryRetentionDefaultAndOverride(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetHistoryRetention()
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryRetain, got)

	require.NoError(t, s.SetHistoryRetention(10))
	got, err = s.GetHistoryRetention()
	require.NoError(t, err)
	assert.Equal(t, 10, got)
}

func TestGetScheduleDefaultsToManual(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.GetSchedule()
	require.NoError(t, err)
	assert.Equal(t, "manual", cfg.Mode)
	assert.False(t, cfg.Anchor.IsZero())
}

func TestSetGetScheduleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	anchor := time.Now().UTC().Truncate(time.Second)
	cfg := ScheduleConfig{
		Mode:           "weekly",
		Anchor:         anchor,
		Weekday:        2,
		TimeOfDay:      "09:30",
		CustomInterval: 0,
		CustomUnit:     "",
	}
	require.NoError(t, s.SetSchedule(cfg))

	got, err := s.GetSchedule()
	require.NoError(t, err)
	assert.Equal(t, "weekly", got.Mode)
	assert.Equal(t, 2, got.Weekday)
	assert.Equal(t, "09:30", got.TimeOfDay)
	assert.True(t, got.Anchor.Equal(anchor))
}

func TestSetScheduleOverwritesPreviousValue(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetSchedule(ScheduleConfig{Mode: "daily", Anchor: time.Now().UTC(), TimeOfDay: "08:00"}))
	require.NoError(t, s.SetSchedule(ScheduleConfig{Mode: "custom", Anchor: time.Now().UTC(), CustomInterval: 3, CustomUnit: "hours"}))

	got, err := s.GetSchedule()
	require.NoError(t, err)
	assert.Equal(t, "custom", got.Mode)
	assert.Equal(t, 3, got.CustomInterval)
	assert.Equal(t, "hours", got.CustomUnit)
}
