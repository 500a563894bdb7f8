package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kzahedi/imap-backup/internal/settings"
)

func mustUTC(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextFireManualNeverFires(t *testing.T) {
	now := mustUTC("2026-08-01T10:00:00Z")
	got := NextFire(ModeManual, now, settings.ScheduleConfig{})
	assert.True(t, got.IsZero())
}

func TestNextFireHourlyRoundsUpToTopOfHour(t *testing.T) {
	now := mustUTC("2026-08-01T10:15:00Z")
	got := NextFire(ModeHourly, now, settings.ScheduleConfig{})
	assert.Equal(t, mustUTC("2026-08-01T11:00:00Z"), got)
}

func TestNextFireDailyLaterToday(t *testing.T) {
	now := mustUTC("2026-08-01T10:00:00Z")
	cfg := settings.ScheduleConfig{TimeOfDay: "18:30"}
	got := NextFire(ModeDaily, now, cfg)
	assert.Equal(t, mustUTC("2026-08-01T18:30:00Z"), got)
}

func TestNextFireDailyAlreadyPassedRollsToTomorrow(t *testing.T) {
	now := mustUTC("2026-08-01T20:00:00Z")
	cfg := settings.ScheduleConfig{TimeOfDay: "18:30"}
	got := NextFire(ModeDaily, now, cfg)
	assert.Equal(t, mustUTC("2026-08-02T18:30:00Z"), got)
}

func TestNextFireWeeklyPicksCorrectWeekday(t *testing.T) {
	// 2026-08-01 is a Saturday (weekday 6); ask for Monday (1) at 09:00.
	now := mustUTC("2026-08-01T10:00:00Z")
	cfg := settings.ScheduleConfig{Weekday: 1, TimeOfDay: "09:00"}
	got := NextFire(ModeWeekly, now, cfg)
	assert.Equal(t, time.Monday, got.Weekday())
	assert.True(t, got.After(now))
	assert.Equal(t, mustUTC("2026-08-03T09:00:00Z"), got)
}

func TestNextFireCustomIntervalFromAnchor(t *testing.T) {
	anchor := mustUTC("2026-08-01T00:00:00Z")
	now := mustUTC("2026-08-01T05:30:00Z")
	cfg := settings.ScheduleConfig{Anchor: anchor, CustomInterval: 2, CustomUnit: "hours"}
	got := NextFire(ModeCustom, now, cfg)
	// Steps of 2h from anchor: 00:00, 02:00, 04:00, 06:00 -- first after now.
	assert.Equal(t, mustUTC("2026-08-01T06:00:00Z"), got)
}

func TestNextFireCustomAnchorInFuture(t *testing.T) {
	anchor := mustUTC("2026-08-02T00:00:00Z")
	now := mustUTC("2026-08-01T00:00:00Z")
	cfg := settings.ScheduleConfig{Anchor: anchor, CustomInterval: 1, CustomUnit: "days"}
	got := NextFire(ModeCustom, now, cfg)
	assert.Equal(t, anchor, got)
}

func TestNextFireCustomInvalidIntervalReturnsZero(t *testing.T) {
	now := mustUTC("2026-08-01T00:00:00Z")
	got := NextFire(ModeCustom, now, settings.ScheduleConfig{CustomInterval: 0, CustomUnit: "hours"})
	assert.True(t, got.IsZero())
}

func TestNextFireCustomUnknownUnitReturnsZero(t *testing.T) {
	now := mustUTC("2026-08-01T00:00:00Z")
	got := NextFire(ModeCustom, now, settings.ScheduleConfig{CustomInterval: 1, CustomUnit: "fortnights"})
	assert.True(t, got.IsZero())
}
