// Package scheduler fires backup-all operations on a configurable
// cadence, coalescing a fire that lands on an account already running.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kzahedi/imap-backup/internal/logging"
	"github.com/kzahedi/imap-backup/internal/settings"
)

// checkInterval is how often the scheduler loop wakes to test whether
// the persisted schedule is due; it is independent of the schedule's
// own granularity (e.g. "daily" is still checked every tick).
const checkInterval = 30 * time.Second

// Runner executes a backup-all pass over every enabled account.
// Implemented by the supervisor.
type Runner interface {
	RunAll(ctx context.Context)
	IsRunning(accountID string) bool
}

// Scheduler drives Runner.RunAll according to a persisted ScheduleConfig.
type Scheduler struct {
	settings *settings.Store
	runner   Runner
	log      zerolog.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	nextFire time.Time
}

// New creates a Scheduler.
func New(settingsStore *settings.Store, runner Runner) *Scheduler {
	return &Scheduler{
		settings: settingsStore,
		runner:   runner,
		log:      logging.WithComponent("scheduler"),
	}
}

// Start begins the background loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(runCtx)
}

// Stop halts the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick checks whether the persisted schedule is due and, if so, fires
// RunAll and advances the anchor to prevent re-firing on the next tick.
//
// NextFire always computes a fire time strictly after the instant it was
// called with, so comparing "now" against a freshly recomputed NextFire
// every tick would never be due. Instead the target is computed once,
// cached in s.nextFire, and a tick only fires once the wall clock has
// caught up to that cached target; the target is then recomputed from
// the post-fire anchor for the next cycle.
func (s *Scheduler) tick(ctx context.Context) {
	cfg, err := s.settings.GetSchedule()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load schedule")
		return
	}
	if cfg.Mode == string(ModeManual) {
		s.mu.Lock()
		s.nextFire = time.Time{}
		s.mu.Unlock()
		return
	}

	now := time.Now().UTC()

	s.mu.Lock()
	if s.nextFire.IsZero() {
		s.nextFire = NextFire(Mode(cfg.Mode), now, cfg)
	}
	target := s.nextFire
	s.mu.Unlock()

	if now.Before(target) {
		return
	}

	s.log.Info().Str("mode", cfg.Mode).Msg("schedule fired")
	cfg.Anchor = now
	if err := s.settings.SetSchedule(cfg); err != nil {
		s.log.Error().Err(err).Msg("failed to persist advanced schedule anchor")
	}

	s.mu.Lock()
	s.nextFire = NextFire(Mode(cfg.Mode), now, cfg)
	s.mu.Unlock()

	// RunAll is responsible for coalescing: accounts already in flight
	// are skipped by the supervisor rather than queued here.
	go s.runner.RunAll(ctx)
}

// Mode is a schedule firing cadence.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeHourly Mode = "hourly"
	ModeDaily  Mode = "daily"
	ModeWeekly Mode = "weekly"
	ModeCustom Mode = "custom"
)

// NextFire computes the next time this schedule should fire strictly
// after now, given the persisted anchor and mode parameters. It is a pure
// function of (mode, now, cfg) so it can be unit-tested without a clock.
func NextFire(mode Mode, now time.Time, cfg settings.ScheduleConfig) time.Time {
	switch mode {
	case ModeManual:
		return time.Time{}
	case ModeHourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case ModeDaily:
		return nextDailyOrWeekly(now, cfg.TimeOfDay, -1)
	case ModeWeekly:
		return nextDailyOrWeekly(now, cfg.TimeOfDay, cfg.Weekday)
	case ModeCustom:
		return nextCustom(now, cfg.Anchor, cfg.CustomInterval, cfg.CustomUnit)
	default:
		return time.Time{}
	}
}

// nextDailyOrWeekly returns the next time-of-day occurrence strictly
// after now, on the given weekday if weekday >= 0, else any day.
func nextDailyOrWeekly(now time.Time, timeOfDay string, weekday int) time.Time {
	hour, minute := parseTimeOfDay(timeOfDay)
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	if weekday >= 0 {
		for int(candidate.Weekday()) != weekday || !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate
	}

	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func parseTimeOfDay(s string) (hour, minute int) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0
	}
	return h, m
}

// nextCustom advances from anchor in steps of interval units until it is
// strictly after now.
func nextCustom(now, anchor time.Time, interval int, unit string) time.Time {
	if interval <= 0 {
		return time.Time{}
	}
	step := unitDuration(unit) * time.Duration(interval)
	if step <= 0 {
		return time.Time{}
	}
	if anchor.IsZero() {
		anchor = now
	}
	if !anchor.After(now) {
		elapsed := now.Sub(anchor)
		steps := elapsed/step + 1
		return anchor.Add(step * steps)
	}
	return anchor
}

func unitDuration(unit string) time.Duration {
	switch unit {
	case "minutes":
		return time.Minute
	case "hours":
		return time.Hour
	case "days":
		return 24 * time.Hour
	default:
		return 0
	}
}
