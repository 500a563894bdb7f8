// Package supervisor dispatches backups across accounts in parallel and
// is the single root "backup engine" handle the rest of the program
// talks to.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kzahedi/imap-backup/internal/account"
	"github.com/kzahedi/imap-backup/internal/history"
	"github.com/kzahedi/imap-backup/internal/logging"
	"github.com/kzahedi/imap-backup/internal/pipeline"
	"github.com/kzahedi/imap-backup/internal/progress"
	"github.com/kzahedi/imap-backup/internal/ratelimit"
	"github.com/kzahedi/imap-backup/internal/settings"
)

// Supervisor is the root backup engine handle: one per process, owning
// the pipeline (which holds the shared rate-limit coordinator) and the
// set of in-flight account runs.
type Supervisor struct {
	accounts *account.Store
	settings *settings.Store
	history  *history.Store
	pipeline *pipeline.Pipeline

	mu        sync.Mutex
	inFlight  map[string]context.CancelFunc
	observers map[string][]progress.Observer

	log zerolog.Logger
}

// New creates a Supervisor.
func New(accounts *account.Store, settingsStore *settings.Store, historyStore *history.Store, p *pipeline.Pipeline) *Supervisor {
	return &Supervisor{
		accounts:  accounts,
		settings:  settingsStore,
		history:   historyStore,
		pipeline:  p,
		inFlight:  make(map[string]context.CancelFunc),
		observers: make(map[string][]progress.Observer),
		log:       logging.WithComponent("supervisor"),
	}
}

// Subscribe registers an observer for an account's progress snapshots,
// effective for runs started after this call.
func (s *Supervisor) Subscribe(accountID string, o progress.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[accountID] = append(s.observers[accountID], o)
}

// IsRunning implements scheduler.Runner.
func (s *Supervisor) IsRunning(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[accountID]
	return ok
}

// RunAll implements scheduler.Runner: it runs every enabled account in
// parallel, skipping any account whose run is already in flight.
func (s *Supervisor) RunAll(ctx context.Context) {
	accounts, err := s.accounts.List()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list accounts")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range accounts {
		if !a.Enabled {
			continue
		}
		a := a
		g.Go(func() error {
			s.RunOne(gctx, a)
			return nil
		})
	}
	_ = g.Wait()
}

// RunOne runs a single account's backup, coalescing with any run already
// in flight for the same account ID.
func (s *Supervisor) RunOne(ctx context.Context, acct account.Account) {
	runCtx, cancel, ok := s.claim(ctx, acct.ID)
	if !ok {
		s.log.Debug().Str("account", acct.Email).Msg("run already in progress, skipping fire")
		return
	}
	defer s.release(acct.ID)
	defer cancel()

	preset, err := s.effectivePreset(acct)
	if err != nil {
		s.log.Error().Err(err).Str("account", acct.Email).Msg("failed to resolve rate preset")
		return
	}

	pub := progress.NewPublisher(acct.ID)
	s.mu.Lock()
	for _, o := range s.observers[acct.ID] {
		pub.Subscribe(o)
	}
	s.mu.Unlock()

	started := time.Now().UTC()
	historyID, err := s.history.Begin(acct.ID, started)
	if err != nil {
		s.log.Error().Err(err).Str("account", acct.Email).Msg("failed to record run start")
	}

	result := s.pipeline.Run(runCtx, acct, pub, preset)

	ended := time.Now().UTC()
	status := history.StatusCompleted
	switch {
	case result.Status == progress.StatusCancelled:
		status = history.StatusCancelled
	case result.Status == progress.StatusFailed:
		status = history.StatusFailed
	case len(result.Errors) > 0:
		status = history.StatusCompletedWithErrors
	}

	if historyID != "" {
		if err := s.history.Finish(historyID, ended, status, result.FoldersProcessed, result.EmailsDownloaded, result.BytesDownloaded, result.Errors); err != nil {
			s.log.Error().Err(err).Str("account", acct.Email).Msg("failed to record run finish")
		}
		retain, err := s.settings.GetHistoryRetention()
		if err == nil {
			if err := s.history.Prune(acct.ID, retain); err != nil {
				s.log.Warn().Err(err).Str("account", acct.Email).Msg("failed to prune history")
			}
		}
	}

	if err := s.accounts.RecordRun(acct.ID, ended); err != nil {
		s.log.Warn().Err(err).Str("account", acct.Email).Msg("failed to stamp last run time")
	}
}

// Cancel requests cancellation of an in-flight run for accountID, if any.
func (s *Supervisor) Cancel(accountID string) {
	s.mu.Lock()
	cancel, ok := s.inFlight[accountID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Supervisor) claim(ctx context.Context, accountID string) (context.Context, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[accountID]; busy {
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.inFlight[accountID] = cancel
	return runCtx, cancel, true
}

func (s *Supervisor) release(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, accountID)
}

func (s *Supervisor) effectivePreset(acct account.Account) (ratelimit.Preset, error) {
	override, err := s.settings.GetRatePresetOverride(acct.ID)
	if err != nil {
		return ratelimit.Preset{}, err
	}
	if override != "" {
		return ratelimit.PresetByName(override), nil
	}
	global, err := s.settings.GetRatePreset()
	if err != nil {
		return ratelimit.Preset{}, err
	}
	return ratelimit.PresetByName(global), nil
}
