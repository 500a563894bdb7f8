// Command imap-backup is a headless CLI/daemon that backs up IMAP
// mailboxes to the local filesystem on a schedule, with on-demand
// verify and repair.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kzahedi/imap-backup/internal/account"
	"github.com/kzahedi/imap-backup/internal/credentials"
	"github.com/kzahedi/imap-backup/internal/database"
	"github.com/kzahedi/imap-backup/internal/history"
	"github.com/kzahedi/imap-backup/internal/logging"
	"github.com/kzahedi/imap-backup/internal/pipeline"
	"github.com/kzahedi/imap-backup/internal/progress"
	"github.com/kzahedi/imap-backup/internal/ratelimit"
	"github.com/kzahedi/imap-backup/internal/scheduler"
	"github.com/kzahedi/imap-backup/internal/settings"
	"github.com/kzahedi/imap-backup/internal/store"
	"github.com/kzahedi/imap-backup/internal/supervisor"
	"github.com/kzahedi/imap-backup/internal/verify"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	configDir := flag.String("config-dir", defaultConfigDir(), "directory holding state.db and the credential salt")
	flag.Parse()

	logging.Configure(*debug)
	log := logging.WithComponent("main")

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	env, err := bootstrap(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer env.db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	switch args[0] {
	case "backup":
		runBackup(ctx, env, args[1:])
	case "verify":
		runVerify(ctx, env, args[1:])
	case "repair":
		runRepair(ctx, env, args[1:])
	case "schedule":
		runSchedule(ctx, env, args[1:])
	case "accounts":
		runAccounts(env, args[1:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: imap-backup [--debug] [--config-dir DIR] <command> [args]

commands:
  backup [account-id]     run a backup for one account, or all enabled accounts
  verify <account-id>     compare local store against the server
  repair <account-id>     verify then download anything missing locally
  schedule start          run the scheduler loop in the foreground
  accounts list           list configured accounts`)
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".imap-backup"
	}
	return filepath.Join(dir, "imap-backup")
}

// environment bundles every long-lived collaborator main.go wires
// together; it is not itself exported because it only exists to avoid
// repeating this construction in each subcommand.
type environment struct {
	db           *database.DB
	accounts     *account.Store
	settings     *settings.Store
	history      *history.Store
	credentials  *credentials.Store
	store        *store.Store
	coordinator  *ratelimit.Coordinator
	pipeline     *pipeline.Pipeline
	verifier     *verify.Verifier
	supervisor   *supervisor.Supervisor
}

func bootstrap(configDir string) (*environment, error) {
	dbPath := filepath.Join(configDir, "state.db")
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	accounts := account.NewStore(db)
	settingsStore := settings.NewStore(db)
	historyStore := history.NewStore(db)

	credStore, err := credentials.NewStore(db.DB, configDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	backupRoot, err := settingsStore.GetBackupRoot()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read backup root: %w", err)
	}
	if backupRoot == "" {
		backupRoot = filepath.Join(configDir, "backups")
	}
	st, err := store.New(backupRoot)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	streamThreshold, err := settingsStore.GetStreamThreshold()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read stream threshold: %w", err)
	}

	coordinator := ratelimit.NewCoordinator(ratelimit.Balanced)
	pl := pipeline.New(st, coordinator, credStore, noTokenResolver{}, streamThreshold)
	ver := verify.New(st, coordinator, credStore, noTokenResolver{})
	super := supervisor.New(accounts, settingsStore, historyStore, pl)

	return &environment{
		db:          db,
		accounts:    accounts,
		settings:    settingsStore,
		history:     historyStore,
		credentials: credStore,
		store:       st,
		coordinator: coordinator,
		pipeline:    pl,
		verifier:    ver,
		supervisor:  super,
	}, nil
}

// noTokenResolver satisfies pipeline.TokenResolver for accounts that
// never reach the OAuth2 branch; resolving an actual access token from a
// refresh token requires the external authorization flow this binary
// does not implement.
type noTokenResolver struct{}

func (noTokenResolver) AccessToken(accountID string) (string, error) {
	return "", fmt.Errorf("oauth2 token refresh is not wired in this binary for account %s", accountID)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runBackup(ctx context.Context, env *environment, args []string) {
	log := logging.WithComponent("cmd-backup")
	logSub := progress.ObserverFunc(func(s progress.Snapshot) {
		log.Info().Str("account", s.AccountID).Str("status", string(s.Status)).Str("folder", s.CurrentFolder).Int("emails", s.EmailsDownloaded).Msg("progress")
	})

	if len(args) == 0 {
		accounts, err := env.accounts.List()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to list accounts")
		}
		for _, a := range accounts {
			env.supervisor.Subscribe(a.ID, logSub)
		}
		env.supervisor.RunAll(ctx)
		return
	}

	a, err := env.accounts.Get(args[0])
	if err != nil {
		log.Fatal().Err(err).Str("account", args[0]).Msg("account not found")
	}
	env.supervisor.Subscribe(a.ID, logSub)
	env.supervisor.RunOne(ctx, a)
}

func runVerify(ctx context.Context, env *environment, args []string) {
	log := logging.WithComponent("cmd-verify")
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: imap-backup verify <account-id>")
		os.Exit(2)
	}

	a, err := env.accounts.Get(args[0])
	if err != nil {
		log.Fatal().Err(err).Str("account", args[0]).Msg("account not found")
	}

	preset := ratelimit.PresetByName(effectivePresetName(env, a))
	report, err := env.verifier.Verify(ctx, a, preset)
	if err != nil {
		log.Fatal().Err(err).Str("account", a.Email).Msg("verify failed")
	}

	for _, f := range report.Folders {
		fmt.Printf("%s: server=%d local=%d missing=%d deleted-on-server=%d\n",
			f.FolderPath, len(f.ServerUIDs), len(f.LocalUIDs), len(f.MissingLocally), len(f.DeletedOnServer))
	}
	if report.InSync() {
		fmt.Println("account fully synced")
	}
}

func runRepair(ctx context.Context, env *environment, args []string) {
	log := logging.WithComponent("cmd-repair")
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: imap-backup repair <account-id>")
		os.Exit(2)
	}

	a, err := env.accounts.Get(args[0])
	if err != nil {
		log.Fatal().Err(err).Str("account", args[0]).Msg("account not found")
	}

	preset := ratelimit.PresetByName(effectivePresetName(env, a))
	report, err := env.verifier.Verify(ctx, a, preset)
	if err != nil {
		log.Fatal().Err(err).Str("account", a.Email).Msg("verify failed")
	}

	pub := progress.NewPublisher(a.ID)
	pub.Subscribe(progress.ObserverFunc(func(s progress.Snapshot) {
		log.Info().Str("status", string(s.Status)).Str("folder", s.CurrentFolder).Msg("repair progress")
	}))

	result := env.verifier.Repair(ctx, a, report, pub, preset)
	fmt.Printf("repair finished: status=%s downloaded=%d bytes=%d errors=%d\n",
		result.Status, result.EmailsDownloaded, result.BytesDownloaded, len(result.Errors))
}

func runSchedule(ctx context.Context, env *environment, args []string) {
	log := logging.WithComponent("cmd-schedule")
	if len(args) == 0 || args[0] != "start" {
		fmt.Fprintln(os.Stderr, "usage: imap-backup schedule start")
		os.Exit(2)
	}

	sched := scheduler.New(env.settings, env.supervisor)
	sched.Start(ctx)
	log.Info().Msg("scheduler started")

	<-ctx.Done()
	sched.Stop()
	log.Info().Msg("scheduler stopped")
}

func runAccounts(env *environment, args []string) {
	if len(args) == 0 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "usage: imap-backup accounts list")
		os.Exit(2)
	}

	accounts, err := env.accounts.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list accounts: %v\n", err)
		os.Exit(1)
	}
	for _, a := range accounts {
		lastRun := "never"
		if !a.LastRun.IsZero() {
			lastRun = a.LastRun.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\tenabled=%v\tlast-run=%s\n", a.ID, a.Email, a.Kind, a.Enabled, lastRun)
	}
}

func effectivePresetName(env *environment, a account.Account) string {
	if override, err := env.settings.GetRatePresetOverride(a.ID); err == nil && override != "" {
		return override
	}
	if global, err := env.settings.GetRatePreset(); err == nil && global != "" {
		return global
	}
	return settings.DefaultRatePreset
}
