// Package logging provides the process-wide zerolog configuration used by
// every component. Components never construct their own zerolog.Logger
// from scratch; they ask this package for one scoped to their name.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	base zerolog.Logger
)

// Configure sets the process-wide minimum log level and output stream.
// Call once at startup before any component logs; safe to call multiple
// times in tests. debug enables zerolog.DebugLevel and a human-readable
// console writer, matching the --debug flag in cmd/imap-backup.
func Configure(debug bool) {
	// Mark the package configured so the first WithComponent call does
	// not replace this choice with the IMAP_BACKUP_DEBUG default.
	once.Do(func() {})
	configure(debug)
}

func configure(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writer = os.Stderr
	if debug {
		base = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
		return
	}
	base = zerolog.New(writer).With().Timestamp().Logger()
}

func ensureConfigured() {
	once.Do(func() {
		configure(os.Getenv("IMAP_BACKUP_DEBUG") == "1")
	})
}

// WithComponent returns a logger with a "component" field set to name.
// Every package-level constructor (NewStore, New, ...)
// obtains its logger this way so log lines are attributable at a glance.
func WithComponent(name string) zerolog.Logger {
	ensureConfigured()
	return base.With().Str("component", name).Logger()
}

// WithAccount returns a logger further scoped to an account id, used by
// the pipeline and scheduler once a run targets a specific account.
func WithAccount(l zerolog.Logger, accountID string) zerolog.Logger {
	return l.With().Str("account", accountID).Logger()
}
