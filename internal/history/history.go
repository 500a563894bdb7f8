// Package history records an append-only log of backup runs, retained
// up to a configurable number of most recent entries per account.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kzahedi/imap-backup/internal/database"
	"github.com/kzahedi/imap-backup/internal/logging"
)

// Status is the terminal outcome of a backup run.
type Status string

const (
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completedWithErrors"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Entry is one run's record.
type Entry struct {
	ID               string
	AccountID        string
	StartedAt        time.Time
	EndedAt          time.Time
	Status           Status
	FoldersProcessed int
	EmailsDownloaded int
	BytesDownloaded  uint64
	Errors           []string
}

// Store persists history entries, capping retention per account.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a history store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, log: logging.WithComponent("history")}
}

// Begin records the start of a run and returns its generated ID.
func (s *Store) Begin(accountID string, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO history (id, account_id, started_at, status)
		VALUES (?, ?, ?, ?)
	`, id, accountID, startedAt, string(StatusFailed))
	if err != nil {
		return "", fmt.Errorf("history: begin: %w", err)
	}
	return id, nil
}

// Finish records the end of a run with its final tally. It does not
// apply the retention cap; Prune does that.
func (s *Store) Finish(id string, ended time.Time, status Status, folders, emails int, bytesDownloaded uint64, errs []string) error {
	errStr := joinErrors(errs)
	_, err := s.db.Exec(`
		UPDATE history
		SET ended_at = ?, status = ?, folders_processed = ?, emails_downloaded = ?, bytes_downloaded = ?, errors = ?
		WHERE id = ?
	`, ended, string(status), folders, emails, bytesDownloaded, errStr, id)
	if err != nil {
		return fmt.Errorf("history: finish: %w", err)
	}
	return nil
}

// Prune deletes all but the retain most recent entries for an account.
func (s *Store) Prune(accountID string, retain int) error {
	if retain <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM history
		WHERE account_id = ? AND id NOT IN (
			SELECT id FROM history WHERE account_id = ?
			ORDER BY started_at DESC LIMIT ?
		)
	`, accountID, accountID, retain)
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}

// Recent returns up to limit most recent entries for an account, newest
// first.
func (s *Store) Recent(accountID string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, started_at, ended_at, status, folders_processed, emails_downloaded, bytes_downloaded, errors
		FROM history WHERE account_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ended sql.NullTime
		var errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.StartedAt, &ended, &e.Status, &e.FoldersProcessed, &e.EmailsDownloaded, &e.BytesDownloaded, &errStr); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if ended.Valid {
			e.EndedAt = ended.Time
		}
		e.Errors = splitErrors(errStr.String)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	out := errs[0]
	for _, e := range errs[1:] {
		out += "\x1f" + e
	}
	return out
}

func splitErrors(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\x1f' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
