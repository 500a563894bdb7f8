package account

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kzahedi/imap-backup/internal/database"
)

// Store persists Account rows in the `accounts` table.
type Store struct {
	db *database.DB
}

// NewStore creates an account store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// List returns every configured account, ordered by email.
func (s *Store) List() ([]Account, error) {
	rows, err := s.db.Query(`
		SELECT id, email, host, port, use_tls, username, auth_kind, oauth_provider, enabled, rate_limit_preset, last_run_at
		FROM accounts ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get returns one account by ID.
func (s *Store) Get(id string) (Account, error) {
	row := s.db.QueryRow(`
		SELECT id, email, host, port, use_tls, username, auth_kind, oauth_provider, enabled, rate_limit_preset, last_run_at
		FROM accounts WHERE id = ?
	`, id)
	return scanAccount(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	var authKind string
	var oauthProvider, ratePreset sql.NullString
	var useTLS int
	var lastRun sql.NullTime

	err := row.Scan(&a.ID, &a.Email, &a.Host, &a.Port, &useTLS, &a.Username, &authKind, &oauthProvider, &a.Enabled, &ratePreset, &lastRun)
	if err == sql.ErrNoRows {
		return Account{}, err
	}
	if err != nil {
		return Account{}, fmt.Errorf("account: scan: %w", err)
	}

	a.UseTLS = useTLS != 0
	a.RatePreset = ratePreset.String
	if lastRun.Valid {
		a.LastRun = lastRun.Time
	}
	switch authKind {
	case "oauth2":
		a.Kind = AuthOAuth2
		a.oauth2Auth = OAuth2Auth{LoginIdentity: oauthProvider.String}
	default:
		a.Kind = AuthPassword
	}
	return a, nil
}

// Insert adds a new account.
func (s *Store) Insert(a Account) error {
	var oauthProvider any
	if a.Kind == AuthOAuth2 {
		oauthProvider = a.OAuth2().LoginIdentity
	}
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, email, host, port, use_tls, username, auth_kind, oauth_provider, enabled, rate_limit_preset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Email, a.Host, a.Port, boolToInt(a.UseTLS), a.Username, a.Kind.String(), oauthProvider, boolToInt(a.Enabled), nullIfEmpty(a.RatePreset))
	if err != nil {
		return fmt.Errorf("account: insert: %w", err)
	}
	return nil
}

// Delete removes an account and cascades to its history and overrides.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec("DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("account: delete: %w", err)
	}
	return nil
}

// SetEnabled toggles whether the scheduler includes this account.
func (s *Store) SetEnabled(id string, enabled bool) error {
	_, err := s.db.Exec("UPDATE accounts SET enabled = ? WHERE id = ?", boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("account: set enabled: %w", err)
	}
	return nil
}

// RecordRun stamps the account's last-run time.
func (s *Store) RecordRun(id string, at time.Time) error {
	_, err := s.db.Exec("UPDATE accounts SET last_run_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("account: record run: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
