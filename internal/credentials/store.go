// Package credentials fronts the OS keyring with an encrypted-database
// fallback for account passwords and OAuth2 refresh tokens.
package credentials

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/kzahedi/imap-backup/internal/logging"
)

const serviceName = "imap-backup"

// ErrNotFound is returned when no credential is stored for an account.
var ErrNotFound = errors.New("credentials: not found")

const (
	kindPassword  = "password"
	kindOAuthTok  = "oauth_refresh"
)

// PasswordProvider resolves an account's IMAP password lazily.
type PasswordProvider interface {
	Password(accountID string) (string, error)
}

// TokenProvider resolves an account's current OAuth2 access token,
// refreshing from the stored refresh token if needed. This package only
// persists the refresh token; refreshing it against the provider's token
// endpoint is out of scope here (handled by the external authorization
// flow that mints it).
type TokenProvider interface {
	AccessToken(accountID string) (string, error)
}

// Store provides credential storage with OS keyring and encrypted DB
// fallback. It implements PasswordProvider directly; token refresh is
// layered on top by the caller that owns an HTTP client.
type Store struct {
	db             *sql.DB
	enc            *encryptor
	keyringEnabled bool
	log            zerolog.Logger
}

// NewStore creates a credential store. dataDir anchors the encrypted
// fallback's key-derivation salt.
func NewStore(db *sql.DB, dataDir string) (*Store, error) {
	log := logging.WithComponent("credentials")

	enc, err := newEncryptor(dataDir)
	if err != nil {
		return nil, fmt.Errorf("credentials: create encryptor: %w", err)
	}

	keyringEnabled := testKeyring()
	if keyringEnabled {
		log.Info().Msg("OS keyring available, using as primary credential storage")
	} else {
		log.Warn().Msg("OS keyring not available, using encrypted database storage")
	}

	return &Store{
		db:             db,
		enc:            enc,
		keyringEnabled: keyringEnabled,
		log:            log,
	}, nil
}

func testKeyring() bool {
	const testKey = "imap-backup-keyring-check"
	if err := gokeyring.Set(serviceName, testKey, "test"); err != nil {
		return false
	}
	gokeyring.Delete(serviceName, testKey)
	return true
}

// SetPassword stores an account's IMAP password.
func (s *Store) SetPassword(accountID, password string) error {
	return s.set(accountID, kindPassword, password)
}

// Password implements PasswordProvider.
func (s *Store) Password(accountID string) (string, error) {
	return s.get(accountID, kindPassword)
}

// DeletePassword removes an account's stored password.
func (s *Store) DeletePassword(accountID string) error {
	return s.delete(accountID, kindPassword)
}

// SetRefreshToken stores an account's OAuth2 refresh token.
func (s *Store) SetRefreshToken(accountID, token string) error {
	return s.set(accountID, kindOAuthTok, token)
}

// RefreshToken retrieves an account's stored OAuth2 refresh token.
func (s *Store) RefreshToken(accountID string) (string, error) {
	return s.get(accountID, kindOAuthTok)
}

// DeleteRefreshToken removes an account's stored refresh token.
func (s *Store) DeleteRefreshToken(accountID string) error {
	return s.delete(accountID, kindOAuthTok)
}

// DeleteAll removes every credential stored for an account, password and
// refresh token alike.
func (s *Store) DeleteAll(accountID string) error {
	if err := s.DeletePassword(accountID); err != nil {
		return err
	}
	return s.DeleteRefreshToken(accountID)
}

// IsKeyringEnabled reports whether the OS keyring is being used as the
// primary credential backend.
func (s *Store) IsKeyringEnabled() bool {
	return s.keyringEnabled
}

func keyringKey(accountID, kind string) string {
	return kind + ":" + accountID
}

func (s *Store) set(accountID, kind, value string) error {
	if value == "" {
		return nil
	}

	if s.keyringEnabled {
		if err := gokeyring.Set(serviceName, keyringKey(accountID, kind), value); err == nil {
			s.log.Debug().Str("account_id", accountID).Str("kind", kind).Msg("credential stored in OS keyring")
			s.clearDBValue(accountID, kind)
			return nil
		}
		s.log.Warn().Str("account_id", accountID).Str("kind", kind).Msg("OS keyring store failed, using encrypted fallback")
	}

	encrypted, err := s.enc.Encrypt(value)
	if err != nil {
		return fmt.Errorf("credentials: encrypt: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO credentials (account_id, kind, encrypted_value) VALUES (?, ?, ?)
		ON CONFLICT(account_id, kind) DO UPDATE SET encrypted_value = excluded.encrypted_value
	`, accountID, kind, encrypted)
	if err != nil {
		return fmt.Errorf("credentials: store encrypted value: %w", err)
	}
	s.log.Debug().Str("account_id", accountID).Str("kind", kind).Msg("credential stored in encrypted database")
	return nil
}

func (s *Store) get(accountID, kind string) (string, error) {
	if s.keyringEnabled {
		value, err := gokeyring.Get(serviceName, keyringKey(accountID, kind))
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, gokeyring.ErrNotFound) {
			s.log.Warn().Str("account_id", accountID).Str("kind", kind).Msg("OS keyring read failed, trying fallback")
		}
	}

	var encrypted sql.NullString
	err := s.db.QueryRow(
		"SELECT encrypted_value FROM credentials WHERE account_id = ? AND kind = ?",
		accountID, kind,
	).Scan(&encrypted)
	if err == sql.ErrNoRows || !encrypted.Valid || encrypted.String == "" {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credentials: query: %w", err)
	}

	value, err := s.enc.Decrypt(encrypted.String)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypt: %w", err)
	}
	return value, nil
}

func (s *Store) delete(accountID, kind string) error {
	if s.keyringEnabled {
		gokeyring.Delete(serviceName, keyringKey(accountID, kind))
	}
	s.clearDBValue(accountID, kind)
	return nil
}

func (s *Store) clearDBValue(accountID, kind string) {
	s.db.Exec("DELETE FROM credentials WHERE account_id = ? AND kind = ?", accountID, kind)
}
