// Package account models a configured mailbox: its connection details and
// authentication variant. Auth is modeled as a sum type rather than an
// optional-everything struct so callers are forced to handle both
// password and OAuth2 accounts explicitly.
package account

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuthKind discriminates the two supported authentication variants.
type AuthKind int

const (
	AuthPassword AuthKind = iota
	AuthOAuth2
)

func (k AuthKind) String() string {
	switch k {
	case AuthPassword:
		return "password"
	case AuthOAuth2:
		return "oauth2"
	default:
		return "unknown"
	}
}

// PasswordAuth is the payload carried by an AuthPassword account. The
// password itself is never stored here — it lives in the credential
// store, keyed by the account's ID.
type PasswordAuth struct{}

// OAuth2Auth is the payload carried by an AuthOAuth2 account. The access
// and refresh tokens live in the credential store; LoginIdentity is the
// "user=" value sent in the XOAUTH2 SASL payload.
type OAuth2Auth struct {
	LoginIdentity string
}

// Account is the identity of a remote mailbox. ID is immutable for the
// account's lifetime: it is used as both the keychain key and the
// filesystem directory name (after sanitization).
type Account struct {
	ID            string
	Email         string
	Host          string
	Port          int
	UseTLS        bool
	Username      string
	Kind          AuthKind
	passwordAuth  PasswordAuth
	oauth2Auth    OAuth2Auth
	Enabled       bool
	LastRun       time.Time
	RatePreset    string // "" means use the global default
}

// NewPasswordAccount constructs an account authenticating via LOGIN.
func NewPasswordAccount(email, host string, port int, useTLS bool, username string) Account {
	return Account{
		ID:       uuid.New().String(),
		Email:    email,
		Host:     host,
		Port:     port,
		UseTLS:   useTLS,
		Username: username,
		Kind:     AuthPassword,
		Enabled:  true,
	}
}

// NewOAuth2Account constructs an account authenticating via XOAUTH2.
func NewOAuth2Account(email, host string, port int, useTLS bool, username, loginIdentity string) Account {
	return Account{
		ID:         uuid.New().String(),
		Email:      email,
		Host:       host,
		Port:       port,
		UseTLS:     useTLS,
		Username:   username,
		Kind:       AuthOAuth2,
		oauth2Auth: OAuth2Auth{LoginIdentity: loginIdentity},
		Enabled:    true,
	}
}

// Password returns the PasswordAuth payload, panicking if called on a
// non-password account: callers must switch on Kind first.
func (a Account) Password() PasswordAuth {
	if a.Kind != AuthPassword {
		panic(fmt.Sprintf("account: Password() called on %s account", a.Kind))
	}
	return a.passwordAuth
}

// OAuth2 returns the OAuth2Auth payload, panicking if called on a
// non-OAuth2 account: callers must switch on Kind first.
func (a Account) OAuth2() OAuth2Auth {
	if a.Kind != AuthOAuth2 {
		panic(fmt.Sprintf("account: OAuth2() called on %s account", a.Kind))
	}
	return a.oauth2Auth
}

// Validate reports whether the account has the minimum fields required
// to attempt a connection.
func (a Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account: missing ID")
	}
	if a.Host == "" {
		return fmt.Errorf("account: missing host")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("account: invalid port %d", a.Port)
	}
	if a.Username == "" {
		return fmt.Errorf("account: missing username")
	}
	switch a.Kind {
	case AuthPassword, AuthOAuth2:
	default:
		return fmt.Errorf("account: unknown auth kind %v", a.Kind)
	}
	return nil
}
