// Package imapclient implements the stateful per-connection IMAP client
// session lifecycle: greeting, CAPABILITY, LOGIN or
// AUTHENTICATE XOAUTH2, SELECT, UID SEARCH, UID FETCH (buffered or
// streaming), LOGOUT, with bounded exponential-backoff reconnection.
//
// It speaks the wire protocol through internal/protocol and
// internal/transport directly rather than a third-party IMAP client
// library: the hard part here is exactly this framing and state
// machine, so it is implemented by hand here in the style of the
// hand-rolled IMAP servers surveyed for this package (tag-driven
// request/response demultiplexing, byte-exact literal handling).
package imapclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/kzahedi/imap-backup/internal/logging"
	"github.com/kzahedi/imap-backup/internal/protocol"
	"github.com/kzahedi/imap-backup/internal/ratelimit"
	"github.com/kzahedi/imap-backup/internal/transport"
	"github.com/rs/zerolog"
)

// State is the session's position in the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateGreeted
	StateAuthenticated
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateGreeted:
		return "greeted"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	default:
		return "unknown"
	}
}

// AuthKind selects the authentication variant for a session. Modelled as
// an explicit enum rather than inferred from which credential fields are
// set, mirroring the account auth sum type.
type AuthKind int

const (
	AuthPassword AuthKind = iota
	AuthXOAuth2
)

// Config configures a Session. Exactly one of Password / AccessToken is
// consulted, depending on AuthKind.
type Config struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string

	AuthKind    AuthKind
	Password    string
	AccessToken string

	TLSConfig *tls.Config

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// MaxReconnectAttempts bounds the reconnection policy (default 3).
	MaxReconnectAttempts int
}

// DefaultConfig fills in sane timeouts and reconnect bound.
func DefaultConfig(host string, port int, useTLS bool, username string) Config {
	return Config{
		Host:                 host,
		Port:                 port,
		UseTLS:               useTLS,
		Username:             username,
		ConnectTimeout:       30 * time.Second,
		ReadTimeout:          60 * time.Second,
		WriteTimeout:         30 * time.Second,
		MaxReconnectAttempts: 3,
	}
}

// Session is a stateful, single-outstanding-command IMAP connection. A
// Session is not safe for concurrent use: the pipeline owns exactly one
// session per account and issues commands serially.
type Session struct {
	cfg     Config
	conn    *transport.Conn
	scanner *protocol.Scanner
	tags    *protocol.TagGenerator
	caps    map[string]bool
	state   State

	selectedFolder string
	tracker        *ratelimit.Tracker

	log zerolog.Logger
}

// New creates a Session bound to a shared rate-limit tracker for cfg.Host.
// The tracker is obtained from the coordinator by the caller so that all
// accounts on the same host share one tracker instance.
func New(cfg Config, tracker *ratelimit.Tracker) *Session {
	return &Session{
		cfg:     cfg,
		tracker: tracker,
		caps:    map[string]bool{},
		state:   StateDisconnected,
		log:     logging.WithComponent("imapclient"),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// Connect opens the transport, reads the greeting, and authenticates.
// On success the session is StateAuthenticated, or StateSelected when a
// previously selected folder was re-selected.
func (s *Session) Connect(ctx context.Context) error {
	tconf := transport.Config{
		Host:           s.cfg.Host,
		Port:           s.cfg.Port,
		TLS:            s.cfg.UseTLS,
		TLSConfig:      s.cfg.TLSConfig,
		ConnectTimeout: s.cfg.ConnectTimeout,
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
	}
	conn, err := transport.Open(ctx, tconf)
	if err != nil {
		return err
	}
	s.conn = conn
	s.scanner = protocol.NewScanner(conn)
	s.tags = protocol.NewTagGenerator()
	s.state = StateDisconnected

	if err := s.readGreeting(); err != nil {
		s.conn.Close()
		return err
	}
	s.state = StateGreeted

	if err := s.fetchCapabilities(ctx); err != nil {
		s.conn.Close()
		s.state = StateDisconnected
		return err
	}

	if err := s.authenticate(ctx); err != nil {
		s.conn.Close()
		s.state = StateDisconnected
		return err
	}
	s.state = StateAuthenticated

	// Re-SELECT the remembered folder on reconnect.
	if s.selectedFolder != "" {
		if _, err := s.selectFolderOnce(ctx, s.selectedFolder); err != nil {
			s.conn.Close()
			s.state = StateDisconnected
			return err
		}
		s.state = StateSelected
	}

	return nil
}

// readGreeting reads the single untagged greeting line and classifies it:
// "* OK" / "* PREAUTH" succeed, "* BYE" is a terminal AuthError.
func (s *Session) readGreeting() error {
	line, err := s.scanner.Next()
	if err != nil {
		return &transport.Error{Kind: transport.KindIO, Err: err}
	}
	text := strings.ToUpper(string(line.Raw))
	switch {
	case strings.HasPrefix(text, "* OK"), strings.HasPrefix(text, "* PREAUTH"):
		return nil
	case strings.HasPrefix(text, "* BYE"):
		return &AuthError{Reason: "server sent BYE at greeting: " + string(line.Raw)}
	default:
		return &ProtocolError{Context: "greeting", Err: fmt.Errorf("unexpected greeting: %q", line.Raw)}
	}
}

// Close sends LOGOUT best-effort and tears down the transport.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	if s.state != StateDisconnected {
		_ = s.logout(context.Background())
	}
	err := s.conn.Close()
	s.state = StateDisconnected
	return err
}

func (s *Session) logout(ctx context.Context) error {
	_, _, err := s.exec(ctx, "LOGOUT", nil)
	return err
}
