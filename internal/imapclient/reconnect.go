package imapclient

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"github.com/kzahedi/imap-backup/internal/transport"
)

// recoverable reports whether err is a transport failure (or
// NotConnectedError) that warrants a reconnect attempt.
// AuthError, ProtocolError and a non-throttled ServerStatus are not
// recoverable: they are fatal to the session or the command.
func recoverable(err error) bool {
	if err == nil {
		return false
	}
	var tErr *transport.Error
	if errors.As(err, &tErr) {
		return tErr.Recoverable()
	}
	var notConnected NotConnectedError
	if errors.As(err, &notConnected) {
		return true
	}
	return false
}

// withReconnect runs op; if it fails with a recoverable error, it
// performs up to cfg.MaxReconnectAttempts reconnects with 1s/2s/4s
// backoff (attempt k waits 2^(k-1) seconds), each attempt re-running
// open/greet/authenticate/re-SELECT, and retries op exactly once more on
// the first successful reconnect. Further failure surfaces the original
// error.
func (s *Session) withReconnect(ctx context.Context, op func() error) error {
	triggerErr := op()
	if !recoverable(triggerErr) {
		return triggerErr
	}

	b := &backoff.Backoff{
		Min:    1 * time.Second,
		Max:    4 * time.Second,
		Factor: 2,
		Jitter: false,
	}

	max := s.cfg.MaxReconnectAttempts
	if max <= 0 {
		max = 3
	}

	for attempt := 0; attempt < max; attempt++ {
		wait := b.Duration()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		s.log.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Err(triggerErr).
			Msg("reconnecting after recoverable error")

		if s.conn != nil {
			s.conn.Close()
		}
		s.state = StateDisconnected

		connErr := s.Connect(ctx)
		if connErr != nil {
			if !recoverable(connErr) {
				return connErr
			}
			// This reconnect attempt failed to even re-establish the
			// connection; try again, up to max attempts total.
			continue
		}

		// Reconnect succeeded: retry the original operation exactly once
		// and stop — further failure surfaces immediately
		// rather than triggering another reconnect round.
		return op()
	}

	return triggerErr
}
