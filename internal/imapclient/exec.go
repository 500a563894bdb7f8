package imapclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/kzahedi/imap-backup/internal/protocol"
	"github.com/kzahedi/imap-backup/internal/transport"
)

// throttleIndicators are the server-text substrings that trigger the
// rate-limit coordinator's backoff.
var throttleIndicators = []string{
	"THROTTLE", "OVERQUOTA", "TOO MANY", "RATE LIMIT",
	"SLOW DOWN", "TRY AGAIN LATER", "TEMPORARY", "BUSY",
}

func isThrottleText(text string) bool {
	upper := strings.ToUpper(text)
	for _, indicator := range throttleIndicators {
		if strings.Contains(upper, indicator) {
			return true
		}
	}
	return false
}

// lineHandler processes one untagged or continuation line during command
// execution; returning an error aborts the command, and exec returns that
// error unchanged.
type lineHandler func(protocol.Line) error

// exec waits on the rate-limit tracker, sends "<tag> <wireCmd>", and
// reads lines until the tagged completion, invoking handler for every
// untagged/continuation line in between. It records throttle/success with
// the tracker based on the final status text. label identifies the
// command in errors and logs without echoing wireCmd verbatim, so a
// LOGIN carrying a password never appears in an error message.
func (s *Session) exec(ctx context.Context, wireCmd string, handler lineHandler) (status string, text string, err error) {
	return s.execLabeled(ctx, wireCmd, firstWord(wireCmd), handler)
}

func (s *Session) execLabeled(ctx context.Context, wireCmd, label string, handler lineHandler) (status string, text string, err error) {
	if s.conn == nil {
		return "", "", NotConnectedError{}
	}

	if s.tracker != nil {
		if err := s.tracker.Wait(ctx); err != nil {
			return "", "", err
		}
	}

	tag := s.tags.Next()
	if err := protocol.WriteCommand(s.conn, tag, wireCmd); err != nil {
		return "", "", err
	}

	for {
		line, err := s.scanner.Next()
		if err != nil {
			return "", "", &transport.Error{Kind: transport.KindIO, Err: err}
		}

		switch line.Kind(tag) {
		case protocol.KindTagged:
			st, txt, ok := line.Status(tag)
			if !ok {
				return "", "", &ProtocolError{Context: label, Err: fmt.Errorf("unrecognized tagged response")}
			}
			if st == "OK" {
				if s.tracker != nil {
					s.tracker.RecordSuccess()
				}
				return st, txt, nil
			}
			throttled := isThrottleText(txt)
			if throttled && s.tracker != nil {
				s.tracker.RecordThrottle()
			}
			return st, txt, &ServerStatus{Command: label, Status: st, Text: txt, Throttled: throttled}
		default:
			if handler != nil {
				if err := handler(line); err != nil {
					return "", "", err
				}
			}
		}
	}
}

// execWithThrottleRetry runs exec and, on a throttled ServerStatus,
// retries the command exactly once after the coordinator's new delay has
// already been applied by the next exec's rate-limit wait.
func (s *Session) execWithThrottleRetry(ctx context.Context, cmd string, handler lineHandler) (status, text string, err error) {
	status, text, err = s.exec(ctx, cmd, handler)
	if ss, ok := err.(*ServerStatus); ok && ss.Throttled {
		return s.exec(ctx, cmd, handler)
	}
	return status, text, err
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
