package imapclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/kzahedi/imap-backup/internal/protocol"
)

// fetchCapabilities sends CAPABILITY and records the advertised set.
func (s *Session) fetchCapabilities(ctx context.Context) error {
	caps := map[string]bool{}
	_, _, err := s.exec(ctx, "CAPABILITY", func(line protocol.Line) error {
		text := string(line.Raw)
		upper := strings.ToUpper(text)
		if !strings.HasPrefix(upper, "* CAPABILITY") {
			return nil
		}
		fields := strings.Fields(strings.TrimSpace(text))
		for _, f := range fields[2:] {
			caps[strings.ToUpper(f)] = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.caps = caps
	return nil
}

// HasCapability reports whether the server advertised cap (case-insensitive).
func (s *Session) HasCapability(cap string) bool {
	return s.caps[strings.ToUpper(cap)]
}

func (s *Session) authenticate(ctx context.Context) error {
	switch s.cfg.AuthKind {
	case AuthXOAuth2:
		return s.authenticateXOAuth2(ctx)
	default:
		return s.authenticatePassword(ctx)
	}
}

// authenticatePassword sends LOGIN "<user>" "<pass>" with backslash and
// quote escaping.
func (s *Session) authenticatePassword(ctx context.Context) error {
	cmd := fmt.Sprintf("LOGIN %s %s", quoteIMAPString(s.cfg.Username), quoteIMAPString(s.cfg.Password))
	if _, _, err := s.exec(ctx, cmd, nil); err != nil {
		if ss, ok := err.(*ServerStatus); ok {
			return &AuthError{Reason: ss.Text}
		}
		return err
	}
	return nil
}

func quoteIMAPString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// xoauth2Payload constructs the pre-base64 SASL initial response:
// "user=<email>\x01auth=Bearer <access-token>\x01\x01".
func xoauth2Payload(user, token string) []byte {
	return []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", user, token))
}

// authenticateXOAuth2 requires AUTH=XOAUTH2 in the capability set before
// ever sending AUTHENTICATE.
func (s *Session) authenticateXOAuth2(ctx context.Context) error {
	if !s.HasCapability("AUTH=XOAUTH2") {
		return &AuthError{CapabilityMissing: true}
	}

	payload := base64.StdEncoding.EncodeToString(xoauth2Payload(s.cfg.Username, s.cfg.AccessToken))
	cmd := "AUTHENTICATE XOAUTH2 " + payload

	var continuationText string
	_, _, err := s.exec(ctx, cmd, func(line protocol.Line) error {
		if line.Kind("") == protocol.KindContinuation {
			// The server reports error detail (base64 JSON) on the "+ "
			// continuation; we must answer with an empty line to complete
			// the exchange, then the tagged NO carries the text.
			continuationText = string(line.Raw)
			return protocol.WriteRaw(s.conn, []byte("\r\n"))
		}
		return nil
	})
	if err != nil {
		if ss, ok := err.(*ServerStatus); ok {
			reason := ss.Text
			if reason == "" {
				reason = continuationText
			}
			return &AuthError{Reason: reason, Err: err}
		}
		return err
	}
	return nil
}
