package imapclient

import "fmt"

// AuthError indicates the server rejected authentication, or XOAUTH2 was
// requested but the server never advertised AUTH=XOAUTH2. Fatal to the
// run — the pipeline does not retry authentication failures.
type AuthError struct {
	Reason string
	// CapabilityMissing is true when the session never attempted
	// AUTHENTICATE because the server capability set lacked AUTH=XOAUTH2.
	CapabilityMissing bool
	Err               error
}

func (e *AuthError) Error() string {
	if e.CapabilityMissing {
		return "imap: auth: server does not advertise AUTH=XOAUTH2"
	}
	if e.Err != nil {
		return fmt.Sprintf("imap: auth: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("imap: auth: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProtocolError indicates the session received bytes it could not parse
// as valid IMAP framing or syntax. Fatal to the session: the connection
// is torn down and, if recoverable from the pipeline's perspective, a
// fresh session is opened rather than attempting to resynchronise.
type ProtocolError struct {
	Context string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("imap: protocol: %s: %v", e.Context, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ServerStatus represents a non-OK tagged response to a command: NO or
// BAD. Recoverable only when Throttled is set by the rate-limit
// coordinator's text match, in which case the caller retries once.
type ServerStatus struct {
	Command   string
	Status    string // "NO" or "BAD"
	Text      string
	Throttled bool
}

func (e *ServerStatus) Error() string {
	return fmt.Sprintf("imap: %s %s: %s", e.Command, e.Status, e.Text)
}

// NotConnectedError is returned by operations invoked before Connect or
// after the session has been torn down; it is recoverable via reconnect.
type NotConnectedError struct{}

func (NotConnectedError) Error() string { return "imap: not connected" }
