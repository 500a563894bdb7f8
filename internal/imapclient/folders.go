package imapclient

import (
	"context"
	"strconv"
	"strings"

	"github.com/kzahedi/imap-backup/internal/protocol"
)

// FolderDescriptor is a server-reported mailbox.
type FolderDescriptor struct {
	Name       string // server-encoded name
	Delimiter  string // single hierarchy delimiter character, "" if NIL
	Flags      []string
	// Path is Name with Delimiter replaced by '/'.
	Path string
}

// Selectable reports whether the folder's flags exclude \Noselect.
func (f FolderDescriptor) Selectable() bool {
	for _, flag := range f.Flags {
		if strings.EqualFold(flag, `\Noselect`) {
			return false
		}
	}
	return true
}

// FolderStatus is the snapshot read after SELECT.
type FolderStatus struct {
	Exists      uint32
	Recent      uint32
	UIDNext     uint32
	UIDValidity uint32
}

// ListFolders issues LIST "" "*" and parses the untagged LIST responses.
func (s *Session) ListFolders(ctx context.Context) ([]FolderDescriptor, error) {
	if err := s.requireState(StateAuthenticated, StateSelected); err != nil {
		return nil, err
	}

	var folders []FolderDescriptor
	op := func() error {
		folders = nil
		_, _, err := s.exec(ctx, `LIST "" "*"`, func(line protocol.Line) error {
			fd, ok := parseListLine(line.Raw)
			if !ok {
				return nil
			}
			folders = append(folders, fd)
			return nil
		})
		return err
	}
	if err := s.withReconnect(ctx, op); err != nil {
		return nil, err
	}
	return folders, nil
}

// parseListLine parses "* LIST (flags) "<delim>" <name>".
func parseListLine(raw []byte) (FolderDescriptor, bool) {
	line := strings.TrimRight(string(raw), "\r\n")
	upper := strings.ToUpper(line)
	if !strings.HasPrefix(upper, "* LIST ") {
		return FolderDescriptor{}, false
	}
	rest := strings.TrimSpace(line[len("* LIST "):])

	if !strings.HasPrefix(rest, "(") {
		return FolderDescriptor{}, false
	}
	closeParen := strings.Index(rest, ")")
	if closeParen < 0 {
		return FolderDescriptor{}, false
	}
	flagsRaw := rest[1:closeParen]
	var flags []string
	for _, f := range strings.Fields(flagsRaw) {
		flags = append(flags, `\`+strings.TrimPrefix(f, `\`))
	}
	rest = strings.TrimSpace(rest[closeParen+1:])

	delim, rest, ok := popQuotedOrAtom(rest)
	if !ok {
		return FolderDescriptor{}, false
	}
	if delim == "NIL" {
		delim = ""
	}

	name, _, ok := popQuotedOrAtom(strings.TrimSpace(rest))
	if !ok {
		return FolderDescriptor{}, false
	}

	path := name
	if delim != "" {
		path = strings.ReplaceAll(name, delim, "/")
	}

	return FolderDescriptor{Name: name, Delimiter: delim, Flags: flags, Path: path}, true
}

// popQuotedOrAtom consumes one IMAP quoted-string or atom token from the
// front of s, honoring \\ and \" escapes inside quotes, and returns the
// unescaped value plus the remainder.
func popQuotedOrAtom(s string) (value string, rest string, ok bool) {
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return "", "", false
	}
	if s[0] != '"' {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			return s, "", true
		}
		return s[:i], s[i+1:], true
	}
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i += 2
			continue
		}
		if c == '"' {
			return b.String(), s[i+1:], true
		}
		b.WriteByte(c)
		i++
	}
	return "", "", false
}

// SelectFolder issues SELECT and parses EXISTS/RECENT/UIDNEXT/UIDVALIDITY
// from the untagged responses, remembering name for reconnection.
func (s *Session) SelectFolder(ctx context.Context, name string) (FolderStatus, error) {
	if err := s.requireState(StateAuthenticated, StateSelected); err != nil {
		return FolderStatus{}, err
	}
	var status FolderStatus
	op := func() error {
		var err error
		status, err = s.selectFolderOnce(ctx, name)
		return err
	}
	if err := s.withReconnect(ctx, op); err != nil {
		return FolderStatus{}, err
	}
	s.selectedFolder = name
	s.state = StateSelected
	return status, nil
}

func (s *Session) selectFolderOnce(ctx context.Context, name string) (FolderStatus, error) {
	var status FolderStatus
	cmd := "SELECT " + quoteIMAPString(name)
	_, _, err := s.exec(ctx, cmd, func(line protocol.Line) error {
		text := strings.TrimRight(string(line.Raw), "\r\n")
		upper := strings.ToUpper(text)
		fields := strings.Fields(text)

		switch {
		case strings.Contains(upper, " EXISTS") && len(fields) >= 3:
			if n, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
				status.Exists = uint32(n)
			}
		case strings.Contains(upper, " RECENT") && len(fields) >= 3:
			if n, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
				status.Recent = uint32(n)
			}
		case strings.HasPrefix(upper, "* OK [UIDNEXT "):
			status.UIDNext = parseBracketedUint(text, "UIDNEXT")
		case strings.HasPrefix(upper, "* OK [UIDVALIDITY "):
			status.UIDValidity = parseBracketedUint(text, "UIDVALIDITY")
		}
		return nil
	})
	if err != nil {
		return FolderStatus{}, err
	}
	s.selectedFolder = name
	return status, nil
}

func parseBracketedUint(text, key string) uint32 {
	idx := strings.Index(text, key+" ")
	if idx < 0 {
		return 0
	}
	rest := text[idx+len(key)+1:]
	end := strings.IndexAny(rest, "] ")
	if end < 0 {
		end = len(rest)
	}
	n, _ := strconv.ParseUint(rest[:end], 10, 32)
	return uint32(n)
}

// requireState rejects operations issued outside the expected state set.
func (s *Session) requireState(allowed ...State) error {
	if s.conn == nil {
		return NotConnectedError{}
	}
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return NotConnectedError{}
}
