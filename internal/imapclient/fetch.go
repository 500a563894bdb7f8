package imapclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/kzahedi/imap-backup/internal/protocol"
)

// SearchAllUIDs issues UID SEARCH ALL and parses the (possibly
// multi-line) "* SEARCH ..." response into an ascending UID slice.
//
// UID SEARCH ALL is used everywhere a UID set is needed — this client
// never emulates a "search unseen" variant.
func (s *Session) SearchAllUIDs(ctx context.Context) ([]uint32, error) {
	if err := s.requireState(StateSelected); err != nil {
		return nil, err
	}

	var uids []uint32
	op := func() error {
		uids = nil
		_, _, err := s.exec(ctx, "UID SEARCH ALL", func(line protocol.Line) error {
			text := strings.TrimRight(string(line.Raw), "\r\n")
			upper := strings.ToUpper(text)
			if !strings.HasPrefix(upper, "* SEARCH") {
				return nil
			}
			fields := strings.Fields(text)
			for _, f := range fields[2:] {
				n, err := strconv.ParseUint(f, 10, 32)
				if err != nil {
					continue
				}
				uids = append(uids, uint32(n))
			}
			return nil
		})
		return err
	}
	if err := s.withReconnect(ctx, op); err != nil {
		return nil, err
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchMessage downloads a full message via UID FETCH <uid> BODY.PEEK[]
// and returns the literal's bytes verbatim, never interpreted as text.
func (s *Session) FetchMessage(ctx context.Context, uid uint32) ([]byte, error) {
	if err := s.requireState(StateSelected); err != nil {
		return nil, err
	}

	var body []byte
	op := func() error {
		body = nil
		cmd := fmt.Sprintf("UID FETCH %d BODY.PEEK[]", uid)
		_, _, err := s.execWithThrottleRetry(ctx, cmd, func(line protocol.Line) error {
			if len(line.Literals) == 0 {
				return nil
			}
			body = append(body, line.LiteralBytes(0)...)
			return nil
		})
		return err
	}
	if err := s.withReconnect(ctx, op); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, &ProtocolError{Context: "UID FETCH", Err: fmt.Errorf("no literal in FETCH response for uid %d", uid)}
	}
	return body, nil
}

// FetchMessageSize issues UID FETCH <uid> RFC822.SIZE and returns the
// reported size.
func (s *Session) FetchMessageSize(ctx context.Context, uid uint32) (uint32, error) {
	if err := s.requireState(StateSelected); err != nil {
		return 0, err
	}

	var size uint32
	var found bool
	op := func() error {
		size, found = 0, false
		cmd := fmt.Sprintf("UID FETCH %d RFC822.SIZE", uid)
		_, _, err := s.execWithThrottleRetry(ctx, cmd, func(line protocol.Line) error {
			text := string(line.Raw)
			idx := strings.Index(strings.ToUpper(text), "RFC822.SIZE")
			if idx < 0 {
				return nil
			}
			rest := strings.TrimSpace(text[idx+len("RFC822.SIZE"):])
			end := 0
			for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
				end++
			}
			if end == 0 {
				return nil
			}
			n, err := strconv.ParseUint(rest[:end], 10, 32)
			if err != nil {
				return nil
			}
			size, found = uint32(n), true
			return nil
		})
		return err
	}
	if err := s.withReconnect(ctx, op); err != nil {
		return 0, err
	}
	if !found {
		return 0, &ProtocolError{Context: "UID FETCH", Err: fmt.Errorf("no RFC822.SIZE in response for uid %d", uid)}
	}
	return size, nil
}

// StreamMessageToWriter downloads a message the same way as FetchMessage
// but copies literal bytes to w in chunks as they arrive off the wire,
// without materializing the full body in memory, and returns the total
// byte count written.
func (s *Session) StreamMessageToWriter(ctx context.Context, uid uint32, w io.Writer) (uint64, error) {
	if err := s.requireState(StateSelected); err != nil {
		return 0, err
	}

	var total uint64
	var writeErr error
	op := func() error {
		total, writeErr = 0, nil
		cmd := fmt.Sprintf("UID FETCH %d BODY.PEEK[]", uid)
		_, _, err := s.execWithThrottleRetry(ctx, cmd, func(line protocol.Line) error {
			for _, span := range line.Literals {
				payload := line.Raw[span.Start:span.End]
				n, err := io.Copy(w, bytes.NewReader(payload))
				total += uint64(n)
				if err != nil {
					writeErr = err
					return err
				}
			}
			return nil
		})
		return err
	}
	if err := s.withReconnect(ctx, op); err != nil {
		return 0, err
	}
	if writeErr != nil {
		return total, writeErr
	}
	if total == 0 {
		return 0, &ProtocolError{Context: "UID FETCH", Err: fmt.Errorf("no literal in FETCH response for uid %d", uid)}
	}
	return total, nil
}
