// Package headers extracts RFC 5322 header metadata (From, Subject,
// Date, Message-ID) from a raw message buffer using a byte-level state
// machine for folded-header unfolding, rather than regex matching, so
// irregular or adversarial folding can't defeat extraction.
package headers

import (
	"io"
	"mime"
	"strings"
	"time"

	msgcharset "github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/htmlindex"
)

// Metadata holds the best-effort header fields used to name and index a
// stored message.
type Metadata struct {
	From      string
	Subject   string
	Date      time.Time
	MessageID string
}

// scanState tracks where the unfolder is within the header block.
type scanState int

const (
	stateLineStart scanState = iota
	stateInName
	stateInValue
)

// unfoldedHeader is one logical header after folding is collapsed.
type unfoldedHeader struct {
	name  string
	value string
}

// unfold walks raw byte-by-byte and splits the header block (everything
// before the first blank line) into unfolded name/value pairs. A folded
// continuation line starts with a space or tab (RFC 5322 §2.2.3); its
// content is appended to the previous header's value with the fold
// replaced by a single space.
func unfold(raw []byte) []unfoldedHeader {
	var headers []unfoldedHeader
	var name, value strings.Builder
	state := stateLineStart

	flush := func() {
		if name.Len() == 0 {
			return
		}
		headers = append(headers, unfoldedHeader{
			name:  strings.TrimSpace(name.String()),
			value: strings.TrimSpace(value.String()),
		})
		name.Reset()
		value.Reset()
	}

	i := 0
	for i < len(raw) {
		c := raw[i]

		switch state {
		case stateLineStart:
			if c == '\r' || c == '\n' {
				// Blank line: end of header block.
				flush()
				return headers
			}
			if c == ' ' || c == '\t' {
				// Folded continuation of the previous header's value.
				if value.Len() > 0 {
					value.WriteByte(' ')
				}
				state = stateInValue
				i++
				continue
			}
			flush()
			state = stateInName
			continue
		case stateInName:
			if c == ':' {
				state = stateInValue
				i++
				// Skip exactly one optional leading space after the colon.
				if i < len(raw) && raw[i] == ' ' {
					i++
				}
				continue
			}
			if c == '\r' || c == '\n' {
				// Malformed header line with no colon; drop it.
				name.Reset()
				state = stateLineStart
				i++
				if c == '\r' && i < len(raw) && raw[i] == '\n' {
					i++
				}
				continue
			}
			name.WriteByte(c)
			i++
			continue
		case stateInValue:
			if c == '\n' {
				// Peek ahead: if the next line is a fold, stay in value
				// state and replace the fold's leading whitespace with a
				// single space; if not, terminate this header.
				i++
				if i < len(raw) && (raw[i] == ' ' || raw[i] == '\t') {
					for i < len(raw) && (raw[i] == ' ' || raw[i] == '\t') {
						i++
					}
					value.WriteByte(' ')
					continue
				}
				state = stateLineStart
				continue
			}
			if c == '\r' {
				i++
				continue
			}
			value.WriteByte(c)
			i++
			continue
		}
	}
	flush()
	return headers
}

// wordDecoder decodes RFC 2047 encoded words, falling back through
// go-message's charset table and then golang.org/x/text's htmlindex for
// charsets go-message doesn't register.
var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charsetName string, r io.Reader) (io.Reader, error) {
		if reader, err := msgcharset.Reader(charsetName, r); err == nil {
			return reader, nil
		}
		enc, err := htmlindex.Get(charsetName)
		if err != nil {
			return r, nil
		}
		return enc.NewDecoder().Reader(r), nil
	},
}

// decodeWords decodes RFC 2047 encoded words in s; on any decode failure
// the original string is returned unchanged.
func decodeWords(s string) string {
	if s == "" || !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// dateLayouts covers RFC 5322 §3.3 date-time plus the common deviations
// real-world mail servers emit (missing seconds, missing weekday, numeric
// zones written as "+0000" vs named zones).
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04 -0700",
	time.RFC822Z,
	time.RFC822,
}

// parseDate parses an RFC 5322 Date header value, trying progressively
// looser layouts. Returns the zero Time if nothing matches.
func parseDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	// Some servers append a trailing parenthesized zone comment, e.g.
	// "Mon, 2 Jan 2006 15:04:05 -0700 (UTC)".
	if idx := strings.Index(raw, " ("); idx >= 0 {
		raw = raw[:idx]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Extract parses the best-effort header metadata out of a raw RFC 5322
// message. It never fails: any field it cannot determine is left zero.
func Extract(raw []byte) Metadata {
	var md Metadata
	for _, h := range unfold(raw) {
		switch strings.ToLower(h.name) {
		case "from":
			md.From = decodeWords(h.value)
		case "subject":
			md.Subject = decodeWords(h.value)
		case "date":
			md.Date = parseDate(h.value)
		case "message-id":
			md.MessageID = strings.Trim(h.value, "<> \t")
		}
	}
	return md
}

// SenderSlug reduces a From header value to a filesystem-safe token
// suitable for a filename, preferring the email's local part over the
// display name.
func SenderSlug(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	start := strings.LastIndexByte(from, '<')
	end := strings.LastIndexByte(from, '>')
	addr := from
	if start >= 0 && end > start {
		addr = from[start+1 : end]
	}
	if at := strings.IndexByte(addr, '@'); at > 0 {
		addr = addr[:at]
	}
	return strings.TrimSpace(addr)
}
