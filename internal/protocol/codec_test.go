package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufWriter struct{ buf bytes.Buffer }

func (w *bufWriter) Write(p []byte) error {
	_, err := w.buf.Write(p)
	return err
}

func TestTagGeneratorIncrements(t *testing.T) {
	g := NewTagGenerator()
	assert.Equal(t, "A0001", g.Next())
	assert.Equal(t, "A0002", g.Next())
	assert.Equal(t, "A0003", g.Next())
}

func TestWriteCommandFormatsLine(t *testing.T) {
	w := &bufWriter{}
	require.NoError(t, WriteCommand(w, "A0001", "LOGIN user pass"))
	assert.Equal(t, "A0001 LOGIN user pass\r\n", w.buf.String())
}

func TestScannerReadsPlainLine(t *testing.T) {
	r := strings.NewReader("* OK IMAP4rev1 ready\r\n")
	s := NewScanner(r)

	line, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "* OK IMAP4rev1 ready\r\n", string(line.Raw))
	assert.Empty(t, line.Literals)
	assert.Equal(t, KindUntagged, line.Kind("A0001"))
}

func TestScannerSplicesLiteralPayload(t *testing.T) {
	input := "* 12 FETCH (BODY[] {5}\r\nhello FLAGS (\\Seen))\r\n"
	s := NewScanner(strings.NewReader(input))

	line, err := s.Next()
	require.NoError(t, err)
	require.Len(t, line.Literals, 1)
	assert.Equal(t, "hello", string(line.LiteralBytes(0)))
	assert.True(t, bytes.HasSuffix(line.Raw, []byte("FLAGS (\\Seen))\r\n")))
}

func TestScannerHandlesLiteralContainingCRLF(t *testing.T) {
	payload := "line1\r\nline2{9}\r\n"
	input := "* 1 FETCH (BODY[] {" + itoa(len(payload)) + "}\r\n" + payload + ")\r\n"
	s := NewScanner(strings.NewReader(input))

	line, err := s.Next()
	require.NoError(t, err)
	require.Len(t, line.Literals, 1)
	assert.Equal(t, payload, string(line.LiteralBytes(0)))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestLineKindClassification(t *testing.T) {
	assert.Equal(t, KindUntagged, Line{Raw: []byte("* 1 EXISTS\r\n")}.Kind("A0001"))
	assert.Equal(t, KindContinuation, Line{Raw: []byte("+ ready\r\n")}.Kind("A0001"))
	assert.Equal(t, KindTagged, Line{Raw: []byte("A0001 OK done\r\n")}.Kind("A0001"))
	assert.Equal(t, KindUntagged, Line{Raw: []byte("A0002 OK done\r\n")}.Kind("A0001"))
}

func TestLineStatusParsesOKNOBAD(t *testing.T) {
	status, text, ok := Line{Raw: []byte("A0001 OK LOGIN completed\r\n")}.Status("A0001")
	assert.True(t, ok)
	assert.Equal(t, "OK", status)
	assert.Equal(t, "LOGIN completed", text)

	status, _, ok = Line{Raw: []byte("A0001 NO authentication failed\r\n")}.Status("A0001")
	assert.True(t, ok)
	assert.Equal(t, "NO", status)

	status, _, ok = Line{Raw: []byte("A0001 BAD\r\n")}.Status("A0001")
	assert.True(t, ok)
	assert.Equal(t, "BAD", status)
}

func TestLineStatusRejectsMismatchedTag(t *testing.T) {
	_, _, ok := Line{Raw: []byte("A0002 OK done\r\n")}.Status("A0001")
	assert.False(t, ok)
}

func TestLineStatusRejectsUntagged(t *testing.T) {
	_, _, ok := Line{Raw: []byte("* OK ready\r\n")}.Status("A0001")
	assert.False(t, ok)
}
