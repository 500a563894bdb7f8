package verify

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzahedi/imap-backup/internal/account"
	"github.com/kzahedi/imap-backup/internal/progress"
	"github.com/kzahedi/imap-backup/internal/ratelimit"
	"github.com/kzahedi/imap-backup/internal/store"
)

type fakePasswords struct{ pw string }

func (f fakePasswords) Password(accountID string) (string, error) { return f.pw, nil }

type fakeTokens struct{}

func (fakeTokens) AccessToken(accountID string) (string, error) { return "", nil }

// startServerWithServerUIDs scripts a mailbox with a single folder INBOX
// whose server-side UID set is serverUIDs; FETCH always returns a fixed
// short body regardless of which uid was requested.
func startServerWithServerUIDs(t *testing.T, serverUIDs []int) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	searchLine := "* SEARCH"
	for _, u := range serverUIDs {
		searchLine += fmt.Sprintf(" %d", u)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		w := bufio.NewWriter(conn)
		fmt.Fprintf(w, "* OK ready\r\n")
		w.Flush()

		r := bufio.NewReader(conn)
		body := "From: a@b.com\r\nDate: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\nhi"
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			parts := strings.SplitN(line, " ", 2)
			if len(parts) != 2 {
				continue
			}
			tag, cmd := parts[0], parts[1]
			switch {
			case strings.HasPrefix(cmd, "CAPABILITY"):
				fmt.Fprintf(w, "* CAPABILITY IMAP4rev1\r\n%s OK done\r\n", tag)
			case strings.HasPrefix(cmd, "LOGIN"):
				fmt.Fprintf(w, "%s OK LOGIN completed\r\n", tag)
			case strings.HasPrefix(cmd, "LIST"):
				fmt.Fprintf(w, "* LIST (\\HasNoChildren) \"/\" INBOX\r\n%s OK LIST completed\r\n", tag)
			case strings.HasPrefix(cmd, "SELECT"):
				fmt.Fprintf(w, "* %d EXISTS\r\n%s OK [READ-WRITE] SELECT completed\r\n", len(serverUIDs), tag)
			case strings.HasPrefix(cmd, "UID SEARCH"):
				fmt.Fprintf(w, "%s\r\n%s OK SEARCH completed\r\n", searchLine, tag)
			case strings.HasPrefix(cmd, "UID FETCH") && strings.Contains(cmd, "RFC822.SIZE"):
				fmt.Fprintf(w, "* 1 FETCH (RFC822.SIZE %d)\r\n%s OK FETCH completed\r\n", len(body), tag)
			case strings.HasPrefix(cmd, "UID FETCH") && strings.Contains(cmd, "BODY.PEEK"):
				fmt.Fprintf(w, "* 1 FETCH (BODY[] {%d}\r\n%s)\r\n%s OK FETCH completed\r\n", len(body), body, tag)
			case strings.HasPrefix(cmd, "LOGOUT"):
				fmt.Fprintf(w, "* BYE\r\n%s OK LOGOUT completed\r\n", tag)
			}
			w.Flush()
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return port
}

func TestVerifyReportsMissingLocally(t *testing.T) {
	port := startServerWithServerUIDs(t, []int{1, 2, 3})
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	coord := ratelimit.NewCoordinator(ratelimit.PresetByName("balanced"))
	v := New(st, coord, fakePasswords{pw: "hunter2"}, fakeTokens{})

	acct := account.NewPasswordAccount("jane@example.com", "127.0.0.1", port, false, "jane")
	report, err := v.Verify(context.Background(), acct, ratelimit.PresetByName("balanced"))
	require.NoError(t, err)

	require.Len(t, report.Folders, 1)
	fr := report.Folders[0]
	assert.Equal(t, "INBOX", fr.FolderPath)
	assert.Equal(t, []uint32{1, 2, 3}, fr.MissingLocally)
	assert.Empty(t, fr.DeletedOnServer)
	assert.False(t, fr.InSync())
	assert.False(t, report.InSync())
}

func TestVerifyReportsDeletedOnServer(t *testing.T) {
	port := startServerWithServerUIDs(t, []int{1})
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	acct := account.NewPasswordAccount("jane@example.com", "127.0.0.1", port, false, "jane")

	// Seed a locally-stored uid (2) that the server no longer has.
	_, err = st.WriteMessage(acct.ID, "INBOX", 2, time.Now().UTC(), "old-sender", []byte("stale message"))
	require.NoError(t, err)

	coord := ratelimit.NewCoordinator(ratelimit.PresetByName("balanced"))
	v := New(st, coord, fakePasswords{pw: "hunter2"}, fakeTokens{})

	report, err := v.Verify(context.Background(), acct, ratelimit.PresetByName("balanced"))
	require.NoError(t, err)
	require.Len(t, report.Folders, 1)
	assert.Equal(t, []uint32{2}, report.Folders[0].DeletedOnServer)
	assert.Equal(t, []uint32{1}, report.Folders[0].MissingLocally)
}

func TestRepairDownloadsOnlyMissingUIDs(t *testing.T) {
	port := startServerWithServerUIDs(t, []int{1})
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	coord := ratelimit.NewCoordinator(ratelimit.PresetByName("balanced"))
	v := New(st, coord, fakePasswords{pw: "hunter2"}, fakeTokens{})

	acct := account.NewPasswordAccount("jane@example.com", "127.0.0.1", port, false, "jane")
	report := Report{
		AccountID: acct.ID,
		Folders: []FolderReport{
			{FolderName: "INBOX", FolderPath: "INBOX", MissingLocally: []uint32{1}},
		},
	}

	pub := progress.NewPublisher(acct.ID)
	result := v.Repair(context.Background(), acct, report, pub, ratelimit.PresetByName("balanced"))

	assert.Equal(t, progress.StatusCompleted, result.Status)
	assert.Equal(t, 1, result.EmailsDownloaded)
	assert.Empty(t, result.Errors)

	uids, err := st.ExistingUIDs(acct.ID, "INBOX")
	require.NoError(t, err)
	assert.True(t, uids[1])
}

func TestFolderReportInSyncWhenNoDiscrepancies(t *testing.T) {
	fr := FolderReport{FolderPath: "INBOX"}
	assert.True(t, fr.InSync())
}

// TestRepairSelectsByServerNameNotPath guards against regressing to
// selecting by the delimiter-normalized Path: for a server whose
// hierarchy delimiter isn't "/" (here "."), Path and Name diverge, and
// only Name is valid on the wire for SELECT.
func TestRepairSelectsByServerNameNotPath(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	var selectedNames []string
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		w := bufio.NewWriter(conn)
		fmt.Fprintf(w, "* OK ready\r\n")
		w.Flush()

		r := bufio.NewReader(conn)
		body := "From: a@b.com\r\n\r\nhi"
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			parts := strings.SplitN(line, " ", 2)
			if len(parts) != 2 {
				continue
			}
			tag, cmd := parts[0], parts[1]
			switch {
			case strings.HasPrefix(cmd, "CAPABILITY"):
				fmt.Fprintf(w, "* CAPABILITY IMAP4rev1\r\n%s OK done\r\n", tag)
			case strings.HasPrefix(cmd, "LOGIN"):
				fmt.Fprintf(w, "%s OK LOGIN completed\r\n", tag)
			case strings.HasPrefix(cmd, "SELECT"):
				selectedNames = append(selectedNames, strings.TrimPrefix(cmd, "SELECT "))
				fmt.Fprintf(w, "* 1 EXISTS\r\n%s OK [READ-WRITE] SELECT completed\r\n", tag)
			case strings.HasPrefix(cmd, "UID FETCH") && strings.Contains(cmd, "RFC822.SIZE"):
				fmt.Fprintf(w, "* 1 FETCH (RFC822.SIZE %d)\r\n%s OK FETCH completed\r\n", len(body), tag)
			case strings.HasPrefix(cmd, "UID FETCH") && strings.Contains(cmd, "BODY.PEEK"):
				fmt.Fprintf(w, "* 1 FETCH (BODY[] {%d}\r\n%s)\r\n%s OK FETCH completed\r\n", len(body), body, tag)
			case strings.HasPrefix(cmd, "LOGOUT"):
				fmt.Fprintf(w, "* BYE\r\n%s OK LOGOUT completed\r\n", tag)
			}
			w.Flush()
		}
	}()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	coord := ratelimit.NewCoordinator(ratelimit.PresetByName("balanced"))
	v := New(st, coord, fakePasswords{pw: "hunter2"}, fakeTokens{})
	acct := account.NewPasswordAccount("jane@example.com", "127.0.0.1", port, false, "jane")

	report := Report{
		AccountID: acct.ID,
		Folders: []FolderReport{
			{FolderName: "INBOX.Sub", FolderPath: "INBOX/Sub", MissingLocally: []uint32{1}},
		},
	}

	pub := progress.NewPublisher(acct.ID)
	result := v.Repair(context.Background(), acct, report, pub, ratelimit.PresetByName("balanced"))

	require.Equal(t, progress.StatusCompleted, result.Status)
	require.Empty(t, result.Errors)
	require.Len(t, selectedNames, 1)
	assert.Equal(t, `"INBOX.Sub"`, selectedNames[0])

	uids, err := st.ExistingUIDs(acct.ID, "INBOX/Sub")
	require.NoError(t, err)
	assert.True(t, uids[1])
}
