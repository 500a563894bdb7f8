package imapclient

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
)

// fakeServer is a minimal scripted IMAP server: it replies to each tagged
// command line with whatever the script says for that command's verb, so
// tests exercise the real wire codec and session state machine without a
// real mailbox.
type fakeServer struct {
	ln   net.Listener
	port int
}

func startFakeServer(t *testing.T, handle func(tag, cmd string, w *bufio.Writer)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		w := bufio.NewWriter(conn)
		fmt.Fprintf(w, "* OK fake IMAP ready\r\n")
		w.Flush()

		r := bufio.NewReader(conn)
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
			handle(parts[0], parts[1], w)
			w.Flush()
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return &fakeServer{ln: ln, port: port}
}

func defaultConfig(port int) Config {
	cfg := DefaultConfig("127.0.0.1", port, false, "jane")
	cfg.AuthKind = AuthPassword
	cfg.Password = "hunter2"
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

func TestConnectAuthenticatesWithLogin(t *testing.T) {
	srv := startFakeServer(t, func(tag, cmd string, w *bufio.Writer) {
		switch {
		case strings.HasPrefix(cmd, "CAPABILITY"):
			fmt.Fprintf(w, "* CAPABILITY IMAP4rev1 AUTH=XOAUTH2\r\n%s OK done\r\n", tag)
		case strings.HasPrefix(cmd, "LOGIN"):
			fmt.Fprintf(w, "%s OK LOGIN completed\r\n", tag)
		case strings.HasPrefix(cmd, "LOGOUT"):
			fmt.Fprintf(w, "* BYE logging out\r\n%s OK LOGOUT completed\r\n", tag)
		}
	})

	sess := New(defaultConfig(srv.port), nil)
	require.NoError(t, sess.Connect(context.Background()))
	assert.Equal(t, StateAuthenticated, sess.State())
	assert.True(t, sess.HasCapability("AUTH=XOAUTH2"))

	require.NoError(t, sess.Close())
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestConnectFailsOnLoginRejection(t *testing.T) {
	srv := startFakeServer(t, func(tag, cmd string, w *bufio.Writer) {
		switch {
		case strings.HasPrefix(cmd, "CAPABILITY"):
			fmt.Fprintf(w, "* CAPABILITY IMAP4rev1\r\n%s OK done\r\n", tag)
		case strings.HasPrefix(cmd, "LOGIN"):
			fmt.Fprintf(w, "%s NO authentication failed\r\n", tag)
		}
	})

	sess := New(defaultConfig(srv.port), nil)
	err := sess.Connect(context.Background())
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestConnectRejectsByeGreeting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(conn, "* BYE overloaded\r\n")
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	sess := New(defaultConfig(port), nil)
	err = sess.Connect(context.Background())
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestListFoldersParsesLISTResponses(t *testing.T) {
	srv := startFakeServer(t, func(tag, cmd string, w *bufio.Writer) {
		switch {
		case strings.HasPrefix(cmd, "CAPABILITY"):
			fmt.Fprintf(w, "* CAPABILITY IMAP4rev1\r\n%s OK done\r\n", tag)
		case strings.HasPrefix(cmd, "LOGIN"):
			fmt.Fprintf(w, "%s OK LOGIN completed\r\n", tag)
		case strings.HasPrefix(cmd, `LIST`):
			fmt.Fprintf(w, "* LIST (\\HasNoChildren) \"/\" INBOX\r\n")
			fmt.Fprintf(w, "* LIST (\\Noselect \\HasChildren) \"/\" \"Archive\"\r\n")
			fmt.Fprintf(w, "%s OK LIST completed\r\n", tag)
		}
	})

	sess := New(defaultConfig(srv.port), nil)
	require.NoError(t, sess.Connect(context.Background()))

	folders, err := sess.ListFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "INBOX", folders[0].Path)
	assert.True(t, folders[0].Selectable())
	assert.Equal(t, "Archive", folders[1].Path)
	assert.False(t, folders[1].Selectable())
}

func TestSelectFolderParsesStatusAndSearchFetchWork(t *testing.T) {
	srv := startFakeServer(t, func(tag, cmd string, w *bufio.Writer) {
		switch {
		case strings.HasPrefix(cmd, "CAPABILITY"):
			fmt.Fprintf(w, "* CAPABILITY IMAP4rev1\r\n%s OK done\r\n", tag)
		case strings.HasPrefix(cmd, "LOGIN"):
			fmt.Fprintf(w, "%s OK LOGIN completed\r\n", tag)
		case strings.HasPrefix(cmd, "SELECT"):
			fmt.Fprintf(w, "* 42 EXISTS\r\n* 0 RECENT\r\n* OK [UIDNEXT 100] next\r\n* OK [UIDVALIDITY 7] validity\r\n%s OK [READ-WRITE] SELECT completed\r\n", tag)
		case strings.HasPrefix(cmd, "UID SEARCH"):
			fmt.Fprintf(w, "* SEARCH 1 3 2\r\n%s OK SEARCH completed\r\n", tag)
		case strings.HasPrefix(cmd, "UID FETCH") && strings.Contains(cmd, "BODY.PEEK"):
			body := "From: a@b.com\r\n\r\nhi"
			fmt.Fprintf(w, "* 1 FETCH (BODY[] {%d}\r\n%s)\r\n%s OK FETCH completed\r\n", len(body), body, tag)
		}
	})

	sess := New(defaultConfig(srv.port), nil)
	require.NoError(t, sess.Connect(context.Background()))

	status, err := sess.SelectFolder(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), status.Exists)
	assert.Equal(t, uint32(100), status.UIDNext)
	assert.Equal(t, uint32(7), status.UIDValidity)
	assert.Equal(t, StateSelected, sess.State())

	uids, err := sess.SearchAllUIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, uids)

	body, err := sess.FetchMessage(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "From: a@b.com\r\n\r\nhi", string(body))
}

func TestOperationsBeforeConnectReturnNotConnected(t *testing.T) {
	sess := New(defaultConfig(0), nil)
	_, err := sess.ListFolders(context.Background())
	assert.IsType(t, NotConnectedError{}, err)
}
