// Package transport provides the duplex byte-stream connection the IMAP
// codec runs over: a plain or TLS-wrapped TCP socket with cancellable
// reads and writes and bounded handshake/inactivity timeouts.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/kzahedi/imap-backup/internal/logging"
	"github.com/rs/zerolog"
)

// ErrorKind classifies a TransportError for the reconnection policy in
// internal/imapclient: everything but Cancelled is recoverable.
type ErrorKind int

const (
	KindConnect ErrorKind = iota
	KindTLS
	KindIO
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTLS:
		return "tls"
	case KindIO:
		return "io"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps a transport failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the reconnection policy should retry after
// this error. Cancellation is never retried.
func (e *Error) Recoverable() bool {
	return e.Kind != KindCancelled
}

// Config configures a Conn dial.
type Config struct {
	Host string
	Port int
	TLS  bool

	// TLSConfig, when non-nil, is used verbatim (e.g. for certificate
	// pinning); otherwise a default config verifying ServerName is used.
	TLSConfig *tls.Config

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // per-read inactivity timeout
	WriteTimeout   time.Duration
}

// DefaultConfig returns a sane default handshake (30s) and per-read
// inactivity (60s) timeouts.
func DefaultConfig(host string, port int, useTLS bool) Config {
	return Config{
		Host:           host,
		Port:           port,
		TLS:            useTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   30 * time.Second,
	}
}

// Conn is a single duplex byte stream to an IMAP server. It is not safe
// for concurrent use by multiple goroutines beyond one reader/one closer,
// matching a strictly serial per-session command discipline.
type Conn struct {
	cfg  Config
	conn net.Conn
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
}

// Open dials (host, port), optionally performing a TLS handshake
// verifying ServerName, and returns a Conn bound to ctx: cancelling ctx
// aborts any pending or future I/O within a bounded time by closing the
// underlying socket.
func Open(ctx context.Context, cfg Config) (*Conn, error) {
	log := logging.WithComponent("transport")
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer dialCancel()

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindConnect, Err: err}
	}

	if cfg.TLS {
		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
		}
		tlsConn := tls.Client(rawConn, tlsConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			rawConn.Close()
			if ctx.Err() != nil {
				return nil, &Error{Kind: KindCancelled, Err: ctx.Err()}
			}
			return nil, &Error{Kind: KindTLS, Err: err}
		}
		rawConn = tlsConn
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		cfg:    cfg,
		conn:   rawConn,
		log:    log,
		ctx:    connCtx,
		cancel: cancel,
		closed: make(chan struct{}),
	}

	// Closing ctx must abort any in-flight blocking Read/Write within a
	// bounded time; net.Conn has no native context support, so the only
	// portable way to interrupt a pending syscall is to close the socket.
	go func() {
		select {
		case <-connCtx.Done():
			rawConn.Close()
		case <-c.closed:
		}
	}()

	return c, nil
}

// ReadAtLeast blocks until at least min bytes have been read into buf (len(buf) == max),
// or an error/timeout/cancellation occurs. It mirrors io.ReadAtLeast but
// classifies the error as a transport.Error.
func (c *Conn) ReadAtLeast(buf []byte, min int) (int, error) {
	if c.cfg.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	n := 0
	for n < min {
		read, err := c.conn.Read(buf[n:])
		n += read
		if err != nil {
			return n, c.classify(err)
		}
	}
	return n, nil
}

// Read implements io.Reader for ad-hoc reads smaller than a full literal.
func (c *Conn) Read(buf []byte) (int, error) {
	if c.cfg.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		return n, c.classify(err)
	}
	return n, nil
}

// Write writes all of b, respecting the write timeout.
func (c *Conn) Write(b []byte) error {
	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	_, err := c.conn.Write(b)
	if err != nil {
		return c.classify(err)
	}
	return nil
}

func (c *Conn) classify(err error) error {
	if c.ctx.Err() != nil {
		return &Error{Kind: KindCancelled, Err: c.ctx.Err()}
	}
	return &Error{Kind: KindIO, Err: err}
}

// Close tears down the connection and stops the cancellation watcher.
func (c *Conn) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	c.cancel()
	return c.conn.Close()
}
