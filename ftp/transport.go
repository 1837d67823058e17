package ftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/williamconnell/angry-ftp/tools"
)

// Transport is the control channel of a session. A session swaps its
// transport exactly once when AUTH TLS succeeds.
type Transport interface {
	// ReadLine returns the next command line without its line terminator.
	ReadLine() (string, error)
	// WriteLine writes line followed by LineEnd.
	WriteLine(line string) error
	// Close closes the underlying connection.
	Close() error
	// Conn returns the underlying connection.
	Conn() net.Conn
	// Buffered returns the number of bytes received but not yet returned by ReadLine.
	Buffered() int
}

// MaxLineLength caps a command line, CRLF included.
const MaxLineLength = 4096

// ErrLineTooLong is returned by ReadLine for a line longer than MaxLineLength.
var ErrLineTooLong = tools.ErrLineTooLong

// plainTransport is a clear text control connection.
type plainTransport struct {
	conn net.Conn
	rw   *tools.BufLogReadWriter
}

func newPlainTransport(conn net.Conn, logger *slog.Logger) *plainTransport {
	rw := tools.NewBufLogReadWriter(conn, logger, tools.RedactPassword)
	rw.MaxLine = MaxLineLength
	return &plainTransport{
		conn: conn,
		rw:   rw,
	}
}

func (t *plainTransport) ReadLine() (string, error) {
	line, err := t.rw.ReadLine()
	if err != nil {
		// a last line without terminator is still a command
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *plainTransport) WriteLine(line string) error {
	_, err := io.WriteString(t.rw, line+LineEnd)
	return err
}

func (t *plainTransport) Close() error {
	return t.conn.Close()
}

func (t *plainTransport) Conn() net.Conn {
	return t.conn
}

func (t *plainTransport) Buffered() int {
	return t.rw.Buffered()
}

// tlsTransport is a control connection upgraded with AUTH TLS.
type tlsTransport struct {
	*plainTransport
	tlsConn *tls.Conn
}

// upgradeTLS performs the server side handshake over conn and returns the
// encrypted transport. The caller must not read from the old transport again.
func upgradeTLS(ctx context.Context, conn net.Conn, config *tls.Config, timeout time.Duration, logger *slog.Logger) (*tlsTransport, error) {
	tlsConn := tls.Server(conn, config)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	return &tlsTransport{
		plainTransport: newPlainTransport(tlsConn, logger),
		tlsConn:        tlsConn,
	}, nil
}

// ConnectionState returns the negotiated TLS parameters.
func (t *tlsTransport) ConnectionState() tls.ConnectionState {
	return t.tlsConn.ConnectionState()
}
