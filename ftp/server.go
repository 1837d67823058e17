package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/williamconnell/angry-ftp/filesystem"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Close.
var ErrServerClosed = errors.New("ftp: server closed")

const (
	DefaultAddr           = ":21"
	DefaultPasvMinPort    = 16384
	DefaultPasvMaxPort    = MaxDataPort
	DefaultMaxConnections = 256
	DefaultDataTimeout    = time.Minute
)

// Config is the configuration of a Server.
type Config struct {
	// Addr is the TCP address to listen on, ":21" if empty.
	Addr string
	// PublicIPv4 is the address advertised in PASV replies. When empty the
	// local address of the control connection is used.
	PublicIPv4 string
	// PasvMinPort and PasvMaxPort bound the passive listener ports. Both are
	// clamped to 1..MaxDataPort. When both are 0 the OS picks the port.
	PasvMinPort int
	PasvMaxPort int
	// TLSConfig holds the certificate used by AUTH TLS. AUTH TLS is refused when nil.
	TLSConfig *tls.Config
	// MaxConnections is the number of sessions served at the same time.
	MaxConnections int64
	// DataTimeout bounds connecting and accepting a data connection. Zero waits forever.
	DataTimeout time.Duration
}

// Server accepts control connections and runs one Session for each of them
// on a bounded pool.
type Server struct {
	config   Config
	fs       filesystem.FS
	publicIP net.IP
	logger   *slog.Logger

	pool           *semaphore.Weighted
	sessionManager *SessionManager
	nextID         atomic.Uint64
	connections    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer returns a server serving fsys with the given configuration.
func NewServer(config Config, fsys filesystem.FS) (*Server, error) {
	if fsys == nil {
		return nil, errors.New("a filesystem is required")
	}
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}

	if config.PasvMinPort != 0 || config.PasvMaxPort != 0 {
		config.PasvMinPort = clampPort(config.PasvMinPort)
		config.PasvMaxPort = clampPort(config.PasvMaxPort)
		if config.PasvMinPort > config.PasvMaxPort {
			return nil, fmt.Errorf("passive port range %d-%d is empty", config.PasvMinPort, config.PasvMaxPort)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         config,
		fs:             fsys,
		pool:           semaphore.NewWeighted(config.MaxConnections),
		sessionManager: NewSessionManager(),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.SetLogger(nil)
	if config.PublicIPv4 != "" {
		if err := s.SetPublicServerIPv4(config.PublicIPv4); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func clampPort(port int) int {
	return min(max(port, 1), MaxDataPort)
}

// SetPublicServerIPv4 sets the address advertised in PASV replies.
func (s *Server) SetPublicServerIPv4(ip string) error {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return fmt.Errorf("invalid public IPv4 address %q", ip)
	}
	s.publicIP = parsed
	return nil
}

// passiveIP returns the IPv4 address a PASV reply advertises for conn, or
// nil when there is none.
func (s *Server) passiveIP(conn net.Conn) net.IP {
	if s.publicIP != nil {
		return s.publicIP
	}
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP.To4()
}

// SetLogger sets the logger for the server. A nil logger means slog.Default.
// It must be called before the server starts serving.
func (s *Server) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default().With("module", "ftp-server")
	}
	s.logger = l
}

// Logger returns the logger for the server.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Sessions returns the manager holding the live sessions.
func (s *Server) Sessions() *SessionManager {
	return s.sessionManager
}

// Addr returns the address the server listens on, nil before it listens.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("error starting server: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close. A connection is only
// accepted once a slot in the pool is free.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.Logger().Info("FTP server listening", "addr", listener.Addr().String(), "max_connections", s.config.MaxConnections)

	var tempDelay time.Duration
	for {
		if err := s.pool.Acquire(s.ctx, 1); err != nil {
			return ErrServerClosed
		}

		conn, err := listener.Accept()
		if err != nil {
			s.pool.Release(1)
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				s.Logger().Warn("Error accepting connection, retrying", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("error accepting connection: %w", err)
		}
		tempDelay = 0

		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			defer s.pool.Release(1)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	id := strconv.FormatUint(s.nextID.Add(1), 10)
	session := newSession(id, s, conn)

	s.sessionManager.Add(id, session)
	defer s.sessionManager.Remove(id)
	if s.ctx.Err() != nil {
		session.Close()
		return
	}

	session.logger.Info("client connected", "sessions", s.sessionManager.Len())
	err := session.serve(s.ctx)
	if closeErr := session.Close(); closeErr != nil {
		err = multierror.Append(err, closeErr)
	}
	session.transfers.Wait()

	if err != nil {
		session.logger.Error("session ended with error", "error", err)
		return
	}
	session.logger.Info("client disconnected")
}

// Close stops accepting connections and closes every live session, aborting
// their transfers. It waits for the session goroutines to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	listener := s.listener
	s.mu.Unlock()

	var result *multierror.Error
	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
		}
	}
	if err := s.sessionManager.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}
	s.connections.Wait()

	s.Logger().Info("FTP server closed")
	return result.ErrorOrNil()
}
