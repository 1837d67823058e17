package sftp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/williamconnell/angry-ftp/filesystem"
	"github.com/williamconnell/angry-ftp/keys"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Close.
var ErrServerClosed = errors.New("sftp: server closed")

// Server mirrors a filesystem.FS over SFTP. Like the FTP side it accepts any
// user name and password.
type Server struct {
	Addr       string
	PrivateKey []byte
	logger     *slog.Logger
	fs         filesystem.FS
	sshConfig  *ssh.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewSFTPServer(addr string, fs filesystem.FS) *Server {
	return &Server{
		Addr:  addr,
		fs:    fs,
		conns: make(map[net.Conn]struct{}),
	}
}

// SetPrivateKey sets the private key for the server.
// if not called the server will generate a new key
func (s *Server) SetPrivateKey(pk []byte) {
	s.PrivateKey = pk
}

func (s *Server) SetPrivateKeyFile(pk string) error {
	file, err := os.ReadFile(pk)
	if err != nil {
		return fmt.Errorf("error reading private key file: %w", err)
	}
	if _, err := ssh.ParsePrivateKey(file); err != nil {
		return fmt.Errorf("error parsing private key file: %w", err)
	}
	s.PrivateKey = file
	return nil
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Logger returns the logger for the server.
func (s *Server) Logger() *slog.Logger {
	if s.logger == nil {
		return slog.Default().With("module", "sftp-server")
	}
	return s.logger
}

func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(listener)
}

func (s *Server) configure() error {
	// Generate a new key pair if not set.
	if s.PrivateKey == nil {
		pk, _, err := keys.GeneratesRSAKeys(2048)
		if err != nil {
			return fmt.Errorf("error generating RSA keys: %w", err)
		}
		s.PrivateKey = pk
	}

	privateKey, err := ssh.ParsePrivateKey(s.PrivateKey)
	if err != nil {
		return fmt.Errorf("error parsing private key: %w", err)
	}

	s.sshConfig = &ssh.ServerConfig{
		PasswordCallback: s.AuthHandler,
	}
	s.sshConfig.AddHostKey(privateKey)
	return nil
}

// Serve accepts SSH connections on listener until Close.
func (s *Server) Serve(listener net.Listener) error {
	if s.isClosed() {
		listener.Close()
		return ErrServerClosed
	}
	if err := s.configure(); err != nil {
		listener.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.Logger().Info("SFTP server listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.Logger().Warn("Failed to accept incoming connection", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("error accepting connection: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.sshHandler(conn)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Close closes the listener and every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var result *multierror.Error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
		}
	}
	for conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger().Info("SFTP server closed")
	return result.ErrorOrNil()
}

// AuthHandler is called by the SSH server when a client attempts to authenticate.
// Every user is let in.
func (s *Server) AuthHandler(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	s.Logger().Debug("Login attempt", "user", c.User(), "remote_addr", c.RemoteAddr().String())
	return nil, nil
}

func (s *Server) sshHandler(conn net.Conn) {
	defer conn.Close()

	// Upgrade the connection to an SSH connection.
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		s.Logger().Error("Failed to handshake", "error", err)
		return
	}
	defer sshConn.Close()

	logger := s.Logger().With("remote_addr", sshConn.RemoteAddr().String(), "user", sshConn.User())
	logger.Info(
		"New SSH connection",
		"client_version", string(sshConn.ClientVersion()),
		"server_version", string(sshConn.ServerVersion()),
	)
	// The incoming Request channel must be serviced.
	go ssh.DiscardRequests(reqs)

	// Service the incoming Channel channel.
	for newChannel := range chans {
		// The SFTP server operates over a single channel of type "session".
		logger.Debug("Incoming channel", "channel_type", newChannel.ChannelType())
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			logger.Error("Could not accept channel", "error", err)
			return
		}

		go s.filterHandler(requests, logger)

		session := &Sessions{fs: s.fs, logger: logger, UserInfo: sshConn}
		server := sftp.NewRequestServer(channel, NewFileSys(session))
		if err := server.Serve(); err == io.EOF {
			logger.Info("sftp client exited session.")
		} else if err != nil {
			logger.Error("sftp server completed with error", "error", err)
		}
		server.Close()
	}
}

// filterHandler accepts the sftp subsystem request and refuses everything else.
func (s *Server) filterHandler(in <-chan *ssh.Request, logger *slog.Logger) {
	for req := range in {
		logger.Debug("Request", "type", req.Type)

		ok := false
		switch req.Type {
		case "subsystem":
			if len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp" {
				ok = true
			}
		}
		if err := req.Reply(ok, nil); err != nil {
			logger.Error("Failed to reply", "error", err)
			return
		}
	}
}
