package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hashicorp/go-multierror"

	"github.com/williamconnell/angry-ftp/filesystem"
)

// TransferType is the representation type set with TYPE. Both types move
// bytes unchanged.
type TransferType byte

const (
	TypeASCII  TransferType = 'A'
	TypeBinary TransferType = 'I'
)

type handlerMap map[Command]func(cmd Command, arg string) error

// tlsHandshakeTimeout bounds the AUTH TLS handshake.
const tlsHandshakeTimeout = 30 * time.Second

// errQuit ends the command loop after QUIT has been answered.
var errQuit = errors.New("client quit")

// Session represents an individual client FTP session.
type Session struct {
	id     string
	server *Server
	conn   net.Conn // the accepted connection, kept to close it under TLS too
	fs     filesystem.FS

	writeMu   sync.Mutex // serializes replies from the command loop and finished transfers
	transport Transport

	workingDir     string
	username       string
	transferType   TransferType
	tlsActive      bool
	upgradePending bool

	data      *DataChannel
	transfers sync.WaitGroup

	handlers handlerMap
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func newSession(id string, server *Server, conn net.Conn) *Session {
	logger := server.Logger().With("session_id", id, "remote_addr", conn.RemoteAddr().String())
	s := &Session{
		id:           id,
		server:       server,
		conn:         conn,
		fs:           server.fs,
		transport:    newPlainTransport(conn, logger),
		workingDir:   "/",
		transferType: TypeASCII,
		logger:       logger,
	}
	s.data = newDataChannel(server.fs, &s.transfers, server.config.PasvMinPort, server.config.PasvMaxPort, server.config.DataTimeout, logger)
	s.handlers = handlerMap{
		USER: s.UserCommand,                    // USER is used to specify the username
		PASS: s.PassCommand,                    // PASS is used to specify the password
		AUTH: s.AuthCommand,                    // AUTH TLS upgrades the control connection
		CWD:  s.ChangeDirectoryCommand,         // CWD is used to change the working directory
		CDUP: s.ChangeDirectoryToParentCommand, // CDUP is used to change the working directory to the parent directory
		PWD:  s.PrintWorkingDirectoryCommand,   // PWD is used to print the current working directory
		TYPE: s.TypeCommand,                    // TYPE is used to specify the type of file being transferred
		PORT: s.ActiveModeCommand,              // PORT is used to specify an address and port to which the server should connect
		EPRT: s.ExtendedActiveModeCommand,      // EPRT is the extended form of PORT
		PASV: s.PassiveModeCommand,             // PASV is used to enter passive mode
		EPSV: s.ExtendedPassiveModeCommand,     // EPSV is used to enter extended passive mode
		LIST: s.ListCommand,                    // LIST sends a directory listing over the data connection
		RETR: s.RetrieveCommand,                // RETR is used to retrieve a file from the server
		STOR: s.StoreCommand,                   // STOR is used to store a file on the server
		DELE: s.RemoveCommand,                  // DELE is used to delete a file
		SYST: s.SystemCommand,                  // SYST is used to get the system type
		FEAT: s.FeaturesCommand,                // FEAT is used to get the supported features
		OPTS: s.OptsCommand,                    // OPTS is used to specify options for the server
		NOOP: s.NoopCommand,                    // NOOP is used to keep the connection alive
		QUIT: s.CloseCommand,                   // QUIT is used to terminate the connection
	}
	return s
}

// serve runs the command loop until QUIT, a closed connection or a write error.
func (s *Session) serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("session panic: %v", r)
		}
	}()

	if err := s.reply(NewReply(StatusServiceReadyForNewUser)); err != nil {
		return err
	}

	for {
		line, err := s.transport.ReadLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				s.logger.Warn("command line too long", "limit", MaxLineLength)
				if err := s.reply(Replyf(StatusSyntaxError, "Command line too long.")); err != nil {
					return err
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("error reading from connection: %w", err)
		}

		cmd, arg := ParseCommand(line)
		if handler, ok := s.handlers[cmd]; ok {
			err = handler(cmd, arg)
		} else {
			s.logger.Debug("unknown command", "command", cmd)
			err = s.reply(NewReply(StatusSyntaxErrorNotImplemented))
		}
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}

		if s.upgradePending {
			if err := s.upgrade(ctx); err != nil {
				return err
			}
		}
	}
}

// ParseCommand splits a command line into its upper cased verb and its
// trimmed argument.
func ParseCommand(line string) (cmd Command, arg string) {
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	verb, rest := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		verb, rest = line[:i], line[i:]
	}
	return strings.ToUpper(verb), strings.TrimSpace(rest)
}

// reply writes r on the control connection.
func (s *Session) reply(r Reply) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.transport.WriteLine(r.String()); err != nil {
		return fmt.Errorf("error writing reply: %w", err)
	}
	return nil
}

// replyLines writes a multi-line reply as one unit.
func (s *Session) replyLines(lines ...string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, line := range lines {
		if err := s.transport.WriteLine(line); err != nil {
			return fmt.Errorf("error writing reply: %w", err)
		}
	}
	return nil
}

// upgrade swaps the control transport for a TLS one. The 234 reply has
// already been written when this runs.
func (s *Session) upgrade(ctx context.Context) error {
	s.upgradePending = false

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	transport, err := upgradeTLS(ctx, s.transport.Conn(), s.server.config.TLSConfig, tlsHandshakeTimeout, s.logger)
	if err != nil {
		return err
	}
	s.transport = transport
	s.tlsActive = true
	s.logger.Info("control connection upgraded to TLS", "version", tls.VersionName(transport.ConnectionState().Version))
	return nil
}

// Close closes the control connection and the data channel.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error
		if err := s.data.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing data channel: %w", err))
		}
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing control connection: %w", err))
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}

// UserCommand handles the USER command from the client.
// Any user name is accepted.
func (s *Session) UserCommand(cmd, arg string) error {
	s.username = arg
	return s.reply(NewReply(StatusUserNameOK))
}

// PassCommand handles the PASS command from the client.
// Any password is accepted.
func (s *Session) PassCommand(cmd, arg string) error {
	s.logger.Info("user logged in", "user", s.username)
	return s.reply(NewReply(StatusUserLoggedIn))
}

// AuthCommand handles the AUTH command from the client.
func (s *Session) AuthCommand(cmd, arg string) error {
	mode := strings.ToUpper(arg)
	if (mode != "TLS" && mode != "TLS-C") || s.server.config.TLSConfig == nil {
		return s.reply(NewReply(StatusCommandNotImplementedForParam))
	}
	if s.tlsActive {
		return s.reply(NewReply(StatusBadSequenceOfCommands))
	}
	// the handshake reads the raw connection, anything already buffered would be lost
	if n := s.transport.Buffered(); n > 0 {
		s.logger.Warn("refusing AUTH with pipelined input", "buffered", n)
		return s.reply(Replyf(StatusBadSequenceOfCommands, "Commands received after AUTH, upgrade refused."))
	}
	if err := s.reply(NewReply(StatusSecurityExchangeOK)); err != nil {
		return err
	}
	s.upgradePending = true
	return nil
}

// PrintWorkingDirectoryCommand handles the PWD command from the client.
func (s *Session) PrintWorkingDirectoryCommand(cmd, arg string) error {
	return s.reply(replyPWD(s.workingDir))
}

// ChangeDirectoryCommand handles the CWD command from the client.
func (s *Session) ChangeDirectoryCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(NewReply(StatusSyntaxErrorInParameters))
	}
	return s.changeDirectory(Resolve(s.workingDir, arg))
}

// ChangeDirectoryToParentCommand handles the CDUP command from the client.
func (s *Session) ChangeDirectoryToParentCommand(cmd, arg string) error {
	return s.changeDirectory(parentPath(s.workingDir))
}

func (s *Session) changeDirectory(requestedDir string) error {
	if err := s.fs.CheckDir(requestedDir); err != nil {
		s.logger.Debug("change directory failed", "dir", requestedDir, "error", err)
		return s.reply(NewReply(StatusFileUnavailable))
	}
	s.workingDir = requestedDir
	return s.reply(NewReply(StatusFileActionOK))
}

// TypeCommand handles the TYPE command from the client.
// Types A and I are accepted with an optional N (non print) format.
func (s *Session) TypeCommand(cmd, arg string) error {
	fields := strings.Fields(strings.ToUpper(arg))
	if len(fields) == 0 {
		return s.reply(NewReply(StatusSyntaxErrorNotImplemented))
	}

	var transferType TransferType
	switch fields[0] {
	case "A":
		transferType = TypeASCII
	case "I":
		transferType = TypeBinary
	default:
		return s.reply(NewReply(StatusCommandNotImplementedForParam))
	}
	if len(fields) > 2 || (len(fields) == 2 && fields[1] != "N") {
		return s.reply(NewReply(StatusCommandNotImplementedForParam))
	}

	s.transferType = transferType
	return s.reply(NewReply(StatusCommandOK))
}

// ActiveModeCommand handles the PORT command from the client.
func (s *Session) ActiveModeCommand(cmd, arg string) error {
	target, err := ParsePORT(arg)
	if err != nil {
		s.logger.Debug("bad PORT argument", "arg", arg, "error", err)
		return s.reply(NewReply(StatusSyntaxErrorInParameters))
	}
	s.data.InstallActive(target)
	return s.reply(NewReply(StatusCommandOK))
}

// ExtendedActiveModeCommand handles the EPRT command from the client.
func (s *Session) ExtendedActiveModeCommand(cmd, arg string) error {
	target, err := ParseEPRT(arg)
	switch {
	case errors.Is(err, ErrUnsupportedProtocol):
		return s.reply(NewReply(StatusNetworkProtocolNotSupported))
	case err != nil:
		s.logger.Debug("bad EPRT argument", "arg", arg, "error", err)
		return s.reply(NewReply(StatusSyntaxErrorInParameters))
	}
	s.data.InstallActive(target)
	return s.reply(NewReply(StatusCommandOK))
}

// PassiveModeCommand handles the PASV command from the client.
func (s *Session) PassiveModeCommand(cmd, arg string) error {
	ip := s.server.passiveIP(s.conn)
	if ip == nil {
		// an IPv6 only control connection has to use EPSV
		return s.reply(NewReply(StatusCantOpenDataConnection))
	}

	port, err := s.data.InstallPassive(0)
	if err != nil {
		s.logger.Error("passive mode failed", "error", err)
		return s.reply(NewReply(StatusCantOpenDataConnection))
	}
	return s.reply(Replyf(StatusEnteringPassiveMode, "Entering Passive Mode %s", FormatPASV(ip, port)))
}

// ExtendedPassiveModeCommand handles the EPSV command from the client.
func (s *Session) ExtendedPassiveModeCommand(cmd, arg string) error {
	requested, err := ParseEPSV(arg)
	switch {
	case errors.Is(err, ErrUnsupportedProtocol):
		return s.reply(NewReply(StatusNetworkProtocolNotSupported))
	case err != nil:
		s.logger.Debug("bad EPSV argument", "arg", arg, "error", err)
		return s.reply(NewReply(StatusSyntaxErrorInParameters))
	}

	port, err := s.data.InstallPassive(requested)
	if err != nil {
		s.logger.Error("extended passive mode failed", "error", err)
		return s.reply(NewReply(StatusCantOpenDataConnection))
	}
	return s.reply(Replyf(StatusEnteringExtendedPassiveMode, "Entering Extended Passive Mode %s", FormatEPSV(port)))
}

// ListCommand handles the LIST command from the client.
func (s *Session) ListCommand(cmd, arg string) error {
	dir := s.workingDir
	if arg = stripListOptions(arg); arg != "" {
		dir = Resolve(s.workingDir, arg)
	}
	if err := s.fs.CheckDir(dir); err != nil {
		s.logger.Debug("list failed", "dir", dir, "error", err)
		return s.reply(NewReply(StatusRequestedFileActionNotTaken))
	}
	return s.startTransfer(LIST, StatusRequestedFileActionNotTaken, func(onComplete func(error)) bool {
		return s.data.TransferList(dir, onComplete)
	})
}

// RetrieveCommand handles the RETR command from the client.
func (s *Session) RetrieveCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(NewReply(StatusActionNotTaken))
	}
	fileName := Resolve(s.workingDir, arg)
	info, err := s.fs.Stat(fileName)
	if err != nil || info.IsDir() {
		s.logger.Debug("retrieve failed", "file", fileName, "error", err)
		return s.reply(NewReply(StatusActionNotTaken))
	}
	return s.startTransfer(RETR, StatusActionNotTaken, func(onComplete func(error)) bool {
		return s.data.TransferRetrieve(fileName, onComplete)
	})
}

// StoreCommand handles the STOR command from the client.
func (s *Session) StoreCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(NewReply(StatusActionNotTaken))
	}
	fileName := Resolve(s.workingDir, arg)
	if err := s.fs.CheckDir(parentPath(fileName)); err != nil {
		s.logger.Debug("store failed", "file", fileName, "error", err)
		return s.reply(NewReply(StatusActionNotTaken))
	}
	if info, err := s.fs.Stat(fileName); err == nil && info.IsDir() {
		return s.reply(NewReply(StatusActionNotTaken))
	}
	return s.startTransfer(STOR, StatusActionNotTaken, func(onComplete func(error)) bool {
		return s.data.TransferStore(fileName, onComplete)
	})
}

// RemoveCommand handles the DELE command from the client.
func (s *Session) RemoveCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(NewReply(StatusActionNotTaken))
	}
	fileName := Resolve(s.workingDir, arg)
	info, err := s.fs.Stat(fileName)
	if err != nil || info.IsDir() {
		return s.reply(NewReply(StatusActionNotTaken))
	}
	if err := s.fs.Remove(fileName); err != nil {
		s.logger.Error("delete failed", "file", fileName, "error", err)
		return s.reply(NewReply(StatusFileUnavailable))
	}
	return s.reply(NewReply(StatusFileActionOK))
}

// startTransfer opens the data connection through run and answers 150. The
// completion reply of the transfer is held back until the 150 is written.
func (s *Session) startTransfer(command Command, failure StatusCode, run func(onComplete func(error)) bool) error {
	passive := s.data.Mode() == ModePassive
	announced := make(chan struct{})

	ok := run(func(err error) {
		<-announced
		r := NewReply(StatusClosingDataConnection)
		if err != nil {
			r = NewReply(StatusConnectionClosedTransferAborted)
		}
		if err := s.reply(r); err != nil {
			s.logger.Debug("completion reply not sent", "command", command, "error", err)
		}
	})
	if !ok {
		close(announced)
		return s.reply(NewReply(failure))
	}

	err := s.reply(replyOpening(passive, command))
	close(announced)
	return err
}

// SystemCommand returns the system type.
func (s *Session) SystemCommand(cmd, arg string) error {
	return s.reply(NewReply(StatusNameSystemType))
}

// FeaturesCommand lists the extensions on top of RFC 959.
func (s *Session) FeaturesCommand(cmd, arg string) error {
	lines := []string{"211-Features:", " EPRT", " EPSV", " PASV"}
	if s.server.config.TLSConfig != nil {
		lines = append(lines, " AUTH TLS")
	}
	lines = append(lines, " UTF8", "211 End")
	return s.replyLines(lines...)
}

// OptsCommand handles the OPTS command from the client.
func (s *Session) OptsCommand(cmd, arg string) error {
	switch strings.ToUpper(arg) {
	case "UTF8 ON", "UTF8":
		return s.reply(Replyf(StatusCommandOK, "Always in UTF8 mode."))
	default:
		return s.reply(NewReply(StatusSyntaxErrorInParameters))
	}
}

// NoopCommand handles the NOOP command from the client.
func (s *Session) NoopCommand(cmd, arg string) error {
	return s.reply(NewReply(StatusCommandOK))
}

// CloseCommand handles the QUIT command. Running transfers finish first.
func (s *Session) CloseCommand(cmd, arg string) error {
	s.transfers.Wait()
	if err := s.reply(NewReply(StatusServiceClosingControlConnection)); err != nil {
		return err
	}
	return errQuit
}
