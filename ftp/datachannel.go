package ftp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/williamconnell/angry-ftp/filesystem"
)

// ChunkSize is the size of every read and write a transfer makes.
const ChunkSize = 4096

// ephemeralAttempts bounds how often the OS is asked for an ephemeral passive
// port before falling back to scanning the port range.
const ephemeralAttempts = 16

// ErrNoDataChannel is returned when a transfer is started before PORT, EPRT, PASV or EPSV.
var ErrNoDataChannel = errors.New("no data channel")

// DataMode is how the data connection of a transfer is established.
type DataMode int

const (
	ModeNone    DataMode = iota // nothing negotiated yet
	ModeActive                  // the server connects to the client
	ModePassive                 // the client connects to the server
)

func (m DataMode) String() string {
	switch m {
	case ModeActive:
		return "ACTIVE"
	case ModePassive:
		return "PASSIVE"
	default:
		return "NONE"
	}
}

// DataChannel is the negotiated data connection of one session. Installing a
// new mode releases whatever the previous one held, so a session owns at
// most one passive listener. A passive listener is reused by every transfer
// until it is replaced.
type DataChannel struct {
	mu       sync.Mutex
	mode     DataMode
	target   Endpoint
	listener net.Listener
	active   map[net.Conn]struct{} // data connections of running transfers

	fs        filesystem.FS
	transfers *sync.WaitGroup
	logger    *slog.Logger

	minPort int
	maxPort int
	timeout time.Duration
}

func newDataChannel(fsys filesystem.FS, transfers *sync.WaitGroup, minPort, maxPort int, timeout time.Duration, logger *slog.Logger) *DataChannel {
	return &DataChannel{
		fs:        fsys,
		transfers: transfers,
		logger:    logger,
		minPort:   minPort,
		maxPort:   maxPort,
		timeout:   timeout,
		active:    make(map[net.Conn]struct{}),
	}
}

// Mode returns the currently installed mode.
func (d *DataChannel) Mode() DataMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// InstallActive remembers the client endpoint. No connection is made until a transfer starts.
func (d *DataChannel) InstallActive(target Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeListener()
	d.mode = ModeActive
	d.target = target
}

// InstallPassive closes the previous passive listener and binds a new one on
// requestedPort, or on any port in 1..MaxDataPort when requestedPort is 0.
// It returns the bound port.
func (d *DataChannel) InstallPassive(requestedPort int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeListener()
	d.mode = ModeNone

	var (
		listener net.Listener
		port     int
		err      error
	)
	if requestedPort != 0 {
		listener, err = net.Listen("tcp", ":"+strconv.Itoa(requestedPort))
		port = requestedPort
	} else {
		listener, port, err = d.listenRepresentable()
	}
	if err != nil {
		return 0, fmt.Errorf("error listening for data connection: %w", err)
	}

	d.listener = listener
	d.mode = ModePassive
	d.logger.Debug("passive listener ready", "port", port)
	return port, nil
}

// listenRepresentable binds a port the PASV and EPSV replies can express.
func (d *DataChannel) listenRepresentable() (net.Listener, int, error) {
	if d.minPort > 0 && d.maxPort >= d.minPort {
		return findAvailablePortInRange(d.minPort, d.maxPort)
	}

	for i := 0; i < ephemeralAttempts; i++ {
		listener, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, 0, err
		}
		port := listener.Addr().(*net.TCPAddr).Port
		if port >= 1 && port <= MaxDataPort {
			return listener, port, nil
		}
		listener.Close()
	}
	return findAvailablePortInRange(1024, MaxDataPort)
}

// findAvailablePortInRange finds an available port in the given range,
// starting the scan at a random offset so concurrent sessions spread out.
// It returns a listener on the available port and the port number.
func findAvailablePortInRange(start, end int) (net.Listener, int, error) {
	size := end - start + 1
	offset := rand.Intn(size)
	for i := 0; i < size; i++ {
		port := start + (offset+i)%size
		listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err == nil {
			return listener, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no available ports found in range %d-%d", start, end)
}

// Close releases the passive listener and aborts running transfers.
func (d *DataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = ModeNone
	err := d.closeListener()
	for conn := range d.active {
		conn.Close()
		delete(d.active, conn)
	}
	return err
}

func (d *DataChannel) closeListener() error {
	if d.listener == nil {
		return nil
	}
	err := d.listener.Close()
	d.listener = nil
	return err
}

// openConnection dials the active target or accepts one connection on the
// passive listener.
func (d *DataChannel) openConnection() (net.Conn, error) {
	d.mu.Lock()
	mode, target, listener := d.mode, d.target, d.listener
	d.mu.Unlock()

	switch mode {
	case ModeActive:
		dialer := net.Dialer{Timeout: d.timeout}
		conn, err := dialer.Dial("tcp", target.String())
		if err != nil {
			return nil, fmt.Errorf("error connecting to data port: %w", err)
		}
		return conn, nil
	case ModePassive:
		if tcp, ok := listener.(*net.TCPListener); ok && d.timeout > 0 {
			tcp.SetDeadline(time.Now().Add(d.timeout))
		}
		conn, err := listener.Accept()
		if err != nil {
			return nil, fmt.Errorf("error accepting data connection: %w", err)
		}
		return conn, nil
	default:
		return nil, ErrNoDataChannel
	}
}

// TransferList sends the listing of dirPath. It returns false if no data
// connection could be opened; otherwise the listing is written in the
// background and onComplete is called once the data connection is closed.
func (d *DataChannel) TransferList(dirPath string, onComplete func(error)) bool {
	return d.start(LIST, dirPath, onComplete, func(conn net.Conn) (int64, error) {
		entries, err := d.fs.Dir(dirPath)
		if err != nil {
			return 0, err
		}
		checker, _ := d.fs.(accessChecker)

		var written int64
		for _, line := range listLines(dirPath, entries, checker, time.Now()) {
			n, err := io.WriteString(conn, line+LineEnd)
			written += int64(n)
			if err != nil {
				return written, err
			}
		}
		return written, nil
	})
}

// TransferRetrieve streams the file at filePath to the client.
func (d *DataChannel) TransferRetrieve(filePath string, onComplete func(error)) bool {
	return d.start(RETR, filePath, onComplete, func(conn net.Conn) (int64, error) {
		file, err := d.fs.Open(filePath)
		if err != nil {
			return 0, err
		}
		defer file.Close()
		return copyChunks(conn, file)
	})
}

// TransferStore writes everything the client sends into filePath.
func (d *DataChannel) TransferStore(filePath string, onComplete func(error)) bool {
	return d.start(STOR, filePath, onComplete, func(conn net.Conn) (int64, error) {
		file, err := d.fs.Create(filePath)
		if err != nil {
			return 0, err
		}
		n, err := copyChunks(file, conn)
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		return n, err
	})
}

func (d *DataChannel) start(command Command, name string, onComplete func(error), transfer func(net.Conn) (int64, error)) bool {
	conn, err := d.openConnection()
	if err != nil {
		d.logger.Error("data connection failed", "command", command, "path", name, "error", err)
		return false
	}

	d.mu.Lock()
	d.active[conn] = struct{}{}
	d.mu.Unlock()

	d.transfers.Add(1)
	go func() {
		defer d.transfers.Done()
		started := time.Now()

		n, err := transfer(conn)
		d.mu.Lock()
		delete(d.active, conn)
		d.mu.Unlock()
		if closeErr := conn.Close(); err == nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}

		if err != nil {
			d.logger.Error("transfer failed", "command", command, "path", name, "bytes", n, "error", err)
		} else {
			d.logger.Info("transfer_complete", "command", command, "path", name, "bytes", n, "duration", time.Since(started))
		}
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return true
}

// copyChunks copies src to dst ChunkSize bytes at a time until src is exhausted.
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, err := dst.Write(buf[:nr])
			written += int64(nw)
			if err != nil {
				return written, err
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
