package tools

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// ErrLineTooLong is returned by ReadLine when no line terminator shows up
// within MaxLine bytes.
var ErrLineTooLong = errors.New("line too long")

// BufLogReadWriter reads CRLF terminated lines through a bufio.Reader and
// writes straight through. Every complete line read and every write is
// logged at debug level.
type BufLogReadWriter struct {
	reader *bufio.Reader
	writer io.Writer
	logger *slog.Logger
	// Redact, when set, rewrites the logged text. The bytes on the wire are not touched.
	Redact func(string) string
	// MaxLine caps the length of a line, terminator included. Zero means no limit.
	MaxLine int
}

// NewBufLogReadWriter creates a new BufLogReadWriter over rw. Writes are not
// buffered, so a reply is on the wire as soon as Write returns.
func NewBufLogReadWriter(rw io.ReadWriter, logger *slog.Logger, redact func(string) string) *BufLogReadWriter {
	return &BufLogReadWriter{
		reader: bufio.NewReader(rw),
		writer: rw,
		logger: logger,
		Redact: redact,
	}
}

// ReadLine reads until and including the next '\n'. On error it returns the
// bytes read so far, like bufio.Reader.ReadString. A line longer than MaxLine
// is skipped up to its terminator and reported as ErrLineTooLong.
func (rw *BufLogReadWriter) ReadLine() (string, error) {
	var line []byte
	for {
		chunk, err := rw.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if rw.MaxLine > 0 && len(line) > rw.MaxLine {
			if errors.Is(err, bufio.ErrBufferFull) {
				rw.discardLine()
			}
			if rw.logger != nil {
				rw.logger.Debug("Request line too long", "bytes", len(line))
			}
			return "", ErrLineTooLong
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(line) > 0 {
			rw.log("Request", string(line))
		}
		return string(line), err
	}
}

// discardLine drops input through the next '\n'.
func (rw *BufLogReadWriter) discardLine() {
	for {
		_, err := rw.reader.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// Buffered returns the number of bytes read from the connection but not yet
// returned by ReadLine.
func (rw *BufLogReadWriter) Buffered() int {
	return rw.reader.Buffered()
}

func (rw *BufLogReadWriter) Write(b []byte) (int, error) {
	rw.log("Respond", string(b))
	return rw.writer.Write(b)
}

func (rw *BufLogReadWriter) log(msg, s string) {
	if rw.logger == nil {
		return
	}
	s = strings.TrimRight(s, "\r\n")
	if rw.Redact != nil {
		s = rw.Redact(s)
	}
	rw.logger.Debug(msg, "body", s)
}

// RedactPassword masks the argument of every PASS command in s.
func RedactPassword(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		if len(trimmed) >= 4 && strings.EqualFold(trimmed[:4], "PASS") {
			lines[i] = trimmed[:4] + " ****"
		}
	}
	return strings.Join(lines, "\n")
}
