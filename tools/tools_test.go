package tools

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopback struct {
	in  io.Reader
	out *bytes.Buffer
}

func (l *loopback) Read(b []byte) (int, error)  { return l.in.Read(b) }
func (l *loopback) Write(b []byte) (int, error) { return l.out.Write(b) }

func TestBufLogReadWriter(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	conn := &loopback{in: bytes.NewBufferString("USER bob\r\nPASS hunter2\r\n"), out: &bytes.Buffer{}}

	rw := NewBufLogReadWriter(conn, logger, RedactPassword)

	line, err := rw.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "USER bob\r\n", line)
	line, err = rw.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PASS hunter2\r\n", line)
	_, err = rw.ReadLine()
	assert.ErrorIs(t, err, io.EOF)

	_, err = io.WriteString(rw, "230 ok\r\n")
	require.NoError(t, err)
	assert.Equal(t, "230 ok\r\n", conn.out.String())

	assert.NotContains(t, logs.String(), "hunter2")
	assert.Contains(t, logs.String(), "USER bob")
	assert.Contains(t, logs.String(), "230 ok")
}

func TestBufLogReadWriter_RedactsWholeLines(t *testing.T) {
	tests := []struct {
		name string
		in   io.Reader
	}{
		{"one byte per read", iotest.OneByteReader(strings.NewReader("PASS hunter2\r\nNOOP\r\n"))},
		{"split inside the verb", io.MultiReader(strings.NewReader("PA"), strings.NewReader("SS hunter2\r\nNOOP\r\n"))},
		{"split inside the password", io.MultiReader(strings.NewReader("PASS hun"), strings.NewReader("ter2\r\nNOOP\r\n"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
			rw := NewBufLogReadWriter(&loopback{in: tt.in, out: &bytes.Buffer{}}, logger, RedactPassword)

			line, err := rw.ReadLine()
			require.NoError(t, err)
			assert.Equal(t, "PASS hunter2\r\n", line)
			line, err = rw.ReadLine()
			require.NoError(t, err)
			assert.Equal(t, "NOOP\r\n", line)

			assert.NotContains(t, logs.String(), "hunter")
			assert.NotContains(t, logs.String(), "ter2")
			assert.Contains(t, logs.String(), "PASS ****")
			assert.Equal(t, 2, strings.Count(logs.String(), "msg=Request"))
		})
	}
}

func TestBufLogReadWriter_MaxLine(t *testing.T) {
	long := strings.Repeat("x", 10000)
	conn := &loopback{in: strings.NewReader("PASS " + long + "\r\nNOOP\r\nUSER " + long), out: &bytes.Buffer{}}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rw := NewBufLogReadWriter(conn, logger, RedactPassword)
	rw.MaxLine = 100

	_, err := rw.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
	// the long line is skipped through its terminator
	line, err := rw.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "NOOP\r\n", line)
	// no terminator before EOF
	_, err = rw.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
	_, err = rw.ReadLine()
	assert.ErrorIs(t, err, io.EOF)

	assert.NotContains(t, logs.String(), "xxxx")
	assert.Zero(t, rw.Buffered())
}

func TestRedactPassword(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PASS secret", "PASS ****"},
		{"pass secret", "pass ****"},
		{"USER bob\r\nPASS secret", "USER bob\r\nPASS ****"},
		{"PWD", "PWD"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactPassword(tt.in))
		})
	}
}

func TestPrintable(t *testing.T) {
	assert.Equal(t, "abc", Printable("a\x00b\x1fc"))
	assert.Equal(t, "héllo", Printable([]byte("h\xc3\xa9llo\n")))
}
