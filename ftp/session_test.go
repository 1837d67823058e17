package ftp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamconnell/angry-ftp/filesystem"
	"github.com/williamconnell/angry-ftp/keys"
)

func TestSession_Greeting(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)

	assert.Equal(t, "215 UNIX Type: L8", c.cmd("SYST"))
	assert.Equal(t, "200 OK.", c.cmd("NOOP"))
	assert.Equal(t, "221 Service closing control connection.", c.cmd("QUIT"))

	_, err := c.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSession_UnknownCommand(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)

	assert.Equal(t, "502 Command not implemented.", c.cmd("FOO bar"))
	assert.Equal(t, "502 Command not implemented.", c.cmd("MKD newdir"))
	// the connection stays usable
	assert.Equal(t, "200 OK.", c.cmd("noop"))
}

func TestSession_Navigation(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)
	c.login()

	steps := []struct {
		line string
		want string
	}{
		{"PWD", `257 "/" is current directory.`},
		{"CDUP", "250 Requested file action okay, completed."},
		{"PWD", `257 "/" is current directory.`},
		{"CWD data", "250 Requested file action okay, completed."},
		{"PWD", `257 "/data" is current directory.`},
		{"CWD sub", "250 Requested file action okay, completed."},
		{"PWD", `257 "/data/sub" is current directory.`},
		{"CWD ../../../..", "250 Requested file action okay, completed."},
		{"PWD", `257 "/" is current directory.`},
		{"CWD /data/readme.txt", "550 Requested action not taken. File unavailable (e.g., file not found, no access)."},
		{"CWD missing", "550 Requested action not taken. File unavailable (e.g., file not found, no access)."},
		{"CWD", "501 Syntax error in parameters or arguments."},
		{"PWD", `257 "/" is current directory.`},
		{"CWD /data/sub", "250 Requested file action okay, completed."},
		{"CDUP", "250 Requested file action okay, completed."},
		{"PWD", `257 "/data" is current directory.`},
	}
	for _, step := range steps {
		assert.Equal(t, step.want, c.cmd(step.line), step.line)
	}
}

func TestSession_Type(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)

	tests := []struct {
		line string
		want string
	}{
		{"TYPE A", "200 OK."},
		{"TYPE I", "200 OK."},
		{"TYPE a", "200 OK."},
		{"TYPE A N", "200 OK."},
		{"TYPE E", "504 Command not implemented for that parameter."},
		{"TYPE L 8", "504 Command not implemented for that parameter."},
		{"TYPE A T", "504 Command not implemented for that parameter."},
		{"TYPE", "502 Command not implemented."},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, c.cmd(tt.line))
		})
	}
}

func TestSession_Features(t *testing.T) {
	config := Config{TLSConfig: testTLSConfig(t)}
	_, addr := startTestServer(t, config, newTestRoot(t))
	c := dialTestClient(t, addr)

	require.NoError(t, c.PrintfLine("FEAT"))
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if strings.HasPrefix(line, "211 ") {
			break
		}
	}
	assert.Equal(t, []string{"211-Features:", " EPRT", " EPSV", " PASV", " AUTH TLS", " UTF8", "211 End"}, lines)

	assert.Equal(t, "200 Always in UTF8 mode.", c.cmd("OPTS UTF8 ON"))
	assert.Equal(t, "501 Syntax error in parameters or arguments.", c.cmd("OPTS MLST type;"))
}

func TestSession_PassiveList(t *testing.T) {
	root := newTestRoot(t)
	tenDaysAgo := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "data", "readme.txt"), tenDaysAgo, tenDaysAgo))

	_, addr := startTestServer(t, Config{}, root)
	c := dialTestClient(t, addr)
	c.login()

	assert.Equal(t, "250 Requested file action okay, completed.", c.cmd("CWD data"))
	data := dialData(t, c.pasv())

	assert.Equal(t, "150 Opening PASSIVE mode data transfer for LIST.", c.cmd("LIST"))
	listing, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect("226 Closing data connection, file transfer successful.")

	lines := strings.Split(strings.TrimSuffix(string(listing), "\r\n"), "\r\n")
	require.Len(t, lines, 2)
	assert.Regexp(t, `^-rw-r--r--   1 ftp        ftp                 5 [A-Z][a-z]{2} \d{2} \d{2}:\d{2} readme\.txt$`, lines[0])
	assert.Regexp(t, `^drwx.{6}   1 ftp        ftp        +\d+ [A-Z][a-z]{2} \d{2} \d{2}:\d{2} sub$`, lines[1])
	assert.Contains(t, lines[0], tenDaysAgo.UTC().Format("Jan 02 15:04"))
}

func TestSession_ListOptionsAndPath(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)
	c.login()

	data := dialData(t, c.pasv())
	assert.Equal(t, "150 Opening PASSIVE mode data transfer for LIST.", c.cmd("LIST -la /data/sub"))
	listing, err := io.ReadAll(data)
	require.NoError(t, err)
	assert.Empty(t, listing)
	c.expect("226 Closing data connection, file transfer successful.")

	assert.Equal(t, "450 Requested file action not taken.", c.cmd("LIST /missing"))
}

func TestSession_PassiveListenerIsReused(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)
	c.login()

	dataAddr := c.pasv()
	for i := 0; i < 2; i++ {
		data := dialData(t, dataAddr)
		assert.Equal(t, "150 Opening PASSIVE mode data transfer for LIST.", c.cmd("LIST"))
		_, err := io.ReadAll(data)
		require.NoError(t, err)
		c.expect("226 Closing data connection, file transfer successful.")
	}
}

func TestSession_PassiveReplacesListener(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)
	c.login()

	first := c.pasv()
	second := c.pasv()

	// the first listener is gone unless the same port was picked again
	if first != second {
		if conn, err := net.DialTimeout("tcp", first, time.Second); err == nil {
			conn.Close()
			t.Fatalf("first passive listener %s still accepts connections", first)
		}
	}

	data := dialData(t, second)
	assert.Equal(t, "150 Opening PASSIVE mode data transfer for LIST.", c.cmd("LIST"))
	_, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect("226 Closing data connection, file transfer successful.")
}

func TestSession_Retrieve(t *testing.T) {
	root := newTestRoot(t)
	big := strings.Repeat("0123456789abcdef", 1000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), []byte(big), 0o644))

	_, addr := startTestServer(t, Config{}, root)
	c := dialTestClient(t, addr)
	c.login()

	t.Run("small file", func(t *testing.T) {
		data := dialData(t, c.pasv())
		assert.Equal(t, "150 Opening PASSIVE mode data transfer for RETR.", c.cmd("RETR data/readme.txt"))
		body, err := io.ReadAll(data)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
		c.expect("226 Closing data connection, file transfer successful.")
	})

	t.Run("several chunks", func(t *testing.T) {
		data := dialData(t, c.pasv())
		assert.Equal(t, "150 Opening PASSIVE mode data transfer for RETR.", c.cmd("RETR /big.bin"))
		body, err := io.ReadAll(data)
		require.NoError(t, err)
		assert.Equal(t, big, string(body))
		c.expect("226 Closing data connection, file transfer successful.")
	})

	t.Run("missing file", func(t *testing.T) {
		c.pasv()
		assert.Equal(t, "505 Requested action not taken. File or data connection unavailable.", c.cmd("RETR nope.txt"))
	})

	t.Run("directory", func(t *testing.T) {
		assert.Equal(t, "505 Requested action not taken. File or data connection unavailable.", c.cmd("RETR data"))
	})

	t.Run("escape attempt stays in the root", func(t *testing.T) {
		data := dialData(t, c.pasv())
		assert.Equal(t, "150 Opening PASSIVE mode data transfer for RETR.", c.cmd("RETR ../../../data/readme.txt"))
		body, err := io.ReadAll(data)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
		c.expect("226 Closing data connection, file transfer successful.")
	})
}

// resetData closes a data connection with a TCP reset.
func resetData(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
	require.NoError(t, conn.Close())
}

func TestSession_TransferAbortedAfterOpening(t *testing.T) {
	root := newTestRoot(t)
	// more than loopback socket buffers can hold
	huge := make([]byte, 32<<20)
	require.NoError(t, os.WriteFile(filepath.Join(root, "huge.bin"), huge, 0o644))

	_, addr := startTestServer(t, Config{}, root)
	c := dialTestClient(t, addr)
	c.login()

	tests := []struct {
		name    string
		command string
		abort   func(t *testing.T, data net.Conn)
	}{
		{"store reset by client", "STOR data/partial.bin", func(t *testing.T, data net.Conn) {
			_, err := io.WriteString(data, "partial upload")
			require.NoError(t, err)
			resetData(t, data)
		}},
		{"retrieve reset by client", "RETR huge.bin", func(t *testing.T, data net.Conn) {
			buf := make([]byte, 4096)
			_, err := io.ReadFull(data, buf)
			require.NoError(t, err)
			resetData(t, data)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := dialData(t, c.pasv())
			verb, _ := ParseCommand(tt.command)
			assert.Equal(t, fmt.Sprintf("150 Opening PASSIVE mode data transfer for %s.", verb), c.cmd(tt.command))
			tt.abort(t, data)

			// 426 replaces the 226, and the session keeps answering
			c.expect("426 Connection closed; transfer aborted.")
			assert.Equal(t, "200 OK.", c.cmd("NOOP"))
		})
	}
}

func TestSession_NoDataChannel(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)
	c.login()

	assert.Equal(t, "505 Requested action not taken. File or data connection unavailable.", c.cmd("RETR data/readme.txt"))
	assert.Equal(t, "450 Requested file action not taken.", c.cmd("LIST"))
	assert.Equal(t, "505 Requested action not taken. File or data connection unavailable.", c.cmd("STOR new.txt"))
}

func TestSession_StoreAndDelete(t *testing.T) {
	root := newTestRoot(t)
	_, addr := startTestServer(t, Config{}, root)
	c := dialTestClient(t, addr)
	c.login()
	assert.Equal(t, "250 Requested file action okay, completed.", c.cmd("CWD data"))

	data := dialData(t, c.pasv())
	assert.Equal(t, "150 Opening PASSIVE mode data transfer for STOR.", c.cmd("STOR upload.txt"))
	_, err := io.WriteString(data, "uploaded content")
	require.NoError(t, err)
	require.NoError(t, data.Close())
	c.expect("226 Closing data connection, file transfer successful.")

	stored, err := os.ReadFile(filepath.Join(root, "data", "upload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "uploaded content", string(stored))

	assert.Equal(t, "505 Requested action not taken. File or data connection unavailable.", c.cmd("STOR /missing/upload.txt"))
	assert.Equal(t, "505 Requested action not taken. File or data connection unavailable.", c.cmd("STOR sub"))

	assert.Equal(t, "250 Requested file action okay, completed.", c.cmd("DELE upload.txt"))
	assert.NoFileExists(t, filepath.Join(root, "data", "upload.txt"))
	assert.Equal(t, "505 Requested action not taken. File or data connection unavailable.", c.cmd("DELE upload.txt"))
	assert.Equal(t, "505 Requested action not taken. File or data connection unavailable.", c.cmd("DELE sub"))
	assert.DirExists(t, filepath.Join(root, "data", "sub"))
}

// listenLowPort listens on a loopback port that EPRT can express.
func listenLowPort(t *testing.T) (net.Listener, int) {
	t.Helper()
	for port := 20000; port < MaxDataPort; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			t.Cleanup(func() { listener.Close() })
			return listener, port
		}
	}
	t.Fatal("no free port")
	return nil, 0
}

func acceptData(t *testing.T, listener net.Listener) <-chan []byte {
	t.Helper()
	received := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(testTimeout))
		body, _ := io.ReadAll(conn)
		received <- body
	}()
	return received
}

func TestSession_ActiveMode(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)
	c.login()

	t.Run("PORT", func(t *testing.T) {
		listener, port := listenLowPort(t)
		received := acceptData(t, listener)
		hi, lo := SplitPort(port)

		assert.Equal(t, "200 OK.", c.cmd(fmt.Sprintf("PORT 127,0,0,1,%d,%d", hi, lo)))
		assert.Equal(t, "150 Opening ACTIVE mode data transfer for RETR.", c.cmd("RETR data/readme.txt"))
		assert.Equal(t, "hello", string(<-received))
		c.expect("226 Closing data connection, file transfer successful.")
	})

	t.Run("EPRT", func(t *testing.T) {
		listener, port := listenLowPort(t)
		received := acceptData(t, listener)

		assert.Equal(t, "200 OK.", c.cmd(fmt.Sprintf("EPRT |1|127.0.0.1|%d|", port)))
		assert.Equal(t, "150 Opening ACTIVE mode data transfer for LIST.", c.cmd("LIST data"))
		body := string(<-received)
		assert.Contains(t, body, "readme.txt\r\n")
		c.expect("226 Closing data connection, file transfer successful.")
	})

	t.Run("bad arguments", func(t *testing.T) {
		tests := []struct {
			line string
			want string
		}{
			{"PORT 127,0,0,1,4", "501 Syntax error in parameters or arguments."},
			{"PORT 127,0,0,1,300,1", "501 Syntax error in parameters or arguments."},
			{"EPRT |3|127.0.0.1|2000|", "522 Network protocol not supported, use (1, 2)."},
			{"EPRT |1|127.0.0.1|40000|", "501 Syntax error in parameters or arguments."},
			{"EPRT |1|127.0.0.1|", "501 Syntax error in parameters or arguments."},
			{"EPRT", "501 Syntax error in parameters or arguments."},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.want, c.cmd(tt.line), tt.line)
		}
	})
}

func TestSession_ExtendedPassive(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)
	c.login()

	port := c.epsv("")
	assert.True(t, port >= 1 && port <= MaxDataPort, port)

	data := dialData(t, fmt.Sprintf("127.0.0.1:%d", port))
	assert.Equal(t, "150 Opening PASSIVE mode data transfer for RETR.", c.cmd("RETR data/readme.txt"))
	body, err := io.ReadAll(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	c.expect("226 Closing data connection, file transfer successful.")

	port = c.epsv("1")
	assert.True(t, port >= 1 && port <= MaxDataPort, port)

	assert.Equal(t, "522 Network protocol not supported, use (1, 2).", c.cmd("EPSV 3"))
	assert.Equal(t, "501 Syntax error in parameters or arguments.", c.cmd("EPSV ALL"))
	assert.Equal(t, "501 Syntax error in parameters or arguments.", c.cmd("EPSV |||40000|"))
}

func TestSession_ConcurrentReplies(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)
	c.login()

	data := dialData(t, c.pasv())
	assert.Equal(t, "150 Opening PASSIVE mode data transfer for STOR.", c.cmd("STOR slow.txt"))
	// the control channel keeps answering while the upload runs
	assert.Equal(t, "200 OK.", c.cmd("NOOP"))
	assert.Equal(t, `257 "/" is current directory.`, c.cmd("PWD"))
	_, err := io.WriteString(data, "late")
	require.NoError(t, err)
	require.NoError(t, data.Close())
	c.expect("226 Closing data connection, file transfer successful.")
}

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	config, err := keys.TLSConfig("", "", "localhost", "127.0.0.1")
	require.NoError(t, err)
	return config
}

func TestSession_AuthTLS(t *testing.T) {
	_, addr := startTestServer(t, Config{TLSConfig: testTLSConfig(t)}, newTestRoot(t))
	c := dialTestClient(t, addr)

	assert.Equal(t, "504 Command not implemented for that parameter.", c.cmd("AUTH SSL"))
	assert.Equal(t, "234 Enabling TLS Connection.", c.cmd("AUTH TLS"))

	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"})
	require.NoError(t, tlsConn.Handshake())
	secure := &testClient{t: t, conn: tlsConn, Conn: textproto.NewConn(tlsConn)}

	secure.login()
	assert.Equal(t, `257 "/" is current directory.`, secure.cmd("PWD"))
	assert.Equal(t, "503 Bad sequence of commands.", secure.cmd("AUTH TLS"))

	// data connections stay in clear text
	data := dialData(t, secure.pasv())
	assert.Equal(t, "150 Opening PASSIVE mode data transfer for RETR.", secure.cmd("RETR data/readme.txt"))
	body, err := io.ReadAll(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	secure.expect("226 Closing data connection, file transfer successful.")

	assert.Equal(t, "221 Service closing control connection.", secure.cmd("QUIT"))
}

func TestSession_AuthWithoutCertificate(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)

	assert.Equal(t, "504 Command not implemented for that parameter.", c.cmd("AUTH TLS"))
	assert.Equal(t, "200 OK.", c.cmd("NOOP"))
}

func TestSession_AuthWithPipelinedInput(t *testing.T) {
	_, addr := startTestServer(t, Config{TLSConfig: testTLSConfig(t)}, newTestRoot(t))
	c := dialTestClient(t, addr)

	// both lines in one write land in the server's read buffer together
	_, err := io.WriteString(c.conn, "AUTH TLS\r\nNOOP\r\n")
	require.NoError(t, err)

	c.expect("503 Commands received after AUTH, upgrade refused.")
	c.expect("200 OK.")
	// the control channel is still clear text and usable
	assert.Equal(t, "215 UNIX Type: L8", c.cmd("SYST"))
}

func TestSession_CommandLineTooLong(t *testing.T) {
	_, addr := startTestServer(t, Config{}, newTestRoot(t))
	c := dialTestClient(t, addr)

	tests := []struct {
		name string
		line string
	}{
		{"long verb", strings.Repeat("A", 3*MaxLineLength)},
		{"long argument", "CWD " + strings.Repeat("d", MaxLineLength)},
		{"one past the limit", "NOOP " + strings.Repeat("d", MaxLineLength-len("NOOP \r\n")+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "500 Command line too long.", c.cmd(tt.line))
			// the rest of the line is skipped and the session goes on
			assert.Equal(t, "200 OK.", c.cmd("NOOP"))
		})
	}

	t.Run("at the limit", func(t *testing.T) {
		// verb, space and CRLF fill the rest of the limit
		arg := strings.Repeat("d", MaxLineLength-len("NOOP \r\n"))
		assert.Equal(t, "200 OK.", c.cmd("NOOP "+arg))
	})
}

func TestSession_PASVOnIPv6(t *testing.T) {
	v6, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skip("no IPv6 loopback")
	}

	server, err := NewServer(Config{PasvMinPort: 20000, PasvMaxPort: 32000}, filesystem.NewLocalFS(newTestRoot(t)))
	require.NoError(t, err)
	server.SetLogger(testLogger())
	go server.Serve(v6)
	t.Cleanup(func() { server.Close() })

	c := dialTestClient(t, v6.Addr().String())
	assert.Equal(t, "425 Can't open data connection.", c.cmd("PASV"))
	assert.Regexp(t, `^229 Entering Extended Passive Mode`, c.cmd("EPSV"))
}
