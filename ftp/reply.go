package ftp

import (
	"fmt"
	"strings"
)

// LineEnd terminates every command and reply line on the control channel.
const LineEnd = "\r\n"

// Reply is a single line sent back on the control channel.
type Reply struct {
	Code StatusCode
	Text string
}

// NewReply returns the reply for code with its canned text.
func NewReply(code StatusCode) Reply {
	return Reply{Code: code, Text: StatusText(code)}
}

// Replyf returns a reply for code with a formatted text.
func Replyf(code StatusCode, format string, args ...any) Reply {
	return Reply{Code: code, Text: fmt.Sprintf(format, args...)}
}

// String renders the reply without the line terminator.
func (r Reply) String() string {
	// a reply is always a single line
	text := strings.NewReplacer("\r", " ", "\n", " ").Replace(r.Text)
	return fmt.Sprintf("%03d %s", r.Code, text)
}

func replyPWD(virtualPath string) Reply {
	// RFC 959 doubles embedded quotes
	return Replyf(StatusPathnameCreated, "\"%s\" is current directory.", strings.ReplaceAll(virtualPath, `"`, `""`))
}

func replyOpening(passive bool, command Command) Reply {
	mode := "ACTIVE"
	if passive {
		mode = "PASSIVE"
	}
	return Replyf(StatusFileStatusOK, "Opening %s mode data transfer for %s.", mode, command)
}
