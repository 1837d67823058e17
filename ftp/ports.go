package ftp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MaxDataPort is the highest port accepted by EPRT/EPSV and handed out for
// passive listeners. The extended commands validate ports as signed 16 bit
// values, so everything above it is out of range.
const MaxDataPort = 32767

var (
	// ErrMalformedArgument is returned when a PORT/EPRT/EPSV argument cannot be parsed.
	ErrMalformedArgument = errors.New("malformed argument")
	// ErrUnsupportedProtocol is returned when EPRT/EPSV names a protocol other than 1 or 2.
	ErrUnsupportedProtocol = errors.New("network protocol not supported")
	// ErrPortOutOfRange is returned when a port is outside 0..MaxDataPort.
	ErrPortOutOfRange = errors.New("port is out of valid range")
)

// Endpoint is the address and port of a data connection target.
type Endpoint struct {
	Address string
	Port    int
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// SplitPort splits a port into its big endian high and low bytes.
func SplitPort(port int) (hi, lo byte) {
	return byte(port >> 8), byte(port)
}

// JoinPort rebuilds a port from its big endian high and low bytes.
func JoinPort(hi, lo byte) int {
	return int(hi)<<8 | int(lo)
}

// ParsePORT parses the legacy "h1,h2,h3,h4,p1,p2" argument.
func ParsePORT(arg string) (Endpoint, error) {
	fields := strings.Split(arg, ",")
	if len(fields) != 6 {
		return Endpoint{}, fmt.Errorf("%w: expected 6 fields, got %d", ErrMalformedArgument, len(fields))
	}

	octets := make([]byte, 6)
	for i, field := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 8)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: field %d %q", ErrMalformedArgument, i+1, field)
		}
		octets[i] = byte(v)
	}

	ip := net.IPv4(octets[0], octets[1], octets[2], octets[3])
	return Endpoint{Address: ip.String(), Port: JoinPort(octets[4], octets[5])}, nil
}

// ParseEPRT parses the extended "|proto|addr|port|" argument. The first
// character is the delimiter, as RFC 2428 allows any printable one.
func ParseEPRT(arg string) (Endpoint, error) {
	if len(arg) < 2 {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrMalformedArgument, arg)
	}

	fields := strings.Split(arg, arg[:1])
	if len(fields) != 5 || fields[0] != "" || fields[4] != "" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrMalformedArgument, arg)
	}

	protocol, err := strconv.Atoi(fields[1])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: protocol %q", ErrMalformedArgument, fields[1])
	}
	port, err := strconv.Atoi(fields[3])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: port %q", ErrMalformedArgument, fields[3])
	}

	if protocol != 1 && protocol != 2 {
		return Endpoint{}, fmt.Errorf("%w: %d", ErrUnsupportedProtocol, protocol)
	}
	if port < 0 || port > MaxDataPort {
		return Endpoint{}, fmt.Errorf("%w: %d", ErrPortOutOfRange, port)
	}
	if net.ParseIP(fields[2]) == nil {
		return Endpoint{}, fmt.Errorf("%w: address %q", ErrMalformedArgument, fields[2])
	}

	return Endpoint{Address: fields[2], Port: port}, nil
}

// ParseEPSV parses the optional EPSV argument and returns the requested
// listening port, 0 meaning any. It accepts "|||port|" and a bare protocol
// number.
func ParseEPSV(arg string) (int, error) {
	if arg == "" {
		return 0, nil
	}

	if protocol, err := strconv.Atoi(arg); err == nil {
		if protocol != 1 && protocol != 2 {
			return 0, fmt.Errorf("%w: %d", ErrUnsupportedProtocol, protocol)
		}
		return 0, nil
	}

	fields := strings.Split(arg, arg[:1])
	if len(fields) != 5 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedArgument, arg)
	}

	port, err := strconv.Atoi(fields[3])
	if err != nil {
		return 0, fmt.Errorf("%w: port %q", ErrMalformedArgument, fields[3])
	}
	if port < 0 || port > MaxDataPort {
		return 0, fmt.Errorf("%w: %d", ErrPortOutOfRange, port)
	}
	return port, nil
}

// FormatPASV renders the "(h1,h2,h3,h4,p1,p2)" part of a 227 reply.
func FormatPASV(ip net.IP, port int) string {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	hi, lo := SplitPort(port)
	return fmt.Sprintf("(%d,%d,%d,%d,%d,%d)", v4[0], v4[1], v4[2], v4[3], hi, lo)
}

// FormatEPSV renders the "(||||port|)" part of a 229 reply.
func FormatEPSV(port int) string {
	return fmt.Sprintf("(||||%d|)", port)
}
