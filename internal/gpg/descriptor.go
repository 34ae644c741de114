package gpg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// NonceLength is the size of the authentication nonce in a socket file.
const NonceLength = 16

const maxPort = 65535

var (
	ErrInvalidPortDigit = errors.New("gpg: invalid digit in port number")
	ErrPortOutOfRange   = errors.New("gpg: port number out of range")
	ErrTruncatedNonce   = errors.New("gpg: nonce is shorter than 16 bytes")
	ErrTrailingData     = errors.New("gpg: trailing data after nonce")
)

// ParseError describes where a socket file failed to decode. Err is one of
// the Err* sentinels above.
type ParseError struct {
	Offset int
	Err    error
	Extra  int
}

func (e *ParseError) Error() string {
	if e.Extra > 0 {
		return fmt.Sprintf("%v: %d extra bytes at offset %d", e.Err, e.Extra, e.Offset)
	}
	return fmt.Sprintf("%v (offset %d)", e.Err, e.Offset)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SocketDescriptor is the content of a gpg-agent socket file on Windows.
type SocketDescriptor struct {
	Port  uint16
	Nonce [NonceLength]byte
}

// ParseDescriptor decodes a socket file of the form "<port>\n<16-byte nonce>".
// The port is checked against 65535 as each digit is accumulated, and the
// nonce must be exactly NonceLength bytes with nothing after it.
func ParseDescriptor(data []byte) (SocketDescriptor, error) {
	var port uint32
	digits := 0
	offset := 0

	for ; offset < len(data); offset++ {
		b := data[offset]
		if b == '\n' {
			break
		}
		if b < '0' || b > '9' {
			return SocketDescriptor{}, &ParseError{Offset: offset, Err: ErrInvalidPortDigit}
		}

		port = port*10 + uint32(b-'0')
		if port > maxPort {
			return SocketDescriptor{}, &ParseError{Offset: offset, Err: ErrPortOutOfRange}
		}
		digits++
	}

	if offset == len(data) {
		return SocketDescriptor{}, &ParseError{Offset: offset, Err: ErrTruncatedNonce}
	}
	if digits == 0 {
		return SocketDescriptor{}, &ParseError{Offset: offset, Err: ErrInvalidPortDigit}
	}

	// skip the newline
	offset++

	remaining := data[offset:]
	if len(remaining) < NonceLength {
		return SocketDescriptor{}, &ParseError{Offset: len(data), Err: ErrTruncatedNonce}
	}
	if len(remaining) > NonceLength {
		return SocketDescriptor{}, &ParseError{
			Offset: offset + NonceLength,
			Err:    ErrTrailingData,
			Extra:  len(remaining) - NonceLength,
		}
	}

	descriptor := SocketDescriptor{Port: uint16(port)}
	copy(descriptor.Nonce[:], remaining)

	return descriptor, nil
}

// MarshalBinary encodes the descriptor in the socket file layout.
func (d SocketDescriptor) MarshalBinary() ([]byte, error) {
	data := strconv.AppendUint(nil, uint64(d.Port), 10)
	data = append(data, '\n')
	data = append(data, d.Nonce[:]...)
	return data, nil
}

// Address returns the loopback address gpg-agent listens on.
func (d SocketDescriptor) Address() string {
	return fmt.Sprintf("127.0.0.1:%d", d.Port)
}

// ReadDescriptor reads and decodes the socket file at path.
func ReadDescriptor(path string) (SocketDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SocketDescriptor{}, fmt.Errorf("failed to read gpg-agent socket file %q: %w", path, err)
	}

	descriptor, err := ParseDescriptor(data)
	if err != nil {
		return SocketDescriptor{}, fmt.Errorf("failed to parse gpg-agent socket file %q: %w", path, err)
	}

	return descriptor, nil
}
