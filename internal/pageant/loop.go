package pageant

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Exchanger performs one agent round trip.
type Exchanger interface {
	Exchange(ctx context.Context, endpoint Endpoint, request []byte) ([]byte, error)
}

type flusher interface {
	Flush() error
}

// Loop reads framed agent requests and writes back the agent's replies,
// one at a time.
type Loop struct {
	Client   Exchanger
	Endpoint Endpoint
	Logger   zerolog.Logger
}

// Run serves requests from in until it is closed. Each request is a
// 4-byte big-endian length followed by that many bytes; the whole frame is
// passed to the agent and its reply is written to out and flushed before
// the next request is read. EOF between frames ends the loop without
// error.
func (l Loop) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	var header [4]byte

	for count := 1; ; count++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := io.ReadFull(in, header[:])
		if errors.Is(err, io.EOF) {
			l.Logger.Debug().Int("requests", count-1).Msg("input closed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read request length: %w", err)
		}

		length := 4 + uint64(binary.BigEndian.Uint32(header[:]))
		if length > MaxMessageLength {
			return fmt.Errorf("%w: %d bytes", ErrRequestTooLarge, length)
		}

		request := make([]byte, length)
		copy(request, header[:])
		_, err = io.ReadFull(in, request[4:])
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}

		l.Logger.Debug().Int("request", count).Uint64("length", length).Msg("request read")

		response, err := l.Client.Exchange(ctx, l.Endpoint, request)
		if err != nil {
			return err
		}

		_, err = out.Write(response)
		if err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}

		if f, ok := out.(flusher); ok {
			err = f.Flush()
			if err != nil {
				return fmt.Errorf("failed to flush response: %w", err)
			}
		}

		l.Logger.Debug().Int("request", count).Int("length", len(response)).Msg("response written")
	}
}
