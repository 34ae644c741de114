package gpg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Dialer opens the connection to gpg-agent. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Stats counts the bytes relayed in each direction.
type Stats struct {
	Sent     int64
	Received int64
}

// Starter gives gpg-agent a chance to start.
type Starter interface {
	Start(ctx context.Context) error
}

// Bridge relays a local stream to gpg-agent over its loopback port.
type Bridge struct {
	Descriptor SocketDescriptor

	// SocketPath, when set, is read for the descriptor on every connection
	// attempt instead of using Descriptor.
	SocketPath string

	// Starter, when set, is run once if the socket file is missing or the
	// agent refuses the connection. The connection is then tried again.
	Starter Starter

	Dialer Dialer

	// DrainTimeout bounds how long agent output is still relayed after the
	// local input has closed. Zero shuts the read side down immediately.
	DrainTimeout time.Duration

	Logger zerolog.Logger
}

type copyResult struct {
	n   int64
	err error
}

// Run connects to the agent, authenticates with the nonce and copies bytes
// in both directions. A worker copies agent output to out while in is
// copied to the agent. When in reaches EOF the connection is shut down for
// writing and its read side is forced closed after DrainTimeout, so Run
// returns without waiting on the agent to hang up. Run returns only after
// the worker has exited.
//
// Any other I/O error in either direction, or cancelling ctx, aborts the
// relay at once: the connection is closed, in is closed if it is an
// io.Closer, and a read still pending on in is abandoned.
func (b Bridge) Run(ctx context.Context, in io.Reader, out io.Writer) (Stats, error) {
	dialer := b.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	conn, descriptor, err := b.connect(ctx, dialer)
	if err != nil {
		return Stats{}, err
	}
	defer conn.Close()

	address := descriptor.Address()
	b.Logger.Debug().Str("address", address).Msg("authenticating")
	_, err = conn.Write(descriptor.Nonce[:])
	if err != nil {
		return Stats{}, fmt.Errorf("failed to send nonce to gpg-agent at %s: %w", address, err)
	}

	var (
		stats    Stats
		draining atomic.Bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := io.Copy(out, conn)
		stats.Received = n
		if err != nil && !(draining.Load() && isExpectedCloseError(err)) {
			return fmt.Errorf("failed to copy from gpg-agent to output: %w", err)
		}
		b.Logger.Debug().Int64("bytes", n).Msg("agent->output closed")
		return nil
	})

	input := make(chan copyResult, 1)
	go func() {
		n, err := io.Copy(conn, in)
		input <- copyResult{n, err}
	}()

	var copyErr, shutdownErr error
	select {
	case result := <-input:
		stats.Sent = result.n
		copyErr = result.err
		b.Logger.Debug().Int64("bytes", result.n).Msg("input->agent closed")

		draining.Store(true)
		shutdownErr = shutdown(conn, b.DrainTimeout)
	case <-gctx.Done():
		b.Logger.Debug().Msg("relay aborted")
		conn.Close()
		if closer, ok := in.(io.Closer); ok {
			closer.Close()
		}
	}

	waitErr := g.Wait()
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	if waitErr != nil {
		return stats, waitErr
	}

	if copyErr != nil {
		return stats, fmt.Errorf("failed to copy from input to gpg-agent: %w", copyErr)
	}

	if shutdownErr != nil {
		return stats, fmt.Errorf("failed to shut down gpg-agent connection: %w", shutdownErr)
	}

	return stats, nil
}

// connect dials the agent, running Starter once and retrying when the
// agent looks stopped.
func (b Bridge) connect(ctx context.Context, dialer Dialer) (net.Conn, SocketDescriptor, error) {
	conn, descriptor, err := b.dial(ctx, dialer)
	if err == nil || b.Starter == nil || !isAgentDown(err) {
		return conn, descriptor, err
	}

	b.Logger.Info().Err(err).Msg("gpg-agent not reachable, starting agent")
	startErr := b.Starter.Start(ctx)
	if startErr != nil {
		return nil, SocketDescriptor{}, fmt.Errorf("%w\nstarting gpg-agent also failed: %v", err, startErr)
	}

	return b.dial(ctx, dialer)
}

func (b Bridge) dial(ctx context.Context, dialer Dialer) (net.Conn, SocketDescriptor, error) {
	descriptor := b.Descriptor
	if b.SocketPath != "" {
		var err error
		descriptor, err = ReadDescriptor(b.SocketPath)
		if err != nil {
			return nil, SocketDescriptor{}, err
		}
	}

	address := descriptor.Address()
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, SocketDescriptor{}, fmt.Errorf("failed to connect to gpg-agent at %s: %w", address, err)
	}

	return conn, descriptor, nil
}

// isAgentDown reports whether err means no agent is running: the socket
// file is missing or nothing accepts connections on its port.
func isAgentDown(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// shutdown closes the write half and arms a read deadline so the worker's
// pending read returns.
func shutdown(conn net.Conn, drain time.Duration) error {
	if closer, ok := conn.(interface{ CloseWrite() error }); ok {
		err := closer.CloseWrite()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}

	err := conn.SetReadDeadline(time.Now().Add(drain))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

// isExpectedCloseError reports whether err is the result of tearing the
// connection down after the input closed.
func isExpectedCloseError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNRESET || errno == syscall.EPIPE
	}

	return false
}
